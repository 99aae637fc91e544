package rescue

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory offer store for demo/development.
type MemoryStore struct {
	mu       sync.RWMutex
	offers   map[string]*Offer
	byCircle map[string]string // circleID → open offer ID
}

// NewMemoryStore creates a new in-memory offer store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		offers:   make(map[string]*Offer),
		byCircle: make(map[string]string),
	}
}

func (m *MemoryStore) CreateOpen(_ context.Context, o *Offer) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.byCircle[o.CircleID]; exists {
		return false, nil
	}
	cp := *o
	cp.Status = StatusOpen
	m.offers[o.ID] = &cp
	m.byCircle[o.CircleID] = o.ID
	return true, nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*Offer, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	o, ok := m.offers[id]
	if !ok {
		return nil, ErrOfferNotFound
	}
	return copyOffer(o), nil
}

func (m *MemoryStore) GetOpenByCircle(_ context.Context, circleID string) (*Offer, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.byCircle[circleID]
	if !ok {
		return nil, ErrOfferNotFound
	}
	return copyOffer(m.offers[id]), nil
}

func (m *MemoryStore) ListOpenForCircles(_ context.Context, circleIDs []string) ([]*Offer, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Offer
	for _, circleID := range circleIDs {
		if id, ok := m.byCircle[circleID]; ok {
			out = append(out, copyOffer(m.offers[id]))
		}
	}
	sortByDeadline(out)
	return out, nil
}

func (m *MemoryStore) ListOpenByOwner(_ context.Context, ownerID string) ([]*Offer, error) {
	return m.filterOpen(func(o *Offer) bool { return o.OwnerID == ownerID }, 0), nil
}

func (m *MemoryStore) ListExpirable(_ context.Context, now time.Time, limit int) ([]*Offer, error) {
	return m.filterOpen(func(o *Offer) bool { return !o.Deadline.After(now) }, limit), nil
}

func (m *MemoryStore) filterOpen(keep func(*Offer) bool, limit int) []*Offer {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Offer
	for _, id := range m.byCircle {
		if o := m.offers[id]; keep(o) {
			out = append(out, copyOffer(o))
		}
	}
	sortByDeadline(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

func (m *MemoryStore) Claim(_ context.Context, id, claimantID string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	o, ok := m.offers[id]
	if !ok {
		return ErrOfferNotFound
	}
	if o.Status != StatusOpen {
		return ErrOfferUnavailable
	}
	t := at
	o.Status = StatusClaimed
	o.ClaimedBy = claimantID
	o.ClaimedAt = &t
	o.UpdatedAt = at
	delete(m.byCircle, o.CircleID)
	return nil
}

func (m *MemoryStore) Transition(_ context.Context, id string, from, to Status, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	o, ok := m.offers[id]
	if !ok {
		return ErrOfferNotFound
	}
	if o.Status != from {
		return ErrOfferUnavailable
	}
	if to == StatusOpen {
		if _, taken := m.byCircle[o.CircleID]; taken {
			return ErrOfferUnavailable
		}
		m.byCircle[o.CircleID] = o.ID
		o.ClaimedBy = ""
		o.ClaimedAt = nil
	} else if from == StatusOpen {
		delete(m.byCircle, o.CircleID)
	}
	o.Status = to
	o.UpdatedAt = at
	return nil
}

func copyOffer(o *Offer) *Offer {
	cp := *o
	if o.ClaimedAt != nil {
		t := *o.ClaimedAt
		cp.ClaimedAt = &t
	}
	return &cp
}

func sortByDeadline(offers []*Offer) {
	sort.Slice(offers, func(i, j int) bool {
		if offers[i].Deadline.Equal(offers[j].Deadline) {
			return offers[i].ID < offers[j].ID
		}
		return offers[i].Deadline.Before(offers[j].Deadline)
	})
}

var _ Store = (*MemoryStore)(nil)
