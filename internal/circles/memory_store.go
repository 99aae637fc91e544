package circles

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory circle store for demo/development.
type MemoryStore struct {
	mu        sync.RWMutex
	circles   map[string]*Circle
	members   map[string]map[string]time.Time // circleID → userID → joined
	purchases map[string]*AddOnPurchase       // by session ID
}

// NewMemoryStore creates a new in-memory circle store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		circles:   make(map[string]*Circle),
		members:   make(map[string]map[string]time.Time),
		purchases: make(map[string]*AddOnPurchase),
	}
}

func (m *MemoryStore) Create(_ context.Context, c *Circle) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *c
	m.circles[c.ID] = &cp
	if _, ok := m.members[c.ID]; !ok {
		m.members[c.ID] = make(map[string]time.Time)
	}
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*Circle, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	c, ok := m.circles[id]
	if !ok {
		return nil, ErrCircleNotFound
	}
	cp := *c
	return &cp, nil
}

func (m *MemoryStore) ListOwned(_ context.Context, ownerID string) ([]*Circle, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Circle
	for _, c := range m.circles {
		if c.OwnerID == ownerID {
			cp := *c
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (m *MemoryStore) ListJoined(_ context.Context, userID string) ([]*Circle, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Circle
	for id, members := range m.members {
		if _, ok := members[userID]; !ok {
			continue
		}
		cp := *m.circles[id]
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MemoryStore) CountMembers(_ context.Context, circleID string) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if _, ok := m.circles[circleID]; !ok {
		return 0, ErrCircleNotFound
	}
	return len(m.members[circleID]), nil
}

func (m *MemoryStore) ListMemberIDs(_ context.Context, circleID string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if _, ok := m.circles[circleID]; !ok {
		return nil, ErrCircleNotFound
	}
	ids := make([]string, 0, len(m.members[circleID]))
	for id := range m.members[circleID] {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

func (m *MemoryStore) IsMember(_ context.Context, circleID, userID string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	_, ok := m.members[circleID][userID]
	return ok, nil
}

func (m *MemoryStore) AddMember(_ context.Context, circleID, userID string, limit int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.circles[circleID]
	if !ok {
		return ErrCircleNotFound
	}
	if c.OwnerID == userID {
		return ErrAlreadyMember
	}
	members := m.members[circleID]
	if _, exists := members[userID]; exists {
		return ErrAlreadyMember
	}
	if limit >= 0 && len(members)+1 >= limit {
		return ErrCircleFull
	}
	members[userID] = time.Now()
	return nil
}

func (m *MemoryStore) TransferOwnership(_ context.Context, circleID, fromOwner, toOwner string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.circles[circleID]
	if !ok {
		return ErrCircleNotFound
	}
	if c.OwnerID != fromOwner {
		return ErrOwnerChanged
	}
	members := m.members[circleID]
	if _, ok := members[toOwner]; !ok {
		return ErrNotMember
	}
	delete(members, toOwner)
	members[fromOwner] = time.Now()
	c.OwnerID = toOwner
	return nil
}

func (m *MemoryStore) RecordAddOnPurchase(_ context.Context, p *AddOnPurchase) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.circles[p.CircleID]; !ok {
		return false, ErrCircleNotFound
	}
	if _, seen := m.purchases[p.SessionID]; seen {
		return false, nil
	}
	cp := *p
	m.purchases[p.SessionID] = &cp
	return true, nil
}

func (m *MemoryStore) CountAddOnPurchases(_ context.Context, circleID string) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	n := 0
	for _, p := range m.purchases {
		if p.CircleID == circleID {
			n++
		}
	}
	return n, nil
}

func (m *MemoryStore) SetExtraMembers(_ context.Context, circleID string, extra int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.circles[circleID]
	if !ok {
		return ErrCircleNotFound
	}
	c.ExtraMembers = extra
	return nil
}

var _ Store = (*MemoryStore)(nil)
