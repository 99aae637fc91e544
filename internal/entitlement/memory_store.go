package entitlement

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/hearthly/hearth/internal/pagination"
)

// MemoryStore is an in-memory entitlement store for demo/development.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]*Record // by user ID
}

// NewMemoryStore creates a new in-memory entitlement store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]*Record)}
}

func (m *MemoryStore) Get(_ context.Context, userID string) (*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	r, ok := m.records[userID]
	if !ok {
		return nil, ErrNotFound
	}
	return r.Clone(), nil
}

func (m *MemoryStore) Create(_ context.Context, r *Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.records[r.UserID]; exists {
		return ErrExists
	}
	cp := r.Clone()
	cp.Version = 1
	m.records[r.UserID] = cp
	r.Version = 1
	return nil
}

func (m *MemoryStore) Update(_ context.Context, r *Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.records[r.UserID]
	if !ok {
		return ErrNotFound
	}
	if cur.Version != r.Version {
		return ErrConflict
	}
	cp := r.Clone()
	cp.Version = r.Version + 1
	m.records[r.UserID] = cp
	r.Version = cp.Version
	return nil
}

func (m *MemoryStore) Raise(_ context.Context, userID string, in RaiseInput, now time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.records[userID]
	if ok && cur.Tier.Rank() >= in.Tier.Rank() {
		return false, nil
	}

	next := &Record{UserID: userID, CreatedAt: now, Version: 1}
	if ok {
		next = cur.Clone()
		next.Version = cur.Version + 1
	}
	next.Tier = in.Tier
	next.MaxCircles = in.Limits.MaxCircles
	next.MaxMembersPerCircle = in.Limits.MaxMembersPerCircle
	next.PendingTier = ""
	next.CancelAtPeriodEnd = false
	if in.CurrentPeriodEnd != nil {
		t := *in.CurrentPeriodEnd
		next.CurrentPeriodEnd = &t
	}
	if in.CustomerID != "" {
		next.CustomerID = in.CustomerID
	}
	if in.SubscriptionID != "" {
		next.SubscriptionID = in.SubscriptionID
	}
	next.UpdatedAt = now
	m.records[userID] = next
	return true, nil
}

func (m *MemoryStore) ListPage(_ context.Context, after *pagination.Cursor, limit int) ([]*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	all := make([]*Record, 0, len(m.records))
	for _, r := range m.records {
		if after != nil && !afterCursor(r, after) {
			continue
		}
		all = append(all, r.Clone())
	}
	sort.Slice(all, func(i, j int) bool {
		if all[i].CreatedAt.Equal(all[j].CreatedAt) {
			return all[i].UserID < all[j].UserID
		}
		return all[i].CreatedAt.Before(all[j].CreatedAt)
	})
	if limit > 0 && len(all) > limit {
		all = all[:limit]
	}
	return all, nil
}

func (m *MemoryStore) ListDue(_ context.Context, before time.Time, limit int) ([]*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var due []*Record
	for _, r := range m.records {
		if !r.HasPending() && !r.CancelAtPeriodEnd {
			continue
		}
		if r.CurrentPeriodEnd == nil || r.CurrentPeriodEnd.After(before) {
			continue
		}
		due = append(due, r.Clone())
	}
	sort.Slice(due, func(i, j int) bool { return due[i].CurrentPeriodEnd.Before(*due[j].CurrentPeriodEnd) })
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	return due, nil
}

func afterCursor(r *Record, c *pagination.Cursor) bool {
	if r.CreatedAt.After(c.CreatedAt) {
		return true
	}
	return r.CreatedAt.Equal(c.CreatedAt) && r.UserID > c.ID
}

var _ Store = (*MemoryStore)(nil)
