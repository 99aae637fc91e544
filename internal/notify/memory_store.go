package notify

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/hearthly/hearth/internal/pagination"
)

// MemoryStore is an in-memory notification store for demo/development.
type MemoryStore struct {
	mu    sync.RWMutex
	byID  map[string]*Notification
	byKey map[string]string
}

// NewMemoryStore creates a new in-memory notification store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byID:  make(map[string]*Notification),
		byKey: make(map[string]string),
	}
}

func (m *MemoryStore) Create(_ context.Context, n *Notification) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, seen := m.byKey[n.Key]; seen {
		return false, nil
	}
	cp := *n
	m.byID[n.ID] = &cp
	m.byKey[n.Key] = n.ID
	return true, nil
}

func (m *MemoryStore) ListForUser(_ context.Context, userID string, before *pagination.Cursor, limit int) ([]*Notification, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Notification
	for _, n := range m.byID {
		if n.UserID != userID {
			continue
		}
		if before != nil && !olderThan(n, before) {
			continue
		}
		cp := *n
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) MarkRead(_ context.Context, userID, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	n, ok := m.byID[id]
	if !ok || n.UserID != userID {
		return ErrNotFound
	}
	if n.ReadAt == nil {
		t := at
		n.ReadAt = &t
	}
	return nil
}

func olderThan(n *Notification, c *pagination.Cursor) bool {
	if n.CreatedAt.Before(c.CreatedAt) {
		return true
	}
	return n.CreatedAt.Equal(c.CreatedAt) && n.ID < c.ID
}

var _ Store = (*MemoryStore)(nil)
