package reconcile

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// MemoryEventLog keeps processed event IDs in memory. Suitable for a single
// instance; IDs are lost on restart.
type MemoryEventLog struct {
	mu   sync.Mutex
	seen map[string]time.Time // id → expiry
	ttl  time.Duration
	now  func() time.Time
}

// NewMemoryEventLog creates an in-memory event log.
func NewMemoryEventLog(ttl time.Duration) *MemoryEventLog {
	if ttl <= 0 {
		ttl = DefaultEventTTL
	}
	return &MemoryEventLog{seen: make(map[string]time.Time), ttl: ttl, now: time.Now}
}

func (m *MemoryEventLog) MarkProcessed(_ context.Context, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	if exp, ok := m.seen[id]; ok && now.Before(exp) {
		return false, nil
	}
	if len(m.seen) > 10000 {
		for k, exp := range m.seen {
			if !now.Before(exp) {
				delete(m.seen, k)
			}
		}
	}
	m.seen[id] = now.Add(m.ttl)
	return true, nil
}

func (m *MemoryEventLog) Forget(_ context.Context, id string) error {
	m.mu.Lock()
	delete(m.seen, id)
	m.mu.Unlock()
	return nil
}

// RedisEventLog shares processed event IDs across instances through Redis.
type RedisEventLog struct {
	client    *redis.Client
	keyPrefix string
	ttl       time.Duration
}

// NewRedisEventLog creates a Redis-backed event log.
func NewRedisEventLog(client *redis.Client, ttl time.Duration) *RedisEventLog {
	if ttl <= 0 {
		ttl = DefaultEventTTL
	}
	return &RedisEventLog{client: client, keyPrefix: "hearth:webhook:event:", ttl: ttl}
}

// MarkProcessed uses SETNX so concurrent deliveries of one event pick a
// single processor.
func (r *RedisEventLog) MarkProcessed(ctx context.Context, id string) (bool, error) {
	ok, err := r.client.SetNX(ctx, r.keyPrefix+id, "1", r.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("mark event %s processed: %w", id, err)
	}
	return ok, nil
}

func (r *RedisEventLog) Forget(ctx context.Context, id string) error {
	if err := r.client.Del(ctx, r.keyPrefix+id).Err(); err != nil {
		return fmt.Errorf("forget event %s: %w", id, err)
	}
	return nil
}

var (
	_ EventLog = (*MemoryEventLog)(nil)
	_ EventLog = (*RedisEventLog)(nil)
)
