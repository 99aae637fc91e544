package reconcile

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hearthly/hearth/internal/idgen"
)

func TestMemoryEventLog(t *testing.T) {
	ctx := context.Background()
	log := NewMemoryEventLog(time.Hour)
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	log.now = func() time.Time { return now }

	fresh, err := log.MarkProcessed(ctx, "evt_1")
	require.NoError(t, err)
	assert.True(t, fresh)

	fresh, err = log.MarkProcessed(ctx, "evt_1")
	require.NoError(t, err)
	assert.False(t, fresh)

	require.NoError(t, log.Forget(ctx, "evt_1"))
	fresh, err = log.MarkProcessed(ctx, "evt_1")
	require.NoError(t, err)
	assert.True(t, fresh)

	now = now.Add(2 * time.Hour)
	fresh, err = log.MarkProcessed(ctx, "evt_1")
	require.NoError(t, err)
	assert.True(t, fresh, "expired IDs are processed again")
}

func TestRedisEventLog(t *testing.T) {
	url := os.Getenv("REDIS_URL")
	if url == "" {
		t.Skip("REDIS_URL not set")
	}
	opts, err := redis.ParseURL(url)
	require.NoError(t, err)
	client := redis.NewClient(opts)
	t.Cleanup(func() { _ = client.Close() })

	ctx := context.Background()
	log := NewRedisEventLog(client, time.Minute)
	id := idgen.WithPrefix("evt_test_")

	fresh, err := log.MarkProcessed(ctx, id)
	require.NoError(t, err)
	assert.True(t, fresh)

	fresh, err = log.MarkProcessed(ctx, id)
	require.NoError(t, err)
	assert.False(t, fresh)

	ttl, err := client.TTL(ctx, "hearth:webhook:event:"+id).Result()
	require.NoError(t, err)
	assert.Greater(t, ttl, time.Duration(0))

	require.NoError(t, log.Forget(ctx, id))
	fresh, err = log.MarkProcessed(ctx, id)
	require.NoError(t, err)
	assert.True(t, fresh)
	require.NoError(t, log.Forget(ctx, id))
}
