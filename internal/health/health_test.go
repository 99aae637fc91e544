package health

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hearthly/hearth/internal/circuitbreaker"
)

func healthy(context.Context) Status { return Status{Healthy: true} }

func TestRegistry_Empty(t *testing.T) {
	ok, statuses := NewRegistry().CheckAll(context.Background())
	assert.True(t, ok)
	assert.Empty(t, statuses)
}

func TestRegistry_AggregatesInOrder(t *testing.T) {
	r := NewRegistry()
	r.Register("database", healthy)
	r.Register("redis", func(context.Context) Status {
		return Status{Healthy: false, Detail: "connection refused"}
	})

	ok, statuses := r.CheckAll(context.Background())
	assert.False(t, ok)
	require.Len(t, statuses, 2)
	assert.Equal(t, "database", statuses[0].Name)
	assert.Equal(t, "redis", statuses[1].Name)
	assert.True(t, statuses[1].Critical)
	assert.Equal(t, "connection refused", statuses[1].Detail)
}

func TestRegistry_InformationalDoesNotFail(t *testing.T) {
	r := NewRegistry()
	r.Register("database", healthy)
	r.RegisterInformational("processor", func(context.Context) Status {
		return Status{Healthy: false, Detail: "open circuits: subscriptions.get"}
	})

	ok, statuses := r.CheckAll(context.Background())
	assert.True(t, ok)
	assert.False(t, statuses[1].Healthy)
	assert.False(t, statuses[1].Critical)
}

func TestRegistry_Timeout(t *testing.T) {
	r := NewRegistry().WithTimeout(20 * time.Millisecond)
	r.Register("slow", func(ctx context.Context) Status {
		<-ctx.Done()
		time.Sleep(50 * time.Millisecond)
		return Status{Healthy: true}
	})

	start := time.Now()
	ok, statuses := r.CheckAll(context.Background())
	assert.False(t, ok)
	assert.Equal(t, "check timed out", statuses[0].Detail)
	assert.Less(t, time.Since(start), time.Second)
}

func TestPingChecker(t *testing.T) {
	assert.True(t, PingChecker(func(context.Context) error { return nil })(context.Background()).Healthy)

	s := PingChecker(func(context.Context) error { return errors.New("dial tcp: refused") })(context.Background())
	assert.False(t, s.Healthy)
	assert.Equal(t, "dial tcp: refused", s.Detail)
}

func TestBreakerChecker(t *testing.T) {
	b := circuitbreaker.New(1, time.Minute)
	check := BreakerChecker(b)
	assert.True(t, check(context.Background()).Healthy)

	b.RecordFailure("subscriptions.get")
	s := check(context.Background())
	assert.False(t, s.Healthy)
	assert.Contains(t, s.Detail, "subscriptions.get")
}
