package ratelimit

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"

	"github.com/hearthly/hearth/internal/auth"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time { return c.t }

func newTestLimiter(t *testing.T, rpm, burst int) (*Limiter, *fakeClock) {
	t.Helper()
	clock := &fakeClock{t: time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)}
	l := New(Config{RequestsPerMinute: rpm, BurstSize: burst, IdleTTL: time.Minute})
	l.now = clock.now
	t.Cleanup(l.Stop)
	return l, clock
}

func TestLimiter_BurstThenRefill(t *testing.T) {
	l, clock := newTestLimiter(t, 60, 3)

	for i := 0; i < 3; i++ {
		assert.True(t, l.Allow("user:u_1"), "request %d within burst", i)
	}
	assert.False(t, l.Allow("user:u_1"))
	assert.True(t, l.Allow("user:u_2"), "callers are independent")

	clock.t = clock.t.Add(time.Second)
	assert.True(t, l.Allow("user:u_1"))
}

func TestLimiter_PrunesIdleBuckets(t *testing.T) {
	l, clock := newTestLimiter(t, 60, 3)
	l.Allow("a")
	clock.t = clock.t.Add(30 * time.Second)
	l.Allow("b")

	clock.t = clock.t.Add(45 * time.Second)
	l.prune()
	assert.Equal(t, 1, l.Tracked())
}

func TestLimiter_StopTwice(t *testing.T) {
	l := New(DefaultConfig())
	l.Stop()
	assert.NotPanics(t, l.Stop)
}

func TestMiddleware_KeysByUser(t *testing.T) {
	l, _ := newTestLimiter(t, 60, 1)

	r := gin.New()
	r.Use(func(c *gin.Context) {
		if u := c.GetHeader("X-Test-User"); u != "" {
			c.Set(auth.ContextKeyUserID, u)
		}
	}, l.Middleware())
	r.GET("/ping", func(c *gin.Context) { c.Status(http.StatusNoContent) })

	do := func(user string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, "/ping", nil)
		req.Header.Set("X-Test-User", user)
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		return w
	}

	assert.Equal(t, http.StatusNoContent, do("u_1").Code)
	w := do("u_1")
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Contains(t, w.Body.String(), `"code":"rate_limited"`)
	assert.Equal(t, "1", w.Header().Get("Retry-After"))
	assert.Equal(t, http.StatusNoContent, do("u_2").Code)
}
