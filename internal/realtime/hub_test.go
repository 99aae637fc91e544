package realtime

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testHub(t *testing.T) (*Hub, *httptest.Server) {
	t.Helper()
	h := NewHub(slog.New(slog.NewTextHandler(io.Discard, nil)))
	ctx, cancel := context.WithCancel(context.Background())
	go h.Run(ctx)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h.ServeUser(w, r, r.URL.Query().Get("user"))
	}))
	t.Cleanup(func() {
		srv.Close()
		cancel()
	})
	return h, srv
}

func dial(t *testing.T, srv *httptest.Server, user string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/?user=" + user
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	_ = resp.Body.Close()
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func TestHub_DeliversOnlyToTargetUser(t *testing.T) {
	h, srv := testHub(t)
	alice := dial(t, srv, "alice")
	bob := dial(t, srv, "bob")

	require.Eventually(t, func() bool {
		return h.Connected("alice") == 1 && h.Connected("bob") == 1
	}, 2*time.Second, 10*time.Millisecond)

	h.PublishToUser("alice", EventNotification, map[string]string{"id": "n_1"})

	_ = alice.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, msg, err := alice.ReadMessage()
	require.NoError(t, err)

	var got struct {
		Type EventType         `json:"type"`
		Data map[string]string `json:"data"`
	}
	require.NoError(t, json.Unmarshal(msg, &got))
	assert.Equal(t, EventNotification, got.Type)
	assert.Equal(t, "n_1", got.Data["id"])

	_ = bob.SetReadDeadline(time.Now().Add(150 * time.Millisecond))
	_, _, err = bob.ReadMessage()
	assert.Error(t, err, "bob must not see alice's events")
}

func TestHub_MultipleConnectionsPerUser(t *testing.T) {
	h, srv := testHub(t)
	first := dial(t, srv, "alice")
	second := dial(t, srv, "alice")

	require.Eventually(t, func() bool { return h.Connected("alice") == 2 }, 2*time.Second, 10*time.Millisecond)
	h.PublishToUser("alice", EventRescueOffer, "ro_1")

	for _, conn := range []*websocket.Conn{first, second} {
		_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		_, msg, err := conn.ReadMessage()
		require.NoError(t, err)
		assert.Contains(t, string(msg), "rescue_offer")
	}
	assert.Equal(t, 2, h.Stats()["connectedClients"])
}

func TestHub_DisconnectUnregisters(t *testing.T) {
	h, srv := testHub(t)
	conn := dial(t, srv, "alice")
	require.Eventually(t, func() bool { return h.Connected("alice") == 1 }, 2*time.Second, 10*time.Millisecond)

	_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	_ = conn.Close()
	require.Eventually(t, func() bool { return h.Connected("alice") == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestClient_Wants(t *testing.T) {
	all := &Client{}
	assert.True(t, all.wants(EventNotification))

	some := &Client{sub: Subscription{EventTypes: []EventType{EventRescueOffer}}}
	assert.True(t, some.wants(EventRescueOffer))
	assert.False(t, some.wants(EventNotification))
}

func TestHub_PublishNeverBlocks(t *testing.T) {
	h := NewHub(slog.New(slog.NewTextHandler(io.Discard, nil)))
	// No Run loop: the queue fills and further events are dropped.
	for i := 0; i < 300; i++ {
		h.PublishToUser("alice", EventNotification, i)
	}
	assert.Equal(t, int64(300-256), h.dropped.Load())
}
