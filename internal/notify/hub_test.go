package notify

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/mmeshcher/referral-network/internal/model"
)

func newHubServer(t *testing.T, hub *Hub) *httptest.Server {
	t.Helper()

	upgrader := websocket.Upgrader{}
	authorize := func(_ context.Context, userID string) error {
		if userID == "unknown" {
			return errors.New("user not found")
		}
		return nil
	}

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		hub.Serve(context.Background(), conn, authorize)
	}))
	t.Cleanup(ts.Close)
	return ts
}

func dial(t *testing.T, ts *httptest.Server) *websocket.Conn {
	t.Helper()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestHub_AuthAndDeliver(t *testing.T) {
	hub := NewHub(zap.NewNop())
	ts := newHubServer(t, hub)
	conn := dial(t, ts)

	require.NoError(t, conn.WriteJSON(authMessage{Type: "auth", UserID: "u1"}))
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))

	var ack controlMessage
	require.NoError(t, conn.ReadJSON(&ack))
	assert.Equal(t, "auth_success", ack.Type)
	assert.Equal(t, 1, hub.connected("u1"))
	assert.Equal(t, 1, hub.Clients())

	n := model.Notification{ID: "n1", UserID: "u1", Kind: model.NotificationNewReferral, Title: "New Referral"}
	require.NoError(t, hub.Deliver(context.Background(), n))
	require.NoError(t, hub.Deliver(context.Background(), model.Notification{UserID: "other"}))

	var ev Event
	require.NoError(t, conn.ReadJSON(&ev))
	assert.Equal(t, string(model.NotificationNewReferral), ev.Type)
	assert.Equal(t, "n1", ev.Data.ID)

	conn.Close()
	require.Eventually(t, func() bool { return hub.connected("u1") == 0 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 0, hub.Clients())
}

func TestHub_RejectsUnknownUser(t *testing.T) {
	hub := NewHub(zap.NewNop())
	ts := newHubServer(t, hub)
	conn := dial(t, ts)

	require.NoError(t, conn.WriteJSON(authMessage{Type: "auth", UserID: "unknown"}))
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))

	var msg controlMessage
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, "auth_error", msg.Type)
	assert.Equal(t, 0, hub.connected("unknown"))
}

func TestHub_RejectsMissingAuth(t *testing.T) {
	hub := NewHub(zap.NewNop())
	ts := newHubServer(t, hub)
	conn := dial(t, ts)

	require.NoError(t, conn.WriteJSON(map[string]string{"type": "hello"}))
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))

	var msg controlMessage
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, "auth_error", msg.Type)
}

func TestHub_CloseDropsClients(t *testing.T) {
	hub := NewHub(zap.NewNop())
	ts := newHubServer(t, hub)
	conn := dial(t, ts)

	require.NoError(t, conn.WriteJSON(authMessage{Type: "auth", UserID: "u2"}))
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))

	var ack controlMessage
	require.NoError(t, conn.ReadJSON(&ack))
	require.Equal(t, "auth_success", ack.Type)

	hub.Close()
	require.Eventually(t, func() bool { return hub.connected("u2") == 0 }, 2*time.Second, 10*time.Millisecond)
}
