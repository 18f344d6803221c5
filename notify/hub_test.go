package notify

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	md "wuyrush.io/snap/models"
)

// newTestServer serves the hub, taking the authenticated user id from the uid query parameter
func newTestServer(t *testing.T, h *Hub) *httptest.Server {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h.ServeWS(w, r, r.URL.Query().Get("uid"))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func dial(t *testing.T, srv *httptest.Server, uid string) *websocket.Conn {
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/?uid=" + uid
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { ws.Close() })
	return ws
}

func join(t *testing.T, h *Hub, ws *websocket.Conn, uid string, expectedPresence int) {
	require.NoError(t, ws.WriteJSON(Event{Type: EventJoin, UserID: uid}))
	require.Eventually(t, func() bool { return h.Present(uid) == expectedPresence }, time.Second, 5*time.Millisecond)
}

func readEvent(t *testing.T, ws *websocket.Conn) Event {
	ws.SetReadDeadline(time.Now().Add(time.Second))
	var ev Event
	require.NoError(t, ws.ReadJSON(&ev))
	return ev
}

func testSummary(id string) *md.SnapSummary {
	return &md.SnapSummary{
		ID:        id,
		Sender:    md.UserSummary{ID: "alice", Username: "alice", Avatar: "http://avatar/alice.jpg"},
		MediaKind: md.MediaKindImage,
		Window:    md.Timed(10),
		CreatedAt: time.Date(2020, time.April, 1, 12, 0, 0, 0, time.UTC),
	}
}

func TestHub_NotifyFansOutToAllConnections(t *testing.T) {
	h := NewHub(time.Second, 4)
	srv := newTestServer(t, h)
	phone, laptop := dial(t, srv, "bob"), dial(t, srv, "bob")
	join(t, h, phone, "bob", 1)
	join(t, h, laptop, "bob", 2)
	other := dial(t, srv, "carol")
	join(t, h, other, "carol", 1)

	require.Nil(t, h.Notify(context.Background(), "bob", testSummary("snap1")))
	for _, ws := range []*websocket.Conn{phone, laptop} {
		ev := readEvent(t, ws)
		assert.Equal(t, EventNewSnap, ev.Type)
		require.NotNil(t, ev.Snap)
		assert.Equal(t, "snap1", ev.Snap.ID)
		assert.Equal(t, "alice", ev.Snap.Sender.Username, "sender info should be pre-populated")
		assert.Equal(t, md.Timed(10), ev.Snap.Window)
	}
	// carol gets nothing
	other.SetReadDeadline(time.Now().Add(50 * time.Millisecond))
	var ev Event
	assert.Error(t, other.ReadJSON(&ev))
}

func TestHub_NoPresenceDropsSilently(t *testing.T) {
	h := NewHub(time.Second, 4)
	srv := newTestServer(t, h)
	// connected but never joined
	ws := dial(t, srv, "bob")
	assert.Nil(t, h.Notify(context.Background(), "bob", testSummary("snap1")))
	assert.Equal(t, 0, h.Present("bob"))
	ws.SetReadDeadline(time.Now().Add(50 * time.Millisecond))
	var ev Event
	assert.Error(t, ws.ReadJSON(&ev))
}

func TestHub_RejectsJoinForAnotherUser(t *testing.T) {
	h := NewHub(time.Second, 4)
	srv := newTestServer(t, h)
	ws := dial(t, srv, "mallory")
	require.NoError(t, ws.WriteJSON(Event{Type: EventJoin, UserID: "bob"}))
	ws.SetReadDeadline(time.Now().Add(time.Second))
	_, _, err := ws.ReadMessage()
	require.Error(t, err)
	assert.True(t, websocket.IsCloseError(err, websocket.ClosePolicyViolation), "unexpected error %v", err)
	assert.Equal(t, 0, h.Present("bob"))
}

func TestHub_PresenceIsConnectionBound(t *testing.T) {
	h := NewHub(time.Second, 4)
	srv := newTestServer(t, h)
	ws := dial(t, srv, "bob")
	join(t, h, ws, "bob", 1)
	ws.Close()
	require.Eventually(t, func() bool { return h.Present("bob") == 0 }, time.Second, 5*time.Millisecond)

	// reconnecting requires announcing identity again
	ws = dial(t, srv, "bob")
	assert.Equal(t, 0, h.Present("bob"))
	join(t, h, ws, "bob", 1)
	require.Nil(t, h.Notify(context.Background(), "bob", testSummary("snap2")))
	assert.Equal(t, "snap2", readEvent(t, ws).Snap.ID)
}

func TestHub_RelayFromRedisPublisher(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	h := NewHub(time.Second, 4)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.Nil(t, h.Relay(ctx, client))
	srv := newTestServer(t, h)
	ws := dial(t, srv, "bob")
	join(t, h, ws, "bob", 1)

	pub := &RedisPublisher{DB: client}
	require.Nil(t, pub.Notify(ctx, "bob", testSummary("snap3")))
	ev := readEvent(t, ws)
	assert.Equal(t, EventNewSnap, ev.Type)
	assert.Equal(t, "snap3", ev.Snap.ID)
}
