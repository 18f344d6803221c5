// Package notify vends the delivery notifier: a presence registry of live push connections per user, and
// the publisher relaying notifications to it across processes.
package notify

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"
	"wuyrush.io/snap/common/logging"
	se "wuyrush.io/snap/errors"
	"wuyrush.io/snap/metrics"
	md "wuyrush.io/snap/models"
)

// Notifier pushes a new snap signal to its recipient. Delivery is best-effort and at most once per call
type Notifier interface {
	Notify(ctx context.Context, recipientID string, s *md.SnapSummary) *se.Err
}

// event types on the push channel
const (
	EventJoin    = "join"
	EventNewSnap = "new_snap"
)

// Event is the message exchanged on the push channel
type Event struct {
	Type   string          `json:"type"`
	UserID string          `json:"userId,omitempty"`
	Snap   *md.SnapSummary `json:"snap,omitempty"`
}

const (
	writeWait      = 10 * time.Second
	maxMessageSize = 1 << 10
)

// Hub is the presence registry of live push connections in this process, keyed by user id. Membership is
// bound to the connection: a client registers by announcing its identity after connecting and is forgotten
// once it disconnects.
type Hub struct {
	pingPeriod time.Duration
	sendBuffer int
	upgrader   websocket.Upgrader

	mu    sync.RWMutex
	conns map[string]map[*conn]struct{}
}

type conn struct {
	ws     *websocket.Conn
	send   chan []byte
	userID string
	once   sync.Once
}

func NewHub(pingPeriod time.Duration, sendBuffer int) *Hub {
	if sendBuffer <= 0 {
		sendBuffer = 1
	}
	if pingPeriod <= 0 {
		pingPeriod = 30 * time.Second
	}
	return &Hub{
		pingPeriod: pingPeriod,
		sendBuffer: sendBuffer,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1 << 10,
			WriteBufferSize: 1 << 12,
			// the bearer credential gates the connection, not the origin
			CheckOrigin: func(*http.Request) bool { return true },
		},
		conns: make(map[string]map[*conn]struct{}),
	}
}

// ServeWS upgrades the request to a push connection of the authenticated user. The client must announce
// itself with a join event carrying the same user id before it gets any notification
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request, authUserID string) {
	clog := logging.WithFuncName().WithField("userID", authUserID)
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// upgrader had replied with error already
		clog.WithError(err).Warn("error upgrading push connection")
		return
	}
	c := &conn{ws: ws, send: make(chan []byte, h.sendBuffer)}
	go h.writeLoop(c)
	h.readLoop(c, authUserID)
}

func (h *Hub) readLoop(c *conn, authUserID string) {
	clog := logging.WithFuncName().WithField("userID", authUserID)
	defer h.drop(c)
	c.ws.SetReadLimit(maxMessageSize)
	pongWait := 2 * h.pingPeriod
	c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		var ev Event
		if err := c.ws.ReadJSON(&ev); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				clog.WithError(err).Debug("push connection closed unexpectedly")
			}
			return
		}
		if ev.Type != EventJoin {
			continue
		}
		if ev.UserID != authUserID {
			clog.WithField("claimedUserID", ev.UserID).Warn("rejecting join on behalf of another user")
			c.ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "identity mismatch"),
				time.Now().Add(writeWait))
			return
		}
		h.register(c, authUserID)
	}
}

func (h *Hub) writeLoop(c *conn) {
	ticker := time.NewTicker(h.pingPeriod)
	defer func() {
		ticker.Stop()
		c.ws.Close()
	}()
	for {
		select {
		case msg, ok := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.ws.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.ws.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (h *Hub) register(c *conn, userID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if c.userID != "" {
		return
	}
	c.userID = userID
	cs, ok := h.conns[userID]
	if !ok {
		cs = make(map[*conn]struct{})
		h.conns[userID] = cs
	}
	cs[c] = struct{}{}
	metrics.Connections.Inc()
}

// drop forgets the connection and stops its writer
func (h *Hub) drop(c *conn) {
	h.mu.Lock()
	if cs, ok := h.conns[c.userID]; ok {
		if _, ok := cs[c]; ok {
			delete(cs, c)
			metrics.Connections.Dec()
		}
		if len(cs) == 0 {
			delete(h.conns, c.userID)
		}
	}
	h.mu.Unlock()
	c.once.Do(func() { close(c.send) })
}

// Present returns the number of live registered connections of the user
func (h *Hub) Present(userID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns[userID])
}

// Notify pushes the snap summary to every connection the recipient registered in this process. Absence of
// connections and slow consumers drop the notification silently
func (h *Hub) Notify(_ context.Context, recipientID string, s *md.SnapSummary) *se.Err {
	msg, err := json.Marshal(Event{Type: EventNewSnap, Snap: s})
	if err != nil {
		return se.NewServiceFailure("error marshalling notification").WithCause(err)
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	cs := h.conns[recipientID]
	if len(cs) == 0 {
		metrics.Notifications.WithLabelValues(metrics.OutcomeDropped).Inc()
		return nil
	}
	for c := range cs {
		select {
		case c.send <- msg:
			metrics.Notifications.WithLabelValues(metrics.OutcomeOK).Inc()
		default:
			metrics.Notifications.WithLabelValues(metrics.OutcomeDropped).Inc()
			log.WithFields(log.Fields{"userID": recipientID, "snapID": s.ID}).Warn("push connection too slow; dropping notification")
		}
	}
	return nil
}

// Close disconnects every registered connection
func (h *Hub) Close() {
	h.mu.RLock()
	all := []*conn{}
	for _, cs := range h.conns {
		for c := range cs {
			all = append(all, c)
		}
	}
	h.mu.RUnlock()
	for _, c := range all {
		h.drop(c)
	}
}
