package inbox

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"
	"wuyrush.io/snap/common/logging"
	"wuyrush.io/snap/common/retry"
	se "wuyrush.io/snap/errors"
	md "wuyrush.io/snap/models"
	"wuyrush.io/snap/notify"
)

// Listener keeps a push connection to the reader open and reports new snaps. Presence on the server side is
// bound to the connection, so the listener announces its user on every (re)connection
type Listener struct {
	// URL is the websocket endpoint, e.g., ws://localhost:8081/ws
	URL    string
	Token  string
	UserID string
	Dialer *websocket.Dialer
	// MaxBackoff caps the wait between reconnection attempts
	MaxBackoff time.Duration
}

// Listen calls onSnap for each new snap notification until ctx is done. Dropped connections are
// re-established with exponential backoff; notifications sent while disconnected are lost, so callers
// should refresh their inbox whenever onConnect fires
func (l *Listener) Listen(ctx context.Context, onConnect func(), onSnap func(*md.SnapSummary)) error {
	clog := logging.WithFuncName().WithField("userID", l.UserID)
	maxBackoff := l.MaxBackoff
	if maxBackoff <= 0 {
		maxBackoff = 30 * time.Second
	}
	for {
		var ws *websocket.Conn
		err := retry.Retry(func() error {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			var err error
			ws, err = l.connect(ctx)
			if err != nil {
				clog.WithError(err).Warn("error connecting push channel")
			}
			return err
		},
			retry.WithBaseDelay(200*time.Millisecond),
			retry.WithExp(2),
			retry.WithJitter(0.2),
			retry.WithMaxBackoff(maxBackoff),
			retry.WithRetryOn(func(err error) bool {
				return err != nil && ctx.Err() == nil && se.Code(err) != se.ErrCodeUnauthenticated
			}))
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		if onConnect != nil {
			onConnect()
		}
		err = l.consume(ctx, ws, onSnap)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		clog.WithError(err).Info("push channel dropped; reconnecting")
	}
}

func (l *Listener) connect(ctx context.Context) (*websocket.Conn, error) {
	dialer := l.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	header := http.Header{}
	header.Set("Authorization", "Bearer "+l.Token)
	ws, resp, err := dialer.DialContext(ctx, l.URL, header)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusUnauthorized {
			return nil, se.NewUnauthenticated("push channel rejected credential").WithCause(err)
		}
		return nil, se.NewDependencyFailure("error dialing push channel").WithCause(err)
	}
	if err := ws.WriteJSON(&notify.Event{Type: notify.EventJoin, UserID: l.UserID}); err != nil {
		ws.Close()
		return nil, se.NewDependencyFailure("error joining push channel").WithCause(err)
	}
	return ws, nil
}

// consume reads events off ws until it fails or ctx is done
func (l *Listener) consume(ctx context.Context, ws *websocket.Conn, onSnap func(*md.SnapSummary)) error {
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
			ws.Close()
		case <-done:
			ws.Close()
		}
	}()
	for {
		ev := &notify.Event{}
		if err := ws.ReadJSON(ev); err != nil {
			return err
		}
		if ev.Type != notify.EventNewSnap || ev.Snap == nil {
			logging.WithFuncName().WithFields(log.Fields{"eventType": ev.Type}).Debug("skipping push event")
			continue
		}
		onSnap(ev.Snap)
	}
}
