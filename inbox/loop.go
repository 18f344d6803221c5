package inbox

import (
	"context"
	"fmt"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"wuyrush.io/snap/common/logging"
	se "wuyrush.io/snap/errors"
	md "wuyrush.io/snap/models"
)

// Timer is a scheduled countdown
type Timer interface {
	Stop() bool
}

// Clock schedules countdowns. Tests inject a manual one
type Clock interface {
	AfterFunc(d time.Duration, f func()) Timer
}

// SystemClock is the Clock backed by wall-clock timers
type SystemClock struct{}

func (SystemClock) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

// Events receives state changes of a Loop. Nil callbacks are skipped. Callbacks run outside the loop's
// lock and may call back into the loop
type Events struct {
	// Pending is called with the openable snaps after every refresh
	Pending func(snaps []*md.SnapSummary)
	// Opened is called once a view succeeded. A non-expiring window shows until Close
	Opened func(snapID string, v *md.ViewResult)
	// Closed is called when the view slot frees up; expired tells whether the countdown forced it
	Closed func(snapID string, expired bool)
	// Gone is called when a snap could not be opened because it was consumed or expired already
	Gone func(snapID string)
	// Error is called on failures other than the above, e.g., service unreachable
	Error func(err *se.Err)
}

// Loop drives a recipient's inbox: it holds at most one snap open at a time, closes it when its view
// window runs out and refreshes the pending list whenever the slot frees up. An id is opened at most once
type Loop struct {
	inbox  Inbox
	clock  Clock
	events Events
	// RefreshTimeout bounds refreshes the loop triggers on its own
	RefreshTimeout time.Duration

	mu      sync.Mutex
	slot    *slot
	gen     uint64
	tried   map[string]struct{}
	pending []*md.SnapSummary
}

type slot struct {
	snapID string
	gen    uint64
	timer  Timer
	ready  bool // false while the view call is in flight
}

func NewLoop(inbox Inbox, clock Clock, events Events) *Loop {
	if clock == nil {
		clock = SystemClock{}
	}
	return &Loop{
		inbox:          inbox,
		clock:          clock,
		events:         events,
		RefreshTimeout: 30 * time.Second,
		tried:          make(map[string]struct{}),
	}
}

// Refresh reloads the pending list, leaving out snaps this loop already tried to open
func (l *Loop) Refresh(ctx context.Context) *se.Err {
	snaps, err := l.inbox.ListPending(ctx)
	if err != nil {
		l.fail(err)
		return err
	}
	l.mu.Lock()
	openable := make([]*md.SnapSummary, 0, len(snaps))
	for _, s := range snaps {
		if _, ok := l.tried[s.ID]; !ok {
			openable = append(openable, s)
		}
	}
	l.pending = openable
	l.mu.Unlock()
	if l.events.Pending != nil {
		l.events.Pending(openable)
	}
	return nil
}

// Open consumes the snap and starts its countdown. It fails with ErrCodeBusy while another snap is open,
// and with ErrCodeNotFound for snaps which are gone, including ones this loop tried before
func (l *Loop) Open(ctx context.Context, snapID string) (*md.ViewResult, *se.Err) {
	l.mu.Lock()
	if l.slot != nil {
		busy := l.slot.snapID
		l.mu.Unlock()
		return nil, se.NewBusy(fmt.Sprintf("snap %s is open", busy))
	}
	if _, ok := l.tried[snapID]; ok {
		l.mu.Unlock()
		return nil, se.NewNotFound(fmt.Sprintf("snap %s is gone", snapID))
	}
	// the server may have consumed the snap even if the call below fails, so never try the id again
	l.tried[snapID] = struct{}{}
	l.gen++
	s := &slot{snapID: snapID, gen: l.gen}
	l.slot = s
	l.mu.Unlock()

	v, err := l.inbox.View(ctx, snapID)
	if err != nil {
		l.mu.Lock()
		l.slot = nil
		l.mu.Unlock()
		if err.Code == se.ErrCodeNotFound {
			// lost the race or the snap expired; a normal outcome
			if l.events.Gone != nil {
				l.events.Gone(snapID)
			}
		} else {
			l.fail(err)
		}
		l.refreshDetached()
		return nil, err
	}

	l.mu.Lock()
	if d, ok := v.Window.Duration(); ok {
		gen := s.gen
		s.timer = l.clock.AfterFunc(d, func() { l.expire(gen) })
	}
	s.ready = true
	l.mu.Unlock()
	if l.events.Opened != nil {
		l.events.Opened(snapID, v)
	}
	return v, nil
}

// Close frees the slot ahead of the countdown, e.g., the viewer dismissed the snap. It is a no-op when
// nothing is open
func (l *Loop) Close(ctx context.Context) {
	l.mu.Lock()
	s := l.slot
	if s == nil || !s.ready {
		l.mu.Unlock()
		return
	}
	if s.timer != nil {
		s.timer.Stop()
	}
	l.slot = nil
	l.mu.Unlock()
	if l.events.Closed != nil {
		l.events.Closed(s.snapID, false)
	}
	l.Refresh(ctx)
}

// expire force-closes the snap opened as generation gen, if it is still the open one
func (l *Loop) expire(gen uint64) {
	l.mu.Lock()
	s := l.slot
	if s == nil || s.gen != gen {
		l.mu.Unlock()
		return
	}
	l.slot = nil
	l.mu.Unlock()
	if l.events.Closed != nil {
		l.events.Closed(s.snapID, true)
	}
	l.refreshDetached()
}

// Notified handles a new snap notification by refreshing the pending list. The notified snap may be gone
// by the time it is opened, which Open reports as usual
func (l *Loop) Notified(ctx context.Context, s *md.SnapSummary) {
	if s != nil {
		logging.WithFuncName().WithFields(log.Fields{"snapID": s.ID, "senderID": s.Sender.ID}).Debug("new snap")
	}
	l.Refresh(ctx)
}

// Viewing returns the id of the open snap, if any
func (l *Loop) Viewing() (string, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.slot == nil || !l.slot.ready {
		return "", false
	}
	return l.slot.snapID, true
}

// Pending returns the openable snaps as of the last refresh
func (l *Loop) Pending() []*md.SnapSummary {
	l.mu.Lock()
	defer l.mu.Unlock()
	res := make([]*md.SnapSummary, len(l.pending))
	copy(res, l.pending)
	return res
}

// refreshDetached refreshes with a context of its own, for refreshes the loop triggers itself
func (l *Loop) refreshDetached() {
	ctx, cancel := context.WithTimeout(context.Background(), l.RefreshTimeout)
	defer cancel()
	l.Refresh(ctx)
}

func (l *Loop) fail(err *se.Err) {
	logging.WithFuncName().WithError(err).Warn("inbox operation failed")
	if l.events.Error != nil {
		l.events.Error(err)
	}
}
