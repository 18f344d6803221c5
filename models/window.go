package models

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ViewWindow is how long a recipient may look at a snap: either a positive number of seconds, or
// non-expiring (loop until closed). The zero value is invalid.
type ViewWindow struct {
	seconds     int
	nonExpiring bool
}

const (
	windowKindTimed = "timed"
	windowKindLoop  = "loop"
)

func Timed(seconds int) ViewWindow {
	return ViewWindow{seconds: seconds}
}

func NonExpiring() ViewWindow {
	return ViewWindow{nonExpiring: true}
}

func (w ViewWindow) IsNonExpiring() bool {
	return w.nonExpiring
}

// Seconds returns the timer length; ok is false for a non-expiring window
func (w ViewWindow) Seconds() (secs int, ok bool) {
	if w.nonExpiring {
		return 0, false
	}
	return w.seconds, true
}

// Duration returns the timer length as time.Duration; ok is false for a non-expiring window
func (w ViewWindow) Duration() (d time.Duration, ok bool) {
	secs, ok := w.Seconds()
	return time.Duration(secs) * time.Second, ok
}

func (w ViewWindow) Valid() bool {
	return w.nonExpiring || w.seconds > 0
}

// String encodes the window for storage, e.g. "timed:10" or "loop"
func (w ViewWindow) String() string {
	if w.nonExpiring {
		return windowKindLoop
	}
	return fmt.Sprintf("%s:%d", windowKindTimed, w.seconds)
}

// ParseViewWindow decodes the storage form produced by String
func ParseViewWindow(s string) (ViewWindow, error) {
	if s == windowKindLoop {
		return NonExpiring(), nil
	}
	if !strings.HasPrefix(s, windowKindTimed+":") {
		return ViewWindow{}, fmt.Errorf("malformed view window %q", s)
	}
	secs, err := strconv.Atoi(strings.TrimPrefix(s, windowKindTimed+":"))
	if err != nil {
		return ViewWindow{}, fmt.Errorf("malformed view window %q: %w", s, err)
	}
	w := Timed(secs)
	if !w.Valid() {
		return ViewWindow{}, fmt.Errorf("non-positive view window %q", s)
	}
	return w, nil
}

type viewWindowJSON struct {
	Kind    string `json:"kind"`
	Seconds int    `json:"seconds,omitempty"`
}

func (w ViewWindow) MarshalJSON() ([]byte, error) {
	if w.nonExpiring {
		return json.Marshal(viewWindowJSON{Kind: windowKindLoop})
	}
	return json.Marshal(viewWindowJSON{Kind: windowKindTimed, Seconds: w.seconds})
}

func (w *ViewWindow) UnmarshalJSON(b []byte) error {
	var v viewWindowJSON
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	switch v.Kind {
	case windowKindLoop:
		*w = NonExpiring()
	case windowKindTimed:
		if v.Seconds <= 0 {
			return fmt.Errorf("non-positive view window seconds %d", v.Seconds)
		}
		*w = Timed(v.Seconds)
	default:
		return fmt.Errorf("unknown view window kind %q", v.Kind)
	}
	return nil
}

// WindowSelector is what a sender picks when sending a snap
type WindowSelector string

const (
	SelectorShort   WindowSelector = "short"
	SelectorDefault WindowSelector = "default"
	SelectorLoop    WindowSelector = "loop"

	// older clients send the numeric timer 999 to ask for a looping snap
	legacyLoopTimer = "999"
)

// ParseWindowSelector parses the timer form value of an upload. Empty input picks the default window
func ParseWindowSelector(s string) (WindowSelector, error) {
	switch v := WindowSelector(strings.ToLower(strings.TrimSpace(s))); v {
	case "":
		return SelectorDefault, nil
	case SelectorShort, SelectorDefault, SelectorLoop:
		return v, nil
	case legacyLoopTimer:
		return SelectorLoop, nil
	}
	return "", fmt.Errorf("unknown view window selector %q", s)
}

// Resolve turns the selector into a concrete ViewWindow given configured short and default lengths
func (s WindowSelector) Resolve(shortSecs, defaultSecs int) ViewWindow {
	switch s {
	case SelectorShort:
		return Timed(shortSecs)
	case SelectorLoop:
		return NonExpiring()
	default:
		return Timed(defaultSecs)
	}
}
