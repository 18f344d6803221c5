package models

import (
	"mime"
	"strings"
	"time"
)

/*
 Application layer data models.
*/

// MediaKind decides how a snap's media is encoded, uploaded and rendered
type MediaKind string

const (
	MediaKindImage MediaKind = "image"
	MediaKindVideo MediaKind = "video"
)

var MediaKindVals = map[MediaKind]struct{}{
	MediaKindImage: {},
	MediaKindVideo: {},
}

// MediaKindFromContentType maps a declared MIME type onto a MediaKind. ok is false for anything which is
// neither an image nor a video
func MediaKindFromContentType(ct string) (kind MediaKind, ok bool) {
	mt, _, err := mime.ParseMediaType(ct)
	if err != nil {
		return "", false
	}
	switch {
	case strings.HasPrefix(mt, "image/"):
		return MediaKindImage, true
	case strings.HasPrefix(mt, "video/"):
		return MediaKindVideo, true
	}
	return "", false
}

// Status is the lifecycle status of a snap. It only moves forward: delivered -> viewed
type Status string

const (
	StatusDelivered Status = "delivered"
	StatusViewed    Status = "viewed"
	// StatusScreenshot is reserved for screenshot detection; nothing sets it yet
	StatusScreenshot Status = "screenshot"
)

// Snap is one ephemeral media message.
type Snap struct {
	ID        string
	Sender    string
	Recipient string
	MediaRef  string // reference of the media in blob store
	MediaKind MediaKind
	Window    ViewWindow
	Status    Status
	ViewedAt  *time.Time
	CreatedAt time.Time
}

// Expired tells whether the snap is older than the retention window, regardless of its status
func (s *Snap) Expired(now time.Time, retention time.Duration) bool {
	return !now.Before(s.CreatedAt.Add(retention))
}

// UserSummary is the denormalized user info clients need to render a snap or a friend without another
// round trip
type UserSummary struct {
	ID       string `json:"id"`
	Username string `json:"username"`
	Avatar   string `json:"avatar"`
}

// SnapSummary is a pending snap as seen by its recipient
type SnapSummary struct {
	ID        string      `json:"id"`
	Sender    UserSummary `json:"sender"`
	MediaKind MediaKind   `json:"mediaKind"`
	Window    ViewWindow  `json:"window"`
	CreatedAt time.Time   `json:"createdAt"`
}

// ViewResult vends what the single winning viewer of a snap needs to display it
type ViewResult struct {
	URL       string      `json:"url"`
	Window    ViewWindow  `json:"window"`
	Sender    UserSummary `json:"sender"`
	MediaKind MediaKind   `json:"mediaKind"`
}

// Junk represents necessary snap data for deletion purpose
type Junk struct {
	SnapID   string   // snap ID
	BlobRefs []string // references of snap media not yet deleted from blob store
}

// User models individual service user
type User struct {
	ID           string
	Username     string
	Email        string
	Passwd       string // only used during signup and login. Ignored in all other scenarios
	Hash         string
	Avatar       string
	CreationTime time.Time
}

func (u *User) Anonymous() bool {
	return u == nil
}

func (u *User) Summary() UserSummary {
	return UserSummary{ID: u.ID, Username: u.Username, Avatar: u.Avatar}
}

// FriendsData is a user's view of the friend graph
type FriendsData struct {
	Friends  []UserSummary `json:"friends"`
	Requests []UserSummary `json:"requests"`
}

// Message is one durable chat message between two users
type Message struct {
	ID        string    `json:"id"`
	Sender    string    `json:"sender"`
	Recipient string    `json:"recipient"`
	Text      string    `json:"text"`
	CreatedAt time.Time `json:"createdAt"`
}

// Clock abstracts time to enable deterministic testing of retention and countdown logic.
type Clock interface {
	Now() time.Time
}

// SystemClock is the Clock backed by wall-clock time
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now() }
