// Package notifier contains the core domain types for the Bluesky
// notification service.
package notifier

import (
	"time"
	"unicode/utf8"
)

// Prefs holds the notification channels enabled for an account.
type Prefs struct {
	Desktop bool `json:"desktop"`
	Email   bool `json:"email"`
}

// PrefsPatch is a partial preference update. Nil fields keep their
// prior value; only explicitly provided fields are merged.
type PrefsPatch struct {
	Desktop *bool `json:"desktop,omitempty"`
	Email   *bool `json:"email,omitempty"`
}

// Apply merges the patch into p field by field.
func (patch PrefsPatch) Apply(p Prefs) Prefs {
	if patch.Desktop != nil {
		p.Desktop = *patch.Desktop
	}
	if patch.Email != nil {
		p.Email = *patch.Email
	}
	return p
}

// DefaultPrefs is used when an account is added without explicit preferences.
func DefaultPrefs() Prefs {
	return Prefs{Desktop: true, Email: false}
}

// Account represents a monitored Bluesky account.
type Account struct {
	DID           string    `json:"did"`    // Stable identifier, immutable once created
	Handle        string    `json:"handle"` // Human-readable name, may change upstream
	DisplayName   string    `json:"display_name"`
	AvatarURL     string    `json:"avatar_url"`
	Active        bool      `json:"is_active"`
	Prefs         Prefs     `json:"notification_preferences"`
	LastCheckedAt time.Time `json:"last_checked_at"`
	FailCount     int       `json:"-"` // Consecutive poll failures
	NextAttemptAt time.Time `json:"-"` // Earliest next poll, survives restarts
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// Post is a single post from an account's feed. ID is the AT-URI and is
// treated as opaque: ordering comes only from the feed's reverse-chronological
// return order.
type Post struct {
	ID        string    `json:"id"`
	Content   string    `json:"content"`
	URL       string    `json:"url"`
	Author    string    `json:"author"`
	CreatedAt time.Time `json:"created_at"`
}

// Watermark records the most recent post processed for an account. Once a
// post ID is the watermark, nothing at or before it is ever notified again.
type Watermark struct {
	DID            string    `json:"did"`
	LastSeenPostID string    `json:"last_seen_post_id"`
	LastSeenAt     time.Time `json:"last_seen_at"`
}

// Outcome is the per-channel result of dispatching one event.
type Outcome struct {
	Channel string
	Err     error
}

// OK reports whether delivery on the channel succeeded.
func (o Outcome) OK() bool { return o.Err == nil }

// Event is a new-post notification event. It lives only in memory for the
// duration of one dispatch cycle.
type Event struct {
	Account    *Account
	Post       *Post
	OccurredAt time.Time
}

// Title renders the notification headline for the event.
func (e *Event) Title() string {
	name := e.Account.DisplayName
	if name == "" {
		name = e.Account.Handle
	}
	return "New post from " + name
}

// Summary renders a truncated plain-text body for the event. Truncation is
// by rune so a multi-byte character is never split mid-sequence.
func (e *Event) Summary() string {
	const maxLen = 200
	text := e.Post.Content
	if utf8.RuneCountInString(text) <= maxLen {
		return text
	}
	runes := []rune(text)
	return string(runes[:maxLen]) + "..."
}
