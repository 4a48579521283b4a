package model

import "time"

// TypingWindow is how long a typing signal stays valid without refresh.
const TypingWindow = 5 * time.Second

// Presence is the latest known online state for a user. Ephemeral: only the
// most recent value is retained, never merged into local persistence.
type Presence struct {
	UserID   string
	Online   bool
	LastSeen int64 // unix millis
}

// Typing is a per-user, per-conversation typing signal. Self-expiring.
type Typing struct {
	UserID         string
	ConversationID string
	Active         bool
	At             int64 // unix millis
}

// ActiveAt reports whether the signal is still live at the given time.
func (t Typing) ActiveAt(now time.Time) bool {
	return t.Active && now.UnixMilli()-t.At < TypingWindow.Milliseconds()
}

// SetlistSession is the in-flight collaborative preference-gathering round for
// a conversation. It is never persisted: it is re-derived from the trailing
// setlist_progress message whenever the message list changes, so it can never
// diverge from the messages that are the actual source of truth.
type SetlistSession struct {
	SetlistID         string
	Waiting           bool
	Prompt            string
	PendingResponders []string
	Responded         []string
	Questions         []string
}
