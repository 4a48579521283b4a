// Package remote defines the contract this engine expects from the remote
// document store and the live-feed plumbing built on top of it: wire document
// shapes, per-query live subscriptions delivering full ordered snapshots, and
// a reference-counted feed registry so many observers share one subscription.
package remote

import (
	"encoding/json"
	"sort"
	"strings"
	"time"
)

// MessageDoc is the wire shape of a message document. LocalTag is the
// client-generated correlation tag: it is written once by the sender and is
// otherwise inert, existing only so the sender can recognize its own echo.
type MessageDoc struct {
	ID             string          `json:"id"`
	LocalTag       string          `json:"local_tag,omitempty"`
	ConversationID string          `json:"conversation_id"`
	SenderID       string          `json:"sender_id"`
	SenderName     string          `json:"sender_name,omitempty"`
	Kind           string          `json:"kind"`
	Body           string          `json:"body,omitempty"`
	Attachment     json.RawMessage `json:"attachment,omitempty"`
	CreatedAt      int64           `json:"created_at"`
	UpdatedAt      int64           `json:"updated_at"`
	DeliveredTo    []string        `json:"delivered_to,omitempty"`
	ReadBy         []string        `json:"read_by,omitempty"`
}

// ConversationDoc is the wire shape of a conversation document.
type ConversationDoc struct {
	ID                 string            `json:"id"`
	Kind               string            `json:"kind"`
	Participants       []string          `json:"participants"`
	Name               string            `json:"name,omitempty"`
	AvatarRef          string            `json:"avatar_ref,omitempty"`
	LastMessagePreview string            `json:"last_message_preview,omitempty"`
	LastMessageAt      int64             `json:"last_message_at,omitempty"`
	DisplayNames       map[string]string `json:"display_names,omitempty"`
}

// PresenceDoc is the latest online state for one user.
type PresenceDoc struct {
	UserID   string `json:"user_id"`
	Online   bool   `json:"online"`
	LastSeen int64  `json:"last_seen"`
}

// TypingDoc is a typing signal for one user in one conversation.
type TypingDoc struct {
	UserID         string `json:"user_id"`
	ConversationID string `json:"conversation_id"`
	Active         bool   `json:"active"`
	At             int64  `json:"at"`
}

// QueryKind enumerates the tracked query families.
type QueryKind string

const (
	QueryMessages      QueryKind = "messages"
	QueryConversations QueryKind = "conversations"
	QueryPresence      QueryKind = "presence"
	QueryTyping        QueryKind = "typing"
)

// Query identifies one live query against the remote store. Queries with the
// same ID share a single underlying subscription.
type Query struct {
	Kind  QueryKind
	Key   string
	Users []string // presence only
}

// MessagesIn watches all messages of a conversation, time ascending.
func MessagesIn(conversationID string) Query {
	return Query{Kind: QueryMessages, Key: conversationID}
}

// ConversationsFor watches the conversation list of a user.
func ConversationsFor(userID string) Query {
	return Query{Kind: QueryConversations, Key: userID}
}

// PresenceOf watches the presence of a set of users.
func PresenceOf(userIDs ...string) Query {
	sorted := append([]string(nil), userIDs...)
	sort.Strings(sorted)
	return Query{Kind: QueryPresence, Key: strings.Join(sorted, ","), Users: sorted}
}

// TypingIn watches typing signals in a conversation.
func TypingIn(conversationID string) Query {
	return Query{Kind: QueryTyping, Key: conversationID}
}

// ID returns the registry key for the query.
func (q Query) ID() string {
	return string(q.Kind) + "/" + q.Key
}

// Snapshot is a full, ordered result set for one query at a point in time.
// Exactly one of the slice fields is populated, matching the query kind.
// Err, when set, is terminal: the subscription delivers nothing after it.
type Snapshot struct {
	Query         Query
	At            time.Time
	Messages      []MessageDoc
	Conversations []ConversationDoc
	Presence      []PresenceDoc
	Typing        []TypingDoc
	Err           error
}
