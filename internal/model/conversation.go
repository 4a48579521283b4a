package model

import (
	"fmt"
	"sort"
	"strings"
)

// ConversationKind distinguishes one-to-one chats from groups.
type ConversationKind string

const (
	KindDirect ConversationKind = "direct"
	KindGroup  ConversationKind = "group"
)

// Conversation is a chat thread. Direct conversations carry a deterministic
// identifier derived from the sorted participant pair so that two clients
// creating "the same" chat concurrently converge on one record.
type Conversation struct {
	ID                 string
	Kind               ConversationKind
	Participants       []string
	Name               string
	AvatarRef          string
	LastMessagePreview string
	LastMessageAt      int64 // unix millis
	DisplayNames       map[string]string
	UpdatedAt          int64
}

// DirectConversationID returns the deterministic id for the pair (a, b),
// independent of argument order.
func DirectConversationID(a, b string) string {
	pair := []string{a, b}
	sort.Strings(pair)
	return "d:" + pair[0] + ":" + pair[1]
}

// NewDirect builds a direct conversation between two users.
func NewDirect(a, b string) (*Conversation, error) {
	if a == "" || b == "" || a == b {
		return nil, fmt.Errorf("direct conversation requires two distinct participants")
	}
	pair := []string{a, b}
	sort.Strings(pair)
	return &Conversation{
		ID:           DirectConversationID(a, b),
		Kind:         KindDirect,
		Participants: pair,
	}, nil
}

// NewGroup builds a group conversation. Groups require at least three
// participants at creation.
func NewGroup(id, name string, participants []string) (*Conversation, error) {
	if len(participants) < 3 {
		return nil, fmt.Errorf("group conversation requires at least 3 participants, got %d", len(participants))
	}
	sorted := append([]string(nil), participants...)
	sort.Strings(sorted)
	return &Conversation{
		ID:           id,
		Kind:         KindGroup,
		Name:         name,
		Participants: sorted,
	}, nil
}

// IsGroup reports whether the conversation is a group chat.
func (c *Conversation) IsGroup() bool {
	return c.Kind == KindGroup
}

// Others returns the participants other than userID.
func (c *Conversation) Others(userID string) []string {
	var out []string
	for _, p := range c.Participants {
		if p != userID {
			out = append(out, p)
		}
	}
	return out
}

// DisplayName resolves a participant's name with fallback to the id itself.
func (c *Conversation) DisplayName(userID string) string {
	if c.DisplayNames != nil {
		if n, ok := c.DisplayNames[userID]; ok && n != "" {
			return n
		}
	}
	return userID
}

// Title returns the list title: the group name, or the other side's name.
func (c *Conversation) Title(viewerID string) string {
	if c.IsGroup() {
		if c.Name != "" {
			return c.Name
		}
		return strings.Join(c.Participants, ", ")
	}
	others := c.Others(viewerID)
	if len(others) == 0 {
		return c.ID
	}
	return c.DisplayName(others[0])
}
