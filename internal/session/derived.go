package session

import (
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/ensemblechat/ensemble/internal/model"
)

// setView recomputes the derived view from already-fetched data and swaps it
// in. Pure and synchronous: no suspension between input and published state.
func (c *Controller) setView(conv *model.Conversation, msgs []model.Message, now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.view = ViewState{
		ConversationID: c.conversationID,
		Conversation:   conv,
		Messages:       msgs,
		TypingText:     c.typingText(conv, now),
		PresenceText:   c.presenceText(conv, now),
		Setlist:        deriveSetlist(msgs, c.view.Setlist),
	}
}

func (c *Controller) typingText(conv *model.Conversation, now time.Time) string {
	var names []string
	for _, t := range c.typing {
		sig := model.Typing{
			UserID:         t.UserID,
			ConversationID: t.ConversationID,
			Active:         t.Active,
			At:             t.At,
		}
		if !sig.ActiveAt(now) {
			continue
		}
		name := t.UserID
		if conv != nil {
			name = conv.DisplayName(t.UserID)
		}
		names = append(names, name)
	}
	if len(names) == 0 {
		return ""
	}
	sort.Strings(names)
	if len(names) == 1 {
		return names[0] + " is typing..."
	}
	return strings.Join(names, ", ") + " are typing..."
}

func (c *Controller) presenceText(conv *model.Conversation, now time.Time) string {
	if conv == nil {
		return ""
	}
	others := conv.Others(c.userID)
	if conv.IsGroup() {
		online := 0
		for _, u := range others {
			if p, ok := c.presence[u]; ok && p.Online {
				online++
			}
		}
		if online == 0 {
			return ""
		}
		return pluralOnline(online)
	}
	if len(others) == 0 {
		return ""
	}
	p, ok := c.presence[others[0]]
	if !ok {
		return ""
	}
	if p.Online {
		return "online"
	}
	if p.LastSeen == 0 {
		return ""
	}
	return "last seen " + lastSeenText(p.LastSeen, now)
}

func pluralOnline(n int) string {
	return strconv.Itoa(n) + " online"
}

func lastSeenText(ms int64, now time.Time) string {
	d := now.Sub(time.UnixMilli(ms))
	switch {
	case d < time.Minute:
		return "just now"
	case d < time.Hour:
		return time.UnixMilli(ms).Format("15:04")
	case d < 24*time.Hour:
		return "today at " + time.UnixMilli(ms).Format("15:04")
	default:
		return time.UnixMilli(ms).Format("Jan 2")
	}
}

// deriveSetlist reconstructs the conversation's in-flight setlist round from
// the trailing setlist_progress message. The session is deliberately
// re-derived instead of kept as separate mutable state, so it can never
// diverge from the messages it is built from. When the trailing payload
// belongs to the session we already track, the existing object is updated in
// place; otherwise a fresh session is synthesized.
func deriveSetlist(msgs []model.Message, cur *model.SetlistSession) *model.SetlistSession {
	for i := len(msgs) - 1; i >= 0; i-- {
		m := &msgs[i]
		if m.Kind != model.KindSetlistProgress {
			continue
		}
		var att model.SetlistProgressAttachment
		if err := model.DecodeAttachment(m.Attachment, &att); err != nil {
			// Malformed trailing payload: keep looking further back rather
			// than tearing down a live session over one bad message.
			continue
		}
		if cur != nil && cur.SetlistID == att.SetlistID {
			cur.Waiting = att.Waiting
			cur.Prompt = att.Prompt
			cur.PendingResponders = att.PendingResponders
			cur.Responded = att.Responded
			cur.Questions = att.Questions
			return cur
		}
		return &model.SetlistSession{
			SetlistID:         att.SetlistID,
			Waiting:           att.Waiting,
			Prompt:            att.Prompt,
			PendingResponders: att.PendingResponders,
			Responded:         att.Responded,
			Questions:         att.Questions,
		}
	}
	return nil
}
