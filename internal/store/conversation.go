package store

import (
	"database/sql"
	"encoding/json"
	"time"

	"github.com/ensemblechat/ensemble/internal/model"
)

// UpsertConversation inserts or updates a conversation. Summary fields are
// last-write-wins guarded by last_message_at, so a stale snapshot can never
// roll the preview backwards.
func (db *DB) UpsertConversation(c *model.Conversation) error {
	now := time.Now().UnixMilli()
	participants := mustJSON(c.Participants)
	names := mustJSON(c.DisplayNames)
	_, err := db.Exec(`
		INSERT INTO conversations (id, kind, participants, name, avatar_ref, last_message_preview, last_message_at, display_names, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			kind = excluded.kind,
			participants = excluded.participants,
			name = excluded.name,
			avatar_ref = excluded.avatar_ref,
			last_message_preview = CASE WHEN excluded.last_message_at >= conversations.last_message_at THEN excluded.last_message_preview ELSE conversations.last_message_preview END,
			last_message_at = MAX(conversations.last_message_at, excluded.last_message_at),
			display_names = excluded.display_names,
			updated_at = excluded.updated_at`,
		c.ID, string(c.Kind), participants, c.Name, c.AvatarRef, c.LastMessagePreview, c.LastMessageAt, names, now)
	return err
}

// TouchConversation bumps the preview/timestamp summary from a new message,
// keeping the newest-wins guard. A message arriving before its conversation
// snapshot creates a stub row with an unknown kind; the snapshot fills in
// kind and participants when it lands.
func (db *DB) TouchConversation(id, preview string, at int64) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		INSERT INTO conversations (id, kind, last_message_preview, last_message_at, updated_at)
		VALUES (?, '', ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			last_message_preview = CASE WHEN excluded.last_message_at >= conversations.last_message_at THEN excluded.last_message_preview ELSE conversations.last_message_preview END,
			last_message_at = MAX(conversations.last_message_at, excluded.last_message_at),
			updated_at = excluded.updated_at`,
		id, preview, at, now)
	return err
}

// EnsureDirect idempotently creates the direct conversation between two users.
// Creating the same pair twice, in either order, yields the same record.
func (db *DB) EnsureDirect(a, b string) (*model.Conversation, error) {
	c, err := model.NewDirect(a, b)
	if err != nil {
		return nil, err
	}
	existing, err := db.GetConversation(c.ID)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return existing, nil
	}
	if err := db.UpsertConversation(c); err != nil {
		return nil, err
	}
	return c, nil
}

// GetConversation returns a conversation by id, or nil when absent.
func (db *DB) GetConversation(id string) (*model.Conversation, error) {
	row := db.QueryRow(`
		SELECT id, kind, participants, name, avatar_ref, last_message_preview, last_message_at, display_names, updated_at
		FROM conversations WHERE id = ?`, id)
	c, err := scanConversation(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return c, nil
}

// ListConversations returns conversations newest-activity first.
func (db *DB) ListConversations(limit, offset int) ([]model.Conversation, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := db.Query(`
		SELECT id, kind, participants, name, avatar_ref, last_message_preview, last_message_at, display_names, updated_at
		FROM conversations
		ORDER BY last_message_at DESC
		LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []model.Conversation
	for rows.Next() {
		c, err := scanConversation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanConversation(r rowScanner) (*model.Conversation, error) {
	var c model.Conversation
	var kind, participants, names string
	if err := r.Scan(&c.ID, &kind, &participants, &c.Name, &c.AvatarRef,
		&c.LastMessagePreview, &c.LastMessageAt, &names, &c.UpdatedAt); err != nil {
		return nil, err
	}
	c.Kind = model.ConversationKind(kind)
	_ = json.Unmarshal([]byte(participants), &c.Participants)
	_ = json.Unmarshal([]byte(names), &c.DisplayNames)
	return &c, nil
}

func mustJSON(v any) string {
	if v == nil {
		return "null"
	}
	b, err := json.Marshal(v)
	if err != nil {
		return "null"
	}
	return string(b)
}
