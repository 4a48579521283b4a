package store

import (
	"time"

	"github.com/ensemblechat/ensemble/internal/model"
)

// OutboxEntry tracks the remote-write lifecycle of a local-origin message.
type OutboxEntry struct {
	ID             int64
	LocalID        string
	ConversationID string
	Status         string // queued, sending, sent, failed
	ErrorMessage   string
	RemoteID       string
	CreatedAt      int64
}

// QueueOutbox records that a local message awaits its remote write.
func (db *DB) QueueOutbox(localID, conversationID string) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		INSERT INTO outbox (local_id, conversation_id, status, created_at, updated_at)
		VALUES (?, ?, 'queued', ?, ?)
		ON CONFLICT(local_id) DO UPDATE SET status = 'queued', error_message = '', updated_at = excluded.updated_at`,
		localID, conversationID, now, now)
	return err
}

// MarkOutboxSending updates an outbox entry to 'sending' status.
func (db *DB) MarkOutboxSending(localID string) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`UPDATE outbox SET status = 'sending', updated_at = ? WHERE local_id = ?`, now, localID)
	return err
}

// MarkOutboxSent updates an outbox entry to 'sent' with the remote id.
func (db *DB) MarkOutboxSent(localID, remoteID string) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`UPDATE outbox SET status = 'sent', remote_id = ?, updated_at = ? WHERE local_id = ?`, remoteID, now, localID)
	return err
}

// MarkOutboxFailed updates an outbox entry to 'failed' with the error text.
func (db *DB) MarkOutboxFailed(localID, errMsg string) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`UPDATE outbox SET status = 'failed', error_message = ?, updated_at = ? WHERE local_id = ?`, errMsg, now, localID)
	return err
}

// PendingOutbox returns entries that are still queued, oldest first.
func (db *DB) PendingOutbox() ([]OutboxEntry, error) {
	return db.listOutbox(`SELECT id, local_id, conversation_id, status, error_message, remote_id, created_at
		FROM outbox WHERE status = 'queued' ORDER BY created_at ASC`)
}

// StalePending returns messages still shown as "sending" whose outbox entry
// is older than cutoff. These are surfaced as retry prompts, never retried
// automatically.
func (db *DB) StalePending(cutoff int64) ([]model.Message, error) {
	rows, err := db.Query(selectMessage+`
		WHERE status = 'sending' AND from_me = 1 AND inserted_at < ?
		ORDER BY created_at ASC`, cutoff)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []model.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *m)
	}
	return out, rows.Err()
}

func (db *DB) listOutbox(query string, args ...any) ([]OutboxEntry, error) {
	rows, err := db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var entries []OutboxEntry
	for rows.Next() {
		var e OutboxEntry
		if err := rows.Scan(&e.ID, &e.LocalID, &e.ConversationID, &e.Status, &e.ErrorMessage, &e.RemoteID, &e.CreatedAt); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
