package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ensemblechat/ensemble/internal/model"
)

// InsertMessage inserts a new message row. Used for both optimistic
// local-origin rows and first sightings of remote-origin messages.
func (db *DB) InsertMessage(m *model.Message) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		INSERT INTO messages (local_id, remote_id, conversation_id, sender_id, sender_name, kind, body, attachment,
			status, from_me, created_at, remote_updated_at, delivered_to, read_by, inserted_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.LocalID, m.RemoteID, m.ConversationID, m.SenderID, m.SenderName, string(m.Kind), m.Body, m.Attachment,
		string(m.Status), m.FromMe, m.CreatedAt, m.RemoteUpdatedAt, mustJSON(m.DeliveredTo), mustJSON(m.ReadBy), now)
	if err != nil {
		return fmt.Errorf("insert message %s: %w", m.LocalID, err)
	}
	return nil
}

// UpdateFromRemote overwrites the server-authoritative fields of the row
// keyed by localID. Status is expected to already be monotonicity-checked by
// the caller (the reconciler).
func (db *DB) UpdateFromRemote(localID string, m *model.Message) error {
	_, err := db.Exec(`
		UPDATE messages SET
			body = ?, attachment = ?, kind = ?, sender_name = ?,
			status = ?, created_at = ?, remote_updated_at = ?,
			delivered_to = ?, read_by = ?
		WHERE local_id = ?`,
		m.Body, m.Attachment, string(m.Kind), m.SenderName,
		string(m.Status), m.CreatedAt, m.RemoteUpdatedAt,
		mustJSON(m.DeliveredTo), mustJSON(m.ReadBy), localID)
	if err != nil {
		return fmt.Errorf("update message %s: %w", localID, err)
	}
	return nil
}

// StampRemoteID records the remote id on a local-origin row, upgrading it
// from pending to confirmed without creating a duplicate.
func (db *DB) StampRemoteID(localID, remoteID string) error {
	_, err := db.Exec(`UPDATE messages SET remote_id = ? WHERE local_id = ? AND remote_id = ''`,
		remoteID, localID)
	if err != nil {
		return fmt.Errorf("stamp remote id on %s: %w", localID, err)
	}
	return nil
}

// SetMessageStatus sets the delivery status of a row iff it is a forward
// move; regressions are silently ignored.
func (db *DB) SetMessageStatus(localID string, status model.DeliveryStatus) error {
	cur, err := db.GetMessageByLocalID(localID)
	if err != nil {
		return err
	}
	if cur == nil {
		return fmt.Errorf("set status: no message %s", localID)
	}
	next := model.MaxStatus(cur.Status, status)
	if status == model.StatusFailed && cur.Status == model.StatusSending {
		next = model.StatusFailed
	}
	if next == cur.Status {
		return nil
	}
	_, err = db.Exec(`UPDATE messages SET status = ? WHERE local_id = ?`, string(next), localID)
	return err
}

// MarkMessageFailed moves a still-pending row to failed. The row is retained
// so the user can retry; confirmed rows are never failed retroactively.
func (db *DB) MarkMessageFailed(localID string) error {
	_, err := db.Exec(`UPDATE messages SET status = 'failed' WHERE local_id = ? AND status = 'sending'`, localID)
	return err
}

// GetMessageByLocalID returns the row keyed by local id, or nil.
func (db *DB) GetMessageByLocalID(localID string) (*model.Message, error) {
	row := db.QueryRow(selectMessage+` WHERE local_id = ?`, localID)
	return scanMessageRow(row)
}

// GetMessageByRemoteID returns the row keyed by remote id, or nil.
func (db *DB) GetMessageByRemoteID(remoteID string) (*model.Message, error) {
	if remoteID == "" {
		return nil, nil
	}
	row := db.QueryRow(selectMessage+` WHERE remote_id = ?`, remoteID)
	return scanMessageRow(row)
}

// ListMessages returns all messages of a conversation ordered by creation
// time ascending, the display order.
func (db *DB) ListMessages(conversationID string) ([]model.Message, error) {
	rows, err := db.Query(selectMessage+`
		WHERE conversation_id = ?
		ORDER BY created_at ASC, local_id ASC`, conversationID)
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

// CountMessages returns the number of rows for a conversation.
func (db *DB) CountMessages(conversationID string) (int, error) {
	var n int
	err := db.QueryRow(`SELECT COUNT(*) FROM messages WHERE conversation_id = ?`, conversationID).Scan(&n)
	return n, err
}

const selectMessage = `
	SELECT local_id, remote_id, conversation_id, sender_id, sender_name, kind, body, attachment,
		status, from_me, created_at, remote_updated_at, delivered_to, read_by
	FROM messages`

func scanMessageRow(row *sql.Row) (*model.Message, error) {
	m, err := scanMessage(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return m, nil
}

func scanMessage(r rowScanner) (*model.Message, error) {
	var m model.Message
	var kind, status, delivered, readBy string
	var attachment []byte
	if err := r.Scan(&m.LocalID, &m.RemoteID, &m.ConversationID, &m.SenderID, &m.SenderName,
		&kind, &m.Body, &attachment, &status, &m.FromMe, &m.CreatedAt, &m.RemoteUpdatedAt,
		&delivered, &readBy); err != nil {
		return nil, err
	}
	m.Kind = model.ContentKind(kind)
	m.Status = model.DeliveryStatus(status)
	m.Attachment = attachment
	_ = json.Unmarshal([]byte(delivered), &m.DeliveredTo)
	_ = json.Unmarshal([]byte(readBy), &m.ReadBy)
	return &m, nil
}
