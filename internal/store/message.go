package store

import (
	"database/sql"
	"errors"
	"time"
)

func isNoRows(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}

// UpsertMessage inserts or updates a message (idempotent on message_id).
// The read and deleted flags are sticky: an upsert never clears them.
func (db *DB) UpsertMessage(m *Message) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		INSERT INTO messages (message_id, conversation_key, kind, direction, contact, body, state, read, deleted, timestamp, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(message_id) DO UPDATE SET
			body = excluded.body,
			state = excluded.state,
			read = MAX(messages.read, excluded.read),
			deleted = MAX(messages.deleted, excluded.deleted)`,
		m.MessageID, m.ConversationKey, m.Kind, m.Direction, m.Contact, m.Body, m.State, m.Read, m.Deleted, m.Timestamp, now)
	return err
}

// GetMessage returns a message by its client-local message id, or nil.
func (db *DB) GetMessage(messageID string) (*Message, error) {
	row := db.QueryRow(`
		SELECT id, message_id, conversation_key, kind, direction, contact, body, state, read, deleted, timestamp
		FROM messages WHERE message_id = ?`, messageID)
	var m Message
	err := row.Scan(&m.ID, &m.MessageID, &m.ConversationKey, &m.Kind, &m.Direction, &m.Contact, &m.Body, &m.State, &m.Read, &m.Deleted, &m.Timestamp)
	if err != nil {
		if isNoRows(err) {
			return nil, nil
		}
		return nil, err
	}
	return &m, nil
}

// Exists reports whether a message with the given id is in the log.
func (db *DB) Exists(messageID string) (bool, error) {
	var one int
	err := db.QueryRow(`SELECT 1 FROM messages WHERE message_id = ?`, messageID).Scan(&one)
	if err != nil {
		if isNoRows(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// MarkRead marks a message read in the log.
func (db *DB) MarkRead(messageID string) error {
	_, err := db.Exec(`UPDATE messages SET read = 1 WHERE message_id = ?`, messageID)
	return err
}

// MarkDeleted marks a message deleted in the log. The row is kept as a
// tombstone; physical removal belongs to the ledger purge.
func (db *DB) MarkDeleted(messageID string) error {
	_, err := db.Exec(`UPDATE messages SET deleted = 1 WHERE message_id = ?`, messageID)
	return err
}

// UpdateMessageState updates the delivery state of a message.
func (db *DB) UpdateMessageState(messageID, state string) error {
	_, err := db.Exec(`UPDATE messages SET state = ? WHERE message_id = ?`, state, messageID)
	return err
}

// ListMessagesByConversation returns non-deleted messages for a conversation
// using keyset pagination by timestamp.
func (db *DB) ListMessagesByConversation(key string, beforeTs int64, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 50
	}
	if beforeTs <= 0 {
		beforeTs = time.Now().UnixMilli() + 1
	}
	rows, err := db.Query(`
		SELECT id, message_id, conversation_key, kind, direction, contact, body, state, read, deleted, timestamp
		FROM messages
		WHERE conversation_key = ? AND deleted = 0 AND timestamp < ?
		ORDER BY timestamp DESC
		LIMIT ?`, key, beforeTs, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var msgs []Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.MessageID, &m.ConversationKey, &m.Kind, &m.Direction, &m.Contact, &m.Body, &m.State, &m.Read, &m.Deleted, &m.Timestamp); err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}
