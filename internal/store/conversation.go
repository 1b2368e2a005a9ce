package store

import "time"

// UpsertConversation inserts or updates a conversation (idempotent on key).
// last_message_at only moves forward.
func (db *DB) UpsertConversation(c *Conversation) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		INSERT INTO conversations (key, contact, is_group, last_message_at, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			contact = CASE WHEN excluded.contact != '' THEN excluded.contact ELSE conversations.contact END,
			last_message_at = MAX(conversations.last_message_at, excluded.last_message_at)`,
		c.Key, c.Contact, c.IsGroup, c.LastMessageAt, now)
	return err
}

// GetConversation returns a conversation by key, or nil if absent.
func (db *DB) GetConversation(key string) (*Conversation, error) {
	row := db.QueryRow(`
		SELECT key, contact, is_group, last_message_at
		FROM conversations WHERE key = ?`, key)
	var c Conversation
	if err := row.Scan(&c.Key, &c.Contact, &c.IsGroup, &c.LastMessageAt); err != nil {
		if isNoRows(err) {
			return nil, nil
		}
		return nil, err
	}
	return &c, nil
}

// ListConversations returns conversations ordered by recency.
func (db *DB) ListConversations(limit int) ([]Conversation, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := db.Query(`
		SELECT key, contact, is_group, last_message_at
		FROM conversations ORDER BY last_message_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var convs []Conversation
	for rows.Next() {
		var c Conversation
		if err := rows.Scan(&c.Key, &c.Contact, &c.IsGroup, &c.LastMessageAt); err != nil {
			return nil, err
		}
		convs = append(convs, c)
	}
	return convs, rows.Err()
}
