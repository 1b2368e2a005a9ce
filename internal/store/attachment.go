package store

import "os"

// AddAttachment records a content part for a message.
func (db *DB) AddAttachment(a *Attachment) error {
	_, err := db.Exec(`
		INSERT INTO attachments (message_id, path, mime, size)
		VALUES (?, ?, ?, ?)`,
		a.MessageID, a.Path, a.Mime, a.Size)
	return err
}

// ListAttachments returns the content parts of a message.
func (db *DB) ListAttachments(messageID string) ([]Attachment, error) {
	rows, err := db.Query(`
		SELECT id, message_id, path, mime, size
		FROM attachments WHERE message_id = ?`, messageID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var atts []Attachment
	for rows.Next() {
		var a Attachment
		if err := rows.Scan(&a.ID, &a.MessageID, &a.Path, &a.Mime, &a.Size); err != nil {
			return nil, err
		}
		atts = append(atts, a)
	}
	return atts, rows.Err()
}

// RemoveAttachments deletes the content parts of a message, removing the
// on-disk files first. Missing files are not an error: the cleanup must be
// retryable after a partial run.
func (db *DB) RemoveAttachments(messageID string) error {
	atts, err := db.ListAttachments(messageID)
	if err != nil {
		return err
	}
	for _, a := range atts {
		if a.Path == "" {
			continue
		}
		if err := os.Remove(a.Path); err != nil && !os.IsNotExist(err) {
			return err
		}
	}
	_, err = db.Exec(`DELETE FROM attachments WHERE message_id = ?`, messageID)
	return err
}
