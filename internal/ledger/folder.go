package ledger

import (
	"database/sql"
	"fmt"
	"time"
)

// UpsertFolder inserts or updates a folder's counters (keyed by name).
// A changed uid_validity invalidates every cached UID in that folder:
// the affected entries fall back to correlator matching on the next
// sync cycle.
func (l *Ledger) UpsertFolder(f *Folder) error {
	tx, err := l.db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var prevValidity uint32
	err = tx.QueryRow(`SELECT uid_validity FROM folders WHERE name = ?`, f.Name).Scan(&prevValidity)
	switch {
	case err == sql.ErrNoRows:
		// First sync of this conversation.
	case err != nil:
		return fmt.Errorf("read folder: %w", err)
	case prevValidity != 0 && prevValidity != f.UIDValidity:
		if _, err := tx.Exec(`UPDATE sync_entries SET uid = NULL, updated_at = ? WHERE folder = ?`,
			time.Now().UnixMilli(), f.Name); err != nil {
			return fmt.Errorf("invalidate uids: %w", err)
		}
	}

	now := time.Now().UnixMilli()
	if _, err := tx.Exec(`
		INSERT INTO folders (name, next_uid, modseq, uid_validity, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET
			next_uid = excluded.next_uid,
			modseq = excluded.modseq,
			uid_validity = excluded.uid_validity,
			updated_at = excluded.updated_at`,
		f.Name, uint32(f.NextUID), f.Modseq, f.UIDValidity, now); err != nil {
		return fmt.Errorf("upsert folder: %w", err)
	}

	return tx.Commit()
}

// GetFolder returns a folder by name, or nil if it has never been synced.
func (l *Ledger) GetFolder(name string) (*Folder, error) {
	row := l.db.QueryRow(`SELECT name, next_uid, modseq, uid_validity FROM folders WHERE name = ?`, name)
	var f Folder
	var nextUID uint32
	if err := row.Scan(&f.Name, &nextUID, &f.Modseq, &f.UIDValidity); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	f.NextUID = toUID(nextUID)
	return &f, nil
}
