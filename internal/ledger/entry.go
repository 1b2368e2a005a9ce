package ledger

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/emersion/go-imap/v2"

	"github.com/aferraz/cmsync/internal/store"
)

const entryColumns = `id, message_type, message_id, folder, uid, native_id, correlator, read_status, delete_status, push_status`

func scanEntry(row interface{ Scan(...any) error }) (*Entry, error) {
	var e Entry
	var uid, nativeID sql.NullInt64
	err := row.Scan(&e.ID, &e.Kind, &e.MessageID, &e.Folder, &uid, &nativeID, &e.Correlator, &e.Read, &e.Delete, &e.Push)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	if uid.Valid {
		u := toUID(uint32(uid.Int64))
		e.UID = &u
	}
	if nativeID.Valid {
		n := nativeID.Int64
		e.NativeID = &n
	}
	return &e, nil
}

// UpsertEntry inserts the entry if no row matches (folder, uid) [when the
// uid is present] or (message_type, message_id), else updates it in place.
// Returns whether a new row was created; callers use this to distinguish
// "new message" from "status refresh". Status fields never regress: READ,
// DELETED and PUSHED are terminal per dimension.
func (l *Ledger) UpsertEntry(e *Entry) (created bool, err error) {
	tx, err := l.db.Begin()
	if err != nil {
		return false, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var existing *Entry
	if e.UID != nil {
		existing, err = scanEntry(tx.QueryRow(
			`SELECT `+entryColumns+` FROM sync_entries WHERE folder = ? AND uid = ?`,
			e.Folder, uint32(*e.UID)))
		if err != nil {
			return false, fmt.Errorf("find by folder/uid: %w", err)
		}
	}
	if existing == nil {
		existing, err = scanEntry(tx.QueryRow(
			`SELECT `+entryColumns+` FROM sync_entries WHERE message_type = ? AND message_id = ?`,
			e.Kind, e.MessageID))
		if err != nil {
			return false, fmt.Errorf("find by message id: %w", err)
		}
	}

	now := time.Now().UnixMilli()
	if existing == nil {
		res, err := tx.Exec(`
			INSERT INTO sync_entries (message_type, message_id, folder, uid, native_id, correlator, read_status, delete_status, push_status, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			e.Kind, e.MessageID, e.Folder, uidArg(e.UID), nativeArg(e.NativeID), e.Correlator,
			e.Read, e.Delete, e.Push, now, now)
		if err != nil {
			return false, fmt.Errorf("insert entry: %w", err)
		}
		e.ID, _ = res.LastInsertId()
		return true, tx.Commit()
	}

	_, err = tx.Exec(`
		UPDATE sync_entries SET
			folder = CASE WHEN ? != '' THEN ? ELSE folder END,
			uid = COALESCE(?, uid),
			native_id = COALESCE(?, native_id),
			correlator = CASE WHEN ? != '' THEN ? ELSE correlator END,
			read_status = CASE
				WHEN read_status = 'READ' THEN read_status
				WHEN read_status = 'READ_REPORT_REQUESTED' AND ? = 'UNREAD' THEN read_status
				ELSE ? END,
			delete_status = CASE
				WHEN delete_status = 'DELETED' THEN delete_status
				WHEN delete_status = 'DELETE_REPORT_REQUESTED' AND ? = 'NOT_DELETED' THEN delete_status
				ELSE ? END,
			push_status = CASE WHEN push_status = 'PUSHED' THEN push_status ELSE ? END,
			updated_at = ?
		WHERE id = ?`,
		e.Folder, e.Folder, uidArg(e.UID), nativeArg(e.NativeID), e.Correlator, e.Correlator,
		e.Read, e.Read, e.Delete, e.Delete, e.Push, now, existing.ID)
	if err != nil {
		return false, fmt.Errorf("update entry: %w", err)
	}
	e.ID = existing.ID
	return false, tx.Commit()
}

func uidArg(u *imap.UID) any {
	if u == nil {
		return nil
	}
	return uint32(*u)
}

func nativeArg(n *int64) any {
	if n == nil {
		return nil
	}
	return *n
}

// FindByFolderUID returns the entry addressed by (folder, uid), or nil.
func (l *Ledger) FindByFolderUID(folder string, uid imap.UID) (*Entry, error) {
	return scanEntry(l.db.QueryRow(
		`SELECT `+entryColumns+` FROM sync_entries WHERE folder = ? AND uid = ?`,
		folder, uint32(uid)))
}

// FindByMessageID returns the entry for (message_type, message_id), or nil.
func (l *Ledger) FindByMessageID(kind store.MessageKind, messageID string) (*Entry, error) {
	return scanEntry(l.db.QueryRow(
		`SELECT `+entryColumns+` FROM sync_entries WHERE message_type = ? AND message_id = ?`,
		kind, messageID))
}

// FindByNativeID returns the entry tracking the given native store row, or nil.
func (l *Ledger) FindByNativeID(kind store.MessageKind, nativeID int64) (*Entry, error) {
	return scanEntry(l.db.QueryRow(
		`SELECT `+entryColumns+` FROM sync_entries WHERE message_type = ? AND native_id = ?`,
		kind, nativeID))
}

// FindUnsyncedByCorrelator returns the most recent entry with the given
// correlator that has no UID assigned yet, or nil. This is the matching
// heuristic for messages sent locally that later appear on the remote
// side without a shared identifier.
func (l *Ledger) FindUnsyncedByCorrelator(kind store.MessageKind, correlator string) (*Entry, error) {
	return scanEntry(l.db.QueryRow(
		`SELECT `+entryColumns+` FROM sync_entries
		 WHERE message_type = ? AND correlator = ? AND uid IS NULL
		 ORDER BY id DESC LIMIT 1`,
		kind, correlator))
}

// AssignUID records the server-assigned (folder, uid) address of an entry,
// moving it from pending to synced.
func (l *Ledger) AssignUID(id int64, folder string, uid imap.UID) error {
	_, err := l.db.Exec(`
		UPDATE sync_entries SET folder = ?, uid = ?, updated_at = ? WHERE id = ?`,
		folder, uint32(uid), time.Now().UnixMilli(), id)
	return err
}

// RequestReadReport moves an UNREAD entry to READ_REPORT_REQUESTED.
// Returns whether the entry actually transitioned; already-read entries
// and nonexistent ids report false.
func (l *Ledger) RequestReadReport(kind store.MessageKind, messageID string) (bool, error) {
	res, err := l.db.Exec(`
		UPDATE sync_entries SET read_status = ?, updated_at = ?
		WHERE message_type = ? AND message_id = ? AND read_status = ?`,
		ReadReportRequested, time.Now().UnixMilli(), kind, messageID, Unread)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// RequestDeleteReport moves a NOT_DELETED entry to DELETE_REPORT_REQUESTED.
func (l *Ledger) RequestDeleteReport(kind store.MessageKind, messageID string) (bool, error) {
	res, err := l.db.Exec(`
		UPDATE sync_entries SET delete_status = ?, updated_at = ?
		WHERE message_type = ? AND message_id = ? AND delete_status = ?`,
		DeleteReportRequested, time.Now().UnixMilli(), kind, messageID, NotDeleted)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// ApplyRemoteRead sets an entry READ directly. Remote-originated reads
// skip the report loop: the server already knows.
func (l *Ledger) ApplyRemoteRead(id int64) error {
	_, err := l.db.Exec(`
		UPDATE sync_entries SET read_status = ?, updated_at = ? WHERE id = ?`,
		Read, time.Now().UnixMilli(), id)
	return err
}

// ApplyRemoteDelete sets an entry DELETED directly, skipping the report
// loop. Delete wins over a concurrent local read: a pending read report
// for the now-gone message is collapsed to READ so it never reaches a
// flag document.
func (l *Ledger) ApplyRemoteDelete(id int64) error {
	_, err := l.db.Exec(`
		UPDATE sync_entries SET delete_status = ?,
			read_status = CASE WHEN read_status = ? THEN ? ELSE read_status END,
			updated_at = ?
		WHERE id = ?`,
		Deleted, ReadReportRequested, Read, time.Now().UnixMilli(), id)
	return err
}

// MarkPushed advances an entry's push status after the uploader confirms
// the message reached the server.
func (l *Ledger) MarkPushed(kind store.MessageKind, messageID string) error {
	_, err := l.db.Exec(`
		UPDATE sync_entries SET push_status = ?, updated_at = ?
		WHERE message_type = ? AND message_id = ?`,
		Pushed, time.Now().UnixMilli(), kind, messageID)
	return err
}

// ListPendingReport returns every entry in the folder with a pending
// read or delete report, in insertion order. The order is what makes the
// flag document deterministic.
func (l *Ledger) ListPendingReport(folder string) ([]Entry, error) {
	rows, err := l.db.Query(`
		SELECT `+entryColumns+` FROM sync_entries
		WHERE folder = ? AND (read_status = ? OR delete_status = ?)
		ORDER BY id ASC`,
		folder, ReadReportRequested, DeleteReportRequested)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var entries []Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, *e)
	}
	return entries, rows.Err()
}

// MarkReported advances REQUESTED -> final for the given kind on exactly
// the given entry ids, leaving the other status dimension untouched.
// Entries that moved on since the report snapshot are skipped by the
// status guard in the WHERE clause.
func (l *Ledger) MarkReported(ids []int64, kind ReportKind) error {
	if len(ids) == 0 {
		return nil
	}
	var set, from, to string
	switch kind {
	case ReportRead:
		set, from, to = "read_status", string(ReadReportRequested), string(Read)
	case ReportDelete:
		set, from, to = "delete_status", string(DeleteReportRequested), string(Deleted)
	default:
		return fmt.Errorf("unknown report kind %d", kind)
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := make([]any, 0, len(ids)+3)
	args = append(args, to, time.Now().UnixMilli(), from)
	for _, id := range ids {
		args = append(args, id)
	}
	_, err := l.db.Exec(fmt.Sprintf(`
		UPDATE sync_entries SET %s = ?, updated_at = ?
		WHERE %s = ? AND id IN (%s)`, set, set, placeholders), args...)
	return err
}

// PurgeDeleted physically removes fully synced tombstones: entries whose
// deletion has been reported and that track no native row anymore.
// Returns the number of rows removed.
func (l *Ledger) PurgeDeleted() (int64, error) {
	res, err := l.db.Exec(`
		DELETE FROM sync_entries WHERE delete_status = ? AND native_id IS NULL`,
		Deleted)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// ClearNativeID drops the native back-reference of an entry, e.g. after
// the native row disappeared and its deletion has been propagated.
func (l *Ledger) ClearNativeID(kind store.MessageKind, messageID string) error {
	_, err := l.db.Exec(`
		UPDATE sync_entries SET native_id = NULL, updated_at = ?
		WHERE message_type = ? AND message_id = ?`,
		time.Now().UnixMilli(), kind, messageID)
	return err
}
