package native

import (
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3"

	"github.com/aferraz/cmsync/internal/store"
)

// SQLiteProvider reads the modem stack's message database. The schema is
// the conventional one (messages + threads tables); the provider only ever
// opens it read-only, the modem stack owns all writes.
type SQLiteProvider struct {
	db *sql.DB
}

// OpenSQLiteProvider opens the native message database read-only.
func OpenSQLiteProvider(path string) (*SQLiteProvider, error) {
	db, err := sql.Open("sqlite3", path+"?mode=ro&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open native db: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping native db: %w", err)
	}
	return &SQLiteProvider{db: db}, nil
}

// Close releases the database handle.
func (p *SQLiteProvider) Close() error {
	return p.db.Close()
}

// ListMessages implements Provider.
func (p *SQLiteProvider) ListMessages(kind store.MessageKind) (map[int64]MessageMeta, error) {
	rows, err := p.db.Query(`
		SELECT id, thread_id, read, incoming, state
		FROM messages WHERE kind = ?`, kind)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", kind, err)
	}
	defer func() { _ = rows.Close() }()

	metas := make(map[int64]MessageMeta)
	for rows.Next() {
		var id int64
		var m MessageMeta
		if err := rows.Scan(&id, &m.ThreadID, &m.Read, &m.Incoming, &m.State); err != nil {
			return nil, err
		}
		metas[id] = m
	}
	return metas, rows.Err()
}

// ListThreads implements Provider.
func (p *SQLiteProvider) ListThreads() (map[int64]bool, error) {
	rows, err := p.db.Query(`SELECT id, read FROM threads`)
	if err != nil {
		return nil, fmt.Errorf("list threads: %w", err)
	}
	defer func() { _ = rows.Close() }()

	threads := make(map[int64]bool)
	for rows.Next() {
		var id int64
		var read bool
		if err := rows.Scan(&id, &read); err != nil {
			return nil, err
		}
		threads[id] = read
	}
	return threads, rows.Err()
}

// ReadMessage implements Provider. A row deleted since the listing is
// reported as nil, not as an error.
func (p *SQLiteProvider) ReadMessage(kind store.MessageKind, id int64) (*Row, error) {
	row := p.db.QueryRow(`
		SELECT id, thread_id, address, body, incoming, read, state, timestamp
		FROM messages WHERE kind = ? AND id = ?`, kind, id)
	r := &Row{Kind: kind}
	err := row.Scan(&r.ID, &r.ThreadID, &r.Address, &r.Body, &r.Incoming, &r.Read, &r.State, &r.Timestamp)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("read %s %d: %w", kind, id, err)
	}
	return r, nil
}
