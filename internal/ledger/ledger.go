// Package ledger is the persistent synchronization ledger: per-folder IMAP
// counters and per-message tri-state read/delete/push status. It is the
// single source of truth for cross-store state; all other components access
// it through the narrow operations defined here.
package ledger

import (
	"github.com/emersion/go-imap/v2"

	"github.com/aferraz/cmsync/internal/store"
)

// Ledger provides atomic access to the folders and sync_entries tables.
// Every mutation is a single transaction; concurrent upserts for the same
// key resolve last-writer-wins on non-key fields.
type Ledger struct {
	db *store.DB
}

// New creates a ledger over an opened, migrated app database.
func New(db *store.DB) *Ledger {
	return &Ledger{db: db}
}

func toUID(v uint32) imap.UID {
	return imap.UID(v)
}
