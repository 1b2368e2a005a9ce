// Package native watches the platform's message store. The store offers no
// per-row change notifications: we get a generic "something changed" signal
// and derive discrete events by diffing successive snapshots of the id sets.
package native

import "github.com/aferraz/cmsync/internal/store"

// MessageMeta is the cheap per-row listing state used for diffing.
type MessageMeta struct {
	ThreadID int64
	Read     bool
	Incoming bool
	State    string
}

// Row is a fully read native store row.
type Row struct {
	ID        int64
	Kind      store.MessageKind
	ThreadID  int64
	Address   string
	Body      string
	Incoming  bool
	Read      bool
	State     string
	Timestamp int64
}

// Provider is the pull-only native store boundary. Implementations must
// tolerate rows disappearing between calls; the watcher never assumes a
// listed id is still readable.
type Provider interface {
	// ListMessages returns the authoritative id set for one message kind
	// (sms or mms) with per-row diffing state.
	ListMessages(kind store.MessageKind) (map[int64]MessageMeta, error)
	// ListThreads returns every conversation thread id with its
	// aggregate read flag.
	ListThreads() (map[int64]bool, error)
	// ReadMessage reads a single row. Returns nil if the row is gone.
	ReadMessage(kind store.MessageKind, id int64) (*Row, error)
}

// watchedKinds are the native message kinds the watcher enumerates.
var watchedKinds = []store.MessageKind{store.KindSMS, store.KindMMS}
