package report

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Transport delivers one encoded flag document for a conversation.
// Implementations must be safe for use from the sync worker.
type Transport interface {
	Send(conversationKey string, payload []byte) error
}

// ErrUnavailable signals that a transport cannot currently deliver; the
// scheduler downgrades to the next one. Availability is re-evaluated on
// every attempt, never cached.
var ErrUnavailable = errors.New("transport unavailable")

// TransportFunc adapts a function to the Transport interface.
type TransportFunc func(conversationKey string, payload []byte) error

// Send implements Transport.
func (f TransportFunc) Send(conversationKey string, payload []byte) error {
	return f(conversationKey, payload)
}

// Unavailable is a Transport that always reports ErrUnavailable. It stands
// in for the in-session channel when no session stack is linked in.
func Unavailable() Transport {
	return TransportFunc(func(string, []byte) error {
		return ErrUnavailable
	})
}

// SpoolTransport implements the asynchronous store-protocol fallback as a
// spool directory: one document per file, consumed by the external
// uploader in name order.
type SpoolTransport struct {
	dir string
	seq int
}

// NewSpoolTransport creates a spool transport writing into dir.
func NewSpoolTransport(dir string) (*SpoolTransport, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("create spool dir: %w", err)
	}
	return &SpoolTransport{dir: dir}, nil
}

// Send implements Transport. The file is written to a temp name and
// renamed so the uploader never observes a partial document.
func (t *SpoolTransport) Send(conversationKey string, payload []byte) error {
	t.seq++
	name := fmt.Sprintf("%d-%04d.flags.json", time.Now().UnixNano(), t.seq)
	tmp := filepath.Join(t.dir, "."+name)
	if err := os.WriteFile(tmp, payload, 0600); err != nil {
		return fmt.Errorf("write spool file: %w", err)
	}
	if err := os.Rename(tmp, filepath.Join(t.dir, name)); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("publish spool file: %w", err)
	}
	return nil
}
