// Package remote models messages as delivered by the IMAP layer. The IMAP
// client itself lives outside this core; reconciliation only depends on the
// semantic fields carried here.
package remote

import (
	"slices"

	"github.com/emersion/go-imap/v2"

	"github.com/aferraz/cmsync/internal/store"
)

// Message is one inbound message from the converged message store.
type Message struct {
	Kind   store.MessageKind
	Folder string
	// UID is the server-assigned address within Folder. Remote messages
	// always carry one; zero means the field was absent (malformed).
	UID   imap.UID
	Flags []imap.Flag
	// MessageID is the transport-provided stable header: the Message-ID
	// for MMS/chat/file transfers, empty for plain SMS which carries no
	// shared identifier.
	MessageID string
	// ContributionID groups messages of one conversation across devices.
	ContributionID  string
	ConversationKey string
	Contact         string
	Incoming        bool
	Body            string
	Timestamp       int64
}

// Seen reports whether the remote copy carries the read flag.
func (m *Message) Seen() bool {
	return slices.Contains(m.Flags, imap.FlagSeen)
}

// Deleted reports whether the remote copy arrived already deleted.
func (m *Message) Deleted() bool {
	return slices.Contains(m.Flags, imap.FlagDeleted)
}
