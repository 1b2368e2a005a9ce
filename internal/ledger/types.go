package ledger

import (
	"github.com/emersion/go-imap/v2"

	"github.com/aferraz/cmsync/internal/store"
)

// ReadStatus tracks whether a message's read state still has to be
// reported to the message store.
type ReadStatus string

const (
	Unread              ReadStatus = "UNREAD"
	ReadReportRequested ReadStatus = "READ_REPORT_REQUESTED"
	Read                ReadStatus = "READ"
)

// DeleteStatus tracks whether a message's deletion still has to be
// reported to the message store.
type DeleteStatus string

const (
	NotDeleted            DeleteStatus = "NOT_DELETED"
	DeleteReportRequested DeleteStatus = "DELETE_REPORT_REQUESTED"
	Deleted               DeleteStatus = "DELETED"
)

// PushStatus tracks whether a native-originated message still has to be
// uploaded. Only SMS/MMS are ever PUSH_REQUESTED; everything else is
// born PUSHED.
type PushStatus string

const (
	PushRequested PushStatus = "PUSH_REQUESTED"
	Pushed        PushStatus = "PUSHED"
)

// ReportKind selects which status dimension MarkReported advances.
type ReportKind int

const (
	ReportRead ReportKind = iota
	ReportDelete
)

// Folder mirrors one remote mailbox: one per conversation.
type Folder struct {
	Name        string
	NextUID     imap.UID
	Modseq      uint64
	UIDValidity uint32
}

// Entry is one ledger row: the synchronization state of exactly one
// message across the native store, the local log and the remote store.
type Entry struct {
	ID        int64
	Kind      store.MessageKind
	MessageID string
	// Folder is the owning conversation's remote folder name. Set at
	// creation from the conversation key; the UID stays nil until the
	// server assigns one.
	Folder     string
	UID        *imap.UID
	NativeID   *int64
	Correlator string
	Read       ReadStatus
	Delete     DeleteStatus
	Push       PushStatus
}

// Synced reports whether the entry has been observed on the remote store.
func (e *Entry) Synced() bool {
	return e.UID != nil
}
