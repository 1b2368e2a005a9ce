// Package report batches local read/delete status changes per conversation
// and transmits them to the message store over the cheapest available
// channel.
package report

import (
	"encoding/json"

	"github.com/aferraz/cmsync/internal/ledger"
)

// Operation is the flag applied to one remote message.
type Operation string

const (
	OpSeen    Operation = "SEEN"
	OpDeleted Operation = "DELETED"
)

// DocumentEntry addresses one message. (uid, folder) is used whenever the
// server has assigned a UID; not-yet-synced messages fall back to the
// symbolic (conversation_ref, message_id) cross-reference.
type DocumentEntry struct {
	UID             uint32    `json:"uid,omitempty"`
	Folder          string    `json:"folder,omitempty"`
	ConversationRef string    `json:"conversation_ref,omitempty"`
	MessageID       string    `json:"message_id,omitempty"`
	Operation       Operation `json:"op"`
}

// Document is one flag-update report covering a single conversation.
type Document struct {
	Entries []DocumentEntry `json:"entries"`
}

// Empty reports whether the document carries no operations.
func (d *Document) Empty() bool {
	return len(d.Entries) == 0
}

// Encode serializes the document for transmission.
func (d *Document) Encode() ([]byte, error) {
	return json.Marshal(d)
}

// Build partitions the pending entries of one folder into a flag document,
// in the order given (ledger insertion order, which keeps the document
// deterministic). It returns the ledger ids whose read and delete markers
// must advance once the document is confirmed transmitted.
//
// Delete wins: an entry with a pending delete report contributes only a
// DELETED operation, and its pending read marker is advanced alongside the
// delete so it never lingers.
func Build(folder string, pending []ledger.Entry) (doc *Document, seenIDs, deletedIDs []int64) {
	doc = &Document{}
	for _, e := range pending {
		if e.Delete == ledger.DeleteReportRequested {
			doc.Entries = append(doc.Entries, address(folder, &e, OpDeleted))
			deletedIDs = append(deletedIDs, e.ID)
			if e.Read == ledger.ReadReportRequested {
				seenIDs = append(seenIDs, e.ID)
			}
			continue
		}
		if e.Read == ledger.ReadReportRequested && e.Delete != ledger.Deleted {
			doc.Entries = append(doc.Entries, address(folder, &e, OpSeen))
			seenIDs = append(seenIDs, e.ID)
		}
	}
	return doc, seenIDs, deletedIDs
}

func address(folder string, e *ledger.Entry, op Operation) DocumentEntry {
	if e.UID != nil {
		return DocumentEntry{
			UID:       uint32(*e.UID),
			Folder:    folder,
			Operation: op,
		}
	}
	return DocumentEntry{
		ConversationRef: folder,
		MessageID:       e.MessageID,
		Operation:       op,
	}
}
