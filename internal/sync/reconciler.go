package sync

import (
	"fmt"
	"time"

	"github.com/emersion/go-imap/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/aferraz/cmsync/internal/bus"
	"github.com/aferraz/cmsync/internal/ledger"
	"github.com/aferraz/cmsync/internal/remote"
	"github.com/aferraz/cmsync/internal/store"
)

// FormatError marks a remote message as malformed or unsupported. It is
// non-retryable: the caller skips the message and continues the sync
// cycle with the next one.
type FormatError struct {
	Reason string
}

func (e *FormatError) Error() string {
	return "remote message rejected: " + e.Reason
}

var supportedKinds = map[store.MessageKind]bool{
	store.KindSMS:          true,
	store.KindMMS:          true,
	store.KindChat:         true,
	store.KindIMDN:         true,
	store.KindFileTransfer: true,
	store.KindSessionInfo:  true,
	store.KindGroupState:   true,
}

// Reconciler maps inbound remote messages onto local entities exactly once
// and applies remote flag state. It always runs on the engine worker.
type Reconciler struct {
	db     *store.DB
	ledger *ledger.Ledger
	bus    *bus.Bus
	logger *zap.Logger
}

// NewReconciler creates a reconciler.
func NewReconciler(db *store.DB, led *ledger.Ledger, b *bus.Bus, logger *zap.Logger) *Reconciler {
	return &Reconciler{db: db, ledger: led, bus: b, logger: logger}
}

// ApplyFolderState records the folder counters reported by the IMAP layer
// after a folder sync (SELECT/STATUS).
func (r *Reconciler) ApplyFolderState(f *ledger.Folder) error {
	return r.ledger.UpsertFolder(f)
}

// SearchLocalMessage finds the local entity a remote message corresponds
// to, or nil if it is genuinely new from the remote side.
func (r *Reconciler) SearchLocalMessage(msg *remote.Message) (*ledger.Entry, error) {
	if !supportedKinds[msg.Kind] {
		return nil, &FormatError{Reason: fmt.Sprintf("unsupported kind %q", msg.Kind)}
	}

	// Exact match: the message has been reconciled before.
	if msg.UID != 0 {
		entry, err := r.ledger.FindByFolderUID(msg.Folder, msg.UID)
		if err != nil {
			return nil, fmt.Errorf("find by folder/uid: %w", err)
		}
		if entry != nil {
			return entry, nil
		}
	}

	// Plain SMS carries no shared identifier: correlate by contact and
	// direction, most recent unsynced candidate wins.
	if msg.Kind == store.KindSMS {
		entry, err := r.ledger.FindUnsyncedByCorrelator(msg.Kind, Correlator(msg.Kind, msg.Incoming, msg.Contact))
		if err != nil {
			return nil, fmt.Errorf("correlate: %w", err)
		}
		return entry, nil
	}

	// Everything else carries a stable header.
	if msg.MessageID == "" {
		return nil, &FormatError{Reason: "missing message-id header"}
	}
	entry, err := r.ledger.FindByMessageID(msg.Kind, msg.MessageID)
	if err != nil {
		return nil, fmt.Errorf("find by message id: %w", err)
	}
	return entry, nil
}

// OnRemoteMessage reconciles one inbound remote message and returns the
// local message id it maps to. A message flagged deleted on arrival is
// persisted as a tombstone without surfacing a new-message notification:
// it is already gone.
func (r *Reconciler) OnRemoteMessage(msg *remote.Message) (string, error) {
	entry, err := r.SearchLocalMessage(msg)
	if err != nil {
		return "", err
	}
	if msg.UID == 0 {
		return "", &FormatError{Reason: "missing uid"}
	}

	if entry != nil {
		// Known local message observed on the remote side: assign the
		// server address if it was still pending, then apply flags.
		if !entry.Synced() {
			if err := r.ledger.AssignUID(entry.ID, msg.Folder, msg.UID); err != nil {
				return "", fmt.Errorf("assign uid: %w", err)
			}
		}
		if err := r.applyFlags(entry, msg); err != nil {
			return "", err
		}
		return entry.MessageID, nil
	}

	return r.createLocal(msg)
}

// OnRemoteReadEvent applies a remote read (flag change seen by the IMAP
// layer) to the local message. Applied directly, no report loop: the
// server already knows.
func (r *Reconciler) OnRemoteReadEvent(folder string, uid imap.UID) error {
	entry, err := r.ledger.FindByFolderUID(folder, uid)
	if err != nil {
		return fmt.Errorf("find by folder/uid: %w", err)
	}
	if entry == nil {
		r.logger.Warn("remote read for unknown message",
			zap.String("folder", folder), zap.Uint32("uid", uint32(uid)))
		return nil
	}
	return r.applyRemoteRead(entry)
}

// OnRemoteDeleteEvent applies a remote delete to the local message,
// cascading to dependent content cleanup.
func (r *Reconciler) OnRemoteDeleteEvent(folder string, uid imap.UID) error {
	entry, err := r.ledger.FindByFolderUID(folder, uid)
	if err != nil {
		return fmt.Errorf("find by folder/uid: %w", err)
	}
	if entry == nil {
		r.logger.Warn("remote delete for unknown message",
			zap.String("folder", folder), zap.Uint32("uid", uint32(uid)))
		return nil
	}
	return r.applyRemoteDelete(entry)
}

func (r *Reconciler) applyFlags(entry *ledger.Entry, msg *remote.Message) error {
	// Delete wins: a message both read and deleted remotely needs no
	// read handling, the tombstone covers it.
	if msg.Deleted() {
		return r.applyRemoteDelete(entry)
	}
	if msg.Seen() {
		return r.applyRemoteRead(entry)
	}
	return nil
}

func (r *Reconciler) applyRemoteRead(entry *ledger.Entry) error {
	if err := r.db.MarkRead(entry.MessageID); err != nil {
		return fmt.Errorf("mark read: %w", err)
	}
	if err := r.ledger.ApplyRemoteRead(entry.ID); err != nil {
		return fmt.Errorf("ledger read: %w", err)
	}
	r.publish(bus.KindMessageRead, entry.MessageID)
	return nil
}

func (r *Reconciler) applyRemoteDelete(entry *ledger.Entry) error {
	if err := r.db.MarkDeleted(entry.MessageID); err != nil {
		return fmt.Errorf("mark deleted: %w", err)
	}
	if entry.Kind == store.KindMMS || entry.Kind == store.KindFileTransfer {
		if err := r.db.RemoveAttachments(entry.MessageID); err != nil {
			return fmt.Errorf("remove attachments: %w", err)
		}
	}
	if err := r.ledger.ApplyRemoteDelete(entry.ID); err != nil {
		return fmt.Errorf("ledger delete: %w", err)
	}
	r.publish(bus.KindMessageDeleted, entry.MessageID)
	return nil
}

func (r *Reconciler) createLocal(msg *remote.Message) (string, error) {
	messageID := msg.MessageID
	if messageID == "" {
		messageID = uuid.NewString()
	}
	key := msg.ConversationKey
	if key == "" {
		key = ConversationKey(msg.Contact)
	}

	direction := store.DirectionOut
	if msg.Incoming {
		direction = store.DirectionIn
	}
	tombstone := msg.Deleted()

	if err := r.db.UpsertConversation(&store.Conversation{
		Key:           key,
		Contact:       msg.Contact,
		IsGroup:       msg.ContributionID != "",
		LastMessageAt: msg.Timestamp,
	}); err != nil {
		return "", fmt.Errorf("upsert conversation: %w", err)
	}
	if err := r.db.UpsertMessage(&store.Message{
		MessageID:       messageID,
		ConversationKey: key,
		Kind:            msg.Kind,
		Direction:       direction,
		Contact:         msg.Contact,
		Body:            msg.Body,
		State:           store.StateReceived,
		Read:            msg.Seen() || !msg.Incoming,
		Deleted:         tombstone,
		Timestamp:       msg.Timestamp,
	}); err != nil {
		return "", fmt.Errorf("upsert message: %w", err)
	}

	uid := msg.UID
	entry := &ledger.Entry{
		Kind:       msg.Kind,
		MessageID:  messageID,
		Folder:     msg.Folder,
		UID:        &uid,
		Correlator: Correlator(msg.Kind, msg.Incoming, msg.Contact),
		Read:       ledger.Unread,
		Delete:     ledger.NotDeleted,
		Push:       ledger.Pushed,
	}
	if msg.Seen() || !msg.Incoming {
		entry.Read = ledger.Read
	}
	if tombstone {
		entry.Read = ledger.Read
		entry.Delete = ledger.Deleted
	}
	if _, err := r.ledger.UpsertEntry(entry); err != nil {
		return "", fmt.Errorf("upsert entry: %w", err)
	}

	if !tombstone {
		r.publish(bus.KindMessageNew, messageID)
	}
	return messageID, nil
}

func (r *Reconciler) publish(kind string, payload any) {
	r.bus.Publish(bus.Event{Kind: kind, Timestamp: time.Now(), Payload: payload})
}
