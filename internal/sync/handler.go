package sync

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/aferraz/cmsync/internal/bus"
	"github.com/aferraz/cmsync/internal/config"
	"github.com/aferraz/cmsync/internal/ledger"
	"github.com/aferraz/cmsync/internal/native"
	"github.com/aferraz/cmsync/internal/store"
)

// ReportScheduler is the flag-reporting entry point the handler pokes when
// a read or delete must eventually reach the remote store.
type ReportScheduler interface {
	Schedule(folder string)
}

// Handler is the single place where native-origin and application-origin
// events become message log rows and ledger entries. It always runs on the
// engine worker.
type Handler struct {
	db      *store.DB
	ledger  *ledger.Ledger
	bus     *bus.Bus
	reports ReportScheduler
	policy  config.Sync
	logger  *zap.Logger
}

// NewHandler creates the local event handler.
func NewHandler(db *store.DB, led *ledger.Ledger, b *bus.Bus, reports ReportScheduler, policy config.Sync, logger *zap.Logger) *Handler {
	return &Handler{
		db:      db,
		ledger:  led,
		bus:     b,
		reports: reports,
		policy:  policy,
		logger:  logger,
	}
}

// HandleNativeEvent consumes one watcher event. Storage failures abort the
// current event only; the next poll re-derives state.
func (h *Handler) HandleNativeEvent(evt native.Event) {
	var err error
	switch e := evt.(type) {
	case native.IncomingMessage:
		err = h.onIncoming(e.Row)
	case native.OutgoingMessage:
		err = h.onOutgoing(e.Row)
	case native.StatusChanged:
		err = h.onStatusChanged(e.Row)
	case native.MessageRead:
		err = h.onNativeRead(e.Ref)
	case native.MessageDeleted:
		err = h.onNativeDelete(e.Ref)
	case native.ConversationRead:
		for _, ref := range e.Messages {
			if err = h.onNativeRead(ref); err != nil {
				break
			}
		}
	case native.ConversationDeleted:
		for _, ref := range e.Messages {
			if err = h.onNativeDelete(ref); err != nil {
				break
			}
		}
		if err == nil {
			h.publish(bus.KindConversationDeleted, e.ThreadID)
		}
	default:
		h.logger.Warn("unknown native event", zap.Any("event", evt))
	}
	if err != nil {
		h.logger.Error("native event failed", zap.Error(err))
	}
}

// onIncoming stores a message that arrived on the native store. Incoming
// messages are never re-uploaded: they were delivered by the network and
// the server-side copy is the network's job, so push starts at PUSHED.
func (h *Handler) onIncoming(row *native.Row) error {
	if existing, err := h.ledger.FindByNativeID(row.Kind, row.ID); err != nil {
		return fmt.Errorf("find by native id: %w", err)
	} else if existing != nil {
		return nil
	}

	key := ConversationKey(row.Address)
	messageID := uuid.NewString()

	if err := h.writeMessage(row, key, messageID, store.DirectionIn); err != nil {
		return err
	}
	entry := &ledger.Entry{
		Kind:       row.Kind,
		MessageID:  messageID,
		Folder:     key,
		NativeID:   &row.ID,
		Correlator: Correlator(row.Kind, true, row.Address),
		Read:       ledger.Unread,
		Delete:     ledger.NotDeleted,
		Push:       ledger.Pushed,
	}
	if row.Read {
		entry.Read = ledger.Read
	}
	if _, err := h.ledger.UpsertEntry(entry); err != nil {
		return fmt.Errorf("upsert entry: %w", err)
	}
	h.publish(bus.KindMessageNew, messageID)
	return nil
}

// onOutgoing stores a message the user sent through the system dialer. If
// the same send already passed through OnLocalSend, the pre-generated
// message id is recovered via the correlator and the two observations
// merge into one entry instead of duplicating.
func (h *Handler) onOutgoing(row *native.Row) error {
	if existing, err := h.ledger.FindByNativeID(row.Kind, row.ID); err != nil {
		return fmt.Errorf("find by native id: %w", err)
	} else if existing != nil {
		return nil
	}

	key := ConversationKey(row.Address)
	correlator := Correlator(row.Kind, false, row.Address)

	messageID := ""
	if pending, err := h.ledger.FindUnsyncedByCorrelator(row.Kind, correlator); err != nil {
		return fmt.Errorf("correlate: %w", err)
	} else if pending != nil && pending.NativeID == nil {
		messageID = pending.MessageID
	}
	merged := messageID != ""
	if messageID == "" {
		messageID = uuid.NewString()
	}

	if err := h.writeMessage(row, key, messageID, store.DirectionOut); err != nil {
		return err
	}

	push := ledger.Pushed
	if h.policy.UploadNativeOutgoing {
		push = ledger.PushRequested
	}
	if _, err := h.ledger.UpsertEntry(&ledger.Entry{
		Kind:       row.Kind,
		MessageID:  messageID,
		Folder:     key,
		NativeID:   &row.ID,
		Correlator: correlator,
		Read:       ledger.Read,
		Delete:     ledger.NotDeleted,
		Push:       push,
	}); err != nil {
		return fmt.Errorf("upsert entry: %w", err)
	}

	if push == ledger.PushRequested {
		h.publish(bus.KindPushRequested, key)
	}
	if !merged {
		h.publish(bus.KindMessageNew, messageID)
	}
	return nil
}

// onStatusChanged applies a delivery-state change. A message becomes a
// sync candidate only once it reaches SENT; before that there is nothing
// on the wire to mirror.
func (h *Handler) onStatusChanged(row *native.Row) error {
	entry, err := h.ledger.FindByNativeID(row.Kind, row.ID)
	if err != nil {
		return fmt.Errorf("find by native id: %w", err)
	}
	if entry == nil {
		if row.State == store.StateSent {
			return h.onOutgoing(row)
		}
		return nil
	}
	if err := h.db.UpdateMessageState(entry.MessageID, row.State); err != nil {
		return fmt.Errorf("update state: %w", err)
	}
	h.publish(bus.KindMessageUpdated, entry.MessageID)
	return nil
}

func (h *Handler) onNativeRead(ref native.MessageRef) error {
	entry, err := h.ledger.FindByNativeID(ref.Kind, ref.ID)
	if err != nil {
		return fmt.Errorf("find by native id: %w", err)
	}
	if entry == nil {
		h.logger.Warn("read event for untracked native row",
			zap.String("kind", string(ref.Kind)), zap.Int64("native_id", ref.ID))
		return nil
	}
	return h.markRead(entry)
}

func (h *Handler) onNativeDelete(ref native.MessageRef) error {
	entry, err := h.ledger.FindByNativeID(ref.Kind, ref.ID)
	if err != nil {
		return fmt.Errorf("find by native id: %w", err)
	}
	if entry == nil {
		h.logger.Warn("delete event for untracked native row",
			zap.String("kind", string(ref.Kind)), zap.Int64("native_id", ref.ID))
		return nil
	}
	// The native row is gone; drop the back-reference so the entry can be
	// purged once the deletion is reported.
	if err := h.ledger.ClearNativeID(entry.Kind, entry.MessageID); err != nil {
		return fmt.Errorf("clear native id: %w", err)
	}
	return h.markDeleted(entry)
}

// OnLocalSend records a message the user sent through this client. The
// message id is generated here, before the native store observes the send,
// so the watcher's later "new outgoing" event merges instead of
// duplicating.
func (h *Handler) OnLocalSend(kind store.MessageKind, contact, body string) (string, error) {
	key := ConversationKey(contact)
	messageID := uuid.NewString()
	now := time.Now().UnixMilli()

	if err := h.db.UpsertConversation(&store.Conversation{Key: key, Contact: contact, LastMessageAt: now}); err != nil {
		return "", fmt.Errorf("upsert conversation: %w", err)
	}
	if err := h.db.UpsertMessage(&store.Message{
		MessageID:       messageID,
		ConversationKey: key,
		Kind:            kind,
		Direction:       store.DirectionOut,
		Contact:         contact,
		Body:            body,
		State:           store.StateSending,
		Read:            true,
		Timestamp:       now,
	}); err != nil {
		return "", fmt.Errorf("upsert message: %w", err)
	}

	push := ledger.Pushed
	if (kind == store.KindSMS || kind == store.KindMMS) && h.policy.UploadNativeOutgoing {
		push = ledger.PushRequested
	}
	if _, err := h.ledger.UpsertEntry(&ledger.Entry{
		Kind:       kind,
		MessageID:  messageID,
		Folder:     key,
		Correlator: Correlator(kind, false, contact),
		Read:       ledger.Read,
		Delete:     ledger.NotDeleted,
		Push:       push,
	}); err != nil {
		return "", fmt.Errorf("upsert entry: %w", err)
	}
	if push == ledger.PushRequested {
		h.publish(bus.KindPushRequested, key)
	}
	return messageID, nil
}

// OnLocalRead records that the user read a message in this client.
func (h *Handler) OnLocalRead(kind store.MessageKind, messageID string) error {
	entry, err := h.ledger.FindByMessageID(kind, messageID)
	if err != nil {
		return fmt.Errorf("find entry: %w", err)
	}
	if entry == nil {
		return nil
	}
	return h.markRead(entry)
}

// OnLocalDelete records that the user deleted a message in this client.
func (h *Handler) OnLocalDelete(kind store.MessageKind, messageID string) error {
	entry, err := h.ledger.FindByMessageID(kind, messageID)
	if err != nil {
		return fmt.Errorf("find entry: %w", err)
	}
	if entry == nil {
		return nil
	}
	return h.markDeleted(entry)
}

func (h *Handler) markRead(entry *ledger.Entry) error {
	if err := h.db.MarkRead(entry.MessageID); err != nil {
		return fmt.Errorf("mark read: %w", err)
	}
	changed, err := h.ledger.RequestReadReport(entry.Kind, entry.MessageID)
	if err != nil {
		return fmt.Errorf("request read report: %w", err)
	}
	if changed {
		h.reports.Schedule(entry.Folder)
	}
	h.publish(bus.KindMessageRead, entry.MessageID)
	return nil
}

func (h *Handler) markDeleted(entry *ledger.Entry) error {
	if err := h.db.MarkDeleted(entry.MessageID); err != nil {
		return fmt.Errorf("mark deleted: %w", err)
	}
	if entry.Kind == store.KindMMS || entry.Kind == store.KindFileTransfer {
		if err := h.db.RemoveAttachments(entry.MessageID); err != nil {
			return fmt.Errorf("remove attachments: %w", err)
		}
	}
	changed, err := h.ledger.RequestDeleteReport(entry.Kind, entry.MessageID)
	if err != nil {
		return fmt.Errorf("request delete report: %w", err)
	}
	if changed {
		h.reports.Schedule(entry.Folder)
	}
	h.publish(bus.KindMessageDeleted, entry.MessageID)
	return nil
}

func (h *Handler) writeMessage(row *native.Row, key, messageID, direction string) error {
	if err := h.db.UpsertConversation(&store.Conversation{
		Key:           key,
		Contact:       row.Address,
		LastMessageAt: row.Timestamp,
	}); err != nil {
		return fmt.Errorf("upsert conversation: %w", err)
	}
	if err := h.db.UpsertMessage(&store.Message{
		MessageID:       messageID,
		ConversationKey: key,
		Kind:            row.Kind,
		Direction:       direction,
		Contact:         row.Address,
		Body:            row.Body,
		State:           row.State,
		Read:            row.Read || direction == store.DirectionOut,
		Timestamp:       row.Timestamp,
	}); err != nil {
		return fmt.Errorf("upsert message: %w", err)
	}
	return nil
}

func (h *Handler) publish(kind string, payload any) {
	h.bus.Publish(bus.Event{Kind: kind, Timestamp: time.Now(), Payload: payload})
}
