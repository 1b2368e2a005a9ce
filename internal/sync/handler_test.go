package sync

import (
	"os"
	"path/filepath"
	"testing"

	"go.uber.org/zap"

	"github.com/aferraz/cmsync/internal/bus"
	"github.com/aferraz/cmsync/internal/config"
	"github.com/aferraz/cmsync/internal/ledger"
	"github.com/aferraz/cmsync/internal/native"
	"github.com/aferraz/cmsync/internal/store"
)

// recordingScheduler captures report scheduling without timers.
type recordingScheduler struct {
	folders []string
}

func (r *recordingScheduler) Schedule(folder string) {
	r.folders = append(r.folders, folder)
}

type env struct {
	db      *store.DB
	ledger  *ledger.Ledger
	bus     *bus.Bus
	reports *recordingScheduler
	handler *Handler
}

func testEnv(t *testing.T) *env {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	db, err := store.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })

	led := ledger.New(db)
	b := bus.New()
	reports := &recordingScheduler{}
	policy := config.Default().Sync
	return &env{
		db:      db,
		ledger:  led,
		bus:     b,
		reports: reports,
		handler: NewHandler(db, led, b, reports, policy, zap.NewNop()),
	}
}

func smsRow(id, thread int64, address string, incoming bool, state string) *native.Row {
	return &native.Row{
		ID:        id,
		Kind:      store.KindSMS,
		ThreadID:  thread,
		Address:   address,
		Body:      "hello",
		Incoming:  incoming,
		Read:      !incoming,
		State:     state,
		Timestamp: 1000,
	}
}

func TestIncomingSMS(t *testing.T) {
	e := testEnv(t)
	ch, unsub := e.bus.Subscribe("message.", 8)
	defer unsub()

	e.handler.HandleNativeEvent(native.IncomingMessage{Row: smsRow(42, 7, "+15551234", true, store.StateReceived)})

	entry, err := e.ledger.FindByNativeID(store.KindSMS, 42)
	if err != nil {
		t.Fatal(err)
	}
	if entry == nil {
		t.Fatal("no ledger entry created")
	}
	if entry.Push != ledger.Pushed {
		t.Errorf("push = %s, want PUSHED (incoming messages are never uploaded)", entry.Push)
	}
	if entry.Read != ledger.Unread {
		t.Errorf("read = %s, want UNREAD", entry.Read)
	}
	if entry.Folder != "contact/+15551234" {
		t.Errorf("folder = %q", entry.Folder)
	}

	msg, err := e.db.GetMessage(entry.MessageID)
	if err != nil {
		t.Fatal(err)
	}
	if msg == nil {
		t.Fatal("no log row inserted")
	}
	if msg.Direction != store.DirectionIn || msg.Kind != store.KindSMS {
		t.Errorf("log row = %+v", msg)
	}

	select {
	case evt := <-ch:
		if evt.Kind != bus.KindMessageNew {
			t.Errorf("kind = %s", evt.Kind)
		}
	default:
		t.Error("no new-message notification")
	}

	// Duplicate notification for the same native row is idempotent.
	e.handler.HandleNativeEvent(native.IncomingMessage{Row: smsRow(42, 7, "+15551234", true, store.StateReceived)})
	msgs, err := e.db.ListMessagesByConversation("contact/+15551234", 0, 100)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 1 {
		t.Errorf("messages = %d, want 1", len(msgs))
	}
}

func TestOutgoingSMSRequestsPush(t *testing.T) {
	e := testEnv(t)
	ch, unsub := e.bus.Subscribe("push.", 8)
	defer unsub()

	e.handler.HandleNativeEvent(native.OutgoingMessage{Row: smsRow(43, 7, "+15551234", false, store.StateSent)})

	entry, err := e.ledger.FindByNativeID(store.KindSMS, 43)
	if err != nil {
		t.Fatal(err)
	}
	if entry == nil {
		t.Fatal("no entry")
	}
	if entry.Push != ledger.PushRequested {
		t.Errorf("push = %s, want PUSH_REQUESTED", entry.Push)
	}
	if entry.Read != ledger.Read {
		t.Errorf("read = %s, want READ (own message)", entry.Read)
	}

	select {
	case evt := <-ch:
		if evt.Payload != "contact/+15551234" {
			t.Errorf("push hint payload = %v", evt.Payload)
		}
	default:
		t.Error("no push hint published")
	}
}

func TestOutgoingUploadPolicyDisabled(t *testing.T) {
	e := testEnv(t)
	policy := config.Default().Sync
	policy.UploadNativeOutgoing = false
	h := NewHandler(e.db, e.ledger, e.bus, e.reports, policy, zap.NewNop())

	h.HandleNativeEvent(native.OutgoingMessage{Row: smsRow(44, 7, "+15551234", false, store.StateSent)})

	entry, _ := e.ledger.FindByNativeID(store.KindSMS, 44)
	if entry.Push != ledger.Pushed {
		t.Errorf("push = %s, want PUSHED when upload policy is off", entry.Push)
	}
}

// A message sent through this client and then observed by the watcher must
// merge into one entry via the correlator, not duplicate.
func TestLocalSendThenNativeObservationMerges(t *testing.T) {
	e := testEnv(t)

	messageID, err := e.handler.OnLocalSend(store.KindSMS, "+15551234", "hello")
	if err != nil {
		t.Fatal(err)
	}

	e.handler.HandleNativeEvent(native.OutgoingMessage{Row: smsRow(50, 7, "+1 555-1234", false, store.StateSent)})

	entry, err := e.ledger.FindByNativeID(store.KindSMS, 50)
	if err != nil {
		t.Fatal(err)
	}
	if entry == nil {
		t.Fatal("no entry")
	}
	if entry.MessageID != messageID {
		t.Errorf("entry message id = %s, want pre-generated %s", entry.MessageID, messageID)
	}

	msgs, err := e.db.ListMessagesByConversation("contact/+15551234", 0, 100)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 1 {
		t.Errorf("messages = %d, want 1 (merge failed)", len(msgs))
	}
}

func TestStatusChangeToSentRegistersEntry(t *testing.T) {
	e := testEnv(t)

	// Sending state alone does not make the message a sync candidate.
	e.handler.HandleNativeEvent(native.StatusChanged{Row: smsRow(60, 7, "+15551234", false, store.StateSending)})
	if entry, _ := e.ledger.FindByNativeID(store.KindSMS, 60); entry != nil {
		t.Fatal("entry registered before SENT")
	}

	e.handler.HandleNativeEvent(native.StatusChanged{Row: smsRow(60, 7, "+15551234", false, store.StateSent)})
	entry, _ := e.ledger.FindByNativeID(store.KindSMS, 60)
	if entry == nil {
		t.Fatal("entry not registered on SENT")
	}
	if entry.Push != ledger.PushRequested {
		t.Errorf("push = %s", entry.Push)
	}
}

func TestNativeReadSchedulesReport(t *testing.T) {
	e := testEnv(t)
	e.handler.HandleNativeEvent(native.IncomingMessage{Row: smsRow(42, 7, "+15551234", true, store.StateReceived)})

	e.handler.HandleNativeEvent(native.MessageRead{Ref: native.MessageRef{Kind: store.KindSMS, ID: 42}, ThreadID: 7})

	entry, _ := e.ledger.FindByNativeID(store.KindSMS, 42)
	if entry.Read != ledger.ReadReportRequested {
		t.Errorf("read = %s, want READ_REPORT_REQUESTED", entry.Read)
	}
	if len(e.reports.folders) != 1 || e.reports.folders[0] != "contact/+15551234" {
		t.Errorf("scheduled = %v", e.reports.folders)
	}

	msg, _ := e.db.GetMessage(entry.MessageID)
	if !msg.Read {
		t.Error("log row not marked read")
	}

	// A second read event does not schedule again.
	e.handler.HandleNativeEvent(native.MessageRead{Ref: native.MessageRef{Kind: store.KindSMS, ID: 42}, ThreadID: 7})
	if len(e.reports.folders) != 1 {
		t.Errorf("re-scheduled on redundant read: %v", e.reports.folders)
	}
}

func TestConversationDeletionFansOut(t *testing.T) {
	e := testEnv(t)
	e.handler.HandleNativeEvent(native.IncomingMessage{Row: smsRow(42, 7, "+15551234", true, store.StateReceived)})
	e.handler.HandleNativeEvent(native.OutgoingMessage{Row: smsRow(43, 7, "+15551234", false, store.StateSent)})

	e.handler.HandleNativeEvent(native.ConversationDeleted{
		ThreadID: 7,
		Messages: []native.MessageRef{
			{Kind: store.KindSMS, ID: 42},
			{Kind: store.KindSMS, ID: 43},
		},
	})

	// Two delete-status updates cascade from the one conversation event.
	pending, err := e.ledger.ListPendingReport("contact/+15551234")
	if err != nil {
		t.Fatal(err)
	}
	deletes := 0
	for _, p := range pending {
		if p.Delete == ledger.DeleteReportRequested {
			deletes++
		}
		if p.NativeID != nil {
			t.Errorf("native back-reference kept for deleted row: %+v", p)
		}
	}
	if deletes != 2 {
		t.Errorf("delete-pending = %d, want 2", deletes)
	}
}

func TestUntrackedNativeEventIsSkipped(t *testing.T) {
	e := testEnv(t)
	// Loss of an unknown row must not create entries or panic.
	e.handler.HandleNativeEvent(native.MessageDeleted{Ref: native.MessageRef{Kind: store.KindSMS, ID: 999}, ThreadID: 1})
	if len(e.reports.folders) != 0 {
		t.Errorf("scheduled for untracked row: %v", e.reports.folders)
	}
}

func TestLocalDeleteOfFileTransferRemovesContent(t *testing.T) {
	e := testEnv(t)

	messageID, err := e.handler.OnLocalSend(store.KindFileTransfer, "+15551234", "photo")
	if err != nil {
		t.Fatal(err)
	}
	dir := t.TempDir()
	path := filepath.Join(dir, "photo.jpg")
	if err := os.WriteFile(path, []byte("data"), 0600); err != nil {
		t.Fatal(err)
	}
	if err := e.db.AddAttachment(&store.Attachment{MessageID: messageID, Path: path, Mime: "image/jpeg", Size: 4}); err != nil {
		t.Fatal(err)
	}

	if err := e.handler.OnLocalDelete(store.KindFileTransfer, messageID); err != nil {
		t.Fatal(err)
	}

	atts, err := e.db.ListAttachments(messageID)
	if err != nil {
		t.Fatal(err)
	}
	if len(atts) != 0 {
		t.Error("attachments survived delete")
	}
	entry, _ := e.ledger.FindByMessageID(store.KindFileTransfer, messageID)
	if entry.Delete != ledger.DeleteReportRequested {
		t.Errorf("delete = %s", entry.Delete)
	}
}
