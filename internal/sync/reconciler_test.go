package sync

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/emersion/go-imap/v2"

	"github.com/aferraz/cmsync/internal/bus"
	"github.com/aferraz/cmsync/internal/ledger"
	"github.com/aferraz/cmsync/internal/native"
	"github.com/aferraz/cmsync/internal/remote"
	"github.com/aferraz/cmsync/internal/store"
	"go.uber.org/zap"
)

func testReconciler(t *testing.T) (*env, *Reconciler) {
	t.Helper()
	e := testEnv(t)
	return e, NewReconciler(e.db, e.ledger, e.bus, zap.NewNop())
}

func remoteSMS(folder string, uid uint32, contact string, incoming bool, flags ...imap.Flag) *remote.Message {
	return &remote.Message{
		Kind:      store.KindSMS,
		Folder:    folder,
		UID:       imap.UID(uid),
		Flags:     flags,
		Contact:   contact,
		Incoming:  incoming,
		Body:      "hello",
		Timestamp: 1000,
	}
}

func TestRemoteMessageCreatesLocalCopy(t *testing.T) {
	e, r := testReconciler(t)
	ch, unsub := e.bus.Subscribe("message.", 8)
	defer unsub()

	folder := "contact/+15551234"
	messageID, err := r.OnRemoteMessage(remoteSMS(folder, 5, "+15551234", true))
	if err != nil {
		t.Fatal(err)
	}

	msg, err := e.db.GetMessage(messageID)
	if err != nil {
		t.Fatal(err)
	}
	if msg == nil {
		t.Fatal("no log row")
	}
	if msg.Direction != store.DirectionIn || msg.Read {
		t.Errorf("log row = %+v", msg)
	}

	entry, err := e.ledger.FindByFolderUID(folder, 5)
	if err != nil {
		t.Fatal(err)
	}
	if entry == nil {
		t.Fatal("no entry")
	}
	if !entry.Synced() || entry.Push != ledger.Pushed {
		t.Errorf("entry = %+v", entry)
	}

	select {
	case evt := <-ch:
		if evt.Kind != bus.KindMessageNew {
			t.Errorf("kind = %s", evt.Kind)
		}
	default:
		t.Error("no new-message notification")
	}
}

// The same (folder, uid) delivered twice must reconcile to the same local
// message, never a duplicate.
func TestRemoteRedeliveryIsIdempotent(t *testing.T) {
	e, r := testReconciler(t)
	folder := "contact/+15551234"

	first, err := r.OnRemoteMessage(remoteSMS(folder, 5, "+15551234", true))
	if err != nil {
		t.Fatal(err)
	}
	second, err := r.OnRemoteMessage(remoteSMS(folder, 5, "+15551234", true))
	if err != nil {
		t.Fatal(err)
	}
	if first != second {
		t.Errorf("redelivery mapped to %s, want %s", second, first)
	}

	msgs, err := e.db.ListMessagesByConversation(folder, 0, 100)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 1 {
		t.Errorf("messages = %d, want 1", len(msgs))
	}
}

// A native-origin SMS observed on the server must merge into its existing
// entry via the correlator: the uid is assigned, nothing is duplicated.
func TestRemoteObservationOfPushedSMSMerges(t *testing.T) {
	e, r := testReconciler(t)
	e.handler.HandleNativeEvent(native.OutgoingMessage{Row: smsRow(50, 7, "+15551234", false, store.StateSent)})
	before, _ := e.ledger.FindByNativeID(store.KindSMS, 50)
	if before.Synced() {
		t.Fatal("entry synced before reconciliation")
	}

	folder := "contact/+15551234"
	messageID, err := r.OnRemoteMessage(remoteSMS(folder, 9, "+15551234", false))
	if err != nil {
		t.Fatal(err)
	}
	if messageID != before.MessageID {
		t.Errorf("mapped to %s, want %s", messageID, before.MessageID)
	}

	after, _ := e.ledger.FindByFolderUID(folder, 9)
	if after == nil || after.ID != before.ID {
		t.Fatalf("uid not assigned to the correlated entry: %+v", after)
	}

	msgs, _ := e.db.ListMessagesByConversation(folder, 0, 100)
	if len(msgs) != 1 {
		t.Errorf("messages = %d, want 1", len(msgs))
	}
}

func TestTombstoneOnArrival(t *testing.T) {
	e, r := testReconciler(t)
	ch, unsub := e.bus.Subscribe(bus.KindMessageNew, 8)
	defer unsub()

	folder := "contact/+15551234"
	messageID, err := r.OnRemoteMessage(remoteSMS(folder, 5, "+15551234", true, imap.FlagDeleted))
	if err != nil {
		t.Fatal(err)
	}

	msg, _ := e.db.GetMessage(messageID)
	if !msg.Deleted {
		t.Error("row not tombstoned")
	}
	entry, _ := e.ledger.FindByFolderUID(folder, 5)
	if entry.Delete != ledger.Deleted || entry.Read != ledger.Read {
		t.Errorf("entry = read=%s delete=%s", entry.Read, entry.Delete)
	}

	select {
	case <-ch:
		t.Error("new-message notification for a tombstone")
	default:
	}
}

func TestRemoteReadAppliedDirectly(t *testing.T) {
	e, r := testReconciler(t)
	folder := "contact/+15551234"
	messageID, err := r.OnRemoteMessage(remoteSMS(folder, 5, "+15551234", true))
	if err != nil {
		t.Fatal(err)
	}

	if err := r.OnRemoteReadEvent(folder, 5); err != nil {
		t.Fatal(err)
	}

	msg, _ := e.db.GetMessage(messageID)
	if !msg.Read {
		t.Error("log row not marked read")
	}
	entry, _ := e.ledger.FindByFolderUID(folder, 5)
	if entry.Read != ledger.Read {
		t.Errorf("read = %s, want READ (no report loop for remote reads)", entry.Read)
	}
	// Nothing scheduled: the server already knows.
	if len(e.reports.folders) != 0 {
		t.Errorf("report scheduled for a remote read: %v", e.reports.folders)
	}
}

func TestRemoteDeleteCascadesToAttachments(t *testing.T) {
	e, r := testReconciler(t)
	folder := "contact/+15551234"

	msg := remoteSMS(folder, 5, "+15551234", true)
	msg.Kind = store.KindMMS
	msg.MessageID = "mms-1"
	messageID, err := r.OnRemoteMessage(msg)
	if err != nil {
		t.Fatal(err)
	}

	path := filepath.Join(t.TempDir(), "photo.jpg")
	if err := os.WriteFile(path, []byte("data"), 0600); err != nil {
		t.Fatal(err)
	}
	if err := e.db.AddAttachment(&store.Attachment{MessageID: messageID, Path: path, Mime: "image/jpeg", Size: 4}); err != nil {
		t.Fatal(err)
	}

	if err := r.OnRemoteDeleteEvent(folder, 5); err != nil {
		t.Fatal(err)
	}

	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Error("attachment file survived remote delete")
	}
	entry, _ := e.ledger.FindByFolderUID(folder, 5)
	if entry.Delete != ledger.Deleted {
		t.Errorf("delete = %s", entry.Delete)
	}
}

func TestRemoteEventForUnknownMessageIsSkipped(t *testing.T) {
	_, r := testReconciler(t)
	if err := r.OnRemoteReadEvent("contact/+15551234", 99); err != nil {
		t.Errorf("unknown read should be skipped, got %v", err)
	}
	if err := r.OnRemoteDeleteEvent("contact/+15551234", 99); err != nil {
		t.Errorf("unknown delete should be skipped, got %v", err)
	}
}

func TestMalformedRemoteMessagesRejected(t *testing.T) {
	_, r := testReconciler(t)
	var formatErr *FormatError

	bad := remoteSMS("contact/+15551234", 5, "+15551234", true)
	bad.Kind = store.MessageKind("carrier-voicemail")
	if _, err := r.OnRemoteMessage(bad); !errors.As(err, &formatErr) {
		t.Errorf("unsupported kind: got %v", err)
	}

	chat := remoteSMS("contact/+15551234", 5, "+15551234", true)
	chat.Kind = store.KindChat
	if _, err := r.OnRemoteMessage(chat); !errors.As(err, &formatErr) {
		t.Errorf("chat without message-id header: got %v", err)
	}

	noUID := remoteSMS("contact/+15551234", 0, "+15551234", true)
	if _, err := r.OnRemoteMessage(noUID); !errors.As(err, &formatErr) {
		t.Errorf("missing uid: got %v", err)
	}
}
