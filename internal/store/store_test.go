package store

import (
	"os"
	"path/filepath"
	"testing"
)

func testDB(t *testing.T) *DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	db, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestMigrateIdempotent(t *testing.T) {
	db := testDB(t)

	// testDB already ran Migrate; a second run must be a no-op.
	result, err := db.Migrate()
	if err != nil {
		t.Fatal(err)
	}
	if result.Changed {
		t.Error("second Migrate() should report Changed=false")
	}
	if result.Version != 2 {
		t.Errorf("version = %d, want 2 (init + ledger)", result.Version)
	}
}

func TestConversationUpsert(t *testing.T) {
	db := testDB(t)

	c := &Conversation{Key: "contact/+15551234", Contact: "+15551234", LastMessageAt: 1000}
	if err := db.UpsertConversation(c); err != nil {
		t.Fatal(err)
	}

	// An older upsert must not move last_message_at backwards.
	c.LastMessageAt = 500
	if err := db.UpsertConversation(c); err != nil {
		t.Fatal(err)
	}

	got, err := db.GetConversation("contact/+15551234")
	if err != nil {
		t.Fatal(err)
	}
	if got == nil {
		t.Fatal("conversation missing")
	}
	if got.LastMessageAt != 1000 {
		t.Errorf("last_message_at = %d, want 1000", got.LastMessageAt)
	}
}

func TestMessageUpsertIdempotent(t *testing.T) {
	db := testDB(t)

	m := &Message{
		MessageID:       "msg-1",
		ConversationKey: "contact/+15551234",
		Kind:            KindSMS,
		Direction:       DirectionIn,
		Body:            "hello",
		State:           StateReceived,
		Timestamp:       1000,
	}
	if err := db.UpsertMessage(m); err != nil {
		t.Fatal(err)
	}
	m.Body = "hello updated"
	if err := db.UpsertMessage(m); err != nil {
		t.Fatal(err)
	}

	msgs, err := db.ListMessagesByConversation("contact/+15551234", 0, 100)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 1 {
		t.Fatalf("got %d messages, want 1 (idempotent upsert failed)", len(msgs))
	}
	if msgs[0].Body != "hello updated" {
		t.Errorf("body = %q", msgs[0].Body)
	}
}

func TestUpsertDoesNotClearReadFlag(t *testing.T) {
	db := testDB(t)

	m := &Message{MessageID: "msg-2", ConversationKey: "c", Kind: KindSMS, Direction: DirectionIn, State: StateReceived, Timestamp: 1}
	if err := db.UpsertMessage(m); err != nil {
		t.Fatal(err)
	}
	if err := db.MarkRead("msg-2"); err != nil {
		t.Fatal(err)
	}

	// Re-upsert with Read=false, e.g. the same message arriving again
	// from the remote side.
	if err := db.UpsertMessage(m); err != nil {
		t.Fatal(err)
	}

	got, err := db.GetMessage("msg-2")
	if err != nil {
		t.Fatal(err)
	}
	if !got.Read {
		t.Error("read flag regressed on upsert")
	}
}

func TestMarkDeletedKeepsTombstone(t *testing.T) {
	db := testDB(t)

	m := &Message{MessageID: "msg-3", ConversationKey: "c", Kind: KindSMS, Direction: DirectionIn, State: StateReceived, Timestamp: 1}
	if err := db.UpsertMessage(m); err != nil {
		t.Fatal(err)
	}
	if err := db.MarkDeleted("msg-3"); err != nil {
		t.Fatal(err)
	}

	// Gone from the visible list, still present as a row.
	msgs, err := db.ListMessagesByConversation("c", 0, 100)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 0 {
		t.Errorf("deleted message still listed")
	}
	got, err := db.GetMessage("msg-3")
	if err != nil {
		t.Fatal(err)
	}
	if got == nil || !got.Deleted {
		t.Error("tombstone missing")
	}
}

func TestExists(t *testing.T) {
	db := testDB(t)

	ok, err := db.Exists("nope")
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Error("Exists on missing message")
	}

	if err := db.UpsertMessage(&Message{MessageID: "msg-4", ConversationKey: "c", Kind: KindChat, Direction: DirectionOut, State: StateSent}); err != nil {
		t.Fatal(err)
	}
	ok, err = db.Exists("msg-4")
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Error("Exists missed inserted message")
	}
}

func TestRemoveAttachmentsDeletesFiles(t *testing.T) {
	db := testDB(t)

	dir := t.TempDir()
	path := filepath.Join(dir, "photo.jpg")
	if err := os.WriteFile(path, []byte("jpeg"), 0600); err != nil {
		t.Fatal(err)
	}

	if err := db.UpsertMessage(&Message{MessageID: "ft-1", ConversationKey: "c", Kind: KindFileTransfer, Direction: DirectionIn, State: StateReceived}); err != nil {
		t.Fatal(err)
	}
	if err := db.AddAttachment(&Attachment{MessageID: "ft-1", Path: path, Mime: "image/jpeg", Size: 4}); err != nil {
		t.Fatal(err)
	}

	if err := db.RemoveAttachments("ft-1"); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Error("attachment file not removed")
	}
	atts, err := db.ListAttachments("ft-1")
	if err != nil {
		t.Fatal(err)
	}
	if len(atts) != 0 {
		t.Errorf("attachment rows remain: %d", len(atts))
	}

	// Retry after the file is already gone must succeed.
	if err := db.RemoveAttachments("ft-1"); err != nil {
		t.Errorf("retry failed: %v", err)
	}
}
