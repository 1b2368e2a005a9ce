package native

import "github.com/aferraz/cmsync/internal/store"

// Event is a typed change derived from two successive native snapshots.
type Event interface {
	nativeEvent()
}

// MessageRef identifies one native row by kind and id.
type MessageRef struct {
	Kind store.MessageKind
	ID   int64
}

// IncomingMessage reports a new row originating from a remote party.
type IncomingMessage struct {
	Row *Row
}

// OutgoingMessage reports a new row sent through the system dialer.
type OutgoingMessage struct {
	Row *Row
}

// StatusChanged reports a delivery-state change on an existing row.
type StatusChanged struct {
	Row *Row
}

// MessageRead reports a single row flipping unread -> read.
type MessageRead struct {
	Ref      MessageRef
	ThreadID int64
}

// MessageDeleted reports a single row removed from the store. The row is
// already gone, so only the snapshot metadata identifies it.
type MessageDeleted struct {
	Ref      MessageRef
	ThreadID int64
}

// ConversationRead reports a thread whose aggregate flag flipped to read
// with no identifiable per-row change.
type ConversationRead struct {
	ThreadID int64
	Messages []MessageRef
}

// ConversationDeleted reports a removed thread with every row it contained.
type ConversationDeleted struct {
	ThreadID int64
	Messages []MessageRef
}

func (IncomingMessage) nativeEvent()     {}
func (OutgoingMessage) nativeEvent()     {}
func (StatusChanged) nativeEvent()       {}
func (MessageRead) nativeEvent()         {}
func (MessageDeleted) nativeEvent()      {}
func (ConversationRead) nativeEvent()    {}
func (ConversationDeleted) nativeEvent() {}
