package bus

import "time"

// Event represents a domain event published on the bus.
type Event struct {
	Kind      string
	Timestamp time.Time
	Payload   any
}

// Event kinds published by the sync core. Subscribers filter by prefix,
// e.g. "message." for everything touching the local message log.
const (
	KindMessageNew          = "message.new"
	KindMessageUpdated      = "message.updated"
	KindMessageRead         = "message.read"
	KindMessageDeleted      = "message.deleted"
	KindConversationDeleted = "conversation.deleted"
	KindPushRequested       = "push.requested"
	KindReportSent          = "report.sent"
	KindStatusChanged       = "daemon.status_changed"
)
