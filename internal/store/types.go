package store

// MessageKind classifies a local message log entry. The same kinds are
// used by the sync ledger.
type MessageKind string

const (
	KindSMS          MessageKind = "sms"
	KindMMS          MessageKind = "mms"
	KindChat         MessageKind = "chat"
	KindIMDN         MessageKind = "imdn"
	KindFileTransfer MessageKind = "filetransfer"
	KindSessionInfo  MessageKind = "sessioninfo"
	KindGroupState   MessageKind = "groupstate"
)

// Message delivery states as observed from the native store or transport.
const (
	StateReceived  = "received"
	StateSending   = "sending"
	StateSent      = "sent"
	StateDelivered = "delivered"
	StateFailed    = "failed"
)

// Message directions.
const (
	DirectionIn  = "in"
	DirectionOut = "out"
)

// Conversation represents one 1-to-1 or group conversation.
type Conversation struct {
	Key           string
	Contact       string
	IsGroup       bool
	LastMessageAt int64
}

// Message represents one row of the local message log, the conversation
// history surfaced to the user.
type Message struct {
	ID              int64
	MessageID       string
	ConversationKey string
	Kind            MessageKind
	Direction       string
	Contact         string
	Body            string
	State           string
	Read            bool
	Deleted         bool
	Timestamp       int64
}

// Attachment is a piece of content belonging to an MMS or file transfer.
type Attachment struct {
	ID        int64
	MessageID string
	Path      string
	Mime      string
	Size      int64
}
