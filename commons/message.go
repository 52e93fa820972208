package commons

// Message represents the message sent over the wire between a log store
// client and the server.
type Message struct {
	// Type represents the message type.
	Type MessageType `json:"type"`

	// ReqID correlates a request with its ack or error. Notifications carry none.
	ReqID string `json:"reqID,omitempty"`

	// Doc is the document identifier the message is about.
	Doc string `json:"doc,omitempty"`

	// ID is the entry ID for updates, and the assigned ID in append acks.
	ID string `json:"id,omitempty"`

	// Entry is the log entry being appended, updated or announced.
	Entry *Operation `json:"entry,omitempty"`

	// Snapshot is the document snapshot for snapshot requests and replies.
	Snapshot *Snapshot `json:"snapshot,omitempty"`

	// Found is set on snapshotGet acks when a snapshot exists.
	Found bool `json:"found,omitempty"`

	// Error is set on error replies.
	Error string `json:"error,omitempty"`
}

// Snapshot is the "current" slot of a document: a value and the ID of the last
// log entry folded into it.
type Snapshot struct {
	Value   any    `json:"value"`
	Through string `json:"through,omitempty"`
}

// MessageType represents the type of the message.
type MessageType string

// Requests go from clients to the server:
// - append (append an entry, ack carries the assigned ID)
// - update (amend an entry in place)
// - snapshotGet, snapshotSet (read or write the current snapshot)
// - subscribe, unsubscribe (start or stop notifications for a document)
//
// Replies and notifications go from the server to clients:
// - ack, error (reply to a request)
// - added, changed (log notifications, in log order)
const (
	AppendMessage      MessageType = "append"
	UpdateMessage      MessageType = "update"
	SnapshotGetMessage MessageType = "snapshotGet"
	SnapshotSetMessage MessageType = "snapshotSet"
	SubscribeMessage   MessageType = "subscribe"
	UnsubscribeMessage MessageType = "unsubscribe"

	AckMessage     MessageType = "ack"
	ErrorMessage   MessageType = "error"
	AddedMessage   MessageType = "added"
	ChangedMessage MessageType = "changed"
)
