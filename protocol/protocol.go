package protocol

// Wire messages exchanged between a docsync client and a sync endpoint.
// Every message travels inside a Frame so that a single websocket binary
// message is self-describing. Encoding is msgpack on both levels.

type MessageType int

const (
	MessageTypeFrameUnknown MessageType = 0

	MessageTypeSyncHandshake       MessageType = 1
	MessageTypeSyncHandshakeResult MessageType = 2
	MessageTypeSyncOperation       MessageType = 3

	MessageTypeAwarenessUpdate MessageType = 10
	MessageTypeAwarenessLeave  MessageType = 11
)

func (self MessageType) String() string {
	switch self {
	case MessageTypeSyncHandshake:
		return "SyncHandshake"
	case MessageTypeSyncHandshakeResult:
		return "SyncHandshakeResult"
	case MessageTypeSyncOperation:
		return "SyncOperation"
	case MessageTypeAwarenessUpdate:
		return "AwarenessUpdate"
	case MessageTypeAwarenessLeave:
		return "AwarenessLeave"
	default:
		return "Unknown"
	}
}

type Frame struct {
	MessageType  MessageType `msgpack:"t"`
	MessageBytes []byte      `msgpack:"b"`
}

type OpKind int

const (
	OpKindUnknown OpKind = 0
	OpKindInsert  OpKind = 1
	OpKindDelete  OpKind = 2
	OpKindSetAttr OpKind = 3
)

// Operation is an atomic, causally tagged document mutation.
// (Origin, Seq) is globally unique. The parent/target fields reference the
// element created by another operation; a zero origin and seq reference the
// document head.
type Operation struct {
	DocumentId string `msgpack:"d"`
	Origin     string `msgpack:"o"`
	Seq        uint64 `msgpack:"s"`
	Kind       OpKind `msgpack:"k"`

	// insert
	ParentOrigin string `msgpack:"po,omitempty"`
	ParentSeq    uint64 `msgpack:"ps,omitempty"`
	Value        string `msgpack:"v,omitempty"`

	// delete, set attr
	TargetOrigin string `msgpack:"to,omitempty"`
	TargetSeq    uint64 `msgpack:"ts,omitempty"`

	// set attr
	AttrKey   string `msgpack:"ak,omitempty"`
	AttrValue string `msgpack:"av,omitempty"`
}

// Handshake opens a document session. KnownSeqs is the highest contiguous
// sequence number the client has applied per origin peer.
type Handshake struct {
	DocumentId string            `msgpack:"d"`
	PeerId     string            `msgpack:"p"`
	ByJwt      string            `msgpack:"j,omitempty"`
	KnownSeqs  map[string]uint64 `msgpack:"ks"`
}

// HandshakeResult carries the operations the client is missing and the
// server's own per-origin high water marks, so the client can send back
// anything the server has never seen.
type HandshakeResult struct {
	MissingOperations []*Operation      `msgpack:"m"`
	KnownSeqs         map[string]uint64 `msgpack:"ks"`
	UpToDate          bool              `msgpack:"u"`
}

// Awareness is the full presence record for one peer. Presence is ephemeral;
// the latest received record per peer wins.
type Awareness struct {
	DocumentId     string `msgpack:"d"`
	PeerId         string `msgpack:"p"`
	Name           string `msgpack:"n,omitempty"`
	Color          string `msgpack:"c,omitempty"`
	Cursor         int    `msgpack:"cu"`
	SelectionStart int    `msgpack:"ss"`
	SelectionEnd   int    `msgpack:"se"`
	Active         bool   `msgpack:"a"`
	Timestamp      int64  `msgpack:"ts"`
}

type AwarenessLeave struct {
	DocumentId string `msgpack:"d"`
	PeerId     string `msgpack:"p"`
}

// Snapshot is the persisted form of a document: the full operation set plus
// a format version tag. Replaying the operations rebuilds the document on
// any replica because merge is order independent.
type Snapshot struct {
	FormatVersion int          `msgpack:"fv"`
	DocumentId    string       `msgpack:"d"`
	Operations    []*Operation `msgpack:"ops"`
}

const SnapshotFormatVersion = 1
