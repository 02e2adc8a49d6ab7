// Package wire defines the external interface contract (spec §6): the
// Go-native shape of a gRPC-style append/delete/read/subscribe API,
// plus the mapping from the internal storeerr taxonomy to
// connectrpc.com/connect error codes. No service is generated or
// transported here — chronolog's RPC surface is out of scope for this
// module, but the boundary translation a real handler would need is
// not.
package wire

import (
	"errors"

	"connectrpc.com/connect"

	"chronolog/internal/storeerr"
)

// ExpectedRevisionKind selects one of the four append/delete
// preconditions (spec §4.6/§6).
type ExpectedRevisionKind uint8

const (
	ExpectedAny ExpectedRevisionKind = iota
	ExpectedStreamExists
	ExpectedNoStream
	ExpectedAtRevision
)

// ExpectedRevision is the expected_revision argument to AppendStream
// and DeleteStream. Revision is only meaningful when Kind ==
// ExpectedAtRevision.
type ExpectedRevision struct {
	Kind     ExpectedRevisionKind
	Revision uint64
}

// String renders the predicate for error messages
// (storeerr.WrongExpectedRevision.Expected).
func (e ExpectedRevision) String() string {
	switch e.Kind {
	case ExpectedAny:
		return "Any"
	case ExpectedStreamExists:
		return "StreamExists"
	case ExpectedNoStream:
		return "NoStream"
	case ExpectedAtRevision:
		return revisionString(e.Revision)
	default:
		return "Unknown"
	}
}

func revisionString(r uint64) string {
	return "Revision(" + itoa(r) + ")"
}

func itoa(v uint64) string {
	if v == 0 {
		return "0"
	}
	var buf [20]byte
	i := len(buf)
	for v > 0 {
		i--
		buf[i] = byte('0' + v%10)
		v /= 10
	}
	return string(buf[i:])
}

// ContentType mirrors record.ContentType on the wire boundary.
type ContentType uint8

const (
	ContentTypeUnknown ContentType = 0
	ContentTypeJSON    ContentType = 1
	ContentTypeBinary  ContentType = 2
)

// ProposedEvent is one event in an AppendStream request, before a
// revision or position has been assigned.
type ProposedEvent struct {
	ID          [16]byte // caller-supplied event UUID; zero means Append generates one. Not checked for uniqueness
	Class       string
	ContentType ContentType
	Payload     []byte
	Metadata    []byte
}

// AppendResult is the successful response to AppendStream/DeleteStream
// (spec §4.7 step 9).
type AppendResult struct {
	Position     uint64
	NextRevision uint64
}

// Direction selects the scan order for ReadStream.
type Direction uint8

const (
	Forwards Direction = iota
	Backwards
)

// StartPositionKind selects how ReadStream's start argument is
// interpreted.
type StartPositionKind uint8

const (
	StartBeginning StartPositionKind = iota
	StartEnd
	StartRevision
)

// StartPosition is the start argument to ReadStream and Subscribe.
type StartPosition struct {
	Kind     StartPositionKind
	Revision uint64 // meaningful only when Kind == StartRevision
}

// RecordedEvent is one event delivered by ReadStream or a live
// subscription, fully resolved (revision and position assigned).
type RecordedEvent struct {
	ID          [16]byte
	StreamName  string
	Revision    uint64
	Position    uint64
	Class       string
	ContentType ContentType
	Created     int64 // epoch milliseconds
	Payload     []byte
	Metadata    []byte
}

// SubscriptionTarget selects between subscribing to a single stream or
// to a named program (the embedded-runtime surface; spec §1 Non-goals
// excludes the runtime itself, but the subscription shape still
// reserves a slot for it per spec §6's ListPrograms/StopProgram
// surface).
type SubscriptionTarget struct {
	StreamName string
	Start      StartPosition

	ProgramName   string
	ProgramSource string
}

// SubscriptionMessageKind tags which variant of SubscriptionMessage is
// populated.
type SubscriptionMessageKind uint8

const (
	MsgConfirmation SubscriptionMessageKind = iota
	MsgEventAppeared
	MsgCaughtUp
	MsgNotification
	MsgError
)

// SubscriptionMessage is one message in a Subscribe response stream.
type SubscriptionMessage struct {
	Kind  SubscriptionMessageKind
	Event RecordedEvent // meaningful when Kind == MsgEventAppeared

	// NotificationText carries a human-readable reason when Kind ==
	// MsgNotification (e.g. "unsubscribed: slow consumer").
	NotificationText string

	Err error // meaningful when Kind == MsgError
}

// ToConnectError maps an internal error produced by the request
// processor to a *connect.Error carrying the appropriate RPC status
// code (spec §7 propagation policy), the same boundary-translation
// idiom the teacher's server package applies per-handler with
// connect.NewError.
func ToConnectError(err error) error {
	if err == nil {
		return nil
	}

	var wrongRevision *storeerr.WrongExpectedRevision
	if errors.As(err, &wrongRevision) {
		return connect.NewError(connect.CodeFailedPrecondition, err)
	}

	var deleted *storeerr.StreamDeleted
	if errors.As(err, &deleted) {
		return connect.NewError(connect.CodeFailedPrecondition, err)
	}

	var notLeader *storeerr.NotLeader
	if errors.As(err, &notLeader) {
		return connect.NewError(connect.CodeUnavailable, err)
	}

	switch {
	case errors.Is(err, storeerr.ErrNotFound):
		return connect.NewError(connect.CodeNotFound, err)
	case errors.Is(err, storeerr.ErrCorruption):
		return connect.NewError(connect.CodeDataLoss, err)
	case errors.Is(err, storeerr.ErrUnavailable):
		return connect.NewError(connect.CodeUnavailable, err)
	case errors.Is(err, storeerr.ErrIo):
		return connect.NewError(connect.CodeUnavailable, err)
	default:
		return connect.NewError(connect.CodeInternal, err)
	}
}
