package replication

import (
	"errors"
	"fmt"
	"time"

	"github.com/INLOpen/livedb/core"
)

// Kind tags a replication message.
type Kind uint8

const (
	KindUnknown Kind = iota
	// KindHeartbeat carries the sender's sequence: committed on a primary,
	// applied on a replica. A replica's first heartbeat is its resume position.
	KindHeartbeat
	// KindRedirect points the receiver at the current primary.
	KindRedirect
	// KindSnapshotRequest asks the primary for its full state.
	KindSnapshotRequest
	// KindSnapshotResponse carries a serialized model and the sequence it reflects.
	KindSnapshotResponse
	// KindTransitioning tells the receiver to retry after WaitTime.
	KindTransitioning
	// KindOperation carries one committed record.
	KindOperation
	// KindAck confirms a replica applied a sequence.
	KindAck
)

func (k Kind) String() string {
	switch k {
	case KindHeartbeat:
		return "heartbeat"
	case KindRedirect:
		return "redirect"
	case KindSnapshotRequest:
		return "snapshot_request"
	case KindSnapshotResponse:
		return "snapshot_response"
	case KindTransitioning:
		return "transitioning"
	case KindOperation:
		return "operation"
	case KindAck:
		return "ack"
	default:
		return "unknown"
	}
}

// ErrorCode classifies an error carried by a message.
type ErrorCode uint8

const (
	CodeNone ErrorCode = iota
	// CodeInternal is any failure without a more specific code.
	CodeInternal
	// CodePositionPurged means the requested resume position is no longer in
	// the primary's journal. The replica must request a snapshot.
	CodePositionPurged
	// CodeNotPrimary is sent by a node that cannot serve replication.
	CodeNotPrimary
	// CodeProtocol reports a malformed or unexpected message.
	CodeProtocol
)

var (
	// ErrPositionPurged matches a RemoteError with CodePositionPurged.
	ErrPositionPurged = errors.New("resume position purged on primary")
	// ErrMalformedMessage is returned when a frame cannot be decoded.
	ErrMalformedMessage = errors.New("malformed replication message")
	// ErrUnexpectedMessage is returned for a message kind not valid in the current state.
	ErrUnexpectedMessage = errors.New("unexpected replication message")
)

// RemoteError is the error a peer attached to a message.
type RemoteError struct {
	Code    ErrorCode
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("remote error (code %d): %s", e.Code, e.Message)
}

// Is lets errors.Is match the sentinel for the error code.
func (e *RemoteError) Is(target error) bool {
	switch e.Code {
	case CodePositionPurged:
		return target == ErrPositionPurged
	case CodeProtocol:
		return target == ErrMalformedMessage || target == ErrUnexpectedMessage
	}
	return false
}

// Message is one unit exchanged between nodes. Kind selects which payload
// fields are meaningful. Messages are data carriers; senders waiting for an
// acknowledgement apply their own timeouts.
type Message struct {
	Kind Kind

	// Code and Error describe a failure. A message with an error never succeeds.
	Code  ErrorCode
	Error string

	// RequiresAck asks the receiver to answer with an Ack.
	RequiresAck bool

	NodeID   string
	Sequence uint64

	// Redirect target.
	Host string
	Port int

	// Snapshot is the serialized model of a SnapshotResponse.
	Snapshot []byte

	// WaitTime is the minimum delay before retrying after Transitioning.
	WaitTime time.Duration

	Record core.OperationRecord
}

// Succeeded reports whether the message carries no error.
func (m *Message) Succeeded() bool {
	return m.Error == "" && m.Code == CodeNone
}

// Err returns the carried error as a *RemoteError, or nil.
func (m *Message) Err() error {
	if m.Succeeded() {
		return nil
	}
	code := m.Code
	if code == CodeNone {
		code = CodeInternal
	}
	return &RemoteError{Code: code, Message: m.Error}
}

// RequiresAcknowledgement reports whether the sender waits for an Ack.
func (m *Message) RequiresAcknowledgement() bool {
	return m.RequiresAck
}

// WithError attaches err to the message. A nil err leaves it untouched.
func (m *Message) WithError(code ErrorCode, err error) *Message {
	if err == nil {
		return m
	}
	if code == CodeNone {
		code = CodeInternal
	}
	m.Code = code
	m.Error = err.Error()
	return m
}

func (m *Message) String() string {
	return fmt.Sprintf("%s(seq=%d node=%q ok=%t)", m.Kind, m.Sequence, m.NodeID, m.Succeeded())
}

// NewHeartbeat reports the sender's sequence.
func NewHeartbeat(nodeID string, seq uint64) *Message {
	return &Message{Kind: KindHeartbeat, NodeID: nodeID, Sequence: seq}
}

// NewRedirect points the receiver at host:port.
func NewRedirect(host string, port int) *Message {
	return &Message{Kind: KindRedirect, Host: host, Port: port}
}

// NewSnapshotRequest asks for the primary's latest snapshot.
func NewSnapshotRequest(nodeID string) *Message {
	return &Message{Kind: KindSnapshotRequest, NodeID: nodeID, RequiresAck: true}
}

// NewSnapshotResponse carries a snapshot taken at seq.
func NewSnapshotResponse(data []byte, seq uint64) *Message {
	return &Message{Kind: KindSnapshotResponse, Snapshot: data, Sequence: seq}
}

// NewTransitioning asks the receiver to wait before retrying.
func NewTransitioning(wait time.Duration) *Message {
	return &Message{Kind: KindTransitioning, WaitTime: wait}
}

// NewOperation carries a committed record.
func NewOperation(rec core.OperationRecord, requiresAck bool) *Message {
	return &Message{Kind: KindOperation, Sequence: rec.Sequence, Record: rec, RequiresAck: requiresAck}
}

// NewAck confirms the replica applied seq.
func NewAck(nodeID string, seq uint64) *Message {
	return &Message{Kind: KindAck, NodeID: nodeID, Sequence: seq}
}
