package fault

import (
	"errors"
	"fmt"
)

// Kind classifies a pipeline failure
type Kind string

const (
	// KindCapture is a device or stream failure. Fatal to the session.
	KindCapture Kind = "capture"
	// KindEncoding is a malformed segment. The segment is dropped, the session continues.
	KindEncoding Kind = "encoding"
	// KindTransportTimeout means no acknowledgement arrived within the ack budget.
	KindTransportTimeout Kind = "transport_timeout"
	// KindRemoteRejection is an explicit failure acknowledgement from the remote.
	KindRemoteRejection Kind = "remote_rejection"
	// KindTransport is a connection-level send failure (disconnected, write error).
	KindTransport Kind = "transport"
	// KindMalformedResult is an unparseable transcription result.
	KindMalformedResult Kind = "malformed_result"
)

// NoSequence marks an error that is not tied to an outbound chunk
const NoSequence int64 = -1

// Error is the structured condition surfaced to callers of the pipeline
type Error struct {
	Kind       Kind   `json:"kind"`
	Message    string `json:"message"`
	SequenceID int64  `json:"sequence_id"`
	Err        error  `json:"-"`
}

// New creates an error of the given kind with no sequence id attached
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message, SequenceID: NoSequence}
}

// Wrap creates an error of the given kind around an underlying cause
func Wrap(kind Kind, err error, message string) *Error {
	return &Error{Kind: kind, Message: message, SequenceID: NoSequence, Err: err}
}

// WithSequence attaches the outbound chunk sequence id and returns the receiver
func (e *Error) WithSequence(id int64) *Error {
	e.SequenceID = id
	return e
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Kind, e.Message)
	if e.SequenceID != NoSequence {
		msg = fmt.Sprintf("%s (sequence %d)", msg, e.SequenceID)
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches another *Error by kind, so errors.Is(err, fault.New(KindEncoding, "")) works
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Kind == e.Kind
}

// KindOf returns the kind of err if it is (or wraps) an *Error, and "" otherwise
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// HaltsQueue reports whether a failure of this kind stops outbound dispatch
func (k Kind) HaltsQueue() bool {
	switch k {
	case KindTransportTimeout, KindRemoteRejection, KindTransport:
		return true
	}
	return false
}
