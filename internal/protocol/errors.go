package protocol

import (
	"errors"
	"fmt"
)

var (
	// ErrNeedMoreData is returned by the decoders when the buffer holds a
	// strict prefix of a frame. It is not a failure; append more bytes and retry.
	ErrNeedMoreData = errors.New("need more data")

	// ErrInvalidFrame is wrapped by every DecodeError.
	ErrInvalidFrame = errors.New("invalid frame")

	// ErrTimeout is wrapped when a handshake exceeds its deadline.
	ErrTimeout = errors.New("handshake timed out")

	// ErrDatagramTooLarge is wrapped when a frame does not fit in one
	// carrier datagram. The datagram is lost; the association survives.
	ErrDatagramTooLarge = errors.New("datagram too large for carrier")
)

// ValidationError reports a locally constructed message that breaks an
// invariant. It indicates a caller bug rather than a peer problem.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// DecodeError reports bytes from the peer that violate the frame layout.
// The stream they came from cannot be resynchronized and must be closed.
type DecodeError struct {
	Reason string
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("%v: %s", ErrInvalidFrame, e.Reason)
}

func (e *DecodeError) Unwrap() error {
	return ErrInvalidFrame
}

func decodeErrorf(format string, args ...any) error {
	return &DecodeError{Reason: fmt.Sprintf(format, args...)}
}

// ConnectError is returned to an initiator whose handshake ended in a
// non-success status.
type ConnectError struct {
	Status StatusCode
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("connect failed: %s", StatusName(e.Status))
}

// TransportError wraps a carrier or OS I/O failure.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// StatusOf extracts the status code from a ConnectError chain.
func StatusOf(err error) (StatusCode, bool) {
	var ce *ConnectError
	if errors.As(err, &ce) {
		return ce.Status, true
	}
	return 0, false
}
