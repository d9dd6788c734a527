package session

import (
	"errors"
	"fmt"

	"github.com/srg/espsense/internal/device"
)

// ErrorKind classifies session failures
type ErrorKind string

const (
	NotReady         ErrorKind = "not_ready"
	AlreadyConnected ErrorKind = "already_connected"
	ConnectionLost   ErrorKind = "connection_lost"
	OperationTimeout ErrorKind = "operation_timeout"
	EncodingError    ErrorKind = "encoding_error"
	MalformedReading ErrorKind = "malformed_reading"
	TransportFailure ErrorKind = "transport_failure"
)

// Error is the single error type surfaced by a Session, either returned from a
// call or delivered through Observer.OnError.
type Error struct {
	Kind   ErrorKind
	Op     string // operation that failed, e.g. "read temperature", "write LED1"
	Status int    // platform status code for TransportFailure, 0 when unknown
	Err    error  // underlying cause, may be nil
}

// Error implements the error interface
func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	msg := string(e.Kind)
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap exposes the underlying cause
func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// Is allows errors.Is to compare Error values by Kind
func (e *Error) Is(target error) bool {
	if e == nil {
		return false
	}
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

// Predefined sentinel errors, one per kind
var (
	ErrNotReady         = &Error{Kind: NotReady}
	ErrAlreadyConnected = &Error{Kind: AlreadyConnected}
	ErrConnectionLost   = &Error{Kind: ConnectionLost}
	ErrOperationTimeout = &Error{Kind: OperationTimeout}
	ErrEncoding         = &Error{Kind: EncodingError}
	ErrMalformedReading = &Error{Kind: MalformedReading}
	ErrTransportFailure = &Error{Kind: TransportFailure}
)

var (
	// ErrClosed is returned by calls made after Close.
	ErrClosed = errors.New("session closed")
	// ErrEmptyAddress is returned by Connect when no device address is given.
	ErrEmptyAddress = errors.New("device address is required")
)

// KindOf returns the ErrorKind carried by err, or "" when err is not a session Error.
func KindOf(err error) ErrorKind {
	var serr *Error
	if errors.As(err, &serr) {
		return serr.Kind
	}
	return ""
}

func newError(kind ErrorKind, op string, cause error) *Error {
	return &Error{Kind: kind, Op: op, Err: cause}
}

// asSessionError returns err unchanged when it already is a session Error and
// wraps it as a TransportFailure otherwise.
func asSessionError(op string, err error) *Error {
	var serr *Error
	if errors.As(err, &serr) {
		return serr
	}
	return transportFailure(op, err)
}

// transportFailure wraps a lower-layer error, keeping its status code.
func transportFailure(op string, cause error) *Error {
	if cause == nil {
		cause = fmt.Errorf("unknown transport failure")
	}
	return &Error{Kind: TransportFailure, Op: op, Status: device.StatusOf(cause), Err: cause}
}
