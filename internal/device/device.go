package device

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// NotFoundError reports GATT resources a device does not expose
type NotFoundError struct {
	Resource string   // "service", "characteristic"
	UUIDs    []string // the missing UUIDs
}

func (e *NotFoundError) Error() string {
	switch len(e.UUIDs) {
	case 0:
		return fmt.Sprintf("%s not found", e.Resource)
	case 1:
		return fmt.Sprintf("%s %q not found", e.Resource, e.UUIDs[0])
	}
	quoted := make([]string, len(e.UUIDs))
	for i, u := range e.UUIDs {
		quoted[i] = strconv.Quote(u)
	}
	return fmt.Sprintf("%ss %s not found", e.Resource, strings.Join(quoted, ", "))
}

// ConnectionState represents the specific kind of connection state failure
type ConnectionState string

const (
	NotConnected     ConnectionState = "not_connected"
	AlreadyConnected ConnectionState = "already_connected"
	BluetoothOff     ConnectionState = "bluetooth_off"
)

// ConnectionError represents any connection-related problem reported by a transport
type ConnectionError struct {
	State ConnectionState
	Msg   string
}

// Error implements the error interface
func (e *ConnectionError) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.Msg == "" {
		return string(e.State)
	}
	return fmt.Sprintf("%s: %s", e.State, e.Msg)
}

// Is allows errors.Is to compare ConnectionError values by State
func (e *ConnectionError) Is(target error) bool {
	if e == nil {
		return false
	}
	t, ok := target.(*ConnectionError)
	if !ok {
		return false
	}
	return e.State == t.State
}

// Predefined sentinel errors for connection states
var (
	ErrNotConnected     = &ConnectionError{State: NotConnected}
	ErrAlreadyConnected = &ConnectionError{State: AlreadyConnected}
	ErrBluetoothOff     = &ConnectionError{State: BluetoothOff}
)

// ErrUnsupported is returned by adapters for requests the platform cannot serve.
var ErrUnsupported = errors.New("unsupported")

// TransportError is an opaque lower-layer failure. Status carries the platform
// status code (an ATT error code where available, 0 when unknown).
type TransportError struct {
	Op     string
	Status int
	Err    error
}

func (e *TransportError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("%s failed (status 0x%02x): %v", e.Op, e.Status, e.Err)
	}
	return fmt.Sprintf("%s failed: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// StatusOf extracts the platform status code from err, 0 if none is attached.
func StatusOf(err error) int {
	var terr *TransportError
	if errors.As(err, &terr) {
		return terr.Status
	}
	return 0
}

// IsConnectionState reports whether err is a ConnectionError with the given state
func IsConnectionState(err error, state ConnectionState) bool {
	var cerr *ConnectionError
	if errors.As(err, &cerr) {
		return cerr.State == state
	}
	return false
}

// ContainsIgnoreCase checks substring case-insensitively
func ContainsIgnoreCase(s, substr string) bool {
	return strings.Contains(strings.ToLower(s), strings.ToLower(substr))
}

// EventKind identifies what a transport Event reports
type EventKind int

const (
	EventConnected EventKind = iota
	EventConnectFailed
	EventServicesDiscovered
	EventReadCompleted
	EventWriteCompleted
	EventDisconnected
)

func (k EventKind) String() string {
	switch k {
	case EventConnected:
		return "connected"
	case EventConnectFailed:
		return "connect_failed"
	case EventServicesDiscovered:
		return "services_discovered"
	case EventReadCompleted:
		return "read_completed"
	case EventWriteCompleted:
		return "write_completed"
	case EventDisconnected:
		return "disconnected"
	default:
		return fmt.Sprintf("event(%d)", int(k))
	}
}

// Event is a single asynchronous outcome reported by a Transport.
//
// OpID echoes the identifier passed with the request (zero for connection-level
// events). Err is nil on success. Characteristics lists the normalized UUIDs
// found by service discovery.
type Event struct {
	Kind            EventKind
	OpID            uint64
	Characteristic  string
	Data            []byte
	Characteristics []string
	Err             error
}

// Transport is the platform BLE stack seen by the session core.
//
// Every request returns immediately. A non-nil return means the request could
// not be issued at all; otherwise its outcome is delivered later on Events().
// A transport serves one device connection at a time and permits only one
// outstanding GATT operation; callers are responsible for serializing them.
type Transport interface {
	// Events returns the single channel on which all outcomes are delivered.
	Events() <-chan Event

	// Connect starts connecting to the device with the given address.
	// ctx bounds the dial only; cancelling it after EventConnected must not
	// drop the connection. Reports EventConnected or EventConnectFailed.
	Connect(ctx context.Context, address string) error

	// DiscoverServices discovers the GATT profile. Reports EventServicesDiscovered.
	DiscoverServices(opID uint64) error

	// ReadCharacteristic reads the characteristic value. Reports EventReadCompleted.
	ReadCharacteristic(opID uint64, uuid string) error

	// WriteCharacteristic writes data to the characteristic. Reports EventWriteCompleted.
	WriteCharacteristic(opID uint64, uuid string, data []byte, withResponse bool) error

	// Disconnect tears the connection down. Reports EventDisconnected.
	Disconnect() error

	// Close releases the adapter. No events are delivered afterward.
	Close() error
}
