package main

import (
	"errors"
	"fmt"
	"strings"

	"github.com/srg/espsense/internal/device"
	"github.com/srg/espsense/internal/session"
)

// Command-level errors
var (
	// ErrConnectionLost is returned when the session drops to disconnected
	// while a command still waits for its outcome and no error explains why.
	ErrConnectionLost = errors.New("connection lost")
)

// FormatUserError renders err as a short message for the terminal.
func FormatUserError(err error) string {
	if err == nil {
		return ""
	}

	switch {
	case errors.Is(err, device.ErrBluetoothOff):
		return "Bluetooth is turned off. Turn it on and try again."
	case errors.Is(err, session.ErrEmptyAddress):
		return "a device address is required"
	case errors.Is(err, ErrConnectionLost):
		return "connection to the device was lost"
	}

	var serr *session.Error
	if !errors.As(err, &serr) {
		return err.Error()
	}

	switch serr.Kind {
	case session.NotReady:
		return fmt.Sprintf("cannot %s: the device is not connected yet", serr.Op)
	case session.AlreadyConnected:
		return "already connected or connecting to a device"
	case session.ConnectionLost:
		if serr.Op != "" && serr.Op != "connection" {
			return fmt.Sprintf("%s: connection to the device was lost", serr.Op)
		}
		return "connection to the device was lost"
	case session.OperationTimeout:
		return fmt.Sprintf("%s: the device did not respond in time", serr.Op)
	case session.EncodingError:
		return fmt.Sprintf("%s: invalid command: %v", serr.Op, serr.Err)
	case session.MalformedReading:
		return fmt.Sprintf("%s: the device sent an unreadable value: %v", serr.Op, serr.Err)
	case session.TransportFailure:
		var nf *device.NotFoundError
		if errors.As(serr, &nf) {
			return fmt.Sprintf("the device does not expose the expected %s(s) %s; check the profile UUIDs in the config",
				nf.Resource, strings.Join(nf.UUIDs, ", "))
		}
		msg := fmt.Sprintf("%s failed: %v", serr.Op, serr.Err)
		if serr.Status != 0 {
			msg += fmt.Sprintf(" (status 0x%02x)", serr.Status)
		}
		return msg
	}
	return err.Error()
}

// isTransientReadError reports whether a failed read may succeed on the
// next attempt without reconnecting.
func isTransientReadError(err error) bool {
	switch session.KindOf(err) {
	case session.MalformedReading, session.OperationTimeout:
		return true
	}
	return false
}
