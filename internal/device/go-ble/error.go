package goble

import (
	"errors"
	"fmt"

	"github.com/go-ble/ble"
	"github.com/srg/espsense/internal/device"
)

// NormalizeError maps known go-ble error strings to structured ConnectionError types.
// It ensures consistent handling even if the upstream library changes messages slightly.
// Returns wrapped errors to preserve original context.
func NormalizeError(err error) error {
	if err == nil {
		return nil
	}

	msg := err.Error()
	switch {
	case msg == "central manager has invalid state: have=4 want=5: is Bluetooth turned on?":
		return fmt.Errorf("%w: %w", device.ErrBluetoothOff, err)
	case device.ContainsIgnoreCase(msg, "bluetooth is turned off"):
		return fmt.Errorf("%w: %w", device.ErrBluetoothOff, err)
	case device.ContainsIgnoreCase(msg, "device not connected"):
		return fmt.Errorf("%w: %w", device.ErrNotConnected, err)
	case device.ContainsIgnoreCase(msg, "disconnected"):
		return fmt.Errorf("%w: %w", device.ErrNotConnected, err)
	case device.ContainsIgnoreCase(msg, "device already connected"):
		return fmt.Errorf("%w: %w", device.ErrAlreadyConnected, err)
	default:
		return err
	}
}

// operationError wraps a failed GATT request as a device.TransportError,
// carrying the ATT error code as status when go-ble reports one.
func operationError(op string, err error) error {
	if err == nil {
		return nil
	}
	status := 0
	var attErr ble.ATTError
	if errors.As(err, &attErr) {
		status = int(attErr)
	}
	return &device.TransportError{Op: op, Status: status, Err: NormalizeError(err)}
}
