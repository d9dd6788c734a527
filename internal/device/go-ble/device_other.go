//go:build !darwin && !linux

package goble

import (
	"fmt"
	"runtime"

	"github.com/go-ble/ble"
	"github.com/srg/espsense/internal/device"
)

func newDevice() (ble.Device, error) {
	return nil, fmt.Errorf("go-ble on %s: %w", runtime.GOOS, device.ErrUnsupported)
}
