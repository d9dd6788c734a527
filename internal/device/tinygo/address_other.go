//go:build !darwin

package tinygo

import (
	"fmt"

	"tinygo.org/x/bluetooth"
)

func parseAddress(address string) (bluetooth.Address, error) {
	mac, err := bluetooth.ParseMAC(address)
	if err != nil {
		return bluetooth.Address{}, fmt.Errorf("invalid MAC address %q: %w", address, err)
	}
	return bluetooth.Address{MACAddress: bluetooth.MACAddress{MAC: mac}}, nil
}

// Acknowledged writes are not available on every backend here, so the ack is
// the local completion of a write command.
func writeCharacteristic(c bluetooth.DeviceCharacteristic, data []byte, _ bool) (int, error) {
	return c.WriteWithoutResponse(data)
}
