package tinygo

import (
	"fmt"

	"tinygo.org/x/bluetooth"
)

// CoreBluetooth hides MAC addresses; peripherals are identified by a per-host UUID.
func parseAddress(address string) (bluetooth.Address, error) {
	uuid, err := bluetooth.ParseUUID(address)
	if err != nil {
		return bluetooth.Address{}, fmt.Errorf("invalid peripheral identifier %q: %w", address, err)
	}
	return bluetooth.Address{UUID: uuid}, nil
}

func writeCharacteristic(c bluetooth.DeviceCharacteristic, data []byte, withResponse bool) (int, error) {
	if withResponse {
		return c.Write(data)
	}
	return c.WriteWithoutResponse(data)
}
