//go:build !darwin

package main

const (
	exampleDeviceAddress = "24:6F:28:AA:BB:CC"
	deviceAddressNote    = "Device address format: MAC address, colon separated\n  Example: 24:6F:28:AA:BB:CC"
)
