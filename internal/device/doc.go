// Package device defines the platform-neutral Bluetooth Low Energy (BLE) transport
// contract consumed by the session core.
//
// This package provides:
//   - The Transport interface: asynchronous connect, service discovery,
//     characteristic read/write and disconnect requests
//   - The Event stream through which a transport reports every outcome
//   - Structured transport errors (ConnectionError, NotFoundError, TransportError)
//   - UUID normalization shared by all adapters
//
// Concrete adapters live in sub-packages (go-ble, tinygo).
package device
