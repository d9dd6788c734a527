package devicefactory

import (
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/srg/espsense/internal/device"
	goble "github.com/srg/espsense/internal/device/go-ble"
	"github.com/srg/espsense/internal/device/tinygo"
)

// Supported transport backends
const (
	BackendGoBLE  = "go-ble"
	BackendTinyGo = "tinygo"
)

// Backends lists the accepted backend names, the default first.
func Backends() []string {
	return []string{BackendGoBLE, BackendTinyGo}
}

// TransportFactory creates a device.Transport for the named backend.
// This is a variable so that it can be overridden in tests.
var TransportFactory = func(backend string, logger *logrus.Logger) (device.Transport, error) {
	switch strings.ToLower(strings.TrimSpace(backend)) {
	case "", BackendGoBLE:
		return goble.NewTransport(logger), nil
	case BackendTinyGo:
		return tinygo.NewTransport(logger), nil
	default:
		return nil, fmt.Errorf("unknown BLE backend %q (supported: %s)", backend, strings.Join(Backends(), ", "))
	}
}

// NewTransport creates the transport for backend.
func NewTransport(backend string, logger *logrus.Logger) (device.Transport, error) {
	return TransportFactory(backend, logger)
}
