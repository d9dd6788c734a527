package protocol

import (
	"fmt"

	"github.com/srg/espsense/internal/device"
)

// Reference firmware identifiers
const (
	DefaultServiceUUID     = "4fafc201-1fb5-459e-8fcc-c5c9c331914b"
	DefaultControlUUID     = "beb5483e-36e1-4688-b7f5-ea07361b26a8"
	DefaultTemperatureUUID = "12345678-1234-5678-1234-56789abcdef1"
	DefaultHumidityUUID    = "12345678-1234-5678-1234-56789abcdef2"
)

// Profile names the GATT service and characteristics the firmware exposes.
type Profile struct {
	Service     string `yaml:"service" default:"4fafc201-1fb5-459e-8fcc-c5c9c331914b"`
	Control     string `yaml:"control" default:"beb5483e-36e1-4688-b7f5-ea07361b26a8"`
	Temperature string `yaml:"temperature" default:"12345678-1234-5678-1234-56789abcdef1"`
	Humidity    string `yaml:"humidity" default:"12345678-1234-5678-1234-56789abcdef2"`
}

// DefaultProfile returns the reference firmware profile.
func DefaultProfile() Profile {
	return Profile{
		Service:     DefaultServiceUUID,
		Control:     DefaultControlUUID,
		Temperature: DefaultTemperatureUUID,
		Humidity:    DefaultHumidityUUID,
	}
}

// Normalized returns a copy with every UUID in normalized form.
func (p Profile) Normalized() Profile {
	return Profile{
		Service:     device.NormalizeUUID(p.Service),
		Control:     device.NormalizeUUID(p.Control),
		Temperature: device.NormalizeUUID(p.Temperature),
		Humidity:    device.NormalizeUUID(p.Humidity),
	}
}

// Validate checks that every UUID is well-formed.
func (p Profile) Validate() error {
	if _, err := device.ValidateUUID(p.Service, p.Control, p.Temperature, p.Humidity); err != nil {
		return fmt.Errorf("invalid profile: %w", err)
	}
	return nil
}

// SensorCharacteristic returns the characteristic UUID serving the given sensor.
func (p Profile) SensorCharacteristic(kind SensorKind) (string, error) {
	switch kind {
	case Temperature:
		return p.Temperature, nil
	case Humidity:
		return p.Humidity, nil
	default:
		return "", fmt.Errorf("no characteristic for %s", kind)
	}
}

// Characteristics lists the characteristics the session needs after discovery.
func (p Profile) Characteristics() []string {
	return []string{p.Control, p.Temperature, p.Humidity}
}
