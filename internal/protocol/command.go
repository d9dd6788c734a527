// Package protocol implements the plaintext command protocol spoken by the
// ESP32 sensor firmware: LED and calibration commands written to the control
// characteristic, and ASCII decimal replies read from the sensor characteristics.
package protocol

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// MaxPayloadSize is the largest command that fits a single ATT write
// (ATT_MTU of 23 bytes minus the 3-byte ATT header).
const MaxPayloadSize = 20

// Wire prefixes and literals
const (
	LedOnWire      = "LED1"
	LedOffWire     = "LED0"
	CalTempPrefix  = "CT:"
	CalHumidPrefix = "CH:"
)

// Accepted calibration ranges
const (
	MinTemperature = -40.0
	MaxTemperature = 125.0
	MinHumidity    = 0.0
	MaxHumidity    = 100.0
)

var (
	// ErrInvalidValue is returned when a command cannot be encoded or decoded.
	ErrInvalidValue = errors.New("invalid command value")
	// ErrUnknownCommand is returned when bytes do not match any command.
	ErrUnknownCommand = errors.New("unknown command")
)

// CommandKind tags a Command
type CommandKind int

const (
	TurnLedOn CommandKind = iota + 1
	TurnLedOff
	CalibrateTemperature
	CalibrateHumidity
)

func (k CommandKind) String() string {
	switch k {
	case TurnLedOn:
		return "led_on"
	case TurnLedOff:
		return "led_off"
	case CalibrateTemperature:
		return "calibrate_temperature"
	case CalibrateHumidity:
		return "calibrate_humidity"
	default:
		return fmt.Sprintf("command(%d)", int(k))
	}
}

// Command is a user-triggered instruction for the device. Value is only
// meaningful for the calibration kinds.
type Command struct {
	Kind  CommandKind
	Value float64
}

// LedOn returns the command that turns the LED on.
func LedOn() Command { return Command{Kind: TurnLedOn} }

// LedOff returns the command that turns the LED off.
func LedOff() Command { return Command{Kind: TurnLedOff} }

// CalibrateTemp returns a temperature calibration command (°C).
func CalibrateTemp(v float64) Command { return Command{Kind: CalibrateTemperature, Value: v} }

// CalibrateHumid returns a humidity calibration command (%RH).
func CalibrateHumid(v float64) Command { return Command{Kind: CalibrateHumidity, Value: v} }

// String returns the wire form when the command encodes, a descriptive form otherwise.
func (c Command) String() string {
	if b, err := Encode(c); err == nil {
		return string(b)
	}
	return fmt.Sprintf("%s(%v)", c.Kind, c.Value)
}

// Encode maps a command to its wire bytes.
//
// Calibration values are written as the shortest plain decimal that parses
// back to the same float64, so Decode(Encode(c)) == c whenever Encode
// succeeds. Values are never rounded. A value that is out of range, not
// finite, or whose payload would exceed MaxPayloadSize bytes fails with
// ErrInvalidValue. Every in-range value with at most two decimals fits.
func Encode(c Command) ([]byte, error) {
	var s string
	switch c.Kind {
	case TurnLedOn:
		s = LedOnWire
	case TurnLedOff:
		s = LedOffWire
	case CalibrateTemperature:
		if err := checkRange(c.Value, MinTemperature, MaxTemperature); err != nil {
			return nil, fmt.Errorf("temperature calibration: %w", err)
		}
		s = CalTempPrefix + decimalString(c.Value)
	case CalibrateHumidity:
		if err := checkRange(c.Value, MinHumidity, MaxHumidity); err != nil {
			return nil, fmt.Errorf("humidity calibration: %w", err)
		}
		s = CalHumidPrefix + decimalString(c.Value)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownCommand, c.Kind)
	}

	if len(s) > MaxPayloadSize {
		return nil, fmt.Errorf("%w: payload %q exceeds %d bytes", ErrInvalidValue, s, MaxPayloadSize)
	}
	return []byte(s), nil
}

// Decode maps wire bytes back to a command. It accepts exactly what Encode produces.
func Decode(data []byte) (Command, error) {
	s := string(data)
	switch {
	case s == LedOnWire:
		return LedOn(), nil
	case s == LedOffWire:
		return LedOff(), nil
	case strings.HasPrefix(s, CalTempPrefix):
		v, err := parseBounded(strings.TrimPrefix(s, CalTempPrefix), MinTemperature, MaxTemperature)
		if err != nil {
			return Command{}, fmt.Errorf("temperature calibration: %w", err)
		}
		return CalibrateTemp(v), nil
	case strings.HasPrefix(s, CalHumidPrefix):
		v, err := parseBounded(strings.TrimPrefix(s, CalHumidPrefix), MinHumidity, MaxHumidity)
		if err != nil {
			return Command{}, fmt.Errorf("humidity calibration: %w", err)
		}
		return CalibrateHumid(v), nil
	default:
		return Command{}, fmt.Errorf("%w: %q", ErrUnknownCommand, s)
	}
}

// decimalString renders v as the shortest plain decimal that parses back to v.
func decimalString(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func checkRange(v, lo, hi float64) error {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return fmt.Errorf("%w: %v is not a finite number", ErrInvalidValue, v)
	}
	if v < lo || v > hi {
		return fmt.Errorf("%w: %v outside [%v, %v]", ErrInvalidValue, v, lo, hi)
	}
	return nil
}

func parseBounded(s string, lo, hi float64) (float64, error) {
	if !isPlainDecimal(s) {
		return 0, fmt.Errorf("%w: %q is not a decimal number", ErrInvalidValue, s)
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %q: %v", ErrInvalidValue, s, err)
	}
	if err := checkRange(v, lo, hi); err != nil {
		return 0, err
	}
	return v, nil
}

// isPlainDecimal accepts an optional sign, digits and at most one dot.
// Exponents, hex floats, "Inf" and "NaN" are rejected.
func isPlainDecimal(s string) bool {
	s = strings.TrimPrefix(strings.TrimPrefix(s, "-"), "+")
	if s == "" || s == "." {
		return false
	}
	dot := false
	for _, r := range s {
		switch {
		case r >= '0' && r <= '9':
		case r == '.' && !dot:
			dot = true
		default:
			return false
		}
	}
	return true
}
