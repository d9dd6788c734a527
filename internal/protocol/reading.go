package protocol

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"
)

// ErrMalformedReading is returned when sensor bytes are not an ASCII decimal.
var ErrMalformedReading = errors.New("malformed sensor reading")

// SensorKind identifies one of the read-only sensor characteristics
type SensorKind int

const (
	Temperature SensorKind = iota + 1
	Humidity
)

// SensorKinds lists every sensor in display order.
var SensorKinds = []SensorKind{Temperature, Humidity}

func (k SensorKind) String() string {
	switch k {
	case Temperature:
		return "temperature"
	case Humidity:
		return "humidity"
	default:
		return fmt.Sprintf("sensor(%d)", int(k))
	}
}

// Unit returns the display unit for readings of this kind.
func (k SensorKind) Unit() string {
	switch k {
	case Temperature:
		return "°C"
	case Humidity:
		return "%"
	default:
		return ""
	}
}

// Valid reports whether k names a known sensor.
func (k SensorKind) Valid() bool {
	return k == Temperature || k == Humidity
}

// ParseSensorKind accepts the kind name or its common abbreviations.
func ParseSensorKind(s string) (SensorKind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "temperature", "temp", "t":
		return Temperature, nil
	case "humidity", "hum", "h":
		return Humidity, nil
	default:
		return 0, fmt.Errorf("unknown sensor %q (want temp or hum)", s)
	}
}

// SensorReading is the decoded result of one sensor read
type SensorReading struct {
	Kind  SensorKind
	Raw   string
	Value float64
	At    time.Time
}

func (r SensorReading) String() string {
	return fmt.Sprintf("%s: %s%s", r.Kind, r.Raw, r.Kind.Unit())
}

// ParseReading decodes the bytes returned by a sensor characteristic.
// Trailing NULs and surrounding whitespace are ignored.
func ParseReading(kind SensorKind, data []byte) (SensorReading, error) {
	if !utf8.Valid(data) {
		return SensorReading{}, fmt.Errorf("%w: %s payload is not UTF-8 (% x)", ErrMalformedReading, kind, data)
	}

	raw := strings.TrimSpace(strings.TrimRight(string(data), "\x00"))
	if !isPlainDecimal(raw) {
		return SensorReading{}, fmt.Errorf("%w: %s payload %q is not a decimal number", ErrMalformedReading, kind, raw)
	}

	v, err := strconv.ParseFloat(raw, 64)
	if err != nil || math.IsInf(v, 0) {
		return SensorReading{}, fmt.Errorf("%w: %s payload %q is out of range", ErrMalformedReading, kind, raw)
	}

	return SensorReading{Kind: kind, Raw: raw, Value: v, At: time.Now()}, nil
}
