package protocol

import (
	"fmt"
	"strconv"
	"strings"
)

// ParseCommand reads a human-typed command. Besides raw wire strings
// ("LED1", "CT:21.5") it accepts "led on|off", "ct <value>" and "ch <value>".
func ParseCommand(text string) (Command, error) {
	text = strings.TrimSpace(text)
	if cmd, err := Decode([]byte(text)); err == nil {
		return cmd, nil
	}

	fields := strings.Fields(strings.ToLower(text))
	if len(fields) != 2 {
		return Command{}, fmt.Errorf("%w: %q", ErrUnknownCommand, text)
	}

	switch fields[0] {
	case "led":
		switch fields[1] {
		case "on", "1":
			return LedOn(), nil
		case "off", "0":
			return LedOff(), nil
		}
		return Command{}, fmt.Errorf("%w: led state %q (want on or off)", ErrUnknownCommand, fields[1])
	case "ct", "cal-temp", "calibrate-temp":
		v, err := strconv.ParseFloat(fields[1], 64)
		if err != nil {
			return Command{}, fmt.Errorf("%w: %q is not a number", ErrInvalidValue, fields[1])
		}
		return CalibrateTemp(v), nil
	case "ch", "cal-hum", "calibrate-hum":
		v, err := strconv.ParseFloat(fields[1], 64)
		if err != nil {
			return Command{}, fmt.Errorf("%w: %q is not a number", ErrInvalidValue, fields[1])
		}
		return CalibrateHumid(v), nil
	}
	return Command{}, fmt.Errorf("%w: %q", ErrUnknownCommand, text)
}
