package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"
	"github.com/srg/espsense/internal/protocol"
)

// calibrateCmd represents the calibrate command
var calibrateCmd = &cobra.Command{
	Use:   "calibrate <device-address> temp|hum <value>",
	Short: "Send a sensor calibration reference",
	Long: fmt.Sprintf(`Sends a calibration reference value to the device.

Temperature is given in °C (%g to %g), humidity in %%RH (%g to %g).

Examples:
  # Calibrate the temperature sensor against 21.5°C
  espsense calibrate %s temp 21.5

  # Calibrate the humidity sensor against 45%%RH
  espsense calibrate %s hum 45

%s`,
		protocol.MinTemperature, protocol.MaxTemperature, protocol.MinHumidity, protocol.MaxHumidity,
		exampleDeviceAddress, exampleDeviceAddress, deviceAddressNote),
	Args: cobra.ExactArgs(3),
	RunE: runCalibrate,
}

func runCalibrate(cmd *cobra.Command, args []string) error {
	kind, err := protocol.ParseSensorKind(args[1])
	if err != nil {
		return err
	}
	value, err := strconv.ParseFloat(args[2], 64)
	if err != nil {
		return fmt.Errorf("%w: %q is not a number", protocol.ErrInvalidValue, args[2])
	}

	var command protocol.Command
	switch kind {
	case protocol.Temperature:
		command = protocol.CalibrateTemp(value)
	default:
		command = protocol.CalibrateHumid(value)
	}

	// Reject out-of-range values before touching the radio
	if _, err := protocol.Encode(command); err != nil {
		return err
	}
	return runDeviceCommand(cmd, args[0], command)
}
