package main

import (
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"github.com/srg/espsense/internal/protocol"
)

var okColor = color.New(color.FgGreen)

// ledCmd represents the led command
var ledCmd = &cobra.Command{
	Use:   "led <device-address> on|off",
	Short: "Switch the device LED",
	Long: fmt.Sprintf(`Switches the LED of the sensor device on or off.

The command is written to the control characteristic and the CLI waits for
the write acknowledgement before reporting success.

Examples:
  # Turn the LED on
  espsense led %s on

  # Turn the LED off
  espsense led %s off

%s`, exampleDeviceAddress, exampleDeviceAddress, deviceAddressNote),
	Args: cobra.ExactArgs(2),
	RunE: runLed,
}

func runLed(cmd *cobra.Command, args []string) error {
	command, err := protocol.ParseCommand("led " + args[1])
	if err != nil {
		return err
	}
	return runDeviceCommand(cmd, args[0], command)
}
