package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"unicode"

	"github.com/spf13/cobra"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// formatVersion adds 'v' prefix if version starts with a digit
func formatVersion(ver string) string {
	if len(ver) > 0 && unicode.IsDigit(rune(ver[0])) {
		return "v" + ver
	}
	return ver
}

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "espsense",
	Short: "ESP32 BLE sensor companion CLI",
	Long: `Command-line companion for the ESP32 environmental sensor firmware:

- Switch the on-board LED
- Calibrate the temperature and humidity sensors
- Read sensors once or watch them at an interval
- Interactive line console on the terminal or on a PTY

Every command connects, runs its GATT operations one at a time and disconnects.`,
	Version: formatVersion(version),
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()

	if err != nil {
		// Ctrl+C is a normal exit, not an error - exit silently
		if errors.Is(err, context.Canceled) {
			return
		}
		fmt.Fprintf(os.Stderr, "ERROR: %s\n", FormatUserError(err))
		os.Exit(1)
	}
}

func init() {
	// Silence Cobra's "Error:" prefix - main() prints clean errors
	rootCmd.SilenceErrors = true
	rootCmd.SetVersionTemplate(fmt.Sprintf("espsense {{.Version}} (commit %s, built %s)\n", commit, date))

	rootCmd.AddCommand(ledCmd)
	rootCmd.AddCommand(calibrateCmd)
	rootCmd.AddCommand(readCmd)
	rootCmd.AddCommand(consoleCmd)

	// Global flags
	flags := rootCmd.PersistentFlags()
	flags.String("config", "", "Config file (default ~/.config/espsense/config.yaml)")
	flags.String("log-level", "", "Log level (debug, info, warn, error)")
	flags.String("backend", "", "BLE backend: go-ble or tinygo (default from config, go-ble)")
	flags.Duration("op-timeout", 0, "Timeout for a single GATT operation (default from config, 10s)")

	// Add -v as a short flag for --version
	rootCmd.Flags().BoolP("version", "v", false, "Show version information")
}
