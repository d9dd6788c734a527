package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"github.com/srg/espsense/internal/protocol"
)

// readCmd represents the read command
var readCmd = &cobra.Command{
	Use:   "read <device-address> [temp|hum|all]",
	Short: "Read the temperature and humidity sensors",
	Long: fmt.Sprintf(`Reads sensor values from the device. Reads run one at a time in the
order given; all sensors are read by default.

Examples:
  # Read both sensors
  espsense read %s

  # Read only the temperature
  espsense read %s temp

  # Watch the humidity every second
  espsense read %s hum --watch

  # Watch both sensors every 5 seconds as JSON lines
  espsense read %s --watch 5s --json

%s`, exampleDeviceAddress, exampleDeviceAddress, exampleDeviceAddress, exampleDeviceAddress, deviceAddressNote),
	Args: cobra.RangeArgs(1, 2),
	RunE: runRead,
}

var (
	readWatch string
	readJSON  bool
)

var warnColor = color.New(color.FgYellow)

func init() {
	readCmd.Flags().StringVar(&readWatch, "watch", "", "Continuously read at interval (e.g., 1s, 500ms); default 1s if no value given")
	readCmd.Flags().Lookup("watch").NoOptDefVal = "1s"
	readCmd.Flags().BoolVar(&readJSON, "json", false, "Print one JSON object per reading")
}

// readingJSON is the --json line format
type readingJSON struct {
	Sensor string    `json:"sensor"`
	Value  float64   `json:"value"`
	Raw    string    `json:"raw"`
	Unit   string    `json:"unit"`
	Time   time.Time `json:"time"`
}

func runRead(cmd *cobra.Command, args []string) (err error) {
	address := args[0]

	kinds := protocol.SensorKinds
	if len(args) == 2 && !strings.EqualFold(args[1], "all") {
		kind, err := protocol.ParseSensorKind(args[1])
		if err != nil {
			return err
		}
		kinds = []protocol.SensorKind{kind}
	}

	var interval time.Duration
	if readWatch != "" {
		interval, err = time.ParseDuration(readWatch)
		if err != nil {
			return fmt.Errorf("invalid watch interval: %w", err)
		}
		if interval <= 0 {
			return fmt.Errorf("watch interval must be positive, got %s", interval)
		}
	}

	// All arguments validated - don't show usage on runtime errors
	cmd.SilenceUsage = true

	ds, err := openSession(cmd)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := ds.close(); cerr != nil && err == nil {
			err = cerr
		}
	}()

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	if err := ds.connect(ctx, cmd, address); err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	show := func(r protocol.SensorReading) { printReading(out, r) }
	warn := func(e error) {
		fmt.Fprintln(cmd.ErrOrStderr(), warnColor.Sprint("WARN: "+FormatUserError(e)))
	}

	if interval == 0 {
		return ds.readOnce(ctx, kinds, show, nil)
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		// Malformed values and timeouts are transient in watch mode
		if err := ds.readOnce(ctx, kinds, show, warn); err != nil && !isTransientReadError(err) {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func printReading(out io.Writer, r protocol.SensorReading) {
	if !readJSON {
		fmt.Fprintln(out, r.String())
		return
	}
	line, err := json.Marshal(readingJSON{
		Sensor: r.Kind.String(),
		Value:  r.Value,
		Raw:    r.Raw,
		Unit:   r.Kind.Unit(),
		Time:   r.At,
	})
	if err != nil {
		fmt.Fprintln(out, r.String())
		return
	}
	fmt.Fprintln(out, string(line))
}
