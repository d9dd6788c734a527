package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"github.com/srg/espsense/internal/console"
)

// consoleCmd represents the console command
var consoleCmd = &cobra.Command{
	Use:   "console <device-address>",
	Short: "Interactive line console for the device",
	Long: fmt.Sprintf(`Connects to the device and opens an interactive console. Each line is a
device command (led on, ct 21.5, LED1, CH:45) or a console command
(read, status, connect, disconnect, help, quit). Readings, acknowledgements
and errors are printed as they arrive.

With --pty the console is served on a pseudo-terminal instead of stdin, so
any terminal program (screen, minicom, picocom) can attach to it.

Examples:
  # Console on the current terminal
  espsense console %s

  # Console on a PTY with a stable path
  espsense console %s --pty --pty-link /tmp/espsense

  # Scripted
  printf 'led on\nread\nquit\n' | espsense console %s

%s`, exampleDeviceAddress, exampleDeviceAddress, exampleDeviceAddress, deviceAddressNote),
	Args: cobra.ExactArgs(1),
	RunE: runConsole,
}

var (
	consolePTY     bool
	consolePTYLink string
)

func init() {
	consoleCmd.Flags().BoolVar(&consolePTY, "pty", false, "Serve the console on a new pseudo-terminal")
	consoleCmd.Flags().StringVar(&consolePTYLink, "pty-link", "", "Create a symlink to the PTY at this path (requires --pty)")
}

func runConsole(cmd *cobra.Command, args []string) (err error) {
	address := args[0]
	if consolePTYLink != "" && !consolePTY {
		return fmt.Errorf("--pty-link requires --pty")
	}

	// All arguments validated - don't show usage on runtime errors
	cmd.SilenceUsage = true

	ds, err := openSession(cmd)
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	if err := ds.connect(ctx, cmd, address); err != nil {
		_ = ds.close()
		return err
	}
	// The console prints session events from here on
	ds.events.stop()

	in, sink, cleanup, err := openConsoleIO(cmd)
	if err != nil {
		_ = ds.close()
		return err
	}
	defer cleanup()

	out := console.NewOutput(sink, console.DefaultOutputCapacity, ds.logger)
	c := console.New(ds.session, out, console.Options{
		Address:     address,
		FormatError: FormatUserError,
		Logger:      ds.logger,
	})
	unsubscribe := ds.session.Subscribe(c)

	fmt.Fprintln(out, okColor.Sprintf("Connected to %s. Type help for commands.", address))
	runErr := c.Run(ctx, in)

	unsubscribe()
	closeErr := ds.close()
	if err := out.Close(); err != nil {
		ds.logger.WithError(err).Debug("Console output close failed")
	}

	if errors.Is(runErr, context.Canceled) {
		runErr = nil
	}
	return errors.Join(runErr, closeErr)
}

// openConsoleIO picks the console input and output: a PTY with --pty, a
// raw-mode line editor when stdin is a terminal, plain lines otherwise.
func openConsoleIO(cmd *cobra.Command) (console.LineReader, io.Writer, func(), error) {
	if consolePTY {
		p, err := console.OpenPTY()
		if err != nil {
			return nil, nil, nil, err
		}
		if consolePTYLink != "" {
			if err := p.Link(consolePTYLink); err != nil {
				_ = p.Close()
				return nil, nil, nil, err
			}
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Console PTY: %s\n", p.SlaveName())
		t := console.NewTerminal(p, console.DefaultPrompt)
		return t, t, func() { _ = p.Close() }, nil
	}

	if f, ok := cmd.InOrStdin().(*os.File); ok && isTerminal(f) {
		t, restore, err := console.OpenTerminal(f, cmd.OutOrStdout(), console.DefaultPrompt)
		if err == nil {
			return t, t, func() { _ = restore() }, nil
		}
		if !errors.Is(err, console.ErrNotTerminal) {
			return nil, nil, nil, err
		}
	}

	return console.NewLineReader(cmd.InOrStdin()), cmd.OutOrStdout(), func() {}, nil
}
