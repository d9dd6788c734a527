// Package console implements the interactive line console for a sensor
// session. Each input line is either a console word (help, status, read,
// connect, disconnect, quit) or a device command accepted by
// protocol.ParseCommand. Session notifications are printed as they arrive,
// so the console is both a command dispatcher and a session.Observer.
package console

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/fatih/color"
	"github.com/hedzr/go-ringbuf/v2/mpmc"
	"github.com/sirupsen/logrus"
	"github.com/srg/espsense/internal/groutine"
	"github.com/srg/espsense/internal/protocol"
	"github.com/srg/espsense/internal/session"
)

// DefaultPrompt is shown by terminal line editors.
const DefaultPrompt = "espsense> "

// DefaultHistorySize is the number of readings kept for the history command.
const DefaultHistorySize = 64

// ErrQuit is returned by Execute for quit and exit.
var ErrQuit = errors.New("quit")

// Session is the part of *session.Session the console drives.
type Session interface {
	State() session.State
	Address() string
	Latest(kind protocol.SensorKind) (protocol.SensorReading, bool)
	Connect(address string) error
	Disconnect() error
	SendCommand(cmd protocol.Command) error
	RequestRead(kind protocol.SensorKind) error
}

// Options configures a Console.
type Options struct {
	// Address is used by a bare "connect".
	Address string
	// FormatError renders errors for the user. Defaults to err.Error().
	FormatError func(error) string
	// HistorySize bounds the reading history; the oldest readings are
	// overwritten. Defaults to DefaultHistorySize.
	HistorySize uint32
	Logger      *logrus.Logger
}

// Console dispatches input lines to a Session and prints its events to out.
// Its reading history is local to the console; the session keeps only the
// latest reading per kind.
type Console struct {
	sess    Session
	out     io.Writer
	opts    Options
	logger  *logrus.Logger
	history mpmc.RichOverlappedRingBuffer[protocol.SensorReading]

	okColor    *color.Color
	infoColor  *color.Color
	errorColor *color.Color
}

// New creates a console printing to out. Subscribe it to the session to get
// events printed.
func New(sess Session, out io.Writer, opts Options) *Console {
	if opts.FormatError == nil {
		opts.FormatError = func(err error) string { return err.Error() }
	}
	if opts.HistorySize == 0 {
		opts.HistorySize = DefaultHistorySize
	}
	logger := opts.Logger
	if logger == nil {
		logger = logrus.New()
		logger.SetOutput(io.Discard)
	}
	return &Console{
		sess:       sess,
		out:        out,
		opts:       opts,
		logger:     logger,
		history:    mpmc.NewOverlappedRingBuffer[protocol.SensorReading](opts.HistorySize),
		okColor:    color.New(color.FgGreen),
		infoColor:  color.New(color.FgCyan),
		errorColor: color.New(color.FgRed),
	}
}

// Run reads lines from in until quit, end of input or ctx cancellation.
// Errors returned by commands are printed and do not stop the console.
func (c *Console) Run(ctx context.Context, in LineReader) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	lines := make(chan string)
	readErr := make(chan error, 1)

	groutine.Go(ctx, "console-reader", func(ctx context.Context) {
		for {
			line, err := in.ReadLine()
			if err != nil {
				readErr <- err
				return
			}
			select {
			case lines <- line:
			case <-ctx.Done():
				return
			}
		}
	})

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-readErr:
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("reading console input: %w", err)
		case line := <-lines:
			if err := c.Execute(line); err != nil {
				if errors.Is(err, ErrQuit) {
					return nil
				}
				c.printError(err)
			}
		}
	}
}

// Execute runs one console line.
func (c *Console) Execute(line string) error {
	line = strings.TrimSpace(line)
	if line == "" || strings.HasPrefix(line, "#") {
		return nil
	}
	c.logger.WithField("line", line).Debug("Console command")

	args := strings.Fields(line)
	switch strings.ToLower(args[0]) {
	case "help", "?":
		c.printHelp()
		return nil
	case "quit", "exit":
		return ErrQuit
	case "status":
		c.printStatus()
		return nil
	case "history":
		return c.printHistory()
	case "connect":
		address := c.opts.Address
		if len(args) > 1 {
			address = args[1]
		}
		return c.sess.Connect(address)
	case "disconnect":
		return c.sess.Disconnect()
	case "read":
		return c.read(args[1:])
	}

	cmd, err := protocol.ParseCommand(line)
	if err != nil {
		return fmt.Errorf("%w (type help for the command list)", err)
	}
	return c.sess.SendCommand(cmd)
}

func (c *Console) read(args []string) error {
	kinds := protocol.SensorKinds
	if len(args) > 0 && !strings.EqualFold(args[0], "all") {
		kind, err := protocol.ParseSensorKind(args[0])
		if err != nil {
			return err
		}
		kinds = []protocol.SensorKind{kind}
	}
	for _, kind := range kinds {
		if err := c.sess.RequestRead(kind); err != nil {
			return err
		}
	}
	return nil
}

func (c *Console) OnStateChanged(state session.State) {
	c.println(c.infoColor, "* "+state.String())
}

func (c *Console) OnSensorReading(reading protocol.SensorReading) {
	if _, err := c.history.EnqueueM(reading); err != nil {
		c.logger.WithError(err).Debug("Reading not added to history")
	}
	c.println(nil, reading.String())
}

func (c *Console) OnCommandAcked(cmd protocol.Command) {
	c.println(c.okColor, "OK "+cmd.String())
}

func (c *Console) OnError(err error) {
	c.printError(err)
}

func (c *Console) printError(err error) {
	c.println(c.errorColor, "ERROR: "+c.opts.FormatError(err))
}

func (c *Console) printStatus() {
	address := c.sess.Address()
	if address == "" {
		address = c.opts.Address
	}
	var b strings.Builder
	fmt.Fprintf(&b, "state: %s\n", c.sess.State())
	fmt.Fprintf(&b, "address: %s\n", address)
	for _, kind := range protocol.SensorKinds {
		if r, ok := c.sess.Latest(kind); ok {
			fmt.Fprintf(&b, "%s\n", r)
		} else {
			fmt.Fprintf(&b, "%s: -\n", kind)
		}
	}
	c.write(b.String())
}

// printHistory prints and clears the readings received since the last call.
func (c *Console) printHistory() error {
	var b strings.Builder
	for !c.history.IsEmpty() {
		r, err := c.history.Dequeue()
		if err != nil {
			return fmt.Errorf("reading history: %w", err)
		}
		fmt.Fprintf(&b, "%s %s\n", r.At.Format("15:04:05"), r)
	}
	if b.Len() == 0 {
		b.WriteString("no readings\n")
	}
	c.write(b.String())
	return nil
}

func (c *Console) printHelp() {
	c.write(`Commands:
  led on|off               switch the LED
  ct <value>               calibrate temperature (°C)
  ch <value>               calibrate humidity (%RH)
  LED1 LED0 CT:<v> CH:<v>  send a raw wire command
  read [temp|hum|all]      read sensors
  status                   show connection state and last readings
  history                  print and clear the readings received so far
  connect [address]        connect (again) to the device
  disconnect               drop the connection
  help                     show this help
  quit                     leave the console
`)
}

func (c *Console) println(col *color.Color, s string) {
	if col != nil {
		s = col.Sprint(s)
	}
	c.write(s + "\n")
}

func (c *Console) write(s string) {
	if _, err := io.WriteString(c.out, s); err != nil {
		c.logger.WithError(err).Debug("Console write failed")
	}
}

var _ session.Observer = (*Console)(nil)
