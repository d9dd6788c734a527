package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/srg/espsense/internal/devicefactory"
	"github.com/srg/espsense/internal/protocol"
	"github.com/srg/espsense/internal/session"
	"github.com/srg/espsense/pkg/config"
	"golang.org/x/term"
)

// deviceSession is the per-command session: config, logger, the session
// itself and an event waiter subscribed to it.
type deviceSession struct {
	cfg     *config.Config
	logger  *logrus.Logger
	session *session.Session
	events  *waiter

	closeOnce sync.Once
	closeErr  error
}

// openSession builds a session from the command flags and config. The
// caller must call close.
func openSession(cmd *cobra.Command) (*deviceSession, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	logger, err := configureLogger(cmd, cfg)
	if err != nil {
		return nil, err
	}

	transport, err := devicefactory.NewTransport(cfg.Backend, logger)
	if err != nil {
		return nil, err
	}
	sess, err := session.New(transport, cfg.SessionOptions(logger))
	if err != nil {
		_ = transport.Close()
		return nil, fmt.Errorf("failed to create session: %w", err)
	}

	ds := &deviceSession{
		cfg:     cfg,
		logger:  logger,
		session: sess,
		events:  newWaiter(),
	}
	ds.events.unsubscribe = sess.Subscribe(ds.events)
	return ds, nil
}

// connect starts the connection and blocks until services are ready.
// A progress line is shown on stderr when it is a terminal.
func (ds *deviceSession) connect(ctx context.Context, cmd *cobra.Command, address string) error {
	var progress *ProgressPrinter
	if isTerminal(cmd.ErrOrStderr()) {
		progress = NewProgressPrinter(cmd.ErrOrStderr(), "Connecting to "+address)
		progress.Start()
		defer progress.Stop()
	}

	ds.logger.WithFields(logrus.Fields{
		"address": address,
		"session": ds.session.ID(),
		"backend": ds.cfg.Backend,
	}).Info("Connecting to device")

	if err := ds.session.Connect(address); err != nil {
		return err
	}
	return ds.events.waitReady(ctx, progress)
}

// sendCommand sends cmd and waits for its acknowledgement.
func (ds *deviceSession) sendCommand(ctx context.Context, cmd protocol.Command) error {
	if err := ds.session.SendCommand(cmd); err != nil {
		return err
	}
	return ds.events.waitAck(ctx, cmd)
}

// readOnce reads every kind once, calling fn for each reading in arrival
// order. Malformed values and timeouts are reported through warn and do
// not stop the remaining reads; the first of them is returned at the end.
func (ds *deviceSession) readOnce(ctx context.Context, kinds []protocol.SensorKind, fn func(protocol.SensorReading), warn func(error)) error {
	for _, kind := range kinds {
		if err := ds.session.RequestRead(kind); err != nil {
			return err
		}
	}

	var firstErr error
	for pending := len(kinds); pending > 0; {
		v, err := ds.events.next(ctx)
		if err != nil {
			return err
		}
		switch e := v.(type) {
		case protocol.SensorReading:
			pending--
			fn(e)
		case session.State:
			if e == session.Disconnected {
				return ErrConnectionLost
			}
		case error:
			if !isTransientReadError(e) {
				return e
			}
			pending--
			if firstErr == nil {
				firstErr = e
			}
			if warn != nil {
				warn(e)
			}
		}
	}
	return firstErr
}

// close disconnects gracefully, then releases the session and transport.
func (ds *deviceSession) close() error {
	ds.closeOnce.Do(func() {
		ds.events.stop()

		if ds.session.State() != session.Disconnected {
			gone := make(chan struct{})
			var once sync.Once
			unsubscribe := ds.session.Subscribe(session.ObserverFuncs{
				StateChanged: func(state session.State) {
					if state == session.Disconnected {
						once.Do(func() { close(gone) })
					}
				},
			})

			if err := ds.session.Disconnect(); err == nil {
				select {
				case <-gone:
				case <-time.After(ds.cfg.DisconnectTimeout + time.Second):
					ds.logger.Warn("Timed out waiting for disconnect")
				}
			}
			unsubscribe()
		}

		ds.closeErr = ds.session.Close()
	})
	return ds.closeErr
}

// waiter turns session callbacks into a single ordered stream a command can
// block on. Values are session.State, protocol.SensorReading,
// protocol.Command (acks) and error.
type waiter struct {
	ch          chan any
	done        chan struct{}
	stopOnce    sync.Once
	unsubscribe func()
}

func newWaiter() *waiter {
	return &waiter{
		ch:   make(chan any, 64),
		done: make(chan struct{}),
	}
}

func (w *waiter) push(v any) {
	select {
	case w.ch <- v:
	case <-w.done:
	}
}

func (w *waiter) OnStateChanged(state session.State)             { w.push(state) }
func (w *waiter) OnSensorReading(reading protocol.SensorReading) { w.push(reading) }
func (w *waiter) OnCommandAcked(cmd protocol.Command)            { w.push(cmd) }
func (w *waiter) OnError(err error)                              { w.push(err) }

// stop unsubscribes the waiter and releases a blocked callback.
func (w *waiter) stop() {
	w.stopOnce.Do(func() {
		close(w.done)
		if w.unsubscribe != nil {
			w.unsubscribe()
		}
	})
}

func (w *waiter) next(ctx context.Context) (any, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case v := <-w.ch:
		return v, nil
	}
}

// waitReady blocks until services are ready. The first session error wins;
// a drop to disconnected without one is ErrConnectionLost.
func (w *waiter) waitReady(ctx context.Context, progress *ProgressPrinter) error {
	for {
		v, err := w.next(ctx)
		if err != nil {
			return err
		}
		switch e := v.(type) {
		case session.State:
			if progress != nil {
				progress.SetState(e)
			}
			switch e {
			case session.ServicesReady:
				return nil
			case session.Disconnected:
				return ErrConnectionLost
			}
		case error:
			return e
		}
	}
}

// waitAck blocks until cmd is acknowledged.
func (w *waiter) waitAck(ctx context.Context, cmd protocol.Command) error {
	for {
		v, err := w.next(ctx)
		if err != nil {
			return err
		}
		switch e := v.(type) {
		case protocol.Command:
			if e == cmd {
				return nil
			}
		case session.State:
			if e == session.Disconnected {
				return ErrConnectionLost
			}
		case error:
			return e
		}
	}
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

var _ session.Observer = (*waiter)(nil)

// runDeviceCommand connects to address, sends cmd, waits for the
// acknowledgement and prints it.
func runDeviceCommand(cmd *cobra.Command, address string, command protocol.Command) (err error) {
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
	if err := ds.sendCommand(ctx, command); err != nil {
		return err
	}

	fmt.Fprintln(cmd.OutOrStdout(), okColor.Sprint("OK "+command.String()))
	return nil
}
