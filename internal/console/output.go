package console

import (
	"context"
	"errors"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/smallnest/ringbuffer"
	"github.com/srg/espsense/internal/groutine"
)

const (
	// DefaultOutputCapacity is the ring size used when NewOutput gets capacity <= 0.
	DefaultOutputCapacity = 64 * 1024

	outputFlushTimeout = time.Second
)

// Output is a non-blocking io.Writer. Writes land in a ring buffer and a
// background goroutine copies them to the sink, so observers printing to a
// slow terminal never hold up event delivery.
//
// When the ring is full the excess bytes are dropped and counted; Write then
// returns the number of bytes actually queued with a nil error.
type Output struct {
	logger *logrus.Logger
	sink   io.Writer
	buf    *ringbuffer.RingBuffer

	notify  chan struct{}
	done    chan struct{}
	stopped chan struct{}

	closed    atomic.Bool
	closeOnce sync.Once
	dropped   atomic.Uint64
	written   atomic.Uint64
}

// NewOutput starts an Output draining into sink.
func NewOutput(sink io.Writer, capacity int, logger *logrus.Logger) *Output {
	if capacity <= 0 {
		capacity = DefaultOutputCapacity
	}
	if logger == nil {
		logger = logrus.New()
		logger.SetOutput(io.Discard)
	}
	o := &Output{
		logger:  logger,
		sink:    sink,
		buf:     ringbuffer.New(capacity),
		notify:  make(chan struct{}, 1),
		done:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
	groutine.Go(context.Background(), "console-output", o.drainLoop)
	return o
}

func (o *Output) Write(p []byte) (int, error) {
	if o.closed.Load() {
		return 0, os.ErrClosed
	}
	if len(p) == 0 {
		return 0, nil
	}

	n, err := o.buf.Write(p)
	if err != nil && !errors.Is(err, ringbuffer.ErrIsFull) && !errors.Is(err, ringbuffer.ErrTooMuchDataToWrite) {
		return n, err
	}
	if n < len(p) {
		o.dropped.Add(uint64(len(p) - n))
		o.logger.WithFields(logrus.Fields{
			"dropped": len(p) - n,
			"queued":  n,
		}).Debug("Console output buffer overflow")
	}

	select {
	case o.notify <- struct{}{}:
	default:
	}
	return n, nil
}

// Dropped returns how many bytes were discarded because the ring was full.
func (o *Output) Dropped() uint64 {
	return o.dropped.Load()
}

// Written returns how many bytes reached the sink.
func (o *Output) Written() uint64 {
	return o.written.Load()
}

// Close stops accepting writes, flushes what is buffered and stops the
// drain goroutine. It waits at most a second for a stuck sink.
func (o *Output) Close() error {
	o.closeOnce.Do(func() {
		o.closed.Store(true)
		close(o.done)
		select {
		case <-o.stopped:
		case <-time.After(outputFlushTimeout):
			o.logger.Warn("Timed out flushing console output")
		}
	})
	return nil
}

func (o *Output) drainLoop(ctx context.Context) {
	defer close(o.stopped)
	o.logger.WithField("goroutine", groutine.GetName(ctx)).Debug("Console output started")

	chunk := make([]byte, 4096)
	for {
		if o.flushOnce(chunk) {
			continue
		}
		select {
		case <-o.notify:
		case <-o.done:
			for o.flushOnce(chunk) {
			}
			return
		}
	}
}

// flushOnce moves one chunk from the ring to the sink and reports whether
// anything was moved.
func (o *Output) flushOnce(chunk []byte) bool {
	n, err := o.buf.TryRead(chunk)
	if err != nil && !errors.Is(err, ringbuffer.ErrIsEmpty) {
		o.logger.WithError(err).Warn("Console output read failed")
		return false
	}
	if n == 0 {
		return false
	}
	for off := 0; off < n; {
		w, err := o.sink.Write(chunk[off:n])
		off += w
		o.written.Add(uint64(w))
		if err == nil && w == 0 {
			err = io.ErrShortWrite
		}
		if err != nil {
			o.logger.WithError(err).Debug("Console sink write failed, dropping chunk")
			o.dropped.Add(uint64(n - off))
			break
		}
	}
	return true
}
