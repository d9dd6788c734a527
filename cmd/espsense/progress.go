package main

import (
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/srg/espsense/internal/session"
)

const (
	progressUpdateInterval = 100 * time.Millisecond
	clearLineSequence      = "\r\033[K"
)

// ProgressPrinter shows the session state and the elapsed time on one
// terminal line while a command waits for the device.
//
//	p := NewProgressPrinter(os.Stderr, "Connecting to "+addr)
//	p.Start()
//	defer p.Stop()
//
// Setting a final state (services_ready or disconnected) stops it. A
// ProgressPrinter is single-use.
type ProgressPrinter struct {
	out       io.Writer
	prefix    string
	state     atomic.Value // session.State
	startTime time.Time
	started   atomic.Bool
	stopOnce  sync.Once
	stopChan  chan struct{}
	done      chan struct{}
}

// NewProgressPrinter creates a progress printer that counts elapsed seconds.
func NewProgressPrinter(out io.Writer, prefix string) *ProgressPrinter {
	p := &ProgressPrinter{
		out:      out,
		prefix:   prefix,
		stopChan: make(chan struct{}),
		done:     make(chan struct{}),
	}
	p.state.Store(session.Connecting)
	return p
}

// Start begins the display. Panics if called more than once.
func (p *ProgressPrinter) Start() {
	if !p.started.CompareAndSwap(false, true) {
		panic("ProgressPrinter.Start called more than once")
	}
	p.startTime = time.Now()
	p.print(p.state.Load().(session.State), 0)

	go func() {
		defer close(p.done)
		ticker := time.NewTicker(progressUpdateInterval)
		defer ticker.Stop()

		for {
			select {
			case <-p.stopChan:
				return
			case <-ticker.C:
				p.print(p.state.Load().(session.State), int(time.Since(p.startTime).Seconds()))
			}
		}
	}()
}

// SetState updates the displayed state, stopping on a final one.
// Safe for concurrent use.
func (p *ProgressPrinter) SetState(state session.State) {
	p.state.Store(state)
	if state == session.ServicesReady || state == session.Disconnected {
		p.Stop()
	}
}

// Stop ends the display and clears the line. Safe to call more than once.
func (p *ProgressPrinter) Stop() {
	p.stopOnce.Do(func() {
		close(p.stopChan)
		if p.started.Load() {
			<-p.done
			fmt.Fprint(p.out, clearLineSequence)
		}
	})
}

func (p *ProgressPrinter) print(state session.State, seconds int) {
	if seconds > 0 {
		fmt.Fprintf(p.out, "\r%s (%s %ds)   ", p.prefix, state, seconds)
	} else {
		fmt.Fprintf(p.out, "\r%s (%s...)   ", p.prefix, state)
	}
}
