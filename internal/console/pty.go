package console

import (
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/creack/pty"
	"golang.org/x/term"
)

// PTY is a pseudo-terminal pair. The console talks on the master side and a
// terminal program (screen, minicom, picocom) attaches to the slave path.
type PTY struct {
	master *os.File
	slave  *os.File
	link   string

	closeOnce sync.Once
	closeErr  error
}

// OpenPTY creates the pair and puts the slave in raw mode so console output
// written to the master is not echoed back as input.
func OpenPTY() (*PTY, error) {
	master, slave, err := pty.Open()
	if err != nil {
		return nil, fmt.Errorf("failed to create PTY (check permissions and available PTY devices): %w", err)
	}

	if _, err := term.MakeRaw(int(slave.Fd())); err != nil {
		name := slave.Name()
		cleanupErr := errors.Join(master.Close(), slave.Close())
		if cleanupErr != nil {
			return nil, fmt.Errorf("failed to set PTY %s to raw mode: %w (cleanup errors: %v)", name, err, cleanupErr)
		}
		return nil, fmt.Errorf("failed to set PTY %s to raw mode: %w", name, err)
	}

	return &PTY{master: master, slave: slave}, nil
}

// SlaveName returns the device path users open, e.g. /dev/pts/5.
func (p *PTY) SlaveName() string {
	return p.slave.Name()
}

// Link creates a symlink at path pointing to the slave device. It is removed
// on Close.
func (p *PTY) Link(path string) error {
	if err := os.Symlink(p.SlaveName(), path); err != nil {
		return fmt.Errorf("failed to create tty symlink %s -> %s: %w", path, p.SlaveName(), err)
	}
	p.link = path
	return nil
}

func (p *PTY) Read(b []byte) (int, error) {
	return p.master.Read(b)
}

func (p *PTY) Write(b []byte) (int, error) {
	return p.master.Write(b)
}

// Close closes both ends, which unblocks a pending Read.
func (p *PTY) Close() error {
	p.closeOnce.Do(func() {
		var errs []error
		if p.link != "" {
			if err := os.Remove(p.link); err != nil && !errors.Is(err, os.ErrNotExist) {
				errs = append(errs, fmt.Errorf("remove tty symlink: %w", err))
			}
		}
		if err := p.master.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close PTY(ptmx): %w", err))
		}
		if err := p.slave.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close PTY(tty): %w", err))
		}
		p.closeErr = errors.Join(errs...)
	})
	return p.closeErr
}
