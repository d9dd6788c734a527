package console

import (
	"bufio"
	"bytes"
	"errors"
	"io"
	"os"

	"golang.org/x/term"
)

// ErrNotTerminal is returned by OpenTerminal when stdin is not a terminal.
var ErrNotTerminal = errors.New("stdin is not a terminal")

// LineReader yields one input line per call and io.EOF at the end.
// *term.Terminal satisfies it.
type LineReader interface {
	ReadLine() (string, error)
}

// NewLineReader reads newline separated lines from r. Carriage returns are
// treated as line ends so input from serial style terminals works too.
func NewLineReader(r io.Reader) LineReader {
	sc := bufio.NewScanner(r)
	sc.Split(scanLines)
	return &scannerReader{sc: sc}
}

type scannerReader struct {
	sc *bufio.Scanner
}

func (s *scannerReader) ReadLine() (string, error) {
	if s.sc.Scan() {
		return s.sc.Text(), nil
	}
	if err := s.sc.Err(); err != nil {
		return "", err
	}
	return "", io.EOF
}

// scanLines splits on \n or \r. A \r\n pair yields an extra empty line,
// which the console ignores.
func scanLines(data []byte, atEOF bool) (advance int, token []byte, err error) {
	if atEOF && len(data) == 0 {
		return 0, nil, nil
	}
	if i := bytes.IndexAny(data, "\r\n"); i >= 0 {
		return i + 1, data[:i], nil
	}
	if atEOF {
		return len(data), data, nil
	}
	return 0, nil, nil
}

// NewTerminal returns a line editor over rw. Output written through the
// terminal is redrawn around the prompt and gets \r\n line ends.
func NewTerminal(rw io.ReadWriter, prompt string) *term.Terminal {
	return term.NewTerminal(rw, prompt)
}

// OpenTerminal switches the stdin terminal to raw mode and returns a line
// editor over stdin and stdout. restore must be called before exiting.
func OpenTerminal(in *os.File, out io.Writer, prompt string) (t *term.Terminal, restore func() error, err error) {
	fd := int(in.Fd())
	if !term.IsTerminal(fd) {
		return nil, nil, ErrNotTerminal
	}

	state, err := term.MakeRaw(fd)
	if err != nil {
		return nil, nil, err
	}

	t = NewTerminal(struct {
		io.Reader
		io.Writer
	}{in, out}, prompt)
	if w, h, err := term.GetSize(fd); err == nil {
		_ = t.SetSize(w, h)
	}

	return t, func() error { return term.Restore(fd, state) }, nil
}
