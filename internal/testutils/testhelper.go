package testutils

import (
	"bytes"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

// DefaultWait bounds how long tests wait for asynchronous session outcomes.
const DefaultWait = 2 * time.Second

type TestHelper struct {
	T      *testing.T
	Logger *logrus.Logger
}

// NewTestHelper creates a test helper with a debug logger.
func NewTestHelper(t *testing.T) *TestHelper {
	logger := logrus.New()
	logger.SetLevel(logrus.DebugLevel) // enable debug logs to track execution flow
	return &TestHelper{
		T:      t,
		Logger: logger,
	}
}

// Eventually fails the test unless cond becomes true within DefaultWait.
func (h *TestHelper) Eventually(cond func() bool, msgAndArgs ...interface{}) {
	h.T.Helper()
	require.Eventually(h.T, cond, DefaultWait, 5*time.Millisecond, msgAndArgs...)
}

// Never fails the test if cond becomes true within d.
func (h *TestHelper) Never(cond func() bool, d time.Duration, msgAndArgs ...interface{}) {
	h.T.Helper()
	require.Never(h.T, cond, d, 5*time.Millisecond, msgAndArgs...)
}

// SyncBuffer is a bytes.Buffer safe for concurrent writers, used to capture
// output printed from observer goroutines.
type SyncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *SyncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *SyncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

// Contains reports whether the captured output contains s.
func (b *SyncBuffer) Contains(s string) bool {
	return strings.Contains(b.String(), s)
}

// Reset discards the captured output.
func (b *SyncBuffer) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.buf.Reset()
}
