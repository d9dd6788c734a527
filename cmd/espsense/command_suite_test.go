package main

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/fatih/color"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/srg/espsense/internal/device"
	"github.com/srg/espsense/internal/devicefactory"
	"github.com/srg/espsense/internal/testutils"
	"github.com/stretchr/testify/suite"
)

// TestDeviceAddress is the address every command test connects to.
const TestDeviceAddress = "24:6F:28:00:00:01"

// CommandTestSuite runs commands against a FakeTransport installed through
// devicefactory.TransportFactory. Each test gets a fresh fake and an empty
// HOME, so no user config leaks in.
type CommandTestSuite struct {
	suite.Suite

	Fake *testutils.FakeTransport

	originalFactory func(string, *logrus.Logger) (device.Transport, error)
	originalNoColor bool
}

func (s *CommandTestSuite) SetupSuite() {
	s.originalFactory = devicefactory.TransportFactory
	s.originalNoColor = color.NoColor
	color.NoColor = true
}

func (s *CommandTestSuite) TearDownSuite() {
	devicefactory.TransportFactory = s.originalFactory
	color.NoColor = s.originalNoColor
}

func (s *CommandTestSuite) SetupTest() {
	s.T().Setenv("HOME", s.T().TempDir())

	s.Fake = testutils.NewFakeTransport()
	devicefactory.TransportFactory = func(string, *logrus.Logger) (device.Transport, error) {
		return s.Fake, nil
	}
	resetFlags(rootCmd)
}

// WriteConfig writes a YAML config file and returns its path.
func (s *CommandTestSuite) WriteConfig(content string) string {
	path := filepath.Join(s.T().TempDir(), "config.yaml")
	s.Require().NoError(os.WriteFile(path, []byte(content), 0o600))
	return path
}

// ExecuteCommand runs the root command with args, returns stdout, stderr and error.
func (s *CommandTestSuite) ExecuteCommand(args ...string) (string, string, error) {
	return s.ExecuteCommandContext(context.Background(), nil, args...)
}

// ExecuteCommandContext runs the root command with ctx and stdin.
func (s *CommandTestSuite) ExecuteCommandContext(ctx context.Context, stdin io.Reader, args ...string) (string, string, error) {
	stdout := &testutils.SyncBuffer{}
	stderr := &testutils.SyncBuffer{}
	err := s.executeWith(ctx, stdin, stdout, stderr, args...)
	return stdout.String(), stderr.String(), err
}

func (s *CommandTestSuite) executeWith(ctx context.Context, stdin io.Reader, stdout, stderr io.Writer, args ...string) error {
	if stdin == nil {
		stdin = strings.NewReader("")
	}
	rootCmd.SetIn(stdin)
	rootCmd.SetOut(stdout)
	rootCmd.SetErr(stderr)
	rootCmd.SetArgs(args)
	bindContext(ctx, rootCmd)
	return rootCmd.ExecuteContext(ctx)
}

// bindContext sets ctx on cmd and every subcommand. Cobra hands the root
// context down only to subcommands that have none yet, so a command run by an
// earlier test would otherwise keep that test's context.
func bindContext(ctx context.Context, cmd *cobra.Command) {
	cmd.SetContext(ctx)
	for _, c := range cmd.Commands() {
		bindContext(ctx, c)
	}
}

// resetFlags puts every flag of cmd and its children back to its default,
// since cobra keeps parsed values between executions.
func resetFlags(cmd *cobra.Command) {
	reset := func(f *pflag.Flag) {
		_ = f.Value.Set(f.DefValue)
		f.Changed = false
	}
	cmd.Flags().VisitAll(reset)
	cmd.PersistentFlags().VisitAll(reset)
	for _, c := range cmd.Commands() {
		resetFlags(c)
	}
}
