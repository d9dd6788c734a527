package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/srg/espsense/internal/device"
	"github.com/srg/espsense/internal/protocol"
	"github.com/srg/espsense/internal/session"
	"github.com/srg/espsense/internal/testutils"
	"github.com/stretchr/testify/suite"
)

type CommandsTestSuite struct {
	CommandTestSuite
}

func TestCommandsTestSuite(t *testing.T) {
	suite.Run(t, new(CommandsTestSuite))
}

func (s *CommandsTestSuite) writes() []testutils.TransportCall {
	return s.Fake.CallsOf("WriteCharacteristic")
}

func (s *CommandsTestSuite) TestLedOn() {
	// GOAL: led on connects, writes LED1 to the control characteristic and waits for the ack
	//
	// TEST SCENARIO: healthy device → one acknowledged write → "OK LED1" and a clean disconnect

	stdout, _, err := s.ExecuteCommand("led", TestDeviceAddress, "on")
	s.Require().NoError(err)
	s.Equal("OK LED1\n", stdout)

	writes := s.writes()
	s.Require().Len(writes, 1, "exactly one write MUST be issued")
	s.Equal("LED1", string(writes[0].Data))
	s.True(writes[0].WithResponse, "writes MUST request a response by default")
	s.Equal(device.NormalizeUUID(protocol.DefaultControlUUID), device.NormalizeUUID(writes[0].UUID))

	s.NotEmpty(s.Fake.CallsOf("Disconnect"), "command MUST disconnect before exiting")
	s.True(s.Fake.Closed(), "transport MUST be closed")
}

func (s *CommandsTestSuite) TestLedOff() {
	stdout, _, err := s.ExecuteCommand("led", TestDeviceAddress, "off")
	s.Require().NoError(err)
	s.Equal("OK LED0\n", stdout)
}

func (s *CommandsTestSuite) TestLedInvalidStateNeverConnects() {
	_, _, err := s.ExecuteCommand("led", TestDeviceAddress, "blink")
	s.Require().Error(err)
	s.ErrorIs(err, protocol.ErrUnknownCommand)
	s.Empty(s.Fake.CallsOf("Connect"), "invalid input MUST be rejected before connecting")
}

func (s *CommandsTestSuite) TestCalibrate() {
	tests := []struct {
		name string
		args []string
		wire string
	}{
		{"temperature", []string{"temp", "21.5"}, "CT:21.5"},
		{"negative temperature", []string{"t", "--", "-3"}, "CT:-3"},
		{"humidity", []string{"hum", "45"}, "CH:45"},
	}

	for _, tt := range tests {
		s.Run(tt.name, func() {
			s.SetupTest()

			args := append([]string{"calibrate", TestDeviceAddress}, tt.args...)
			stdout, _, err := s.ExecuteCommand(args...)
			s.Require().NoError(err)
			s.Equal("OK "+tt.wire+"\n", stdout)

			writes := s.writes()
			s.Require().Len(writes, 1)
			s.Equal(tt.wire, string(writes[0].Data))
		})
	}
}

func (s *CommandsTestSuite) TestCalibrateRejectsBadValues() {
	tests := []struct {
		name string
		args []string
	}{
		{"temperature out of range", []string{"temp", "200"}},
		{"humidity out of range", []string{"hum", "101"}},
		{"not a number", []string{"temp", "warm"}},
	}

	for _, tt := range tests {
		s.Run(tt.name, func() {
			s.SetupTest()

			args := append([]string{"calibrate", TestDeviceAddress}, tt.args...)
			_, _, err := s.ExecuteCommand(args...)
			s.Require().Error(err)
			s.ErrorIs(err, protocol.ErrInvalidValue)
			s.Empty(s.Fake.CallsOf("Connect"))
		})
	}
}

func (s *CommandsTestSuite) TestCalibrateUnknownSensor() {
	_, _, err := s.ExecuteCommand("calibrate", TestDeviceAddress, "pressure", "1013")
	s.Require().Error(err)
	s.Contains(err.Error(), "unknown sensor")
}

func (s *CommandsTestSuite) TestConfigWriteWithoutResponse() {
	path := s.WriteConfig("write_without_response: true\n")

	_, _, err := s.ExecuteCommand("led", TestDeviceAddress, "on", "--config", path)
	s.Require().NoError(err)

	writes := s.writes()
	s.Require().Len(writes, 1)
	s.False(writes[0].WithResponse, "config MUST switch writes to write-without-response")
}

func (s *CommandsTestSuite) TestReadJSON() {
	s.Fake.
		WithReadValue(protocol.DefaultTemperatureUUID, []byte("21.5")).
		WithReadValue(protocol.DefaultHumidityUUID, []byte("45.0"))

	stdout, _, err := s.ExecuteCommand("read", TestDeviceAddress, "--json")
	s.Require().NoError(err)

	testutils.NewJSONAsserter(s.T()).AssertLines(stdout, `[
		{"sensor": "temperature", "value": 21.5, "raw": "21.5", "unit": "°C", "time": "<<PRESENCE>>"},
		{"sensor": "humidity", "value": 45, "raw": "45.0", "unit": "%", "time": "<<PRESENCE>>"}
	]`)
	s.Equal(1, s.Fake.MaxInFlight(), "reads MUST run one at a time")
}

func (s *CommandsTestSuite) TestReadSingleSensor() {
	s.Fake.WithReadValue(protocol.DefaultTemperatureUUID, []byte("21.5"))

	stdout, _, err := s.ExecuteCommand("read", TestDeviceAddress, "temp")
	s.Require().NoError(err)
	s.Equal("temperature: 21.5°C\n", stdout)
	s.Len(s.Fake.CallsOf("ReadCharacteristic"), 1)
}

func (s *CommandsTestSuite) TestReadMalformedValue() {
	// GOAL: a malformed reply fails the command but does not hide the other readings
	//
	// TEST SCENARIO: temperature ok, humidity garbage → temperature printed, MalformedReading returned

	s.Fake.
		WithReadValue(protocol.DefaultTemperatureUUID, []byte("21.5")).
		WithReadValue(protocol.DefaultHumidityUUID, []byte("n/a"))

	stdout, _, err := s.ExecuteCommand("read", TestDeviceAddress)
	s.Require().Error(err)
	s.Equal(session.MalformedReading, session.KindOf(err))
	s.Equal("temperature: 21.5°C\n", stdout)
}

func (s *CommandsTestSuite) TestReadWatchUntilCancelled() {
	// GOAL: --watch stops at the context deadline even when read already ran
	//
	// TEST SCENARIO: one-shot read, then watch with a 300ms deadline → deadline error, several readings

	s.Fake.WithReadValue(protocol.DefaultTemperatureUUID, []byte("21.5"))
	_, _, err := s.ExecuteCommand("read", TestDeviceAddress, "temp")
	s.Require().NoError(err)

	s.Fake = testutils.NewFakeTransport().WithReadValue(protocol.DefaultHumidityUUID, []byte("45.0"))
	resetFlags(rootCmd)

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()

	stdout := &testutils.SyncBuffer{}
	done := make(chan error, 1)
	go func() {
		done <- s.executeWith(ctx, nil, stdout, io.Discard, "read", TestDeviceAddress, "hum", "--watch=50ms")
	}()

	select {
	case err = <-done:
	case <-time.After(5 * time.Second):
		s.FailNow("watch MUST stop when the command context is done")
	}
	s.Require().ErrorIs(err, context.DeadlineExceeded)
	s.GreaterOrEqual(strings.Count(stdout.String(), "humidity: 45.0%\n"), 2, "watch MUST keep reading at the interval")
	s.True(s.Fake.Closed(), "transport MUST be closed after the watch ends")
}

func (s *CommandsTestSuite) TestReadRejectsBadWatchInterval() {
	_, _, err := s.ExecuteCommand("read", TestDeviceAddress, "--watch=-1s")
	s.Require().Error(err)
	s.Contains(err.Error(), "watch interval must be positive")
	s.Empty(s.Fake.CallsOf("Connect"))
}

func (s *CommandsTestSuite) TestBluetoothOff() {
	s.Fake.WithConnectError(device.ErrBluetoothOff)

	_, _, err := s.ExecuteCommand("led", TestDeviceAddress, "on")
	s.Require().Error(err)
	s.ErrorIs(err, device.ErrBluetoothOff)
	s.Contains(FormatUserError(err), "Bluetooth is turned off")
}

func (s *CommandsTestSuite) TestMissingCharacteristics() {
	s.Fake.WithDiscovered(protocol.DefaultControlUUID)

	_, _, err := s.ExecuteCommand("read", TestDeviceAddress)
	s.Require().Error(err)
	s.Equal(session.TransportFailure, session.KindOf(err))

	msg := FormatUserError(err)
	s.Contains(msg, "does not expose")
	s.Contains(msg, device.NormalizeUUID(protocol.DefaultTemperatureUUID))
	s.Empty(s.Fake.CallsOf("ReadCharacteristic"), "no read MUST be issued on an incomplete profile")
}

func (s *CommandsTestSuite) TestWriteRejectedByDevice() {
	s.Fake.WithWriteError(&device.TransportError{Op: "write", Status: 0x03, Err: errors.New("invalid pdu")})

	_, _, err := s.ExecuteCommand("led", TestDeviceAddress, "on")
	s.Require().Error(err)
	s.Equal(session.TransportFailure, session.KindOf(err))
	s.Contains(FormatUserError(err), "status 0x03")
}

func (s *CommandsTestSuite) TestInvalidBackend() {
	_, _, err := s.ExecuteCommand("led", TestDeviceAddress, "on", "--backend", "bogus")
	s.Require().Error(err)
	s.Contains(err.Error(), "backend must be one of")
}

func (s *CommandsTestSuite) TestInvalidLogLevel() {
	_, _, err := s.ExecuteCommand("led", TestDeviceAddress, "on", "--log-level", "chatty")
	s.Require().Error(err)
	s.Contains(err.Error(), "invalid log level")
}

func (s *CommandsTestSuite) TestConsoleSendsCommands() {
	// GOAL: the console command keeps one session open for every input line
	//
	// TEST SCENARIO: pipe "led on", wait for the ack, pipe "quit" → single connect, clean exit

	h := testutils.NewTestHelper(s.T())
	stdinR, stdinW := io.Pipe()
	stdout := &testutils.SyncBuffer{}

	done := make(chan error, 1)
	go func() {
		done <- s.executeWith(context.Background(), stdinR, stdout, &testutils.SyncBuffer{}, "console", TestDeviceAddress)
	}()

	h.Eventually(func() bool { return stdout.Contains("Connected to " + TestDeviceAddress) })

	_, err := io.WriteString(stdinW, "led on\n")
	s.Require().NoError(err)
	h.Eventually(func() bool { return stdout.Contains("OK LED1") }, "ack MUST be printed")

	_, err = io.WriteString(stdinW, "quit\n")
	s.Require().NoError(err)

	select {
	case err := <-done:
		s.Require().NoError(err)
	case <-time.After(testutils.DefaultWait):
		s.FailNow("console MUST exit on quit")
	}
	_ = stdinW.Close()

	s.Len(s.Fake.CallsOf("Connect"), 1)
	s.Len(s.writes(), 1)
	s.True(s.Fake.Closed())
}

func (s *CommandsTestSuite) TestConsolePTYLinkRequiresPTY() {
	_, _, err := s.ExecuteCommand("console", TestDeviceAddress, "--pty-link", "/tmp/espsense-test")
	s.Require().Error(err)
	s.Contains(err.Error(), "--pty-link requires --pty")
}

func TestFormatUserError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"nil", nil, ""},
		{"plain", errors.New("boom"), "boom"},
		{"bluetooth off", fmt.Errorf("connect: %w", device.ErrBluetoothOff), "Bluetooth is turned off. Turn it on and try again."},
		{"connection lost", ErrConnectionLost, "connection to the device was lost"},
		{"not ready", &session.Error{Kind: session.NotReady, Op: "write LED1"}, "cannot write LED1: the device is not connected yet"},
		{"timeout", &session.Error{Kind: session.OperationTimeout, Op: "read temperature"}, "read temperature: the device did not respond in time"},
		{"lost during op", &session.Error{Kind: session.ConnectionLost, Op: "read humidity"}, "read humidity: connection to the device was lost"},
		{
			"transport with status",
			&session.Error{Kind: session.TransportFailure, Op: "write LED1", Status: 0x0e, Err: errors.New("unlikely error")},
			"write LED1 failed: unlikely error (status 0x0e)",
		},
		{
			"missing characteristics",
			&session.Error{Kind: session.TransportFailure, Op: "discover services", Err: &device.NotFoundError{Resource: "characteristic", UUIDs: []string{"aa", "bb"}}},
			"the device does not expose the expected characteristic(s) aa, bb; check the profile UUIDs in the config",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := FormatUserError(tt.err); got != tt.want {
				t.Errorf("FormatUserError() = %q, want %q", got, tt.want)
			}
		})
	}
}
