package session

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/srg/espsense/internal/device"
	"github.com/srg/espsense/internal/protocol"
	"github.com/srg/espsense/internal/testutils"
	"github.com/stretchr/testify/suite"
)

const testAddress = "AA:BB:CC:DD:EE:FF"

// recorder is an Observer that keeps everything it receives.
type recorder struct {
	mu       sync.Mutex
	states   []State
	readings []protocol.SensorReading
	acks     []protocol.Command
	errs     []error
}

func (r *recorder) OnStateChanged(state State) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states = append(r.states, state)
}

func (r *recorder) OnSensorReading(reading protocol.SensorReading) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.readings = append(r.readings, reading)
}

func (r *recorder) OnCommandAcked(cmd protocol.Command) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.acks = append(r.acks, cmd)
}

func (r *recorder) OnError(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.errs = append(r.errs, err)
}

func (r *recorder) Errors() []error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]error(nil), r.errs...)
}

func (r *recorder) States() []State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]State(nil), r.states...)
}

func (r *recorder) Acks() []protocol.Command {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]protocol.Command(nil), r.acks...)
}

func (r *recorder) Readings() []protocol.SensorReading {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]protocol.SensorReading(nil), r.readings...)
}

func (r *recorder) ErrorsOfKind(kind ErrorKind) []error {
	var out []error
	for _, err := range r.Errors() {
		if KindOf(err) == kind {
			out = append(out, err)
		}
	}
	return out
}

type SessionSuite struct {
	suite.Suite
	helper  *testutils.TestHelper
	fake    *testutils.FakeTransport
	session *Session
	rec     *recorder
	profile protocol.Profile
}

func (s *SessionSuite) SetupTest() {
	s.helper = testutils.NewTestHelper(s.T())
	s.profile = protocol.DefaultProfile().Normalized()
	s.fake = testutils.NewFakeTransport()
	s.session = nil
}

func (s *SessionSuite) TearDownTest() {
	if s.session != nil {
		s.Require().NoError(s.session.Close())
	}
}

// start builds the session over the current fake transport and subscribes a recorder.
func (s *SessionSuite) start(opts Options) {
	opts.Logger = s.helper.Logger
	sess, err := New(s.fake, opts)
	s.Require().NoError(err)
	s.session = sess
	s.rec = &recorder{}
	s.session.Subscribe(s.rec)
}

func (s *SessionSuite) connectReady() {
	s.Require().NoError(s.session.Connect(testAddress))
	s.helper.Eventually(func() bool { return s.session.State() == ServicesReady }, "session MUST reach services_ready")
}

// flush closes the session so every queued observer event has been delivered.
func (s *SessionSuite) flush() {
	s.Require().NoError(s.session.Close())
}

func (s *SessionSuite) TestConnectReachesServicesReady() {
	s.start(Options{})
	s.connectReady()

	s.Equal(testAddress, s.session.Address())
	s.NotEmpty(s.session.ID())

	s.flush()
	s.Equal([]State{Connecting, Connected, ServicesReady, Disconnected}, s.rec.States(),
		"state transitions MUST be reported in order")
	s.Len(s.fake.CallsOf("DiscoverServices"), 1, "service discovery MUST be requested once")
	s.True(s.fake.Closed(), "Close MUST close the transport")
}

func (s *SessionSuite) TestSendLedOnIsAcknowledged() {
	s.start(Options{})
	s.connectReady()

	s.Require().NoError(s.session.SendCommand(protocol.LedOn()))
	s.helper.Eventually(func() bool { return len(s.rec.Acks()) == 1 }, "LED1 MUST be acknowledged")

	writes := s.fake.CallsOf("WriteCharacteristic")
	s.Require().Len(writes, 1)
	s.Equal([]byte("LED1"), writes[0].Data)
	s.Equal(s.profile.Control, writes[0].UUID, "commands MUST go to the control characteristic")
	s.True(writes[0].WithResponse)
	s.Equal(protocol.LedOn(), s.rec.Acks()[0])
}

func (s *SessionSuite) TestWriteWithoutResponseOption() {
	s.start(Options{WriteWithoutResponse: true})
	s.connectReady()

	s.Require().NoError(s.session.SendCommand(protocol.LedOff()))
	s.helper.Eventually(func() bool { return len(s.rec.Acks()) == 1 })

	writes := s.fake.CallsOf("WriteCharacteristic")
	s.Require().Len(writes, 1)
	s.False(writes[0].WithResponse)
}

func (s *SessionSuite) TestCalibrateHumidityEncoding() {
	s.start(Options{})
	s.connectReady()

	s.Require().NoError(s.session.SendCommand(protocol.CalibrateHumid(55.5)))
	s.helper.Eventually(func() bool { return len(s.rec.Acks()) == 1 })

	writes := s.fake.CallsOf("WriteCharacteristic")
	s.Require().Len(writes, 1)
	s.Equal([]byte("CH:55.5"), writes[0].Data)
}

func (s *SessionSuite) TestEncodingErrorIsReturned() {
	s.start(Options{})
	s.connectReady()

	err := s.session.SendCommand(protocol.CalibrateTemp(500))
	s.Require().Error(err)
	s.True(errors.Is(err, ErrEncoding), "out of range calibration MUST be an encoding error, got %v", err)
	s.True(errors.Is(err, protocol.ErrInvalidValue))
	s.Empty(s.fake.CallsOf("WriteCharacteristic"), "rejected command MUST NOT reach the transport")
}

func (s *SessionSuite) TestRequestReadWhileConnectingIsNotReady() {
	s.fake.WithManualConnect()
	s.start(Options{})

	s.Require().NoError(s.session.Connect(testAddress))
	s.Equal(Connecting, s.session.State())

	err := s.session.RequestRead(protocol.Temperature)
	s.True(errors.Is(err, ErrNotReady), "read while connecting MUST fail with NotReady, got %v", err)

	err = s.session.SendCommand(protocol.LedOn())
	s.True(errors.Is(err, ErrNotReady))

	s.Empty(s.fake.CallsOf("ReadCharacteristic"), "no operation MUST be enqueued")
	s.Empty(s.fake.CallsOf("WriteCharacteristic"))
}

func (s *SessionSuite) TestConnectValidation() {
	s.fake.WithManualConnect()
	s.start(Options{})

	s.ErrorIs(s.session.Connect(""), ErrEmptyAddress)

	s.Require().NoError(s.session.Connect(testAddress))
	err := s.session.Connect(testAddress)
	s.True(errors.Is(err, ErrAlreadyConnected), "second connect MUST fail with AlreadyConnected, got %v", err)
	s.Len(s.fake.CallsOf("Connect"), 1)
}

func (s *SessionSuite) TestSynchronousConnectFailure() {
	s.fake.WithConnectError(errors.New("adapter busy"))
	s.start(Options{})

	err := s.session.Connect(testAddress)
	s.Equal(TransportFailure, KindOf(err))
	s.Equal(Disconnected, s.session.State(), "failed connect MUST leave the session disconnected")
}

func (s *SessionSuite) TestConnectFailedEvent() {
	s.fake.WithManualConnect()
	s.start(Options{})
	s.Require().NoError(s.session.Connect(testAddress))

	s.fake.Emit(device.Event{
		Kind: device.EventConnectFailed,
		Err:  &device.TransportError{Op: "connect", Status: 0x3e, Err: errors.New("connection failed to be established")},
	})
	s.helper.Eventually(func() bool { return len(s.rec.Errors()) == 1 })
	s.helper.Eventually(func() bool { return s.session.State() == Disconnected })

	var serr *Error
	s.Require().ErrorAs(s.rec.Errors()[0], &serr)
	s.Equal(TransportFailure, serr.Kind)
	s.Equal(0x3e, serr.Status, "status code MUST be carried from the transport")
}

func (s *SessionSuite) TestReadPublishesReading() {
	s.fake.WithReadValue(protocol.DefaultTemperatureUUID, []byte("21.5\x00"))
	s.start(Options{})
	s.connectReady()

	s.Require().NoError(s.session.RequestRead(protocol.Temperature))
	s.helper.Eventually(func() bool { return len(s.rec.Readings()) == 1 })

	r := s.rec.Readings()[0]
	s.Equal(protocol.Temperature, r.Kind)
	s.Equal("21.5", r.Raw)
	s.InDelta(21.5, r.Value, 1e-9)

	latest, ok := s.session.Latest(protocol.Temperature)
	s.True(ok, "latest temperature MUST be retained")
	s.Equal(r.Raw, latest.Raw)

	_, ok = s.session.Latest(protocol.Humidity)
	s.False(ok)
}

func (s *SessionSuite) TestNonNumericReadIsMalformed() {
	s.fake.WithReadValue(protocol.DefaultTemperatureUUID, []byte("abc"))
	s.start(Options{})
	s.connectReady()

	s.Require().NoError(s.session.RequestRead(protocol.Temperature))
	s.helper.Eventually(func() bool { return len(s.rec.Errors()) == 1 })

	err := s.rec.Errors()[0]
	s.True(errors.Is(err, ErrMalformedReading), "non numeric payload MUST be MalformedReading, got %v", err)
	s.Empty(s.rec.Readings(), "no reading MUST be emitted")
	s.Equal(ServicesReady, s.session.State(), "malformed data MUST NOT end the session")
}

func (s *SessionSuite) TestOperationsCompleteInFifoOrder() {
	s.fake.WithManualWrites()
	s.start(Options{})
	s.connectReady()

	cmds := []protocol.Command{protocol.LedOn(), protocol.CalibrateTemp(20), protocol.LedOff()}
	for _, c := range cmds {
		s.Require().NoError(s.session.SendCommand(c))
	}

	for i := range cmds {
		s.helper.Eventually(func() bool { return len(s.fake.CallsOf("WriteCharacteristic")) == i+1 },
			"write %d MUST be issued only after the previous one completed", i)
		call := s.fake.CallsOf("WriteCharacteristic")[i]
		s.Equal(cmds[i].String(), string(call.Data))
		s.fake.CompleteWrite(call.OpID, nil)
	}

	s.helper.Eventually(func() bool { return len(s.rec.Acks()) == len(cmds) })
	s.Equal(cmds, s.rec.Acks(), "acks MUST follow enqueue order")
	s.Equal(1, s.fake.MaxInFlight(), "at most one operation MUST be in flight")
}

func (s *SessionSuite) TestMixedOperationsNeverOverlap() {
	s.fake.WithReadValue(protocol.DefaultTemperatureUUID, []byte("20")).
		WithReadValue(protocol.DefaultHumidityUUID, []byte("40"))
	s.start(Options{})
	s.connectReady()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if i%2 == 0 {
				_ = s.session.RequestRead(protocol.Humidity)
			} else {
				_ = s.session.SendCommand(protocol.LedOn())
			}
		}(i)
	}
	wg.Wait()

	s.helper.Eventually(func() bool { return len(s.rec.Readings())+len(s.rec.Acks()) == 10 })
	s.Equal(1, s.fake.MaxInFlight(), "concurrent callers MUST NOT produce overlapping operations")
}

func (s *SessionSuite) TestDisconnectDrainsQueueExactlyOnce() {
	s.fake.WithManualWrites()
	s.start(Options{})
	s.connectReady()

	for i := 0; i < 3; i++ {
		s.Require().NoError(s.session.SendCommand(protocol.LedOn()))
	}
	s.helper.Eventually(func() bool { return len(s.fake.CallsOf("WriteCharacteristic")) == 1 })

	s.Require().NoError(s.session.Disconnect())
	s.helper.Eventually(func() bool { return s.session.State() == Disconnected })
	s.Require().NoError(s.session.Disconnect(), "disconnect MUST be idempotent")

	// a late ack for the drained write is ignored
	s.fake.CompleteWrite(s.fake.CallsOf("WriteCharacteristic")[0].OpID, nil)

	s.flush()
	s.Len(s.rec.ErrorsOfKind(ConnectionLost), 3, "each pending operation MUST fail with ConnectionLost exactly once")
	s.Len(s.rec.Errors(), 3)
	s.Empty(s.rec.Acks())
	s.Equal([]State{Connecting, Connected, ServicesReady, Disconnecting, Disconnected}, s.rec.States())
	s.Len(s.fake.CallsOf("Disconnect"), 1)
}

func (s *SessionSuite) TestUnexpectedDisconnect() {
	s.start(Options{})
	s.connectReady()

	// no read value registered: the read stays in flight
	s.Require().NoError(s.session.RequestRead(protocol.Temperature))
	s.helper.Eventually(func() bool { return len(s.fake.CallsOf("ReadCharacteristic")) == 1 })

	s.fake.DropConnection(nil)
	s.helper.Eventually(func() bool { return s.session.State() == Disconnected })

	s.flush()
	s.Len(s.rec.ErrorsOfKind(ConnectionLost), 2, "pending read and the link loss MUST both be reported")
	s.Empty(s.rec.ErrorsOfKind(TransportFailure))
}

func (s *SessionSuite) TestUnexpectedDisconnectWithCause() {
	s.start(Options{})
	s.connectReady()

	s.fake.DropConnection(&device.TransportError{Op: "link", Status: 0x08, Err: errors.New("supervision timeout")})
	s.helper.Eventually(func() bool { return s.session.State() == Disconnected })

	s.flush()
	failures := s.rec.ErrorsOfKind(TransportFailure)
	s.Require().Len(failures, 1)
	var serr *Error
	s.Require().ErrorAs(failures[0], &serr)
	s.Equal(0x08, serr.Status)
}

func (s *SessionSuite) TestReconnectAfterLoss() {
	s.start(Options{})
	s.connectReady()

	s.fake.DropConnection(nil)
	s.helper.Eventually(func() bool { return s.session.State() == Disconnected })

	s.connectReady()
	s.Len(s.fake.CallsOf("Connect"), 2)
}

func (s *SessionSuite) TestTimeoutAdvancesQueueAndIgnoresLateCompletion() {
	s.fake.WithManualWrites()
	s.start(Options{OperationTimeout: 200 * time.Millisecond})
	s.connectReady()

	s.Require().NoError(s.session.SendCommand(protocol.LedOn()))
	s.Require().NoError(s.session.SendCommand(protocol.LedOff()))

	s.helper.Eventually(func() bool { return len(s.fake.CallsOf("WriteCharacteristic")) == 2 },
		"second write MUST be issued once the first timed out")
	writes := s.fake.CallsOf("WriteCharacteristic")

	s.fake.CompleteWrite(writes[0].OpID, nil)
	s.fake.CompleteWrite(writes[1].OpID, nil)
	s.helper.Eventually(func() bool { return len(s.rec.Acks()) == 1 })

	s.flush()
	s.Equal([]protocol.Command{protocol.LedOff()}, s.rec.Acks(), "late completion MUST be ignored")
	timeouts := s.rec.ErrorsOfKind(OperationTimeout)
	s.Require().Len(timeouts, 1)
	s.Contains(timeouts[0].Error(), "write LED1")
}

func (s *SessionSuite) TestMissingCharacteristicDisconnects() {
	s.fake.WithDiscovered(protocol.DefaultControlUUID, protocol.DefaultTemperatureUUID)
	s.start(Options{})

	s.Require().NoError(s.session.Connect(testAddress))
	s.helper.Eventually(func() bool { return len(s.rec.ErrorsOfKind(TransportFailure)) == 1 })
	s.helper.Eventually(func() bool { return s.session.State() == Disconnected })

	var nf *device.NotFoundError
	s.Require().ErrorAs(s.rec.ErrorsOfKind(TransportFailure)[0], &nf)
	s.Equal([]string{s.profile.Humidity}, nf.UUIDs)
	s.NotContains(s.rec.States(), ServicesReady, "incomplete profile MUST NOT become ready")
}

func (s *SessionSuite) TestWriteFailureEndsConnection() {
	s.fake.WithWriteError(&device.TransportError{Op: "write", Status: 0x03, Err: errors.New("write not permitted")})
	s.start(Options{})
	s.connectReady()

	s.Require().NoError(s.session.SendCommand(protocol.LedOn()))
	s.helper.Eventually(func() bool { return s.session.State() == Disconnected })

	s.flush()
	failures := s.rec.ErrorsOfKind(TransportFailure)
	s.Require().Len(failures, 1)
	s.Equal(0x03, failures[0].(*Error).Status)
	s.Empty(s.rec.Acks())
}

func (s *SessionSuite) TestIssueFailureIsTransportFailure() {
	s.fake.WithRequestError("ReadCharacteristic", device.ErrNotConnected)
	s.start(Options{})
	s.connectReady()

	s.Require().NoError(s.session.RequestRead(protocol.Humidity))
	s.helper.Eventually(func() bool { return s.session.State() == Disconnected })

	s.flush()
	failures := s.rec.ErrorsOfKind(TransportFailure)
	s.Require().Len(failures, 1)
	s.True(errors.Is(failures[0], device.ErrNotConnected))
}

func (s *SessionSuite) TestSilentDisconnectFallsBackToTimeout() {
	s.fake.WithSilentDisconnect()
	s.start(Options{DisconnectTimeout: 50 * time.Millisecond})
	s.connectReady()

	s.Require().NoError(s.session.Disconnect())
	s.Equal(Disconnecting, s.session.State())
	s.helper.Eventually(func() bool { return s.session.State() == Disconnected },
		"session MUST settle without a confirmation")
}

func (s *SessionSuite) TestDisconnectWhileConnecting() {
	s.fake.WithManualConnect()
	s.start(Options{})

	s.Require().NoError(s.session.Connect(testAddress))
	s.Require().NoError(s.session.Disconnect())
	s.helper.Eventually(func() bool { return s.session.State() == Disconnected })
}

func (s *SessionSuite) TestUnsubscribeStopsDelivery() {
	s.start(Options{})
	other := &recorder{}
	unsubscribe := s.session.Subscribe(other)
	unsubscribe()

	s.connectReady()
	s.flush()
	s.NotEmpty(s.rec.States())
	s.Empty(other.States(), "unsubscribed observer MUST NOT receive events")
}

func (s *SessionSuite) TestCallsAfterClose() {
	s.start(Options{})
	s.flush()

	s.ErrorIs(s.session.Connect(testAddress), ErrClosed)
	s.ErrorIs(s.session.RequestRead(protocol.Temperature), ErrClosed)
	s.NoError(s.session.Close(), "Close MUST be idempotent")
}

func TestSessionSuite(t *testing.T) {
	suite.Run(t, new(SessionSuite))
}

func TestNewRejectsInvalidProfile(t *testing.T) {
	p := protocol.DefaultProfile()
	p.Control = "not-a-uuid"
	_, err := New(testutils.NewFakeTransport(), Options{Profile: p})
	if err == nil {
		t.Fatal("invalid profile MUST be rejected")
	}
}
