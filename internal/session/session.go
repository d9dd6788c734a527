// Package session implements the BLE session core: the connection state
// machine, the GATT operation queue and the event bus that reports to the
// UI layer.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cornelk/hashmap"
	"github.com/oklog/ulid/v2"
	"github.com/sirupsen/logrus"
	"github.com/srg/espsense/internal/device"
	"github.com/srg/espsense/internal/groutine"
	"github.com/srg/espsense/internal/protocol"
)

const (
	DefaultConnectTimeout    = 30 * time.Second
	DefaultDisconnectTimeout = 5 * time.Second
)

// Options configures a Session. Zero values fall back to defaults.
type Options struct {
	Profile           protocol.Profile
	OperationTimeout  time.Duration
	ConnectTimeout    time.Duration
	DisconnectTimeout time.Duration
	// WriteWithoutResponse sends commands as ATT write commands; the ack is
	// then the local send completion rather than a device response.
	WriteWithoutResponse bool
	Logger               *logrus.Logger
}

func (o Options) withDefaults() Options {
	if o.Profile == (protocol.Profile{}) {
		o.Profile = protocol.DefaultProfile()
	}
	if o.OperationTimeout <= 0 {
		o.OperationTimeout = DefaultOperationTimeout
	}
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = DefaultConnectTimeout
	}
	if o.DisconnectTimeout <= 0 {
		o.DisconnectTimeout = DefaultDisconnectTimeout
	}
	if o.Logger == nil {
		o.Logger = logrus.New()
	}
	return o
}

// Session owns one device connection through a Transport.
//
// All state lives on a single loop goroutine. Public methods post a closure to
// the loop and return its verdict; outcomes of transport work are reported
// later through subscribed Observers.
type Session struct {
	id        string
	opts      Options
	profile   protocol.Profile
	transport device.Transport
	logger    *logrus.Entry
	bus       *Bus
	latest    *hashmap.Map[string, protocol.SensorReading]

	actions  chan func()
	done     chan struct{}
	loopDone chan struct{}

	closeOnce sync.Once
	closeErr  error

	stateSnap atomic.Int32
	addrSnap  atomic.Value

	// loop-owned
	state         State
	address       string
	queue         *Queue
	cancelConnect context.CancelFunc
	discTimer     *time.Timer
	discGen       uint64
}

// New creates a session bound to transport and starts its loop.
// The session takes ownership of the transport and closes it on Close.
func New(transport device.Transport, opts Options) (*Session, error) {
	if transport == nil {
		return nil, errors.New("transport is required")
	}
	opts = opts.withDefaults()
	if err := opts.Profile.Validate(); err != nil {
		return nil, err
	}

	id := ulid.Make().String()
	s := &Session{
		id:        id,
		opts:      opts,
		profile:   opts.Profile.Normalized(),
		transport: transport,
		logger:    opts.Logger.WithField("session", id),
		bus:       NewBus(opts.Logger),
		latest:    hashmap.New[string, protocol.SensorReading](),
		actions:   make(chan func()),
		done:      make(chan struct{}),
		loopDone:  make(chan struct{}),
		state:     Disconnected,
	}
	s.addrSnap.Store("")
	s.queue = NewQueue(s.logger, opts.OperationTimeout, s.issue, func(opID uint64) {
		s.post(func() { s.queue.Expire(opID) })
	})

	groutine.Go(context.Background(), "session-loop-"+id, s.run)
	return s, nil
}

// ID returns the session identifier used in log fields.
func (s *Session) ID() string { return s.id }

// State returns the current connection state.
func (s *Session) State() State { return State(s.stateSnap.Load()) }

// Address returns the device address of the current or last connection.
func (s *Session) Address() string { return s.addrSnap.Load().(string) }

// Profile returns the normalized GATT profile the session uses.
func (s *Session) Profile() protocol.Profile { return s.profile }

// Latest returns the most recent reading of the given kind.
func (s *Session) Latest(kind protocol.SensorKind) (protocol.SensorReading, bool) {
	return s.latest.Get(kind.String())
}

// Subscribe registers an observer and returns its unsubscribe function.
func (s *Session) Subscribe(o Observer) func() {
	return s.bus.Subscribe(o)
}

// Connect starts connecting to the device at address. It returns once the
// transport accepted the request; the outcome arrives through OnStateChanged
// or OnError.
func (s *Session) Connect(address string) error {
	return s.do(func() error { return s.connect(address) })
}

// Disconnect fails every queued operation with ConnectionLost and asks the
// transport to disconnect. It is a no-op when already disconnected.
func (s *Session) Disconnect() error {
	return s.do(func() error {
		s.beginDisconnect("disconnect requested")
		return nil
	})
}

// SendCommand encodes cmd and queues a write to the control characteristic.
func (s *Session) SendCommand(cmd protocol.Command) error {
	return s.do(func() error { return s.sendCommand(cmd) })
}

// RequestRead queues a read of the given sensor characteristic.
func (s *Session) RequestRead(kind protocol.SensorKind) error {
	return s.do(func() error { return s.requestRead(kind) })
}

// Close disconnects, stops the loop, closes the transport and flushes pending
// events to observers. It must not be called from an observer callback.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		close(s.done)
		<-s.loopDone
		s.closeErr = s.transport.Close()
		s.bus.Close()
		s.logger.Debug("Session closed")
	})
	return s.closeErr
}

// do runs fn on the loop and returns its result.
func (s *Session) do(fn func() error) error {
	reply := make(chan error, 1)
	select {
	case s.actions <- func() { reply <- fn() }:
	case <-s.done:
		return ErrClosed
	}
	return <-reply
}

// post schedules fn on the loop without waiting. It is dropped after Close.
func (s *Session) post(fn func()) {
	select {
	case s.actions <- fn:
	case <-s.done:
	}
}

func (s *Session) run(ctx context.Context) {
	defer close(s.loopDone)

	s.logger.WithField("goroutine", groutine.GetName(ctx)).Debug("Session loop started")

	events := s.transport.Events()
	for {
		select {
		case fn := <-s.actions:
			fn()
		case ev, ok := <-events:
			if !ok {
				events = nil
				s.handleTransportClosed()
				continue
			}
			s.handleEvent(ev)
		case <-s.done:
			s.shutdown()
			return
		}
	}
}

func (s *Session) setState(st State) {
	if s.state == st {
		return
	}
	prev := s.state
	s.state = st
	s.stateSnap.Store(int32(st))

	s.logger.WithFields(logrus.Fields{
		"from": prev,
		"to":   st,
	}).Info("Session state changed")

	s.bus.publish(event{kind: eventStateChanged, state: st})
}

func (s *Session) publishError(err *Error) {
	s.logger.WithFields(logrus.Fields{
		"kind":   err.Kind,
		"op":     err.Op,
		"status": err.Status,
	}).WithError(err.Err).Warn("Session error")

	s.bus.publish(event{kind: eventError, err: err})
}

func (s *Session) connect(address string) error {
	if address == "" {
		return ErrEmptyAddress
	}
	if s.state != Disconnected {
		return newError(AlreadyConnected, "connect "+address, fmt.Errorf("session is %s", s.state))
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.opts.ConnectTimeout)
	if err := s.transport.Connect(ctx, address); err != nil {
		cancel()
		return transportFailure("connect "+address, err)
	}

	s.cancelConnect = cancel
	s.address = address
	s.addrSnap.Store(address)
	s.logger.WithField("address", address).Info("Connecting")
	s.setState(Connecting)
	return nil
}

func (s *Session) sendCommand(cmd protocol.Command) error {
	op := "write " + cmd.String()
	if s.state != ServicesReady {
		return newError(NotReady, op, fmt.Errorf("session is %s", s.state))
	}
	payload, err := protocol.Encode(cmd)
	if err != nil {
		return newError(EncodingError, op, err)
	}

	s.queue.Enqueue(&Operation{
		kind:         opWrite,
		target:       s.profile.Control,
		payload:      payload,
		withResponse: !s.opts.WriteWithoutResponse,
		label:        op,
		onComplete: func(res Result) {
			if res.Err != nil {
				s.operationFailed(op, res.Err)
				return
			}
			s.logger.WithField("command", cmd.String()).Debug("Command acknowledged")
			s.bus.publish(event{kind: eventCommandAcked, cmd: cmd})
		},
	})
	return nil
}

func (s *Session) requestRead(kind protocol.SensorKind) error {
	op := "read " + kind.String()
	if s.state != ServicesReady {
		return newError(NotReady, op, fmt.Errorf("session is %s", s.state))
	}
	target, err := s.profile.SensorCharacteristic(kind)
	if err != nil {
		return newError(EncodingError, op, err)
	}

	s.queue.Enqueue(&Operation{
		kind:   opRead,
		target: target,
		label:  op,
		onComplete: func(res Result) {
			if res.Err != nil {
				s.operationFailed(op, res.Err)
				return
			}
			reading, err := protocol.ParseReading(kind, res.Data)
			if err != nil {
				s.publishError(newError(MalformedReading, op, err))
				return
			}
			s.latest.Set(kind.String(), reading)
			s.bus.publish(event{kind: eventSensorReading, reading: reading})
		},
	})
	return nil
}

func (s *Session) discover() {
	const op = "discover services"
	s.queue.Enqueue(&Operation{
		kind:  opDiscover,
		label: op,
		onComplete: func(res Result) {
			if res.Err != nil {
				s.operationFailed(op, res.Err)
				if KindOf(res.Err) == OperationTimeout {
					s.beginDisconnect("service discovery timed out")
				}
				return
			}
			if missing := s.missingCharacteristics(res.Characteristics); len(missing) > 0 {
				s.publishError(transportFailure(op, &device.NotFoundError{Resource: "characteristic", UUIDs: missing}))
				s.beginDisconnect("required characteristics not found")
				return
			}
			if s.state == Connected {
				s.setState(ServicesReady)
			}
		},
	})
}

func (s *Session) missingCharacteristics(found []string) []string {
	have := make(map[string]struct{}, len(found))
	for _, c := range found {
		have[device.NormalizeUUID(c)] = struct{}{}
	}
	var missing []string
	for _, want := range s.profile.Characteristics() {
		if _, ok := have[want]; !ok {
			missing = append(missing, want)
		}
	}
	return missing
}

// operationFailed reports a failed operation. Transport failures end the connection.
func (s *Session) operationFailed(op string, err error) {
	serr := asSessionError(op, err)
	s.publishError(serr)
	if serr.Kind == TransportFailure {
		s.beginDisconnect("transport failure")
	}
}

func (s *Session) issue(op *Operation) error {
	switch op.kind {
	case opDiscover:
		return s.transport.DiscoverServices(op.id)
	case opRead:
		return s.transport.ReadCharacteristic(op.id, op.target)
	case opWrite:
		return s.transport.WriteCharacteristic(op.id, op.target, op.payload, op.withResponse)
	default:
		return fmt.Errorf("unsupported operation %s", op.kind)
	}
}

func (s *Session) handleEvent(ev device.Event) {
	s.logger.WithFields(logrus.Fields{
		"event": ev.Kind,
		"op_id": ev.OpID,
		"char":  device.ShortenUUID(ev.Characteristic),
		"state": s.state,
	}).Debug("Transport event")

	switch ev.Kind {
	case device.EventConnected:
		s.onConnected()
	case device.EventConnectFailed:
		s.onConnectFailed(ev.Err)
	case device.EventServicesDiscovered:
		s.queue.Complete(ev.OpID, Result{Characteristics: ev.Characteristics, Err: ev.Err})
	case device.EventReadCompleted:
		s.queue.Complete(ev.OpID, Result{Data: ev.Data, Err: ev.Err})
	case device.EventWriteCompleted:
		s.queue.Complete(ev.OpID, Result{Err: ev.Err})
	case device.EventDisconnected:
		s.onDisconnected(ev.Err)
	default:
		s.logger.WithField("event", ev.Kind).Warn("Ignoring unknown transport event")
	}
}

func (s *Session) onConnected() {
	switch s.state {
	case Connecting:
		s.releaseConnect()
		s.setState(Connected)
		s.discover()
	case Disconnecting:
		// Dial completed after a disconnect was requested.
		if err := s.transport.Disconnect(); err != nil {
			s.logger.WithError(err).Warn("Disconnect after late connect failed")
		}
	default:
		s.logger.WithField("state", s.state).Debug("Ignoring connected event")
	}
}

func (s *Session) onConnectFailed(cause error) {
	switch s.state {
	case Connecting:
		s.releaseConnect()
		if errors.Is(cause, context.DeadlineExceeded) {
			s.publishError(newError(OperationTimeout, "connect "+s.address, cause))
		} else {
			s.publishError(transportFailure("connect "+s.address, cause))
		}
		s.setState(Disconnected)
	case Disconnecting:
		s.finishDisconnect()
	}
}

func (s *Session) onDisconnected(cause error) {
	switch s.state {
	case Disconnected:
		return
	case Disconnecting:
		s.finishDisconnect()
		return
	}

	s.logger.WithField("address", s.address).WithError(cause).Warn("Connection lost")

	s.releaseConnect()
	s.queue.Drain(ConnectionLost, cause)
	if cause != nil {
		s.publishError(transportFailure("connection", cause))
	} else {
		s.publishError(newError(ConnectionLost, "connection", nil))
	}
	s.setState(Disconnected)
}

func (s *Session) handleTransportClosed() {
	s.logger.Warn("Transport event channel closed")
	if s.state != Disconnected {
		s.releaseConnect()
		s.queue.Drain(ConnectionLost, device.ErrNotConnected)
		s.publishError(newError(ConnectionLost, "connection", device.ErrNotConnected))
		s.stopDisconnectTimer()
		s.setState(Disconnected)
	}
}

// beginDisconnect drains the queue and asks the transport to disconnect.
// Disconnected follows on confirmation or after DisconnectTimeout.
func (s *Session) beginDisconnect(reason string) {
	if s.state == Disconnected || s.state == Disconnecting {
		return
	}
	s.logger.WithFields(logrus.Fields{
		"address": s.address,
		"reason":  reason,
	}).Info("Disconnecting")

	s.releaseConnect()
	s.queue.Drain(ConnectionLost, errors.New(reason))
	s.setState(Disconnecting)

	if err := s.transport.Disconnect(); err != nil {
		s.logger.WithError(err).Debug("Transport disconnect returned an error, not waiting for confirmation")
		s.finishDisconnect()
		return
	}

	s.discGen++
	gen := s.discGen
	s.discTimer = time.AfterFunc(s.opts.DisconnectTimeout, func() {
		s.post(func() {
			if s.discGen == gen && s.state == Disconnecting {
				s.logger.WithField("timeout", s.opts.DisconnectTimeout).Warn("No disconnect confirmation, assuming disconnected")
				s.finishDisconnect()
			}
		})
	})
}

func (s *Session) finishDisconnect() {
	s.stopDisconnectTimer()
	s.queue.Drain(ConnectionLost, nil)
	s.setState(Disconnected)
}

func (s *Session) stopDisconnectTimer() {
	s.discGen++
	if s.discTimer != nil {
		s.discTimer.Stop()
		s.discTimer = nil
	}
}

func (s *Session) releaseConnect() {
	if s.cancelConnect != nil {
		s.cancelConnect()
		s.cancelConnect = nil
	}
}

func (s *Session) shutdown() {
	if s.state != Disconnected {
		s.releaseConnect()
		s.queue.Drain(ConnectionLost, ErrClosed)
		if s.state != Disconnecting {
			if err := s.transport.Disconnect(); err != nil {
				s.logger.WithError(err).Debug("Disconnect during shutdown failed")
			}
		}
		s.stopDisconnectTimer()
		s.setState(Disconnected)
	}
	s.logger.Debug("Session loop stopped")
}
