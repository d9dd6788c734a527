package testutils

import (
	"context"
	"sync"

	"github.com/srg/espsense/internal/device"
	"github.com/srg/espsense/internal/protocol"
)

// TransportCall records one request made to a FakeTransport.
type TransportCall struct {
	Method       string
	OpID         uint64
	UUID         string
	Data         []byte
	WithResponse bool
	Address      string
}

// FakeTransport is a scripted device.Transport.
//
// By default it connects immediately, discovers the reference firmware profile,
// acknowledges writes and confirms disconnects. Reads stay pending unless a
// value was registered with WithReadValue, so tests can complete them by hand
// with CompleteRead and control completion order.
//
//	fake := testutils.NewFakeTransport().
//	    WithReadValue(protocol.DefaultTemperatureUUID, []byte("21.5"))
//	s, _ := session.New(fake, session.Options{})
type FakeTransport struct {
	mu     sync.Mutex
	events chan device.Event
	calls  []TransportCall
	closed bool

	autoConnect    bool
	connectErr     error
	requestErr     map[string]error
	discovered     []string
	autoAck        bool
	writeErr       error
	autoDisconnect bool
	readValues     map[string][]byte

	outstanding map[uint64]struct{}
	maxInFlight int
}

// NewFakeTransport creates a transport that behaves like a healthy device.
func NewFakeTransport() *FakeTransport {
	return &FakeTransport{
		events:         make(chan device.Event, 256),
		autoConnect:    true,
		autoAck:        true,
		autoDisconnect: true,
		discovered:     protocol.DefaultProfile().Normalized().Characteristics(),
		requestErr:     make(map[string]error),
		readValues:     make(map[string][]byte),
		outstanding:    make(map[uint64]struct{}),
	}
}

// WithManualConnect leaves Connect pending until the test emits the outcome.
func (f *FakeTransport) WithManualConnect() *FakeTransport {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.autoConnect = false
	return f
}

// WithConnectError makes Connect fail synchronously.
func (f *FakeTransport) WithConnectError(err error) *FakeTransport {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connectErr = err
	return f
}

// WithRequestError makes the named request method fail synchronously.
func (f *FakeTransport) WithRequestError(method string, err error) *FakeTransport {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requestErr[method] = err
	return f
}

// WithDiscovered sets the characteristics reported by service discovery.
// Passing nil leaves discovery pending.
func (f *FakeTransport) WithDiscovered(uuids ...string) *FakeTransport {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.discovered = device.NormalizeUUIDs(uuids)
	if uuids == nil {
		f.discovered = nil
	}
	return f
}

// WithManualWrites leaves writes pending until CompleteWrite is called.
func (f *FakeTransport) WithManualWrites() *FakeTransport {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.autoAck = false
	return f
}

// WithWriteError makes every automatic write acknowledgement carry err.
func (f *FakeTransport) WithWriteError(err error) *FakeTransport {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.writeErr = err
	return f
}

// WithSilentDisconnect never confirms Disconnect.
func (f *FakeTransport) WithSilentDisconnect() *FakeTransport {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.autoDisconnect = false
	return f
}

// WithReadValue answers reads of uuid with data.
func (f *FakeTransport) WithReadValue(uuid string, data []byte) *FakeTransport {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.readValues[device.NormalizeUUID(uuid)] = data
	return f
}

func (f *FakeTransport) Events() <-chan device.Event {
	return f.events
}

func (f *FakeTransport) Connect(_ context.Context, address string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record(TransportCall{Method: "Connect", Address: address})
	if f.connectErr != nil {
		return f.connectErr
	}
	if f.autoConnect {
		f.emit(device.Event{Kind: device.EventConnected})
	}
	return nil
}

func (f *FakeTransport) DiscoverServices(opID uint64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record(TransportCall{Method: "DiscoverServices", OpID: opID})
	if err := f.requestErr["DiscoverServices"]; err != nil {
		return err
	}
	f.begin(opID)
	if f.discovered != nil {
		f.complete(device.Event{Kind: device.EventServicesDiscovered, OpID: opID, Characteristics: append([]string(nil), f.discovered...)})
	}
	return nil
}

func (f *FakeTransport) ReadCharacteristic(opID uint64, uuid string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record(TransportCall{Method: "ReadCharacteristic", OpID: opID, UUID: uuid})
	if err := f.requestErr["ReadCharacteristic"]; err != nil {
		return err
	}
	f.begin(opID)
	if v, ok := f.readValues[device.NormalizeUUID(uuid)]; ok {
		f.complete(device.Event{Kind: device.EventReadCompleted, OpID: opID, Characteristic: uuid, Data: v})
	}
	return nil
}

func (f *FakeTransport) WriteCharacteristic(opID uint64, uuid string, data []byte, withResponse bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record(TransportCall{
		Method:       "WriteCharacteristic",
		OpID:         opID,
		UUID:         uuid,
		Data:         append([]byte(nil), data...),
		WithResponse: withResponse,
	})
	if err := f.requestErr["WriteCharacteristic"]; err != nil {
		return err
	}
	f.begin(opID)
	if f.autoAck {
		f.complete(device.Event{Kind: device.EventWriteCompleted, OpID: opID, Characteristic: uuid, Err: f.writeErr})
	}
	return nil
}

func (f *FakeTransport) Disconnect() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record(TransportCall{Method: "Disconnect"})
	if err := f.requestErr["Disconnect"]; err != nil {
		return err
	}
	if f.autoDisconnect {
		f.dropAll()
		f.emit(device.Event{Kind: device.EventDisconnected})
	}
	return nil
}

func (f *FakeTransport) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record(TransportCall{Method: "Close"})
	f.closed = true
	return nil
}

// Emit delivers an arbitrary event.
func (f *FakeTransport) Emit(ev device.Event) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if ev.OpID != 0 {
		delete(f.outstanding, ev.OpID)
	}
	f.emit(ev)
}

// CompleteRead finishes a pending read.
func (f *FakeTransport) CompleteRead(opID uint64, data []byte, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.complete(device.Event{Kind: device.EventReadCompleted, OpID: opID, Data: data, Err: err})
}

// CompleteWrite finishes a pending write.
func (f *FakeTransport) CompleteWrite(opID uint64, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.complete(device.Event{Kind: device.EventWriteCompleted, OpID: opID, Err: err})
}

// CompleteDiscovery finishes a pending service discovery.
func (f *FakeTransport) CompleteDiscovery(opID uint64, uuids []string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.complete(device.Event{Kind: device.EventServicesDiscovered, OpID: opID, Characteristics: device.NormalizeUUIDs(uuids), Err: err})
}

// DropConnection simulates the peripheral going away.
func (f *FakeTransport) DropConnection(cause error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dropAll()
	f.emit(device.Event{Kind: device.EventDisconnected, Err: cause})
}

// Calls returns a snapshot of every recorded request.
func (f *FakeTransport) Calls() []TransportCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]TransportCall(nil), f.calls...)
}

// CallsOf returns the recorded requests of one method, in order.
func (f *FakeTransport) CallsOf(method string) []TransportCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []TransportCall
	for _, c := range f.calls {
		if c.Method == method {
			out = append(out, c)
		}
	}
	return out
}

// MaxInFlight returns the largest number of GATT operations that were
// outstanding at the same time.
func (f *FakeTransport) MaxInFlight() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.maxInFlight
}

// Closed reports whether Close was called.
func (f *FakeTransport) Closed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func (f *FakeTransport) record(c TransportCall) {
	f.calls = append(f.calls, c)
}

func (f *FakeTransport) begin(opID uint64) {
	f.outstanding[opID] = struct{}{}
	if n := len(f.outstanding); n > f.maxInFlight {
		f.maxInFlight = n
	}
}

func (f *FakeTransport) complete(ev device.Event) {
	delete(f.outstanding, ev.OpID)
	f.emit(ev)
}

func (f *FakeTransport) dropAll() {
	f.outstanding = make(map[uint64]struct{})
}

func (f *FakeTransport) emit(ev device.Event) {
	if f.closed {
		return
	}
	f.events <- ev
}

var _ device.Transport = (*FakeTransport)(nil)
