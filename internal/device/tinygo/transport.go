// Package tinygo implements device.Transport on top of tinygo.org/x/bluetooth
// (BlueZ over D-Bus on Linux, CoreBluetooth on macOS, WinRT on Windows).
package tinygo

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/espsense/internal/device"
	"github.com/srg/espsense/internal/groutine"
	"tinygo.org/x/bluetooth"
)

const (
	// DefaultEventBuffer is the capacity of the transport event channel
	DefaultEventBuffer = 16

	// maxAttributeSize is the largest value an ATT attribute may hold.
	maxAttributeSize = 512

	closeWaitTimeout = 2 * time.Second
)

var (
	adapterMu sync.Mutex
	adapter   *bluetooth.Adapter
)

// enableAdapter returns the default adapter, enabling it on first use.
func enableAdapter() (*bluetooth.Adapter, error) {
	adapterMu.Lock()
	defer adapterMu.Unlock()

	if adapter != nil {
		return adapter, nil
	}
	a := bluetooth.DefaultAdapter
	if err := a.Enable(); err != nil {
		return nil, fmt.Errorf("failed to enable BLE adapter: %w", err)
	}
	adapter = a
	return adapter, nil
}

// Transport is a device.Transport backed by tinygo bluetooth.
type Transport struct {
	logger *logrus.Logger
	events chan device.Event
	done   chan struct{}
	group  groutine.Group

	mu            sync.Mutex
	dev           *bluetooth.Device
	chars         map[string]bluetooth.DeviceCharacteristic
	dialCancel    context.CancelFunc
	dialing       bool
	disconnecting bool
	closed        bool
	closeOnce     sync.Once
}

// NewTransport creates an idle tinygo transport. The adapter is enabled on the first Connect.
func NewTransport(logger *logrus.Logger) *Transport {
	if logger == nil {
		logger = logrus.New()
	}
	return &Transport{
		logger: logger,
		events: make(chan device.Event, DefaultEventBuffer),
		done:   make(chan struct{}),
	}
}

func (t *Transport) Events() <-chan device.Event {
	return t.events
}

func (t *Transport) Connect(ctx context.Context, address string) error {
	addr, err := parseAddress(strings.TrimSpace(address))
	if err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return errors.New("transport is closed")
	}
	if t.dev != nil || t.dialing {
		return device.ErrAlreadyConnected
	}

	dialCtx, cancel := context.WithCancel(ctx)
	t.dialCancel = cancel
	t.dialing = true

	t.group.Go(context.Background(), "tinygo-dial", func(context.Context) {
		defer cancel()
		dev, err := t.dial(dialCtx, addr)

		t.mu.Lock()
		t.dialing = false
		t.dialCancel = nil
		if err != nil {
			t.mu.Unlock()
			t.logger.WithFields(logrus.Fields{
				"address": address,
				"error":   err,
			}).Error("Failed to connect")
			t.emit(device.Event{Kind: device.EventConnectFailed, Err: err})
			return
		}
		if t.closed {
			t.mu.Unlock()
			_ = dev.Disconnect()
			return
		}
		t.dev = &dev
		t.chars = nil
		t.disconnecting = false
		t.mu.Unlock()

		t.logger.WithField("address", address).Info("Connected")
		t.emit(device.Event{Kind: device.EventConnected})
	})
	return nil
}

// dial connects in the background since the bluetooth package has no
// context support, and honours ctx by abandoning the attempt.
func (t *Transport) dial(ctx context.Context, addr bluetooth.Address) (bluetooth.Device, error) {
	a, err := enableAdapter()
	if err != nil {
		return bluetooth.Device{}, err
	}
	a.SetConnectHandler(t.onConnectionChange)

	params := bluetooth.ConnectionParams{}
	if deadline, ok := ctx.Deadline(); ok {
		params.ConnectionTimeout = bluetooth.NewDuration(time.Until(deadline))
	}

	type result struct {
		dev bluetooth.Device
		err error
	}
	resCh := make(chan result, 1)
	groutine.Go(ctx, "tinygo-connect", func(context.Context) {
		dev, err := a.Connect(addr, params)
		if err == nil && ctx.Err() != nil {
			if derr := dev.Disconnect(); derr != nil {
				t.logger.WithField("error", derr).Warn("Failed to drop abandoned connection")
			}
			err = ctx.Err()
		}
		resCh <- result{dev: dev, err: err}
	})

	select {
	case res := <-resCh:
		return res.dev, res.err
	case <-ctx.Done():
		return bluetooth.Device{}, ctx.Err()
	}
}

// onConnectionChange is the adapter-wide connect handler.
func (t *Transport) onConnectionChange(d bluetooth.Device, connected bool) {
	if connected {
		return
	}

	t.mu.Lock()
	if t.dev == nil || t.dev.Address.String() != d.Address.String() {
		t.mu.Unlock()
		return
	}
	expected := t.disconnecting
	t.dev = nil
	t.chars = nil
	t.disconnecting = false
	t.mu.Unlock()

	if expected {
		t.logger.Info("Disconnected")
	} else {
		t.logger.Warn("Peripheral disconnected")
	}
	t.emit(device.Event{Kind: device.EventDisconnected})
}

func (t *Transport) DiscoverServices(opID uint64) error {
	t.mu.Lock()
	dev := t.dev
	t.mu.Unlock()
	if dev == nil {
		return device.ErrNotConnected
	}

	t.group.Go(context.Background(), "tinygo-discover", func(context.Context) {
		services, err := dev.DiscoverServices(nil)
		if err != nil {
			t.emit(device.Event{Kind: device.EventServicesDiscovered, OpID: opID, Err: &device.TransportError{Op: "discover services", Err: err}})
			return
		}

		chars := make(map[string]bluetooth.DeviceCharacteristic)
		for _, svc := range services {
			found, err := svc.DiscoverCharacteristics(nil)
			if err != nil {
				t.emit(device.Event{Kind: device.EventServicesDiscovered, OpID: opID, Err: &device.TransportError{Op: "discover characteristics", Err: err}})
				return
			}
			for _, c := range found {
				chars[device.NormalizeUUID(c.UUID().String())] = c
			}
		}

		t.mu.Lock()
		if t.dev == dev {
			t.chars = chars
		}
		t.mu.Unlock()

		uuids := make([]string, 0, len(chars))
		for uuid := range chars {
			uuids = append(uuids, uuid)
		}
		sort.Strings(uuids)

		t.logger.WithFields(logrus.Fields{
			"services":        len(services),
			"characteristics": len(uuids),
		}).Debug("Services discovered")
		t.emit(device.Event{Kind: device.EventServicesDiscovered, OpID: opID, Characteristics: uuids})
	})
	return nil
}

func (t *Transport) ReadCharacteristic(opID uint64, uuid string) error {
	char, err := t.characteristic(uuid)
	if err != nil {
		return err
	}

	t.group.Go(context.Background(), "tinygo-read", func(context.Context) {
		buf := make([]byte, maxAttributeSize)
		n, err := char.Read(buf)
		ev := device.Event{Kind: device.EventReadCompleted, OpID: opID, Characteristic: uuid}
		if err != nil {
			ev.Err = &device.TransportError{Op: "read " + uuid, Err: err}
		} else {
			ev.Data = buf[:n]
		}
		t.emit(ev)
	})
	return nil
}

func (t *Transport) WriteCharacteristic(opID uint64, uuid string, data []byte, withResponse bool) error {
	char, err := t.characteristic(uuid)
	if err != nil {
		return err
	}
	payload := append([]byte(nil), data...)

	t.group.Go(context.Background(), "tinygo-write", func(context.Context) {
		n, err := writeCharacteristic(char, payload, withResponse)
		if err == nil && n != len(payload) {
			err = fmt.Errorf("short write: %d of %d bytes", n, len(payload))
		}
		ev := device.Event{Kind: device.EventWriteCompleted, OpID: opID, Characteristic: uuid}
		if err != nil {
			ev.Err = &device.TransportError{Op: "write " + uuid, Err: err}
		}
		t.emit(ev)
	})
	return nil
}

func (t *Transport) Disconnect() error {
	t.mu.Lock()
	if t.dialing && t.dialCancel != nil {
		t.dialCancel()
		t.mu.Unlock()
		return nil
	}
	dev := t.dev
	if dev == nil {
		t.mu.Unlock()
		return device.ErrNotConnected
	}
	t.disconnecting = true
	t.mu.Unlock()

	t.group.Go(context.Background(), "tinygo-disconnect", func(context.Context) {
		if err := dev.Disconnect(); err != nil {
			t.logger.WithField("error", err).Warn("Disconnect failed")
		}
	})
	return nil
}

func (t *Transport) Close() error {
	var err error
	t.closeOnce.Do(func() {
		t.mu.Lock()
		t.closed = true
		if t.dialCancel != nil {
			t.dialCancel()
		}
		dev := t.dev
		t.dev = nil
		t.chars = nil
		t.mu.Unlock()

		if dev != nil {
			err = dev.Disconnect()
		}
		close(t.done)

		waited := make(chan struct{})
		go func() {
			t.group.Wait()
			close(waited)
		}()
		select {
		case <-waited:
		case <-time.After(closeWaitTimeout):
			t.logger.Warn("Timed out waiting for BLE goroutines to exit")
		}
	})
	return err
}

func (t *Transport) characteristic(uuid string) (bluetooth.DeviceCharacteristic, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.dev == nil {
		return bluetooth.DeviceCharacteristic{}, device.ErrNotConnected
	}
	char, ok := t.chars[device.NormalizeUUID(uuid)]
	if !ok {
		return bluetooth.DeviceCharacteristic{}, &device.NotFoundError{Resource: "characteristic", UUIDs: []string{uuid}}
	}
	return char, nil
}

func (t *Transport) emit(ev device.Event) {
	select {
	case t.events <- ev:
	case <-t.done:
	}
}

var _ device.Transport = (*Transport)(nil)
