package goble

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/go-ble/ble"
	"github.com/sirupsen/logrus"
	"github.com/srg/espsense/internal/device"
	"github.com/srg/espsense/internal/groutine"
)

const (
	// DefaultDialTimeout caps a single dial at the HCI layer.
	DefaultDialTimeout = 30 * time.Second

	// DefaultEventBuffer is the capacity of the transport event channel
	DefaultEventBuffer = 16

	closeWaitTimeout = 2 * time.Second
)

// Client is the subset of ble.Client the transport relies on.
type Client interface {
	DiscoverProfile(force bool) (*ble.Profile, error)
	ReadCharacteristic(c *ble.Characteristic) ([]byte, error)
	WriteCharacteristic(c *ble.Characteristic, value []byte, noRsp bool) error
	CancelConnection() error
	Disconnected() <-chan struct{}
}

// DeviceFactory creates ble.Device instances (can be overridden in tests)
//
//nolint:revive // DeviceFactory name is intentional for test mocking
var DeviceFactory = newDevice

var (
	sharedDeviceMu sync.Mutex
	sharedDevice   ble.Device
)

// Dial connects to the peripheral with the given address (can be overridden in tests).
// The host controller device is created on first use and shared afterward.
var Dial = func(ctx context.Context, address string) (Client, error) {
	sharedDeviceMu.Lock()
	if sharedDevice == nil {
		dev, err := DeviceFactory()
		if err != nil {
			sharedDeviceMu.Unlock()
			return nil, fmt.Errorf("failed to create BLE device: %w", err)
		}
		sharedDevice = dev
	}
	dev := sharedDevice
	sharedDeviceMu.Unlock()

	return dev.Dial(ctx, ble.NewAddr(address))
}

// Transport is a device.Transport backed by go-ble.
//
// Requests run on named goroutines and report through Events. The session
// above guarantees a single outstanding GATT request, so no request queueing
// happens here.
type Transport struct {
	logger *logrus.Logger
	events chan device.Event
	done   chan struct{}
	group  groutine.Group

	mu            sync.Mutex
	client        Client
	chars         map[string]*ble.Characteristic
	dialCancel    context.CancelFunc
	dialing       bool
	disconnecting bool
	closed        bool
	closeOnce     sync.Once
}

// NewTransport creates an idle go-ble transport.
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

// Connect dials the device in the background and reports EventConnected or
// EventConnectFailed.
func (t *Transport) Connect(ctx context.Context, address string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if strings.TrimSpace(address) == "" {
		t.logger.Error("Connection attempt with empty address")
		return fmt.Errorf("device address is empty")
	}
	if t.closed {
		return errors.New("transport is closed")
	}
	if t.client != nil || t.dialing {
		t.logger.WithField("address", address).Warn("Connection attempt while already connected")
		return device.ErrAlreadyConnected
	}

	dialCtx, cancel := context.WithCancel(ctx)
	t.dialCancel = cancel
	t.dialing = true

	t.logger.WithField("address", address).Info("Connecting to BLE device...")

	t.group.Go(context.Background(), "goble-dial", func(context.Context) {
		defer cancel()
		client, err := Dial(dialCtx, address)

		t.mu.Lock()
		t.dialing = false
		t.dialCancel = nil
		if err != nil {
			t.mu.Unlock()
			t.logger.WithFields(logrus.Fields{
				"address": address,
				"error":   err,
			}).Error("Failed to dial BLE device")
			t.emit(device.Event{Kind: device.EventConnectFailed, Err: fmt.Errorf("failed to connect to device with address %q: %w", address, NormalizeError(err))})
			return
		}
		if t.closed {
			t.mu.Unlock()
			_ = client.CancelConnection()
			return
		}
		t.client = client
		t.chars = nil
		t.disconnecting = false
		t.mu.Unlock()

		t.watch(client)
		t.logger.WithField("address", address).Info("BLE device connected successfully")
		t.emit(device.Event{Kind: device.EventConnected})
	})
	return nil
}

// watch reports the end of the link when go-ble closes Disconnected().
func (t *Transport) watch(client Client) {
	t.group.Go(context.Background(), "goble-connection-monitor", func(context.Context) {
		select {
		case <-client.Disconnected():
		case <-t.done:
			return
		}

		t.mu.Lock()
		if t.client != client {
			t.mu.Unlock()
			return
		}
		expected := t.disconnecting
		t.client = nil
		t.chars = nil
		t.disconnecting = false
		t.mu.Unlock()

		if expected {
			t.logger.Info("BLE device disconnected successfully")
		} else {
			t.logger.Warn("BLE stack reported disconnection")
		}
		t.emit(device.Event{Kind: device.EventDisconnected})
	})
}

func (t *Transport) DiscoverServices(opID uint64) error {
	client, err := t.connected()
	if err != nil {
		return err
	}

	t.group.Go(context.Background(), "goble-discover", func(context.Context) {
		profile, err := client.DiscoverProfile(true)
		if err != nil {
			t.emit(device.Event{Kind: device.EventServicesDiscovered, OpID: opID, Err: operationError("discover profile", err)})
			return
		}

		chars := make(map[string]*ble.Characteristic)
		for _, svc := range profile.Services {
			for _, c := range svc.Characteristics {
				uuid := device.NormalizeUUID(c.UUID.String())
				chars[uuid] = c
				t.logger.WithFields(logrus.Fields{
					"service_uuid": device.NormalizeUUID(svc.UUID.String()),
					"char_uuid":    uuid,
				}).Debug("Found characteristic UUID")
			}
		}

		t.mu.Lock()
		if t.client == client {
			t.chars = chars
		}
		t.mu.Unlock()

		uuids := make([]string, 0, len(chars))
		for uuid := range chars {
			uuids = append(uuids, uuid)
		}
		sort.Strings(uuids)

		t.logger.WithFields(logrus.Fields{
			"services":        len(profile.Services),
			"characteristics": len(uuids),
		}).Debug("Profile discovered successfully")
		t.emit(device.Event{Kind: device.EventServicesDiscovered, OpID: opID, Characteristics: uuids})
	})
	return nil
}

func (t *Transport) ReadCharacteristic(opID uint64, uuid string) error {
	client, char, err := t.characteristic(uuid)
	if err != nil {
		return err
	}

	t.group.Go(context.Background(), "goble-read", func(context.Context) {
		data, err := client.ReadCharacteristic(char)
		t.emit(device.Event{
			Kind:           device.EventReadCompleted,
			OpID:           opID,
			Characteristic: uuid,
			Data:           data,
			Err:            operationError("read "+uuid, err),
		})
	})
	return nil
}

func (t *Transport) WriteCharacteristic(opID uint64, uuid string, data []byte, withResponse bool) error {
	client, char, err := t.characteristic(uuid)
	if err != nil {
		return err
	}
	payload := append([]byte(nil), data...)

	t.group.Go(context.Background(), "goble-write", func(context.Context) {
		err := client.WriteCharacteristic(char, payload, !withResponse)
		t.emit(device.Event{
			Kind:           device.EventWriteCompleted,
			OpID:           opID,
			Characteristic: uuid,
			Err:            operationError("write "+uuid, err),
		})
	})
	return nil
}

// Disconnect cancels a pending dial or tears the link down. The monitor
// reports EventDisconnected once go-ble confirms.
func (t *Transport) Disconnect() error {
	t.mu.Lock()
	if t.dialing && t.dialCancel != nil {
		t.logger.Debug("Cancelling pending dial")
		t.dialCancel()
		t.mu.Unlock()
		return nil
	}
	client := t.client
	if client == nil {
		t.mu.Unlock()
		t.logger.Debug("Disconnect called but already disconnected")
		return device.ErrNotConnected
	}
	t.disconnecting = true
	t.mu.Unlock()

	t.logger.Info("Disconnecting BLE device...")
	t.group.Go(context.Background(), "goble-disconnect", func(context.Context) {
		if err := client.CancelConnection(); err != nil {
			t.logger.WithField("error", err).Warn("BLE device disconnected with errors")
		}
	})
	return nil
}

// Close drops any connection and stops every background goroutine.
func (t *Transport) Close() error {
	var err error
	t.closeOnce.Do(func() {
		t.mu.Lock()
		t.closed = true
		if t.dialCancel != nil {
			t.dialCancel()
		}
		client := t.client
		t.client = nil
		t.chars = nil
		t.mu.Unlock()

		if client != nil {
			err = NormalizeError(client.CancelConnection())
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

func (t *Transport) connected() (Client, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.client == nil {
		return nil, device.ErrNotConnected
	}
	return t.client, nil
}

func (t *Transport) characteristic(uuid string) (Client, *ble.Characteristic, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.client == nil {
		return nil, nil, device.ErrNotConnected
	}
	char, ok := t.chars[device.NormalizeUUID(uuid)]
	if !ok {
		return nil, nil, &device.NotFoundError{Resource: "characteristic", UUIDs: []string{uuid}}
	}
	return t.client, char, nil
}

func (t *Transport) emit(ev device.Event) {
	select {
	case t.events <- ev:
	case <-t.done:
	}
}

var _ device.Transport = (*Transport)(nil)
