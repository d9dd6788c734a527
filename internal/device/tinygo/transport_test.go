package tinygo

import (
	"context"
	"runtime"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/srg/espsense/internal/device"
	"github.com/srg/espsense/internal/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseAddress(t *testing.T) {
	if runtime.GOOS == "darwin" {
		_, err := parseAddress("0f1e2d3c-4b5a-6978-8796-a5b4c3d2e1f0")
		assert.NoError(t, err)
	} else {
		addr, err := parseAddress("AA:BB:CC:DD:EE:FF")
		require.NoError(t, err)
		assert.Equal(t, "AA:BB:CC:DD:EE:FF", addr.MACAddress.MAC.String())
	}

	_, err := parseAddress("not-an-address")
	assert.Error(t, err)
}

func TestRequestsRequireConnection(t *testing.T) {
	tr := NewTransport(logrus.New())
	defer func() { require.NoError(t, tr.Close()) }()

	assert.ErrorIs(t, tr.DiscoverServices(1), device.ErrNotConnected)
	assert.ErrorIs(t, tr.ReadCharacteristic(2, protocol.DefaultTemperatureUUID), device.ErrNotConnected)
	assert.ErrorIs(t, tr.WriteCharacteristic(3, protocol.DefaultControlUUID, []byte("LED1"), true), device.ErrNotConnected)
	assert.ErrorIs(t, tr.Disconnect(), device.ErrNotConnected)
}

func TestConnectRejectsBadAddress(t *testing.T) {
	tr := NewTransport(logrus.New())
	defer func() { _ = tr.Close() }()

	assert.Error(t, tr.Connect(context.Background(), ""), "empty address MUST be rejected before touching the adapter")
}

func TestCloseIsIdempotent(t *testing.T) {
	tr := NewTransport(nil)
	require.NoError(t, tr.Close())
	require.NoError(t, tr.Close())
	assert.Error(t, tr.Connect(context.Background(), "AA:BB:CC:DD:EE:FF"))
}
