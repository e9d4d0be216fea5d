package bluetooth

import (
	"context"
	"testing"
	"time"

	dbus "github.com/godbus/dbus/v5"
	"github.com/google/uuid"
	"github.com/opd-ai/nearby/medium"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testService = "com.example.bt"

func TestServiceUUID(t *testing.T) {
	a := ServiceUUID(testService)
	assert.Equal(t, a, ServiceUUID(testService))
	assert.NotEqual(t, a, ServiceUUID("com.example.other"))
	_, err := uuid.Parse(a)
	assert.NoError(t, err)
}

func TestDevicePath(t *testing.T) {
	path, err := devicePath("/org/bluez/hci0", "aa:bb:cc:00:11:22")
	require.NoError(t, err)
	assert.Equal(t, dbus.ObjectPath("/org/bluez/hci0/dev_AA_BB_CC_00_11_22"), path)
	assert.Equal(t, "AA:BB:CC:00:11:22", macFromPath(path))

	for _, bad := range []string{"", "aa:bb", "zz:bb:cc:00:11:22", "/org/bluez/hci0"} {
		_, err := devicePath("/org/bluez/hci0", bad)
		assert.ErrorIs(t, err, ErrInvalidAddress, bad)
	}
}

func TestClassicIsValid(t *testing.T) {
	bus := newFakeBus()
	r := newRadio(Config{}, bus.dial)
	assert.True(t, r.IsValid())

	bus.objects["/org/bluez/hci0"][adapterIface]["Powered"] = dbus.MakeVariant(false)
	assert.False(t, r.IsValid())

	named := newRadio(Config{Adapter: "hci1"}, bus.dial)
	assert.False(t, named.IsValid(), "missing adapter")

	bus.objects["/org/bluez/hci0"][adapterIface]["Powered"] = dbus.MakeVariant(true)
	require.NoError(t, r.Close())
	assert.False(t, r.IsValid())
	assert.True(t, bus.closed)
}

func TestClassicAdvertisingRestoresAdapter(t *testing.T) {
	bus := newFakeBus()
	r := newRadio(Config{}, bus.dial)
	defer r.Close()

	require.NoError(t, r.StartAdvertising(testService, medium.ServiceInfo{Name: "alice"}))
	sets := bus.methodCalls(".Set")
	require.Len(t, sets, 3)
	assert.Equal(t, []any{adapterIface, "Alias", dbus.MakeVariant("alice")}, sets[0].args)
	assert.Equal(t, []any{adapterIface, "Discoverable", dbus.MakeVariant(true)}, sets[2].args)

	require.NoError(t, r.StopAdvertising(testService))
	sets = bus.methodCalls(".Set")
	require.Len(t, sets, 5)
	assert.Equal(t, []any{adapterIface, "Discoverable", dbus.MakeVariant(false)}, sets[3].args)
	assert.Equal(t, []any{adapterIface, "Alias", dbus.MakeVariant("workstation")}, sets[4].args)

	require.NoError(t, r.StopAdvertising(testService), "second stop is a no-op")
	assert.Len(t, bus.methodCalls(".Set"), 5)
}

func TestClassicAdvertisingFailure(t *testing.T) {
	bus := newFakeBus()
	bus.fail(propsIface + ".Set")
	m := medium.New(medium.BluetoothClassic, newRadio(Config{}, bus.dial))
	defer m.Close()

	err := m.StartAdvertising(testService, medium.ServiceInfo{Name: "alice"})
	assert.ErrorIs(t, err, medium.ErrBackendFailure)
	assert.False(t, m.IsAdvertising(testService))
}

func TestClassicDiscovery(t *testing.T) {
	bus := newFakeBus()
	serviceUUID := ServiceUUID(testService)
	bus.addDevice("/org/bluez/hci0/dev_00_00_00_00_00_01", map[string]dbus.Variant{
		"Address": dbus.MakeVariant("00:00:00:00:00:01"),
		"Alias":   dbus.MakeVariant("known"),
		"UUIDs":   dbus.MakeVariant([]string{serviceUUID}),
	})

	found := make(chan medium.ServiceInfo, 4)
	lost := make(chan medium.ServiceInfo, 4)
	r := newRadio(Config{}, bus.dial)
	defer r.Close()
	require.NoError(t, r.StartDiscovery(testService, medium.DiscoveredServiceCallback{
		OnFound: func(info medium.ServiceInfo) { found <- info },
		OnLost:  func(info medium.ServiceInfo) { lost <- info },
	}))

	info := receive(t, found)
	assert.Equal(t, medium.ServiceInfo{ServiceID: testService, Name: "known", Address: "00:00:00:00:00:01"}, info)

	filter := bus.methodCalls("SetDiscoveryFilter")
	require.Len(t, filter, 1)
	assert.Len(t, bus.methodCalls("Adapter1.StartDiscovery"), 1)

	// A device without the service UUID is ignored until it gains it.
	late := dbus.ObjectPath("/org/bluez/hci0/dev_00_00_00_00_00_02")
	bus.signals <- interfacesAdded(late, map[string]dbus.Variant{"Name": dbus.MakeVariant("late")})
	bus.signals <- propertiesChanged(late, map[string]dbus.Variant{"UUIDs": dbus.MakeVariant([]string{serviceUUID})})
	info = receive(t, found)
	assert.Equal(t, "late", info.Name)
	assert.Equal(t, "00:00:00:00:00:02", info.Address)

	// Devices of other adapters are not ours.
	bus.signals <- interfacesAdded("/org/bluez/hci1/dev_00_00_00_00_00_03", map[string]dbus.Variant{
		"UUIDs": dbus.MakeVariant([]string{serviceUUID}),
	})

	bus.signals <- interfacesRemoved(late)
	gone := receive(t, lost)
	assert.Equal(t, "late", gone.Name)

	require.NoError(t, r.StopDiscovery(testService))
	assert.Len(t, bus.methodCalls("Adapter1.StopDiscovery"), 1)
	assert.Equal(t, 1, bus.unsubscribed)
	assert.Empty(t, found)
}

func TestClassicDiscoveryStartFailure(t *testing.T) {
	bus := newFakeBus()
	bus.fail(adapterIface + ".StartDiscovery")
	r := newRadio(Config{}, bus.dial)
	defer r.Close()

	err := r.StartDiscovery(testService, medium.DiscoveredServiceCallback{OnFound: func(medium.ServiceInfo) {}})
	assert.Error(t, err)
	assert.Equal(t, 1, bus.unsubscribed, "signal subscription released")

	bus.mu.Lock()
	delete(bus.failures, adapterIface+".StartDiscovery")
	bus.mu.Unlock()
	assert.NoError(t, r.StartDiscovery(testService, medium.DiscoveredServiceCallback{OnFound: func(medium.ServiceInfo) {}}))
}

func TestClassicConnectRejectsBadAddress(t *testing.T) {
	bus := newFakeBus()
	r := newRadio(Config{}, bus.dial)
	defer r.Close()

	_, err := r.Connect(context.Background(), medium.ServiceInfo{Address: "not-a-mac"}, testService)
	assert.ErrorIs(t, err, medium.ErrInvalidArgument)
	assert.Empty(t, bus.methodCalls("RegisterProfile"))
}

func receive(t *testing.T, ch <-chan medium.ServiceInfo) medium.ServiceInfo {
	t.Helper()
	select {
	case info := <-ch:
		return info
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for discovery event")
		return medium.ServiceInfo{}
	}
}
