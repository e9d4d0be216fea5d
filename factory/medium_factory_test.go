package factory

import (
	"context"
	"testing"

	"github.com/opd-ai/nearby/config"
	"github.com/opd-ai/nearby/medium"
	"github.com/opd-ai/nearby/medium/bluetooth"
	"github.com/opd-ai/nearby/medium/sim"
	"github.com/opd-ai/nearby/medium/webrtc"
	"github.com/opd-ai/nearby/medium/wifidirect"
	"github.com/opd-ai/nearby/medium/wifilan"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func nopSignaler() webrtc.Signaler {
	return webrtc.SignalerFunc(func(context.Context, string, webrtc.Signal) error { return nil })
}

func TestNewMediumFactoryDefaults(t *testing.T) {
	f := NewMediumFactory(nil)
	assert.False(t, f.IsUsingSimulation())
	assert.Equal(t, config.Default().Mediums, f.GetCurrentConfig().Mediums)
}

func TestGetCurrentConfigIsACopy(t *testing.T) {
	f := NewMediumFactory(config.Default())
	cfg := f.GetCurrentConfig()
	cfg.Mediums.Enabled[0] = "BLE"

	assert.Equal(t, medium.WifiLan.String(), f.GetCurrentConfig().Mediums.Enabled[0])
}

func TestCreateRadioReal(t *testing.T) {
	f := NewMediumFactory(config.Default())
	f.SetSignaler(nopSignaler())

	tests := []struct {
		kind medium.Kind
		want any
	}{
		{medium.WifiLan, &wifilan.Radio{}},
		{medium.BluetoothClassic, &bluetooth.Radio{}},
		{medium.BLE, &bluetooth.BLERadio{}},
		{medium.WifiDirect, &wifidirect.Radio{}},
		{medium.WebRTC, &webrtc.Radio{}},
	}
	for _, tt := range tests {
		t.Run(tt.kind.String(), func(t *testing.T) {
			radio, err := f.CreateRadio(tt.kind)
			require.NoError(t, err)
			defer radio.Close()
			assert.IsType(t, tt.want, radio)
			assert.Equal(t, tt.kind, radio.Kind())
		})
	}
}

func TestCreateRadioErrors(t *testing.T) {
	f := NewMediumFactory(config.Default())

	_, err := f.CreateRadio(medium.WebRTC)
	assert.ErrorIs(t, err, ErrNoSignaler)

	_, err = f.CreateRadio(medium.Unknown)
	assert.ErrorIs(t, err, ErrUnknownKind)

	f.SwitchToSimulation(sim.NewAir(), "a")
	_, err = f.CreateRadio(medium.Unknown)
	assert.ErrorIs(t, err, ErrUnknownKind)
}

func TestWifiLanConfigTranslation(t *testing.T) {
	c := config.Default().WifiLan
	c.DiscoveryPort = 40000

	got := wifiLanConfig(c)
	assert.Equal(t, ":40000", got.DiscoveryListenAddr)
	assert.Equal(t, []string{"255.255.255.255:40000"}, got.AnnounceTargets)

	c.AnnounceTargets = []string{"10.0.0.255:40000"}
	assert.Equal(t, c.AnnounceTargets, wifiLanConfig(c).AnnounceTargets)
}

func TestSimulationModeSwitching(t *testing.T) {
	f := NewMediumFactory(config.Default())
	air := sim.NewAir()

	f.SwitchToSimulation(air, "alice")
	assert.True(t, f.IsUsingSimulation())

	radio, err := f.CreateRadio(medium.WifiLan)
	require.NoError(t, err)
	simRadio, ok := radio.(*sim.Radio)
	require.True(t, ok)
	assert.Equal(t, "alice/WIFI_LAN", simRadio.Address())

	f.SwitchToReal()
	assert.False(t, f.IsUsingSimulation())
	radio, err = f.CreateRadio(medium.WifiLan)
	require.NoError(t, err)
	assert.IsType(t, &wifilan.Radio{}, radio)
}

func TestCreateMediumSet(t *testing.T) {
	cfg := config.Default()
	cfg.Mediums.Enabled = []string{"WIFI_LAN", "BLUETOOTH", "WEB_RTC"}
	cfg.Mediums.ServiceMatch = "exact"
	f := NewMediumFactory(cfg)
	air := sim.NewAir()
	f.SwitchToSimulation(air, "bob")

	set, err := f.CreateMediumSet()
	require.NoError(t, err)
	defer set.Close()

	assert.Equal(t, []medium.Kind{medium.WifiLan, medium.WebRTC, medium.BluetoothClassic}, set.Kinds())
	assert.ElementsMatch(t, set.Kinds(), set.Available())

	m, err := set.Get(medium.WifiLan)
	require.NoError(t, err)
	require.NoError(t, m.StartAdvertising("svc", medium.ServiceInfo{Name: "bob"}))
	assert.True(t, m.IsAdvertising("svc"))
	assert.False(t, m.IsAdvertising("other"), "exact matching configured")
}

func TestCreateMediumSetFailureClosesBuiltMediums(t *testing.T) {
	cfg := config.Default()
	cfg.Mediums.Enabled = []string{"WIFI_LAN", "WEB_RTC"}
	f := NewMediumFactory(cfg)

	_, err := f.CreateMediumSet()
	assert.ErrorIs(t, err, ErrNoSignaler)
}

func TestUpdateConfig(t *testing.T) {
	f := NewMediumFactory(config.Default())

	assert.Error(t, f.UpdateConfig(nil))

	bad := config.Default()
	bad.Payload.ChunkSize = 0
	assert.ErrorIs(t, f.UpdateConfig(bad), config.ErrInvalidConfig)

	good := config.Default()
	good.Mediums.Enabled = []string{"BLE"}
	require.NoError(t, f.UpdateConfig(good))
	assert.Equal(t, []string{"BLE"}, f.GetCurrentConfig().Mediums.Enabled)
}
