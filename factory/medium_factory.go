package factory

import (
	"errors"
	"fmt"
	"net"
	"sync"

	"github.com/godbus/dbus/v5"
	"github.com/opd-ai/nearby/config"
	"github.com/opd-ai/nearby/medium"
	"github.com/opd-ai/nearby/medium/bluetooth"
	"github.com/opd-ai/nearby/medium/sim"
	"github.com/opd-ai/nearby/medium/webrtc"
	"github.com/opd-ai/nearby/medium/wifidirect"
	"github.com/opd-ai/nearby/medium/wifilan"
	"github.com/sirupsen/logrus"
)

var (
	// ErrNoSignaler is returned when WEB_RTC is enabled without a Signaler.
	ErrNoSignaler = errors.New("webrtc medium requires a signaler")
	// ErrUnknownKind is returned for a Kind with no backend.
	ErrUnknownKind = errors.New("no backend for medium")
)

type simulation struct {
	air     *sim.Air
	address string
}

// MediumFactory creates radios and Mediums from a config.Config.
// It is safe for concurrent use.
type MediumFactory struct {
	mu       sync.RWMutex
	cfg      *config.Config
	signaler webrtc.Signaler
	sim      *simulation
}

// NewMediumFactory creates a factory over a copy of cfg. A nil cfg uses
// config.Default.
func NewMediumFactory(cfg *config.Config) *MediumFactory {
	if cfg == nil {
		cfg = config.Default()
	}
	f := &MediumFactory{cfg: copyConfig(cfg)}
	logConfigurationInfo(f.cfg)
	return f
}

func copyConfig(cfg *config.Config) *config.Config {
	c := *cfg
	c.Mediums.Enabled = append([]string(nil), cfg.Mediums.Enabled...)
	c.WifiLan.AnnounceTargets = append([]string(nil), cfg.WifiLan.AnnounceTargets...)
	c.WebRTC.STUNServers = append([]string(nil), cfg.WebRTC.STUNServers...)
	return &c
}

func logConfigurationInfo(cfg *config.Config) {
	logrus.WithFields(logrus.Fields{
		"function":      "NewMediumFactory",
		"mediums":       cfg.Mediums.Enabled,
		"service_match": cfg.Mediums.ServiceMatch,
	}).Info("Created medium factory with configuration")
}

// SetSignaler installs the signaling channel used by WebRTC radios.
func (f *MediumFactory) SetSignaler(s webrtc.Signaler) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.signaler = s
}

// SwitchToSimulation makes later radios simulated radios on air.
func (f *MediumFactory) SwitchToSimulation(air *sim.Air, address string) {
	f.mu.Lock()
	defer f.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function": "SwitchToSimulation",
		"previous": f.sim != nil,
		"address":  address,
	}).Info("Switching factory to simulation mode")

	f.sim = &simulation{air: air, address: address}
}

// SwitchToReal makes later radios real backends.
func (f *MediumFactory) SwitchToReal() {
	f.mu.Lock()
	defer f.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function": "SwitchToReal",
		"previous": f.sim != nil,
	}).Info("Switching factory to real mode")

	f.sim = nil
}

// IsUsingSimulation reports whether radios are simulated.
func (f *MediumFactory) IsUsingSimulation() bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.sim != nil
}

// GetCurrentConfig returns a copy of the factory's configuration.
func (f *MediumFactory) GetCurrentConfig() *config.Config {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return copyConfig(f.cfg)
}

// UpdateConfig validates and installs a copy of cfg.
func (f *MediumFactory) UpdateConfig(cfg *config.Config) error {
	if cfg == nil {
		return fmt.Errorf("config cannot be nil")
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function":    "UpdateConfig",
		"old_mediums": f.cfg.Mediums.Enabled,
		"new_mediums": cfg.Mediums.Enabled,
	}).Info("Updating factory configuration")

	f.cfg = copyConfig(cfg)
	return nil
}

// CreateRadio builds the backend for kind.
func (f *MediumFactory) CreateRadio(kind medium.Kind) (medium.Radio, error) {
	f.mu.RLock()
	cfg := f.cfg
	signaler := f.signaler
	simCfg := f.sim
	f.mu.RUnlock()

	if simCfg != nil {
		if _, ok := medium.ParseKind(kind.String()); !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnknownKind, kind)
		}
		address := fmt.Sprintf("%s/%s", simCfg.address, kind)
		logrus.WithFields(logrus.Fields{
			"function": "CreateRadio",
			"type":     "simulation",
			"medium":   kind.String(),
			"address":  address,
		}).Info("Creating simulated radio")
		return simCfg.air.NewRadio(kind, address), nil
	}

	logrus.WithFields(logrus.Fields{
		"function": "CreateRadio",
		"type":     "real",
		"medium":   kind.String(),
	}).Info("Creating radio")

	switch kind {
	case medium.WifiLan:
		return wifilan.New(wifiLanConfig(cfg.WifiLan)), nil
	case medium.BluetoothClassic:
		return bluetooth.New(bluetoothConfig(cfg.Bluetooth)), nil
	case medium.BLE:
		return bluetooth.NewBLE(bluetoothConfig(cfg.Bluetooth)), nil
	case medium.WifiDirect:
		return wifidirect.New(wifidirect.Config{
			Interface:         cfg.WifiDirect.Interface,
			Port:              cfg.WifiDirect.Port,
			SSIDPrefix:        cfg.WifiDirect.SSIDPrefix,
			ActivationTimeout: cfg.WifiDirect.ActivationTimeout,
			PreambleTimeout:   cfg.WifiLan.PreambleTimeout,
		}), nil
	case medium.WebRTC:
		if signaler == nil {
			return nil, ErrNoSignaler
		}
		return webrtc.New(webrtc.Config{
			LocalID:         cfg.WebRTC.LocalID,
			STUNServers:     cfg.WebRTC.STUNServers,
			IncludeLoopback: cfg.WebRTC.IncludeLoopback,
			ConnectTimeout:  cfg.WebRTC.ConnectTimeout,
		}, signaler), nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownKind, kind)
	}
}

func wifiLanConfig(c config.WifiLanConfig) wifilan.Config {
	targets := c.AnnounceTargets
	if len(targets) == 0 {
		targets = []string{fmt.Sprintf("%s:%d", net.IPv4bcast, c.DiscoveryPort)}
	}
	return wifilan.Config{
		DiscoveryListenAddr: fmt.Sprintf(":%d", c.DiscoveryPort),
		AnnounceTargets:     targets,
		AcceptListenAddr:    c.AcceptAddr,
		AnnounceInterval:    c.AnnounceInterval,
		ServiceTTL:          c.ServiceTTL,
		PreambleTimeout:     c.PreambleTimeout,
	}
}

func bluetoothConfig(c config.BluetoothConfig) bluetooth.Config {
	return bluetooth.Config{
		Adapter:    c.Adapter,
		ObjectRoot: dbus.ObjectPath(c.ObjectRoot),
	}
}

// CreateMedium wraps the radio for kind in a Medium using the configured
// service match policy.
func (f *MediumFactory) CreateMedium(kind medium.Kind) (*medium.Medium, error) {
	match, err := f.GetCurrentConfig().ServiceMatch()
	if err != nil {
		return nil, err
	}
	radio, err := f.CreateRadio(kind)
	if err != nil {
		return nil, err
	}
	return medium.New(kind, radio, medium.WithServiceMatch(match)), nil
}

// CreateMediumSet builds a Medium for every enabled kind. On failure the
// Mediums created so far are closed.
func (f *MediumFactory) CreateMediumSet() (*medium.Set, error) {
	kinds, err := f.GetCurrentConfig().EnabledKinds()
	if err != nil {
		return nil, err
	}

	set := medium.NewSet()
	for _, kind := range kinds {
		m, err := f.CreateMedium(kind)
		if err != nil {
			if cerr := set.Close(); cerr != nil {
				logrus.WithFields(logrus.Fields{
					"function": "CreateMediumSet",
					"error":    cerr.Error(),
				}).Warn("Failed to close partially built medium set")
			}
			return nil, fmt.Errorf("create %s medium: %w", kind, err)
		}
		set.Register(m)
	}

	logrus.WithFields(logrus.Fields{
		"function": "CreateMediumSet",
		"count":    len(kinds),
	}).Info("Created medium set")
	return set, nil
}
