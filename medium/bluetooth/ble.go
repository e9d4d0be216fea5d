package bluetooth

import (
	"bytes"
	"context"
	"fmt"
	"strings"

	dbus "github.com/godbus/dbus/v5"
	"github.com/opd-ai/nearby/medium"
	"github.com/sirupsen/logrus"
)

// advertisement implements org.bluez.LEAdvertisement1. Its properties are
// exported separately.
type advertisement struct{}

func (advertisement) Release() *dbus.Error { return nil }

type bleAdvert struct {
	adapter dbus.ObjectPath
	path    dbus.ObjectPath
}

// BLERadio is the BLE backend. It advertises and discovers only.
type BLERadio struct {
	session

	advert  *bleAdvert
	scanner *scanner
}

var _ medium.Radio = (*BLERadio)(nil)

// NewBLE creates a BLE radio. The system bus is opened on first use.
func NewBLE(cfg Config) *BLERadio {
	return newBLERadio(cfg, dialSystemBus)
}

func newBLERadio(cfg Config, dial func() (bluez, error)) *BLERadio {
	return &BLERadio{session: session{cfg: cfg.withDefaults(), dial: dial}}
}

func (r *BLERadio) Kind() medium.Kind { return medium.BLE }

func (r *BLERadio) IsValid() bool { return r.isValid() }

// advertisementData is the service data payload: the service id hash
// followed by info.Data.
func advertisementData(serviceID string, info medium.ServiceInfo) []byte {
	data := make([]byte, 0, serviceIDHashSize+len(info.Data))
	data = append(data, serviceIDHash(serviceID)...)
	return append(data, info.Data...)
}

// StartAdvertising registers a peripheral advertisement with the adapter's
// LEAdvertisingManager1.
func (r *BLERadio) StartAdvertising(serviceID string, info medium.ServiceInfo) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.advert != nil {
		return fmt.Errorf("%w: advertisement registered", medium.ErrAlreadyActive)
	}

	bus, adapter, _, err := r.adapterLocked()
	if err != nil {
		return err
	}

	adv := &bleAdvert{adapter: adapter, path: r.cfg.ObjectRoot + "/ble/advertisement"}
	if err := bus.Export(advertisement{}, adv.path, advertisementIface); err != nil {
		return fmt.Errorf("export advertisement: %w", err)
	}
	props := map[string]any{
		"Type":         "peripheral",
		"ServiceUUIDs": []string{NearbyServiceUUID},
		"ServiceData": map[string]dbus.Variant{
			NearbyServiceUUID: dbus.MakeVariant(advertisementData(serviceID, info)),
		},
		"LocalName": info.Name,
	}
	if err := bus.ExportProperties(adv.path, advertisementIface, props); err != nil {
		_ = bus.Export(nil, adv.path, advertisementIface)
		return err
	}

	opts := map[string]dbus.Variant{}
	if err := bus.Call(context.Background(), adapter, advertisingMgrIface+".RegisterAdvertisement", adv.path, opts); err != nil {
		_ = bus.ExportProperties(adv.path, advertisementIface, nil)
		_ = bus.Export(nil, adv.path, advertisementIface)
		return err
	}
	r.advert = adv

	logrus.WithFields(logrus.Fields{
		"function":   "BLERadio.StartAdvertising",
		"service_id": serviceID,
		"name":       info.Name,
		"adapter":    string(adapter),
	}).Info("BLE advertising started")
	return nil
}

func (r *BLERadio) StopAdvertising(string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	adv := r.advert
	r.advert = nil
	if adv == nil || r.bus == nil {
		return nil
	}

	err := r.bus.Call(context.Background(), adv.adapter, advertisingMgrIface+".UnregisterAdvertisement", adv.path)
	_ = r.bus.ExportProperties(adv.path, advertisementIface, nil)
	_ = r.bus.Export(nil, adv.path, advertisementIface)
	return err
}

// StartDiscovery runs LE discovery and reports devices whose Nearby
// service data starts with the service id hash.
func (r *BLERadio) StartDiscovery(serviceID string, cb medium.DiscoveredServiceCallback) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.scanner != nil {
		return fmt.Errorf("%w: discovery running", medium.ErrAlreadyActive)
	}

	bus, adapter, _, err := r.adapterLocked()
	if err != nil {
		return err
	}

	hash := serviceIDHash(serviceID)
	match := func(path dbus.ObjectPath, props map[string]dbus.Variant) (medium.ServiceInfo, bool) {
		data, ok := nearbyServiceData(props)
		if !ok || !bytes.HasPrefix(data, hash) {
			return medium.ServiceInfo{}, false
		}
		return medium.ServiceInfo{
			ServiceID: serviceID,
			Name:      deviceName(props),
			Address:   deviceAddress(path, props),
			Data:      bytes.Clone(data[len(hash):]),
		}, true
	}
	filter := map[string]any{"Transport": "le", "UUIDs": []string{NearbyServiceUUID}, "DuplicateData": false}

	s, err := startScanner(bus, adapter, filter, match, cb)
	if err != nil {
		return err
	}
	r.scanner = s
	return nil
}

func nearbyServiceData(props map[string]dbus.Variant) ([]byte, bool) {
	v, ok := props["ServiceData"]
	if !ok {
		return nil, false
	}
	all, _ := v.Value().(map[string]dbus.Variant)
	for key, data := range all {
		if !strings.EqualFold(key, NearbyServiceUUID) {
			continue
		}
		b, ok := data.Value().([]byte)
		return b, ok
	}
	return nil, false
}

func (r *BLERadio) StopDiscovery(string) error {
	r.mu.Lock()
	s := r.scanner
	r.scanner = nil
	r.mu.Unlock()

	if s != nil {
		s.stop()
	}
	return nil
}

func (r *BLERadio) StartAcceptingConnections(string, medium.AcceptedConnectionCallback) error {
	return medium.ErrUnsupported
}

func (r *BLERadio) StopAcceptingConnections(string) error { return nil }

func (r *BLERadio) Connect(context.Context, medium.ServiceInfo, string) (medium.Socket, error) {
	return nil, medium.ErrUnsupported
}

func (r *BLERadio) Close() error {
	_ = r.StopAdvertising("")
	_ = r.StopDiscovery("")

	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closeLocked()
}
