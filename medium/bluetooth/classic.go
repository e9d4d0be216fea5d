package bluetooth

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"sync/atomic"

	dbus "github.com/godbus/dbus/v5"
	"github.com/opd-ai/nearby/medium"
	"github.com/sirupsen/logrus"
)

var clientCounter uint64

type classicAdvert struct {
	adapter          dbus.ObjectPath
	prevAlias        string
	prevDiscoverable bool
}

type serverProfile struct {
	path dbus.ObjectPath
	uuid string
}

// Radio is the Bluetooth Classic backend.
type Radio struct {
	session

	advert  *classicAdvert
	scanner *scanner
	server  *serverProfile
}

var _ medium.Radio = (*Radio)(nil)

// New creates a Bluetooth Classic radio. The system bus is opened on
// first use.
func New(cfg Config) *Radio {
	return newRadio(cfg, dialSystemBus)
}

func newRadio(cfg Config, dial func() (bluez, error)) *Radio {
	return &Radio{session: session{cfg: cfg.withDefaults(), dial: dial}}
}

func (r *Radio) Kind() medium.Kind { return medium.BluetoothClassic }

// IsValid reports whether the adapter exists and is powered.
func (r *Radio) IsValid() bool { return r.isValid() }

// StartAdvertising renames the adapter to info.Name and makes it
// discoverable. The previous alias is restored on stop.
func (r *Radio) StartAdvertising(serviceID string, info medium.ServiceInfo) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	bus, adapter, props, err := r.adapterLocked()
	if err != nil {
		return err
	}

	ctx := context.Background()
	adv := &classicAdvert{
		adapter:          adapter,
		prevAlias:        stringProp(props, "Alias"),
		prevDiscoverable: boolProp(props, "Discoverable"),
	}
	if err := setAdapterProperty(ctx, bus, adapter, "Alias", info.Name); err != nil {
		return err
	}
	if err := setAdapterProperty(ctx, bus, adapter, "DiscoverableTimeout", uint32(0)); err != nil {
		return err
	}
	if err := setAdapterProperty(ctx, bus, adapter, "Discoverable", true); err != nil {
		_ = setAdapterProperty(ctx, bus, adapter, "Alias", adv.prevAlias)
		return err
	}
	r.advert = adv

	logrus.WithFields(logrus.Fields{
		"function":   "Radio.StartAdvertising",
		"service_id": serviceID,
		"name":       info.Name,
		"adapter":    string(adapter),
	}).Info("Bluetooth advertising started")
	return nil
}

func (r *Radio) StopAdvertising(string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	adv := r.advert
	r.advert = nil
	if adv == nil || r.bus == nil {
		return nil
	}

	ctx := context.Background()
	err := setAdapterProperty(ctx, r.bus, adv.adapter, "Discoverable", adv.prevDiscoverable)
	if aliasErr := setAdapterProperty(ctx, r.bus, adv.adapter, "Alias", adv.prevAlias); err == nil {
		err = aliasErr
	}
	return err
}

// StartDiscovery reports devices whose UUIDs include the service's RFCOMM
// UUID.
func (r *Radio) StartDiscovery(serviceID string, cb medium.DiscoveredServiceCallback) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.scanner != nil {
		return fmt.Errorf("%w: discovery running", medium.ErrAlreadyActive)
	}

	bus, adapter, _, err := r.adapterLocked()
	if err != nil {
		return err
	}

	serviceUUID := ServiceUUID(serviceID)
	match := func(path dbus.ObjectPath, props map[string]dbus.Variant) (medium.ServiceInfo, bool) {
		uuids, _ := props["UUIDs"].Value().([]string)
		if !containsFold(uuids, serviceUUID) {
			return medium.ServiceInfo{}, false
		}
		return medium.ServiceInfo{
			ServiceID: serviceID,
			Name:      deviceName(props),
			Address:   deviceAddress(path, props),
		}, true
	}
	filter := map[string]any{"Transport": "bredr", "UUIDs": []string{serviceUUID}}

	s, err := startScanner(bus, adapter, filter, match, cb)
	if err != nil {
		return err
	}
	r.scanner = s
	return nil
}

func (r *Radio) StopDiscovery(string) error {
	r.mu.Lock()
	s := r.scanner
	r.scanner = nil
	r.mu.Unlock()

	if s != nil {
		s.stop()
	}
	return nil
}

// StartAcceptingConnections registers a server RFCOMM profile for the
// service UUID. Each NewConnection is handed to cb on its own goroutine.
func (r *Radio) StartAcceptingConnections(serviceID string, cb medium.AcceptedConnectionCallback) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.server != nil {
		return fmt.Errorf("%w: server profile registered", medium.ErrAlreadyActive)
	}

	bus, err := r.busLocked()
	if err != nil {
		return err
	}

	srv := &serverProfile{
		path: r.cfg.ObjectRoot + "/bluetooth/server",
		uuid: ServiceUUID(serviceID),
	}
	p := &profile{
		uuid: srv.uuid,
		deliver: func(device dbus.ObjectPath, f *os.File) bool {
			sock := medium.NewSocket(medium.BluetoothClassic, f, macFromPath(device))
			logrus.WithFields(logrus.Fields{
				"function":   "Radio.NewConnection",
				"service_id": serviceID,
				"device":     string(device),
			}).Info("Accepted RFCOMM connection")
			go cb(serviceID, sock)
			return true
		},
	}
	if err := bus.Export(p, srv.path, profileIface); err != nil {
		return fmt.Errorf("export server profile: %w", err)
	}

	opts := map[string]dbus.Variant{
		"Name":                  dbus.MakeVariant(serviceID),
		"Role":                  dbus.MakeVariant("server"),
		"RequireAuthentication": dbus.MakeVariant(false),
		"RequireAuthorization":  dbus.MakeVariant(false),
	}
	if err := bus.Call(context.Background(), bluezRoot, profileManagerIface+".RegisterProfile", srv.path, srv.uuid, opts); err != nil {
		_ = bus.Export(nil, srv.path, profileIface)
		return err
	}
	r.server = srv

	logrus.WithFields(logrus.Fields{
		"function":   "Radio.StartAcceptingConnections",
		"service_id": serviceID,
		"uuid":       srv.uuid,
	}).Info("RFCOMM server profile registered")
	return nil
}

func (r *Radio) StopAcceptingConnections(string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	srv := r.server
	r.server = nil
	if srv == nil || r.bus == nil {
		return nil
	}
	return unregisterProfile(r.bus, srv.path)
}

func unregisterProfile(bus bluez, path dbus.ObjectPath) error {
	err := bus.Call(context.Background(), bluezRoot, profileManagerIface+".UnregisterProfile", path)
	if exportErr := bus.Export(nil, path, profileIface); err == nil {
		err = exportErr
	}
	return err
}

// Connect registers a client profile for the service UUID, asks BlueZ to
// connect it on the remote device and waits for the RFCOMM socket.
// remote.Address is the device MAC.
func (r *Radio) Connect(ctx context.Context, remote medium.ServiceInfo, serviceID string) (medium.Socket, error) {
	r.mu.Lock()
	bus, adapter, _, err := r.adapterLocked()
	r.mu.Unlock()
	if err != nil {
		return nil, err
	}

	device, err := devicePath(adapter, remote.Address)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", medium.ErrInvalidArgument, err)
	}

	serviceUUID := ServiceUUID(serviceID)
	id := atomic.AddUint64(&clientCounter, 1)
	path := r.cfg.ObjectRoot + dbus.ObjectPath("/bluetooth/client/p"+strconv.FormatUint(id, 10))

	ch := make(chan *os.File, 1)
	p := &profile{
		uuid: serviceUUID,
		deliver: func(_ dbus.ObjectPath, f *os.File) bool {
			select {
			case ch <- f:
				return true
			default:
				return false
			}
		},
	}
	if err := bus.Export(p, path, profileIface); err != nil {
		return nil, fmt.Errorf("export client profile: %w", err)
	}
	opts := map[string]dbus.Variant{"Role": dbus.MakeVariant("client")}
	if err := bus.Call(ctx, bluezRoot, profileManagerIface+".RegisterProfile", path, serviceUUID, opts); err != nil {
		_ = bus.Export(nil, path, profileIface)
		return nil, err
	}
	defer func() {
		if err := unregisterProfile(bus, path); err != nil {
			logrus.WithError(err).Warn("Failed to unregister client profile")
		}
	}()

	if err := bus.Call(ctx, device, deviceIface+".ConnectProfile", serviceUUID); err != nil {
		return nil, err
	}

	select {
	case <-ctx.Done():
		select {
		case f := <-ch:
			_ = f.Close()
		default:
		}
		return nil, fmt.Errorf("connect %s canceled: %w", remote.Address, ctx.Err())
	case f := <-ch:
		logrus.WithFields(logrus.Fields{
			"function":   "Radio.Connect",
			"service_id": serviceID,
			"device":     remote.Address,
		}).Info("RFCOMM connection established")
		return medium.NewSocket(medium.BluetoothClassic, f, remote.Address), nil
	}
}

// Close stops every operation and releases the bus.
func (r *Radio) Close() error {
	_ = r.StopAdvertising("")
	_ = r.StopDiscovery("")
	_ = r.StopAcceptingConnections("")

	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closeLocked()
}
