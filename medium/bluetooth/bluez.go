package bluetooth

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	dbus "github.com/godbus/dbus/v5"
	"github.com/godbus/dbus/v5/prop"
)

const (
	bluezService        = "org.bluez"
	profileIface        = "org.bluez.Profile1"
	profileManagerIface = "org.bluez.ProfileManager1"
	deviceIface         = "org.bluez.Device1"
	adapterIface        = "org.bluez.Adapter1"
	advertisementIface  = "org.bluez.LEAdvertisement1"
	advertisingMgrIface = "org.bluez.LEAdvertisingManager1"
	objManagerIface     = "org.freedesktop.DBus.ObjectManager"
	propsIface          = "org.freedesktop.DBus.Properties"

	bluezRoot = dbus.ObjectPath("/org/bluez")
)

var (
	// ErrNoAdapter indicates BlueZ exposes no usable adapter.
	ErrNoAdapter = errors.New("no bluetooth adapter")

	// ErrInvalidAddress indicates a remote address that is not a MAC.
	ErrInvalidAddress = errors.New("invalid bluetooth address")
)

type managedObjects = map[dbus.ObjectPath]map[string]map[string]dbus.Variant

// bluez is the part of the BlueZ D-Bus API the radios use. The system
// implementation wraps a private system bus connection.
type bluez interface {
	ManagedObjects() (managedObjects, error)
	Call(ctx context.Context, path dbus.ObjectPath, method string, args ...any) error
	// Export publishes v at path; a nil v removes the export.
	Export(v any, path dbus.ObjectPath, iface string) error
	ExportProperties(path dbus.ObjectPath, iface string, props map[string]any) error
	// Signals subscribes to object and property changes. The returned
	// function ends the subscription.
	Signals() (<-chan *dbus.Signal, func(), error)
	Close() error
}

type systemBus struct {
	conn *dbus.Conn
}

func dialSystemBus() (bluez, error) {
	conn, err := dbus.ConnectSystemBus()
	if err != nil {
		return nil, fmt.Errorf("connect system bus: %w", err)
	}
	return &systemBus{conn: conn}, nil
}

func (b *systemBus) ManagedObjects() (managedObjects, error) {
	var objs managedObjects
	call := b.conn.Object(bluezService, "/").Call(objManagerIface+".GetManagedObjects", 0)
	if call.Err != nil {
		return nil, fmt.Errorf("GetManagedObjects: %w", call.Err)
	}
	if err := call.Store(&objs); err != nil {
		return nil, fmt.Errorf("decode GetManagedObjects: %w", err)
	}
	return objs, nil
}

func (b *systemBus) Call(ctx context.Context, path dbus.ObjectPath, method string, args ...any) error {
	if err := b.conn.Object(bluezService, path).CallWithContext(ctx, method, 0, args...).Err; err != nil {
		return fmt.Errorf("%s: %w", method, err)
	}
	return nil
}

func (b *systemBus) Export(v any, path dbus.ObjectPath, iface string) error {
	return b.conn.Export(v, path, iface)
}

func (b *systemBus) ExportProperties(path dbus.ObjectPath, iface string, props map[string]any) error {
	if props == nil {
		return b.conn.Export(nil, path, propsIface)
	}
	pm := make(map[string]*prop.Prop, len(props))
	for name, v := range props {
		pm[name] = &prop.Prop{Value: v, Emit: prop.EmitFalse}
	}
	if _, err := prop.Export(b.conn, path, prop.Map{iface: pm}); err != nil {
		return fmt.Errorf("export %s properties: %w", iface, err)
	}
	return nil
}

var signalMatches = [][]dbus.MatchOption{
	{dbus.WithMatchInterface(objManagerIface), dbus.WithMatchMember("InterfacesAdded")},
	{dbus.WithMatchInterface(objManagerIface), dbus.WithMatchMember("InterfacesRemoved")},
	{dbus.WithMatchInterface(propsIface), dbus.WithMatchMember("PropertiesChanged"), dbus.WithMatchArg(0, deviceIface)},
}

func (b *systemBus) Signals() (<-chan *dbus.Signal, func(), error) {
	for i, m := range signalMatches {
		if err := b.conn.AddMatchSignal(m...); err != nil {
			for _, added := range signalMatches[:i] {
				_ = b.conn.RemoveMatchSignal(added...)
			}
			return nil, nil, fmt.Errorf("AddMatchSignal: %w", err)
		}
	}
	ch := make(chan *dbus.Signal, 64)
	b.conn.Signal(ch)

	cancel := func() {
		b.conn.RemoveSignal(ch)
		for _, m := range signalMatches {
			_ = b.conn.RemoveMatchSignal(m...)
		}
	}
	return ch, cancel, nil
}

func (b *systemBus) Close() error {
	return b.conn.Close()
}

// findAdapter resolves the configured adapter name, or the first adapter
// when name is empty.
func findAdapter(objs managedObjects, name string) (dbus.ObjectPath, map[string]dbus.Variant, error) {
	if name != "" {
		path := bluezRoot + dbus.ObjectPath("/"+name)
		props, ok := objs[path][adapterIface]
		if !ok {
			return "", nil, fmt.Errorf("%w: %s", ErrNoAdapter, name)
		}
		return path, props, nil
	}

	var paths []string
	for path, ifaces := range objs {
		if _, ok := ifaces[adapterIface]; ok {
			paths = append(paths, string(path))
		}
	}
	if len(paths) == 0 {
		return "", nil, ErrNoAdapter
	}
	sort.Strings(paths)
	path := dbus.ObjectPath(paths[0])
	return path, objs[path][adapterIface], nil
}

func boolProp(props map[string]dbus.Variant, name string) bool {
	v, ok := props[name]
	if !ok {
		return false
	}
	b, _ := v.Value().(bool)
	return b
}

func stringProp(props map[string]dbus.Variant, name string) string {
	v, ok := props[name]
	if !ok {
		return ""
	}
	s, _ := v.Value().(string)
	return s
}

func setAdapterProperty(ctx context.Context, bus bluez, adapter dbus.ObjectPath, name string, value any) error {
	return bus.Call(ctx, adapter, propsIface+".Set", adapterIface, name, dbus.MakeVariant(value))
}

// macFromPath extracts XX:XX:XX:XX:XX:XX from .../dev_XX_XX_XX_XX_XX_XX.
func macFromPath(p dbus.ObjectPath) string {
	s := string(p)
	idx := strings.LastIndex(s, "/dev_")
	if idx < 0 {
		return ""
	}
	return strings.ReplaceAll(s[idx+5:], "_", ":")
}

// devicePath maps a MAC address to its Device1 path under adapter.
func devicePath(adapter dbus.ObjectPath, mac string) (dbus.ObjectPath, error) {
	parts := strings.Split(mac, ":")
	if len(parts) != 6 {
		return "", fmt.Errorf("%w: %q", ErrInvalidAddress, mac)
	}
	for _, p := range parts {
		if len(p) != 2 || strings.Trim(strings.ToUpper(p), "0123456789ABCDEF") != "" {
			return "", fmt.Errorf("%w: %q", ErrInvalidAddress, mac)
		}
	}
	return adapter + dbus.ObjectPath("/dev_"+strings.ToUpper(strings.Join(parts, "_"))), nil
}

func containsFold(list []string, target string) bool {
	for _, s := range list {
		if strings.EqualFold(s, target) {
			return true
		}
	}
	return false
}
