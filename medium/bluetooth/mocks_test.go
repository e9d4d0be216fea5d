package bluetooth

import (
	"context"
	"fmt"
	"strings"
	"sync"

	dbus "github.com/godbus/dbus/v5"
)

type busCall struct {
	path   dbus.ObjectPath
	method string
	args   []any
}

// fakeBus is an in-memory bluez. Tests push signals through signals and
// inspect calls, exports and properties.
type fakeBus struct {
	mu       sync.Mutex
	objects  managedObjects
	calls    []busCall
	exports  map[dbus.ObjectPath]any
	props    map[dbus.ObjectPath]map[string]any
	failures map[string]error
	signals  chan *dbus.Signal
	// onCall runs after a successful call is recorded.
	onCall func(c busCall)

	subscribed   int
	unsubscribed int
	closed       bool
}

func newFakeBus() *fakeBus {
	return &fakeBus{
		objects: managedObjects{
			"/org/bluez/hci0": {adapterIface: {
				"Powered":      dbus.MakeVariant(true),
				"Alias":        dbus.MakeVariant("workstation"),
				"Discoverable": dbus.MakeVariant(false),
			}},
		},
		exports:  make(map[dbus.ObjectPath]any),
		props:    make(map[dbus.ObjectPath]map[string]any),
		failures: make(map[string]error),
		signals:  make(chan *dbus.Signal, 16),
	}
}

func (b *fakeBus) dial() (bluez, error) { return b, nil }

func (b *fakeBus) ManagedObjects() (managedObjects, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make(managedObjects, len(b.objects))
	for path, ifaces := range b.objects {
		out[path] = ifaces
	}
	return out, nil
}

func (b *fakeBus) Call(_ context.Context, path dbus.ObjectPath, method string, args ...any) error {
	b.mu.Lock()
	if err, ok := b.failures[method]; ok {
		b.mu.Unlock()
		return err
	}
	c := busCall{path: path, method: method, args: args}
	b.calls = append(b.calls, c)
	onCall := b.onCall
	b.mu.Unlock()

	if onCall != nil {
		onCall(c)
	}
	return nil
}

func (b *fakeBus) Export(v any, path dbus.ObjectPath, iface string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	key := path + dbus.ObjectPath("#"+iface)
	if v == nil {
		delete(b.exports, key)
		return nil
	}
	b.exports[key] = v
	return nil
}

func (b *fakeBus) ExportProperties(path dbus.ObjectPath, iface string, props map[string]any) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if props == nil {
		delete(b.props, path)
		return nil
	}
	b.props[path] = props
	return nil
}

func (b *fakeBus) Signals() (<-chan *dbus.Signal, func(), error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscribed++
	return b.signals, func() {
		b.mu.Lock()
		b.unsubscribed++
		b.mu.Unlock()
	}, nil
}

func (b *fakeBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}

func (b *fakeBus) fail(method string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures[method] = fmt.Errorf("%s: org.bluez.Error.Failed", method)
}

func (b *fakeBus) methodCalls(suffix string) []busCall {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []busCall
	for _, c := range b.calls {
		if strings.HasSuffix(c.method, suffix) {
			out = append(out, c)
		}
	}
	return out
}

func (b *fakeBus) exported(path dbus.ObjectPath, iface string) any {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.exports[path+dbus.ObjectPath("#"+iface)]
}

func (b *fakeBus) exportCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.exports)
}

func (b *fakeBus) addDevice(path dbus.ObjectPath, props map[string]dbus.Variant) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.objects[path] = map[string]map[string]dbus.Variant{deviceIface: props}
}

func interfacesAdded(path dbus.ObjectPath, props map[string]dbus.Variant) *dbus.Signal {
	return &dbus.Signal{
		Path: "/",
		Name: objManagerIface + ".InterfacesAdded",
		Body: []interface{}{path, map[string]map[string]dbus.Variant{deviceIface: props}},
	}
}

func interfacesRemoved(path dbus.ObjectPath) *dbus.Signal {
	return &dbus.Signal{
		Path: "/",
		Name: objManagerIface + ".InterfacesRemoved",
		Body: []interface{}{path, []string{deviceIface}},
	}
}

func propertiesChanged(path dbus.ObjectPath, changed map[string]dbus.Variant) *dbus.Signal {
	return &dbus.Signal{
		Path: path,
		Name: propsIface + ".PropertiesChanged",
		Body: []interface{}{deviceIface, changed, []string{}},
	}
}
