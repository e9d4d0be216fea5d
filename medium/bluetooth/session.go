package bluetooth

import (
	"errors"
	"sync"

	dbus "github.com/godbus/dbus/v5"
)

// DefaultObjectRoot prefixes the D-Bus paths the radios export.
const DefaultObjectRoot = dbus.ObjectPath("/org/opd_ai/nearby")

var errRadioClosed = errors.New("bluetooth radio closed")

// Config selects the adapter and the exported object paths.
type Config struct {
	// Adapter is the BlueZ adapter name such as "hci0". Empty picks the
	// first adapter.
	Adapter string
	// ObjectRoot prefixes exported profile and advertisement paths.
	ObjectRoot dbus.ObjectPath
}

func (c Config) withDefaults() Config {
	if c.ObjectRoot == "" {
		c.ObjectRoot = DefaultObjectRoot
	}
	return c
}

// session owns the lazily opened bus shared by one radio's operations.
type session struct {
	cfg  Config
	dial func() (bluez, error)

	mu     sync.Mutex
	bus    bluez
	closed bool
}

func (s *session) busLocked() (bluez, error) {
	if s.closed {
		return nil, errRadioClosed
	}
	if s.bus != nil {
		return s.bus, nil
	}
	bus, err := s.dial()
	if err != nil {
		return nil, err
	}
	s.bus = bus
	return bus, nil
}

// adapterLocked returns the bus together with the adapter path and
// properties.
func (s *session) adapterLocked() (bluez, dbus.ObjectPath, map[string]dbus.Variant, error) {
	bus, err := s.busLocked()
	if err != nil {
		return nil, "", nil, err
	}
	objs, err := bus.ManagedObjects()
	if err != nil {
		return nil, "", nil, err
	}
	path, props, err := findAdapter(objs, s.cfg.Adapter)
	if err != nil {
		return nil, "", nil, err
	}
	return bus, path, props, nil
}

func (s *session) isValid() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, _, props, err := s.adapterLocked()
	return err == nil && boolProp(props, "Powered")
}

// closeLocked marks the session closed and releases the bus.
func (s *session) closeLocked() error {
	s.closed = true
	if s.bus == nil {
		return nil
	}
	err := s.bus.Close()
	s.bus = nil
	return err
}
