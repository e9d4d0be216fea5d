package wifidirect

import (
	"context"
	"errors"
	"fmt"
	"sync"

	dbus "github.com/godbus/dbus/v5"
)

// fakeNM hands out links on 127.0.0.1 so that the TCP side of the radio
// runs over loopback.
type fakeNM struct {
	mu          sync.Mutex
	ip          string
	wireless    bool
	noDevice    bool
	failActive  bool
	activated   []connectionSettings
	active      map[dbus.ObjectPath]bool
	deactivated int
	closed      bool
	next        int
}

func newFakeNM() *fakeNM {
	return &fakeNM{ip: "127.0.0.1", wireless: true, active: make(map[dbus.ObjectPath]bool)}
}

func (n *fakeNM) dial() (networkManager, error) { return n, nil }

func (n *fakeNM) WifiDevice(string) (dbus.ObjectPath, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.noDevice {
		return "", ErrNoWifiDevice
	}
	return "/org/freedesktop/NetworkManager/Devices/3", nil
}

func (n *fakeNM) WirelessEnabled() (bool, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.wireless, nil
}

func (n *fakeNM) Activate(_ context.Context, _ dbus.ObjectPath, settings connectionSettings) (link, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.failActive {
		return link{}, ErrActivationFailed
	}
	n.next++
	l := link{
		settings: dbus.ObjectPath(fmt.Sprintf("/org/freedesktop/NetworkManager/Settings/%d", n.next)),
		active:   dbus.ObjectPath(fmt.Sprintf("/org/freedesktop/NetworkManager/ActiveConnection/%d", n.next)),
	}
	n.activated = append(n.activated, settings)
	n.active[l.active] = true
	return l, nil
}

func (n *fakeNM) IPv4Address(l link) (string, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if !n.active[l.active] {
		return "", errors.New("not active")
	}
	return n.ip, nil
}

func (n *fakeNM) Deactivate(l link) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.active, l.active)
	n.deactivated++
	return nil
}

func (n *fakeNM) Close() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.closed = true
	return nil
}

func (n *fakeNM) activeCount() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.active)
}

func (n *fakeNM) lastSettings() connectionSettings {
	n.mu.Lock()
	defer n.mu.Unlock()
	if len(n.activated) == 0 {
		return nil
	}
	return n.activated[len(n.activated)-1]
}
