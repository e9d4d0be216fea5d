package wifidirect

import (
	"context"
	"errors"
	"fmt"
	"time"

	dbus "github.com/godbus/dbus/v5"
)

const (
	nmService       = "org.freedesktop.NetworkManager"
	nmPath          = dbus.ObjectPath("/org/freedesktop/NetworkManager")
	nmIface         = "org.freedesktop.NetworkManager"
	nmDeviceIface   = "org.freedesktop.NetworkManager.Device"
	nmActiveIface   = "org.freedesktop.NetworkManager.Connection.Active"
	nmIP4ConfigIfc  = "org.freedesktop.NetworkManager.IP4Config"
	nmSettingsIface = "org.freedesktop.NetworkManager.Settings.Connection"

	nmDeviceTypeWifi uint32 = 2

	nmActiveStateActivated   uint32 = 2
	nmActiveStateDeactivated uint32 = 4

	activationPollInterval = 200 * time.Millisecond
)

var (
	// ErrNoWifiDevice indicates NetworkManager manages no usable Wi-Fi device.
	ErrNoWifiDevice = errors.New("no wifi device")

	// ErrActivationFailed indicates NetworkManager could not bring a
	// connection up.
	ErrActivationFailed = errors.New("connection activation failed")
)

type connectionSettings = map[string]map[string]dbus.Variant

// link is an activated NetworkManager connection.
type link struct {
	settings dbus.ObjectPath
	active   dbus.ObjectPath
}

// networkManager is the slice of the NetworkManager D-Bus API the radio
// drives.
type networkManager interface {
	WifiDevice(iface string) (dbus.ObjectPath, error)
	WirelessEnabled() (bool, error)
	// Activate adds the connection and waits until it is activated.
	Activate(ctx context.Context, device dbus.ObjectPath, settings connectionSettings) (link, error)
	IPv4Address(l link) (string, error)
	// Deactivate takes the connection down and deletes its profile.
	Deactivate(l link) error
	Close() error
}

func hotspotSettings(c Credentials) connectionSettings {
	return connectionSettings{
		"connection": {
			"id":          dbus.MakeVariant(c.SSID),
			"type":        dbus.MakeVariant("802-11-wireless"),
			"autoconnect": dbus.MakeVariant(false),
		},
		"802-11-wireless": {
			"ssid": dbus.MakeVariant([]byte(c.SSID)),
			"mode": dbus.MakeVariant("ap"),
			"band": dbus.MakeVariant("bg"),
		},
		"802-11-wireless-security": {
			"key-mgmt": dbus.MakeVariant("wpa-psk"),
			"psk":      dbus.MakeVariant(c.PSK()),
		},
		"ipv4": {"method": dbus.MakeVariant("shared")},
		"ipv6": {"method": dbus.MakeVariant("ignore")},
	}
}

func clientSettings(c Credentials) connectionSettings {
	return connectionSettings{
		"connection": {
			"id":          dbus.MakeVariant(c.SSID),
			"type":        dbus.MakeVariant("802-11-wireless"),
			"autoconnect": dbus.MakeVariant(false),
		},
		"802-11-wireless": {
			"ssid": dbus.MakeVariant([]byte(c.SSID)),
			"mode": dbus.MakeVariant("infrastructure"),
		},
		"802-11-wireless-security": {
			"key-mgmt": dbus.MakeVariant("wpa-psk"),
			"psk":      dbus.MakeVariant(c.PSK()),
		},
		"ipv4": {"method": dbus.MakeVariant("auto")},
		"ipv6": {"method": dbus.MakeVariant("ignore")},
	}
}

type systemNM struct {
	conn *dbus.Conn
}

func dialNetworkManager() (networkManager, error) {
	conn, err := dbus.ConnectSystemBus()
	if err != nil {
		return nil, fmt.Errorf("connect system bus: %w", err)
	}
	return &systemNM{conn: conn}, nil
}

func (n *systemNM) object(path dbus.ObjectPath) dbus.BusObject {
	return n.conn.Object(nmService, path)
}

func (n *systemNM) WifiDevice(iface string) (dbus.ObjectPath, error) {
	var devices []dbus.ObjectPath
	if err := n.object(nmPath).Call(nmIface+".GetDevices", 0).Store(&devices); err != nil {
		return "", fmt.Errorf("GetDevices: %w", err)
	}
	for _, dev := range devices {
		obj := n.object(dev)
		typ, err := obj.GetProperty(nmDeviceIface + ".DeviceType")
		if err != nil {
			continue
		}
		if t, _ := typ.Value().(uint32); t != nmDeviceTypeWifi {
			continue
		}
		if iface == "" {
			return dev, nil
		}
		name, err := obj.GetProperty(nmDeviceIface + ".Interface")
		if err == nil && name.Value() == iface {
			return dev, nil
		}
	}
	if iface != "" {
		return "", fmt.Errorf("%w: %s", ErrNoWifiDevice, iface)
	}
	return "", ErrNoWifiDevice
}

func (n *systemNM) WirelessEnabled() (bool, error) {
	v, err := n.object(nmPath).GetProperty(nmIface + ".WirelessEnabled")
	if err != nil {
		return false, fmt.Errorf("read WirelessEnabled: %w", err)
	}
	enabled, _ := v.Value().(bool)
	return enabled, nil
}

func (n *systemNM) Activate(ctx context.Context, device dbus.ObjectPath, settings connectionSettings) (link, error) {
	var l link
	call := n.object(nmPath).CallWithContext(ctx, nmIface+".AddAndActivateConnection", 0, settings, device, dbus.ObjectPath("/"))
	if err := call.Store(&l.settings, &l.active); err != nil {
		return link{}, fmt.Errorf("AddAndActivateConnection: %w", err)
	}

	ticker := time.NewTicker(activationPollInterval)
	defer ticker.Stop()
	for {
		v, err := n.object(l.active).GetProperty(nmActiveIface + ".State")
		if err != nil {
			n.Deactivate(l)
			return link{}, fmt.Errorf("%w: %w", ErrActivationFailed, err)
		}
		switch state, _ := v.Value().(uint32); state {
		case nmActiveStateActivated:
			return l, nil
		case nmActiveStateDeactivated:
			n.Deactivate(l)
			return link{}, ErrActivationFailed
		}

		select {
		case <-ctx.Done():
			n.Deactivate(l)
			return link{}, fmt.Errorf("%w: %w", ErrActivationFailed, ctx.Err())
		case <-ticker.C:
		}
	}
}

func (n *systemNM) IPv4Address(l link) (string, error) {
	v, err := n.object(l.active).GetProperty(nmActiveIface + ".Ip4Config")
	if err != nil {
		return "", fmt.Errorf("read Ip4Config: %w", err)
	}
	cfgPath, _ := v.Value().(dbus.ObjectPath)
	if cfgPath == "" || cfgPath == "/" {
		return "", errors.New("connection has no IPv4 configuration")
	}

	data, err := n.object(cfgPath).GetProperty(nmIP4ConfigIfc + ".AddressData")
	if err != nil {
		return "", fmt.Errorf("read AddressData: %w", err)
	}
	addrs, _ := data.Value().([]map[string]dbus.Variant)
	for _, a := range addrs {
		if ip, ok := a["address"].Value().(string); ok && ip != "" {
			return ip, nil
		}
	}
	return "", errors.New("connection has no IPv4 address")
}

func (n *systemNM) Deactivate(l link) error {
	err := n.object(nmPath).Call(nmIface+".DeactivateConnection", 0, l.active).Err
	if delErr := n.object(l.settings).Call(nmSettingsIface+".Delete", 0).Err; err == nil {
		err = delErr
	}
	if err != nil {
		return fmt.Errorf("deactivate %s: %w", l.active, err)
	}
	return nil
}

func (n *systemNM) Close() error {
	return n.conn.Close()
}
