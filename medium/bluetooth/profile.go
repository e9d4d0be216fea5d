package bluetooth

import (
	"os"

	dbus "github.com/godbus/dbus/v5"
	"github.com/sirupsen/logrus"
)

// profile implements org.bluez.Profile1. BlueZ calls NewConnection with
// the RFCOMM socket of each connection on the profile's UUID.
type profile struct {
	uuid string
	// deliver takes ownership of f and reports whether it did.
	deliver func(device dbus.ObjectPath, f *os.File) bool
}

func (p *profile) Release() *dbus.Error { return nil }

func (p *profile) Cancel() *dbus.Error { return nil }

func (p *profile) RequestDisconnection(dbus.ObjectPath) *dbus.Error { return nil }

func (p *profile) NewConnection(device dbus.ObjectPath, fd dbus.UnixFD, _ map[string]dbus.Variant) *dbus.Error {
	f := os.NewFile(uintptr(fd), "rfcomm:"+macFromPath(device))
	if f == nil {
		return &dbus.Error{Name: "org.bluez.Error.Rejected", Body: []interface{}{"invalid fd"}}
	}
	if !p.deliver(device, f) {
		_ = f.Close()
		logrus.WithFields(logrus.Fields{
			"function": "profile.NewConnection",
			"device":   string(device),
			"uuid":     p.uuid,
		}).Warn("Rejecting RFCOMM connection with no receiver")
		return &dbus.Error{Name: "org.bluez.Error.Rejected", Body: []interface{}{"no receiver"}}
	}
	return nil
}
