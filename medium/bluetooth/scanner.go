package bluetooth

import (
	"bytes"
	"context"
	"strings"
	"sync"

	dbus "github.com/godbus/dbus/v5"
	"github.com/opd-ai/nearby/medium"
	"github.com/sirupsen/logrus"
)

// matcher turns Device1 properties into a service when the device
// advertises the one being searched for.
type matcher func(path dbus.ObjectPath, props map[string]dbus.Variant) (medium.ServiceInfo, bool)

// scanner runs adapter discovery and reports devices accepted by match.
// Everything past start runs on the loop goroutine, so the maps need no
// lock.
type scanner struct {
	bus      bluez
	adapter  dbus.ObjectPath
	match    matcher
	callback medium.DiscoveredServiceCallback

	signals  <-chan *dbus.Signal
	cancel   func()
	stopChan chan struct{}
	wg       sync.WaitGroup

	devices map[dbus.ObjectPath]map[string]dbus.Variant
	found   map[dbus.ObjectPath]medium.ServiceInfo
}

func startScanner(bus bluez, adapter dbus.ObjectPath, filter map[string]any, match matcher, cb medium.DiscoveredServiceCallback) (*scanner, error) {
	signals, cancel, err := bus.Signals()
	if err != nil {
		return nil, err
	}

	ctx := context.Background()
	variants := make(map[string]dbus.Variant, len(filter))
	for k, v := range filter {
		variants[k] = dbus.MakeVariant(v)
	}
	if err := bus.Call(ctx, adapter, adapterIface+".SetDiscoveryFilter", variants); err != nil {
		cancel()
		return nil, err
	}
	if err := bus.Call(ctx, adapter, adapterIface+".StartDiscovery"); err != nil {
		cancel()
		return nil, err
	}

	s := &scanner{
		bus:      bus,
		adapter:  adapter,
		match:    match,
		callback: cb,
		signals:  signals,
		cancel:   cancel,
		stopChan: make(chan struct{}),
		devices:  make(map[dbus.ObjectPath]map[string]dbus.Variant),
		found:    make(map[dbus.ObjectPath]medium.ServiceInfo),
	}
	s.wg.Add(1)
	go s.loop()
	return s, nil
}

func (s *scanner) loop() {
	defer s.wg.Done()

	// Devices BlueZ already knows are reported before new ones.
	if objs, err := s.bus.ManagedObjects(); err != nil {
		logrus.WithError(err).Warn("Failed to list known bluetooth devices")
	} else {
		for path, ifaces := range objs {
			if props, ok := ifaces[deviceIface]; ok && s.ownsPath(path) {
				s.devices[path] = props
				s.evaluate(path)
			}
		}
	}

	for {
		select {
		case <-s.stopChan:
			return
		case sig, ok := <-s.signals:
			if !ok {
				return
			}
			s.handleSignal(sig)
		}
	}
}

func (s *scanner) ownsPath(path dbus.ObjectPath) bool {
	return strings.HasPrefix(string(path), string(s.adapter)+"/")
}

func (s *scanner) handleSignal(sig *dbus.Signal) {
	if sig == nil {
		return
	}
	switch sig.Name {
	case objManagerIface + ".InterfacesAdded":
		if len(sig.Body) < 2 {
			return
		}
		path, _ := sig.Body[0].(dbus.ObjectPath)
		ifaces, _ := sig.Body[1].(map[string]map[string]dbus.Variant)
		props, ok := ifaces[deviceIface]
		if !ok || !s.ownsPath(path) {
			return
		}
		s.devices[path] = props
		s.evaluate(path)

	case objManagerIface + ".InterfacesRemoved":
		if len(sig.Body) < 2 {
			return
		}
		path, _ := sig.Body[0].(dbus.ObjectPath)
		ifaces, _ := sig.Body[1].([]string)
		if !containsFold(ifaces, deviceIface) {
			return
		}
		delete(s.devices, path)
		s.evaluate(path)

	case propsIface + ".PropertiesChanged":
		if len(sig.Body) < 2 || !s.ownsPath(sig.Path) {
			return
		}
		if iface, _ := sig.Body[0].(string); iface != deviceIface {
			return
		}
		changed, _ := sig.Body[1].(map[string]dbus.Variant)
		props, ok := s.devices[sig.Path]
		if !ok {
			props = make(map[string]dbus.Variant, len(changed))
			s.devices[sig.Path] = props
		}
		for k, v := range changed {
			props[k] = v
		}
		if len(sig.Body) > 2 {
			invalidated, _ := sig.Body[2].([]string)
			for _, k := range invalidated {
				delete(props, k)
			}
		}
		s.evaluate(sig.Path)
	}
}

// evaluate reconciles the found set with the current properties of path.
func (s *scanner) evaluate(path dbus.ObjectPath) {
	prev, wasFound := s.found[path]

	var info medium.ServiceInfo
	matched := false
	if props, ok := s.devices[path]; ok {
		info, matched = s.match(path, props)
	}

	switch {
	case matched && wasFound && sameService(prev, info):
		return
	case matched:
		if wasFound {
			s.lost(prev)
		}
		s.found[path] = info
		logrus.WithFields(logrus.Fields{
			"function":   "scanner.evaluate",
			"service_id": info.ServiceID,
			"name":       info.Name,
			"address":    info.Address,
		}).Info("Discovered bluetooth service")
		s.callback.OnFound(info)
	case wasFound:
		delete(s.found, path)
		s.lost(prev)
	}
}

func (s *scanner) lost(info medium.ServiceInfo) {
	logrus.WithFields(logrus.Fields{
		"function":   "scanner.lost",
		"service_id": info.ServiceID,
		"address":    info.Address,
	}).Info("Bluetooth service lost")
	if s.callback.OnLost != nil {
		s.callback.OnLost(info)
	}
}

func (s *scanner) stop() {
	close(s.stopChan)
	s.wg.Wait()
	s.cancel()

	if err := s.bus.Call(context.Background(), s.adapter, adapterIface+".StopDiscovery"); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "scanner.stop",
			"adapter":  string(s.adapter),
			"error":    err.Error(),
		}).Warn("Failed to stop adapter discovery")
	}
}

func sameService(a, b medium.ServiceInfo) bool {
	return a.ServiceID == b.ServiceID && a.Name == b.Name &&
		a.Address == b.Address && bytes.Equal(a.Data, b.Data)
}

// deviceName prefers the user-visible alias.
func deviceName(props map[string]dbus.Variant) string {
	if alias := stringProp(props, "Alias"); alias != "" {
		return alias
	}
	return stringProp(props, "Name")
}

func deviceAddress(path dbus.ObjectPath, props map[string]dbus.Variant) string {
	if mac := stringProp(props, "Address"); mac != "" {
		return mac
	}
	return macFromPath(path)
}
