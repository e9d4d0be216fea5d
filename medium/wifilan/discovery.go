package wifilan

import (
	"bytes"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/opd-ai/nearby/medium"
	"github.com/sirupsen/logrus"
)

// advertiser periodically broadcasts one announcement.
type advertiser struct {
	radio     *Radio
	serviceID string
	name      string
	conn      net.PacketConn
	targets   []*net.UDPAddr
	stopChan  chan struct{}
	wg        sync.WaitGroup
}

func startAdvertiser(r *Radio, serviceID, name string) (*advertiser, error) {
	// Validate before opening anything.
	probe := announcement{serviceID: serviceID, name: name}
	if _, err := probe.marshal(); err != nil {
		return nil, err
	}

	targets := make([]*net.UDPAddr, 0, len(r.cfg.AnnounceTargets))
	for _, t := range r.cfg.AnnounceTargets {
		addr, err := net.ResolveUDPAddr("udp4", t)
		if err != nil {
			return nil, fmt.Errorf("resolve announce target %q: %w", t, err)
		}
		targets = append(targets, addr)
	}

	conn, err := net.ListenPacket("udp4", ":0")
	if err != nil {
		logrus.WithError(err).Error("Failed to create wifi lan announce socket")
		return nil, fmt.Errorf("failed to create announce socket: %w", err)
	}

	a := &advertiser{
		radio:     r,
		serviceID: serviceID,
		name:      name,
		conn:      conn,
		targets:   targets,
		stopChan:  make(chan struct{}),
	}
	a.wg.Add(1)
	go a.broadcastLoop()

	logrus.WithFields(logrus.Fields{
		"function":   "startAdvertiser",
		"service_id": serviceID,
		"name":       name,
		"targets":    r.cfg.AnnounceTargets,
	}).Info("Wifi LAN advertising started")

	return a, nil
}

func (a *advertiser) broadcastLoop() {
	defer a.wg.Done()

	ticker := time.NewTicker(a.radio.cfg.AnnounceInterval)
	defer ticker.Stop()

	// Send initial announcement immediately
	a.broadcast(flagAnnounce)

	for {
		select {
		case <-ticker.C:
			a.broadcast(flagAnnounce)
		case <-a.stopChan:
			return
		}
	}
}

func (a *advertiser) broadcast(flags byte) {
	pkt := announcement{
		flags:     flags,
		port:      a.radio.acceptPort(),
		instance:  a.radio.instance,
		serviceID: a.serviceID,
		name:      a.name,
	}
	data, err := pkt.marshal()
	if err != nil {
		return
	}

	for _, target := range a.targets {
		if _, err := a.conn.WriteTo(data, target); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "advertiser.broadcast",
				"target":   target.String(),
				"error":    err.Error(),
			}).Debug("Failed to send announcement")
		}
	}
}

func (a *advertiser) stop() {
	close(a.stopChan)
	a.wg.Wait()

	a.broadcast(flagGoodbye)
	a.conn.Close()

	logrus.WithFields(logrus.Fields{
		"function":   "advertiser.stop",
		"service_id": a.serviceID,
	}).Info("Wifi LAN advertising stopped")
}

// sameService reports whether a and b describe the same advertisement.
func sameService(a, b medium.ServiceInfo) bool {
	return a.ServiceID == b.ServiceID && a.Name == b.Name &&
		a.Address == b.Address && bytes.Equal(a.Data, b.Data)
}

type seenService struct {
	info     medium.ServiceInfo
	lastSeen time.Time
}

// discoverer listens for announcements of one service id.
type discoverer struct {
	cfg       Config
	self      [instanceIDSize]byte
	serviceID string
	callback  medium.DiscoveredServiceCallback
	conn      net.PacketConn
	stopChan  chan struct{}
	wg        sync.WaitGroup

	seen map[[instanceIDSize]byte]*seenService
}

func startDiscoverer(cfg Config, self [instanceIDSize]byte, serviceID string, cb medium.DiscoveredServiceCallback) (*discoverer, error) {
	conn, err := net.ListenPacket("udp4", cfg.DiscoveryListenAddr)
	if err != nil {
		logrus.WithError(err).Error("Failed to create wifi lan discovery socket")
		return nil, fmt.Errorf("failed to create discovery socket: %w", err)
	}

	d := &discoverer{
		cfg:       cfg,
		self:      self,
		serviceID: serviceID,
		callback:  cb,
		conn:      conn,
		stopChan:  make(chan struct{}),
		seen:      make(map[[instanceIDSize]byte]*seenService),
	}
	d.wg.Add(1)
	go d.receiveLoop()

	logrus.WithFields(logrus.Fields{
		"function":   "startDiscoverer",
		"service_id": serviceID,
		"listen":     conn.LocalAddr().String(),
	}).Info("Wifi LAN discovery started")

	return d, nil
}

func (d *discoverer) receiveLoop() {
	defer d.wg.Done()

	buffer := make([]byte, 1024)
	pollInterval := min(time.Second, d.cfg.ServiceTTL/2)

	for {
		select {
		case <-d.stopChan:
			return
		default:
		}

		// Set read deadline to allow checking stopChan and expiring services
		d.conn.SetReadDeadline(time.Now().Add(pollInterval))

		n, addr, err := d.conn.ReadFrom(buffer)
		if err != nil {
			select {
			case <-d.stopChan:
				return
			default:
			}
			var ne net.Error
			if !errors.As(err, &ne) || !ne.Timeout() {
				logrus.WithError(err).Debug("Wifi LAN discovery read failed")
			}
			d.expire(time.Now())
			continue
		}

		d.handlePacket(buffer[:n], addr, time.Now())
		d.expire(time.Now())
	}
}

// handlePacket runs on the receive goroutine only, so seen needs no lock.
func (d *discoverer) handlePacket(data []byte, addr net.Addr, now time.Time) {
	pkt, err := parseAnnouncement(data)
	if err != nil {
		logrus.WithError(err).Debug("Ignoring datagram on discovery port")
		return
	}
	if pkt.instance == d.self || pkt.serviceID != d.serviceID {
		return
	}

	udpAddr, ok := addr.(*net.UDPAddr)
	if !ok {
		return
	}

	if pkt.flags&flagGoodbye != 0 {
		if s, ok := d.seen[pkt.instance]; ok {
			delete(d.seen, pkt.instance)
			d.lost(s.info)
		}
		return
	}

	info := medium.ServiceInfo{
		ServiceID: pkt.serviceID,
		Name:      pkt.name,
		Address:   net.JoinHostPort(udpAddr.IP.String(), strconv.Itoa(int(pkt.port))),
	}

	s, known := d.seen[pkt.instance]
	if known && sameService(s.info, info) {
		s.lastSeen = now
		return
	}
	if known {
		// Same peer, new name or port: report the old one lost first.
		d.lost(s.info)
	}
	d.seen[pkt.instance] = &seenService{info: info, lastSeen: now}

	logrus.WithFields(logrus.Fields{
		"function":   "discoverer.handlePacket",
		"service_id": info.ServiceID,
		"name":       info.Name,
		"peer_addr":  info.Address,
	}).Info("Discovered Wifi LAN service")

	d.callback.OnFound(info)
}

func (d *discoverer) expire(now time.Time) {
	for key, s := range d.seen {
		if now.Sub(s.lastSeen) > d.cfg.ServiceTTL {
			delete(d.seen, key)
			d.lost(s.info)
		}
	}
}

func (d *discoverer) lost(info medium.ServiceInfo) {
	logrus.WithFields(logrus.Fields{
		"function":   "discoverer.lost",
		"service_id": info.ServiceID,
		"name":       info.Name,
		"peer_addr":  info.Address,
	}).Info("Wifi LAN service lost")

	if d.callback.OnLost != nil {
		d.callback.OnLost(info)
	}
}

func (d *discoverer) stop() {
	close(d.stopChan)
	// Close the connection to unblock any ReadFrom calls
	d.conn.Close()
	d.wg.Wait()

	logrus.WithFields(logrus.Fields{
		"function":   "discoverer.stop",
		"service_id": d.serviceID,
	}).Info("Wifi LAN discovery stopped")
}
