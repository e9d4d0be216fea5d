package wifilan

import (
	"context"
	"crypto/rand"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/opd-ai/nearby/medium"
	"github.com/opd-ai/nearby/medium/tcp"
	"github.com/sirupsen/logrus"
)

const (
	// DefaultDiscoveryPort is the UDP port announcements are sent to.
	DefaultDiscoveryPort = 47123

	defaultAnnounceInterval = 3 * time.Second
	defaultServiceTTL       = 15 * time.Second
)

// Config tunes a Radio. Zero fields take defaults.
type Config struct {
	// DiscoveryListenAddr is where discovery listens, ":47123" by default.
	DiscoveryListenAddr string
	// AnnounceTargets are the UDP destinations of announcements. The
	// default is the IPv4 broadcast address on DefaultDiscoveryPort.
	AnnounceTargets []string
	// AcceptListenAddr is where the TCP accept loop listens, ":0" by default.
	AcceptListenAddr string

	AnnounceInterval time.Duration
	ServiceTTL       time.Duration
	PreambleTimeout  time.Duration
}

func (c Config) withDefaults() Config {
	if c.DiscoveryListenAddr == "" {
		c.DiscoveryListenAddr = fmt.Sprintf(":%d", DefaultDiscoveryPort)
	}
	if len(c.AnnounceTargets) == 0 {
		c.AnnounceTargets = []string{fmt.Sprintf("%s:%d", net.IPv4bcast, DefaultDiscoveryPort)}
	}
	if c.AcceptListenAddr == "" {
		c.AcceptListenAddr = ":0"
	}
	if c.AnnounceInterval <= 0 {
		c.AnnounceInterval = defaultAnnounceInterval
	}
	if c.ServiceTTL <= 0 {
		c.ServiceTTL = defaultServiceTTL
	}
	if c.PreambleTimeout <= 0 {
		c.PreambleTimeout = tcp.DefaultPreambleTimeout
	}
	return c
}

// Radio is the Wi-Fi LAN backend.
type Radio struct {
	cfg      Config
	instance [instanceIDSize]byte

	mu         sync.Mutex
	advertiser *advertiser
	discoverer *discoverer
	acceptor   *tcp.Acceptor
	closed     bool
}

var _ medium.Radio = (*Radio)(nil)

// New creates a Radio. No sockets are opened until an operation starts.
func New(cfg Config) *Radio {
	r := &Radio{cfg: cfg.withDefaults()}
	if _, err := rand.Read(r.instance[:]); err != nil {
		logrus.WithError(err).Warn("Failed to randomize wifi lan instance id")
	}

	logrus.WithFields(logrus.Fields{
		"function":         "wifilan.New",
		"discovery_listen": r.cfg.DiscoveryListenAddr,
		"announce_targets": r.cfg.AnnounceTargets,
		"accept_listen":    r.cfg.AcceptListenAddr,
	}).Debug("Wifi LAN radio created")

	return r
}

func (r *Radio) Kind() medium.Kind { return medium.WifiLan }

// IsValid reports whether the radio is open and a network interface is up.
func (r *Radio) IsValid() bool {
	r.mu.Lock()
	closed := r.closed
	r.mu.Unlock()
	if closed {
		return false
	}
	ifaces, err := net.Interfaces()
	if err != nil {
		return false
	}
	for _, ifc := range ifaces {
		if ifc.Flags&net.FlagUp != 0 {
			return true
		}
	}
	return false
}

func (r *Radio) StartAdvertising(serviceID string, info medium.ServiceInfo) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.advertiser != nil {
		return fmt.Errorf("already advertising %q", r.advertiser.serviceID)
	}

	adv, err := startAdvertiser(r, serviceID, info.Name)
	if err != nil {
		return err
	}
	r.advertiser = adv
	return nil
}

func (r *Radio) StopAdvertising(string) error {
	r.mu.Lock()
	adv := r.advertiser
	r.advertiser = nil
	r.mu.Unlock()

	if adv == nil {
		return nil
	}
	adv.stop()
	return nil
}

func (r *Radio) StartDiscovery(serviceID string, cb medium.DiscoveredServiceCallback) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.discoverer != nil {
		return fmt.Errorf("already discovering %q", r.discoverer.serviceID)
	}

	d, err := startDiscoverer(r.cfg, r.instance, serviceID, cb)
	if err != nil {
		return err
	}
	r.discoverer = d
	return nil
}

func (r *Radio) StopDiscovery(string) error {
	r.mu.Lock()
	d := r.discoverer
	r.discoverer = nil
	r.mu.Unlock()

	if d == nil {
		return nil
	}
	d.stop()
	return nil
}

// DiscoveryAddr returns the local UDP address discovery listens on, or nil.
func (r *Radio) DiscoveryAddr() net.Addr {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.discoverer == nil {
		return nil
	}
	return r.discoverer.conn.LocalAddr()
}

func (r *Radio) StartAcceptingConnections(serviceID string, cb medium.AcceptedConnectionCallback) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.acceptor != nil {
		return fmt.Errorf("already accepting for %q", r.acceptor.ServiceID())
	}

	acc, err := tcp.Listen(medium.WifiLan, r.cfg.AcceptListenAddr, serviceID, r.cfg.PreambleTimeout, cb)
	if err != nil {
		return err
	}
	r.acceptor = acc
	return nil
}

func (r *Radio) StopAcceptingConnections(string) error {
	r.mu.Lock()
	acc := r.acceptor
	r.acceptor = nil
	r.mu.Unlock()

	if acc == nil {
		return nil
	}
	return acc.Stop()
}

// AcceptAddr returns the TCP address of the accept loop, or nil.
func (r *Radio) AcceptAddr() net.Addr {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.acceptor == nil {
		return nil
	}
	return r.acceptor.Addr()
}

// acceptPort is announced by the advertiser; zero when not accepting.
func (r *Radio) acceptPort() uint16 {
	addr, ok := r.AcceptAddr().(*net.TCPAddr)
	if !ok {
		return 0
	}
	return uint16(addr.Port)
}

// Connect dials remote.Address over TCP and sends the service preamble.
func (r *Radio) Connect(ctx context.Context, remote medium.ServiceInfo, serviceID string) (medium.Socket, error) {
	return tcp.Dial(ctx, medium.WifiLan, remote.Address, serviceID)
}

// Close stops every running loop and marks the radio unusable.
func (r *Radio) Close() error {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()

	_ = r.StopAdvertising("")
	_ = r.StopDiscovery("")
	return r.StopAcceptingConnections("")
}
