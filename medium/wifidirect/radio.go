package wifidirect

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/opd-ai/nearby/medium"
	"github.com/opd-ai/nearby/medium/tcp"
	"github.com/sirupsen/logrus"
)

// ErrNoGroup indicates accepting was requested before the group is up.
var ErrNoGroup = errors.New("wifi direct group not started")

const (
	// DefaultSSIDPrefix follows the Wi-Fi Direct convention for group SSIDs.
	DefaultSSIDPrefix = "DIRECT-NB-"

	defaultActivationTimeout = 30 * time.Second
)

// Config tunes a Radio. Zero fields take defaults.
type Config struct {
	// Interface names the Wi-Fi device; empty picks the first one.
	Interface string
	// Port is the TCP port of the accept loop; 0 picks a free one.
	Port              int
	SSIDPrefix        string
	ActivationTimeout time.Duration
	PreambleTimeout   time.Duration
}

func (c Config) withDefaults() Config {
	if c.SSIDPrefix == "" {
		c.SSIDPrefix = DefaultSSIDPrefix
	}
	if c.ActivationTimeout <= 0 {
		c.ActivationTimeout = defaultActivationTimeout
	}
	if c.PreambleTimeout <= 0 {
		c.PreambleTimeout = tcp.DefaultPreambleTimeout
	}
	return c
}

type group struct {
	link  link
	creds Credentials
}

// Radio is the Wi-Fi Direct backend.
type Radio struct {
	cfg  Config
	dial func() (networkManager, error)

	mu       sync.Mutex
	nm       networkManager
	closed   bool
	group    *group
	acceptor *tcp.Acceptor
	joined   *link
}

var _ medium.Radio = (*Radio)(nil)

// New creates a Wi-Fi Direct radio. The system bus is opened on first use.
func New(cfg Config) *Radio {
	return newRadio(cfg, dialNetworkManager)
}

func newRadio(cfg Config, dial func() (networkManager, error)) *Radio {
	return &Radio{cfg: cfg.withDefaults(), dial: dial}
}

func (r *Radio) Kind() medium.Kind { return medium.WifiDirect }

func (r *Radio) nmLocked() (networkManager, error) {
	if r.closed {
		return nil, errors.New("wifi direct radio closed")
	}
	if r.nm == nil {
		nm, err := r.dial()
		if err != nil {
			return nil, err
		}
		r.nm = nm
	}
	return r.nm, nil
}

// IsValid reports whether a Wi-Fi device exists and wireless is enabled.
func (r *Radio) IsValid() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	nm, err := r.nmLocked()
	if err != nil {
		return false
	}
	if _, err := nm.WifiDevice(r.cfg.Interface); err != nil {
		return false
	}
	enabled, err := nm.WirelessEnabled()
	return err == nil && enabled
}

// StartAdvertising brings the group up as a hotspot with fresh credentials.
func (r *Radio) StartAdvertising(serviceID string, info medium.ServiceInfo) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.group != nil {
		return fmt.Errorf("%w: group running", medium.ErrAlreadyActive)
	}

	nm, err := r.nmLocked()
	if err != nil {
		return err
	}
	device, err := nm.WifiDevice(r.cfg.Interface)
	if err != nil {
		return err
	}
	creds, err := GenerateCredentials(r.cfg.SSIDPrefix)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), r.cfg.ActivationTimeout)
	defer cancel()
	l, err := nm.Activate(ctx, device, hotspotSettings(creds))
	if err != nil {
		return fmt.Errorf("start hotspot: %w", err)
	}
	ip, err := nm.IPv4Address(l)
	if err != nil {
		if stopErr := nm.Deactivate(l); stopErr != nil {
			logrus.WithError(stopErr).Warn("Failed to tear down hotspot")
		}
		return err
	}
	creds.IPAddress = ip
	r.group = &group{link: l, creds: creds}

	logrus.WithFields(logrus.Fields{
		"function":   "Radio.StartAdvertising",
		"service_id": serviceID,
		"name":       info.Name,
		"ssid":       creds.SSID,
		"owner_ip":   ip,
	}).Info("Wi-Fi Direct group started")
	return nil
}

func (r *Radio) StopAdvertising(string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	g := r.group
	r.group = nil
	if g == nil || r.nm == nil {
		return nil
	}
	return r.nm.Deactivate(g.link)
}

// StartDiscovery is unsupported: credentials travel out of band.
func (r *Radio) StartDiscovery(string, medium.DiscoveredServiceCallback) error {
	return medium.ErrUnsupported
}

func (r *Radio) StopDiscovery(string) error { return nil }

// StartAcceptingConnections listens on the group owner's address.
func (r *Radio) StartAcceptingConnections(serviceID string, cb medium.AcceptedConnectionCallback) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.acceptor != nil {
		return fmt.Errorf("%w: accepting for %q", medium.ErrAlreadyActive, r.acceptor.ServiceID())
	}
	if r.group == nil {
		return ErrNoGroup
	}

	addr := net.JoinHostPort(r.group.creds.IPAddress, strconv.Itoa(r.cfg.Port))
	acc, err := tcp.Listen(medium.WifiDirect, addr, serviceID, r.cfg.PreambleTimeout, cb)
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

// Credentials returns what a peer needs to join the group and reach the
// accept loop. ok is false until both are running.
func (r *Radio) Credentials() (creds Credentials, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.group == nil || r.acceptor == nil {
		return Credentials{}, false
	}
	creds = r.group.creds
	if tcpAddr, isTCP := r.acceptor.Addr().(*net.TCPAddr); isTCP {
		creds.Port = tcpAddr.Port
	}
	return creds, true
}

// Connect joins the group named by the credentials in remote.Data, then
// dials the owner. Without credentials it dials remote.Address on the
// current network.
func (r *Radio) Connect(ctx context.Context, remote medium.ServiceInfo, serviceID string) (medium.Socket, error) {
	address := remote.Address
	if len(remote.Data) > 0 {
		creds, err := DecodeCredentials(remote.Data)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", medium.ErrInvalidArgument, err)
		}
		if err := r.join(ctx, creds); err != nil {
			return nil, err
		}
		address = creds.Address()
	}
	return tcp.Dial(ctx, medium.WifiDirect, address, serviceID)
}

func (r *Radio) join(ctx context.Context, creds Credentials) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	nm, err := r.nmLocked()
	if err != nil {
		return err
	}
	if r.joined != nil {
		if err := nm.Deactivate(*r.joined); err != nil {
			logrus.WithError(err).Warn("Failed to leave previous Wi-Fi Direct group")
		}
		r.joined = nil
	}

	device, err := nm.WifiDevice(r.cfg.Interface)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, r.cfg.ActivationTimeout)
	defer cancel()
	l, err := nm.Activate(ctx, device, clientSettings(creds))
	if err != nil {
		return fmt.Errorf("join %s: %w", creds.SSID, err)
	}
	r.joined = &l

	logrus.WithFields(logrus.Fields{
		"function": "Radio.join",
		"ssid":     creds.SSID,
	}).Info("Joined Wi-Fi Direct group")
	return nil
}

// Disconnect leaves a group joined by Connect.
func (r *Radio) Disconnect() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.joined == nil || r.nm == nil {
		return nil
	}
	err := r.nm.Deactivate(*r.joined)
	r.joined = nil
	return err
}

// Close stops accepting, tears the group down and leaves any joined group.
func (r *Radio) Close() error {
	errs := []error{
		r.StopAcceptingConnections(""),
		r.StopAdvertising(""),
		r.Disconnect(),
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	if r.nm != nil {
		errs = append(errs, r.nm.Close())
		r.nm = nil
	}
	return errors.Join(errs...)
}
