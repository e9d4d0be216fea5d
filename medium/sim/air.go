package sim

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/opd-ai/nearby/medium"
	"github.com/sirupsen/logrus"
)

var (
	// ErrNoAcceptor is returned by Connect when nobody accepts for the
	// service at the remote address.
	ErrNoAcceptor = errors.New("no acceptor at remote address")

	// ErrRadioDisabled is returned for calls on a disabled radio.
	ErrRadioDisabled = errors.New("simulated radio disabled")
)

// CallRecord is one backend call observed by the Air.
type CallRecord struct {
	Radio     string
	Call      string
	ServiceID string
	Timestamp time.Time
	Err       error
}

type advertisement struct {
	radio *Radio
	info  medium.ServiceInfo
}

type discoverer struct {
	radio     *Radio
	serviceID string
	callback  medium.DiscoveredServiceCallback
}

type acceptor struct {
	serviceID string
	callback  medium.AcceptedConnectionCallback
}

// Air is the shared medium simulated radios talk through.
type Air struct {
	mu          sync.Mutex
	adverts     map[*Radio]advertisement
	discoverers map[*Radio]discoverer
	acceptors   map[string]acceptor
	callLog     []CallRecord
}

// NewAir creates an empty simulated air.
func NewAir() *Air {
	logrus.Warn("SIMULATION FUNCTION - NOT A REAL OPERATION")
	logrus.WithField("function", "sim.NewAir").Info("Creating simulated air")

	return &Air{
		adverts:     make(map[*Radio]advertisement),
		discoverers: make(map[*Radio]discoverer),
		acceptors:   make(map[string]acceptor),
	}
}

// NewRadio attaches a new enabled radio of the given kind. address must be
// unique within the Air; it is what remote peers pass to Connect.
func (a *Air) NewRadio(kind medium.Kind, address string) *Radio {
	r := &Radio{air: a, kind: kind, address: address}
	r.enabled.Store(true)
	return r
}

// Calls returns a copy of the call log.
func (a *Air) Calls() []CallRecord {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]CallRecord, len(a.callLog))
	copy(out, a.callLog)
	return out
}

// CallCount counts logged calls named call made by the radio at address.
// An empty address counts calls from every radio.
func (a *Air) CallCount(address, call string) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	n := 0
	for _, rec := range a.callLog {
		if rec.Call == call && (address == "" || rec.Radio == address) {
			n++
		}
	}
	return n
}

// ClearCalls empties the call log.
func (a *Air) ClearCalls() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.callLog = a.callLog[:0]
}

func (a *Air) logLocked(r *Radio, call, serviceID string, err error) {
	a.callLog = append(a.callLog, CallRecord{
		Radio:     r.address,
		Call:      call,
		ServiceID: serviceID,
		Timestamp: time.Now(),
		Err:       err,
	})
}

func (a *Air) advertise(r *Radio, serviceID string, info medium.ServiceInfo) error {
	a.mu.Lock()
	if !r.enabled.Load() {
		a.logLocked(r, "StartAdvertising", serviceID, ErrRadioDisabled)
		a.mu.Unlock()
		return ErrRadioDisabled
	}
	info.ServiceID = serviceID
	info.Address = r.address
	a.adverts[r] = advertisement{radio: r, info: info}
	a.logLocked(r, "StartAdvertising", serviceID, nil)
	notify := a.matchingDiscoverersLocked(r, serviceID)
	a.mu.Unlock()

	for _, d := range notify {
		d.callback.OnFound(info)
	}
	return nil
}

func (a *Air) stopAdvertising(r *Radio, serviceID string) error {
	a.mu.Lock()
	ad, ok := a.adverts[r]
	delete(a.adverts, r)
	a.logLocked(r, "StopAdvertising", serviceID, nil)
	var notify []discoverer
	if ok {
		notify = a.matchingDiscoverersLocked(r, ad.info.ServiceID)
	}
	a.mu.Unlock()

	for _, d := range notify {
		if d.callback.OnLost != nil {
			d.callback.OnLost(ad.info)
		}
	}
	return nil
}

func (a *Air) matchingDiscoverersLocked(self *Radio, serviceID string) []discoverer {
	var out []discoverer
	for r, d := range a.discoverers {
		if r != self && d.serviceID == serviceID && r.kind == self.kind {
			out = append(out, d)
		}
	}
	return out
}

func (a *Air) discover(r *Radio, serviceID string, cb medium.DiscoveredServiceCallback) error {
	a.mu.Lock()
	if !r.enabled.Load() {
		a.logLocked(r, "StartDiscovery", serviceID, ErrRadioDisabled)
		a.mu.Unlock()
		return ErrRadioDisabled
	}
	a.discoverers[r] = discoverer{radio: r, serviceID: serviceID, callback: cb}
	a.logLocked(r, "StartDiscovery", serviceID, nil)
	var found []medium.ServiceInfo
	for other, ad := range a.adverts {
		if other != r && other.kind == r.kind && ad.info.ServiceID == serviceID {
			found = append(found, ad.info)
		}
	}
	a.mu.Unlock()

	for _, info := range found {
		cb.OnFound(info)
	}
	return nil
}

func (a *Air) stopDiscovery(r *Radio, serviceID string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.discoverers, r)
	a.logLocked(r, "StopDiscovery", serviceID, nil)
	return nil
}

func (a *Air) accept(r *Radio, serviceID string, cb medium.AcceptedConnectionCallback) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !r.enabled.Load() {
		a.logLocked(r, "StartAcceptingConnections", serviceID, ErrRadioDisabled)
		return ErrRadioDisabled
	}
	a.acceptors[r.address] = acceptor{serviceID: serviceID, callback: cb}
	a.logLocked(r, "StartAcceptingConnections", serviceID, nil)
	return nil
}

func (a *Air) stopAccepting(r *Radio, serviceID string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.acceptors, r.address)
	a.logLocked(r, "StopAcceptingConnections", serviceID, nil)
	return nil
}

func (a *Air) connect(ctx context.Context, r *Radio, remote medium.ServiceInfo, serviceID string) (medium.Socket, error) {
	a.mu.Lock()
	if err := ctx.Err(); err != nil {
		a.logLocked(r, "Connect", serviceID, err)
		a.mu.Unlock()
		return nil, err
	}
	if !r.enabled.Load() {
		a.logLocked(r, "Connect", serviceID, ErrRadioDisabled)
		a.mu.Unlock()
		return nil, ErrRadioDisabled
	}
	acc, ok := a.acceptors[remote.Address]
	if !ok || acc.serviceID != serviceID {
		err := fmt.Errorf("%w: %s for %q", ErrNoAcceptor, remote.Address, serviceID)
		a.logLocked(r, "Connect", serviceID, err)
		a.mu.Unlock()
		return nil, err
	}
	a.logLocked(r, "Connect", serviceID, nil)
	a.mu.Unlock()

	local, far := net.Pipe()
	go acc.callback(serviceID, medium.NewSocket(r.kind, far, r.address))

	logrus.WithFields(logrus.Fields{
		"function":    "Air.connect",
		"medium":      r.kind.String(),
		"local_addr":  r.address,
		"remote_addr": remote.Address,
		"service_id":  serviceID,
	}).Debug("Simulated connection established")

	return medium.NewSocket(r.kind, local, remote.Address), nil
}

func (a *Air) detach(r *Radio) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.adverts, r)
	delete(a.discoverers, r)
	delete(a.acceptors, r.address)
	a.logLocked(r, "Close", "", nil)
}
