package sim

import (
	"context"
	"sync/atomic"

	"github.com/opd-ai/nearby/medium"
)

// Radio is a simulated medium.Radio attached to an Air.
type Radio struct {
	air     *Air
	kind    medium.Kind
	address string
	enabled atomic.Bool
}

var _ medium.Radio = (*Radio)(nil)

// Address is what peers pass as ServiceInfo.Address to reach this radio.
func (r *Radio) Address() string { return r.address }

// SetEnabled toggles the radio; a disabled radio reports IsValid false.
func (r *Radio) SetEnabled(enabled bool) { r.enabled.Store(enabled) }

func (r *Radio) Kind() medium.Kind { return r.kind }

func (r *Radio) IsValid() bool { return r.enabled.Load() }

func (r *Radio) StartAdvertising(serviceID string, info medium.ServiceInfo) error {
	return r.air.advertise(r, serviceID, info)
}

func (r *Radio) StopAdvertising(serviceID string) error {
	return r.air.stopAdvertising(r, serviceID)
}

func (r *Radio) StartDiscovery(serviceID string, cb medium.DiscoveredServiceCallback) error {
	return r.air.discover(r, serviceID, cb)
}

func (r *Radio) StopDiscovery(serviceID string) error {
	return r.air.stopDiscovery(r, serviceID)
}

func (r *Radio) StartAcceptingConnections(serviceID string, cb medium.AcceptedConnectionCallback) error {
	return r.air.accept(r, serviceID, cb)
}

func (r *Radio) StopAcceptingConnections(serviceID string) error {
	return r.air.stopAccepting(r, serviceID)
}

func (r *Radio) Connect(ctx context.Context, remote medium.ServiceInfo, serviceID string) (medium.Socket, error) {
	return r.air.connect(ctx, r, remote, serviceID)
}

// Close detaches the radio from the air.
func (r *Radio) Close() error {
	r.air.detach(r)
	return nil
}
