package nearby

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/opd-ai/nearby/channel"
	"github.com/opd-ai/nearby/config"
	"github.com/opd-ai/nearby/executor"
	"github.com/opd-ai/nearby/factory"
	"github.com/opd-ai/nearby/limits"
	"github.com/opd-ai/nearby/medium"
	"github.com/opd-ai/nearby/payload"
	"github.com/opd-ai/nearby/transfer"
	"github.com/sirupsen/logrus"
)

var (
	// ErrCoreClosed is returned by every operation after Close.
	ErrCoreClosed = errors.New("nearby core closed")
	// ErrUnknownEndpoint is returned for an endpoint id with no open channel.
	ErrUnknownEndpoint = errors.New("unknown endpoint")
)

// stallCheckInterval is how often incoming transfers are checked for stalls.
const stallCheckInterval = time.Second

type endpoint struct {
	id       string
	channel  *channel.EndpointChannel
	receiver *transfer.Receiver
	ctx      context.Context
	cancel   context.CancelFunc
}

// outgoing is a payload queued or in flight towards endpointID.
type outgoing struct {
	endpointID string
	internal   payload.Internal
}

// Core is one process's view of nearby connectivity.
type Core struct {
	cfg      *config.Config
	mediums  *medium.Set
	exec     *executor.Executor
	sender   *transfer.Sender
	incoming payload.IncomingOptions
	nextID   atomic.Uint64

	mu             sync.Mutex
	endpoints      map[string]*endpoint
	sending        map[payload.ID]outgoing
	timeProvider   transfer.TimeProvider
	onConnected    func(endpointID string, kind medium.Kind, dir channel.Direction)
	onPayload      func(endpointID string, p *payload.Payload)
	onUpdate       func(endpointID string, u transfer.Update)
	onDisconnected func(endpointID string, err error)
	closed         bool

	stop chan struct{}
	wg   sync.WaitGroup
}

// Open builds the configured Mediums with a factory.MediumFactory and
// returns a Core owning them.
func Open(cfg *config.Config) (*Core, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	set, err := factory.NewMediumFactory(cfg).CreateMediumSet()
	if err != nil {
		return nil, err
	}
	c, err := New(cfg, set)
	if err != nil {
		_ = set.Close()
		return nil, err
	}
	return c, nil
}

// New creates a Core over an existing Set. The Core owns the Set and
// closes it on Close.
func New(cfg *config.Config, set *medium.Set) (*Core, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if set == nil {
		return nil, fmt.Errorf("%w: nil medium set", medium.ErrInvalidArgument)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(cfg.Payload.DownloadDir, 0o755); err != nil {
		return nil, fmt.Errorf("create download dir: %w", err)
	}

	c := &Core{
		cfg:     cfg,
		mediums: set,
		exec:    executor.New(cfg.Executor.Workers),
		sender:  transfer.NewSender(),
		incoming: payload.IncomingOptions{
			DownloadDir:  cfg.Payload.DownloadDir,
			MaxBytesSize: cfg.Payload.MaxBytesSize,
		},
		endpoints:    make(map[string]*endpoint),
		sending:      make(map[payload.ID]outgoing),
		timeProvider: transfer.DefaultTimeProvider{},
		stop:         make(chan struct{}),
	}
	c.sender.OnProgress(c.handleSendUpdate)

	if cfg.Payload.StallTimeout > 0 {
		c.wg.Add(1)
		go c.watchStalls()
	}

	logrus.WithFields(logrus.Fields{
		"function":     "nearby.New",
		"mediums":      fmt.Sprint(set.Kinds()),
		"chunk_size":   cfg.Payload.ChunkSize,
		"download_dir": cfg.Payload.DownloadDir,
		"workers":      cfg.Executor.Workers,
	}).Info("Nearby core started")

	return c, nil
}

// Mediums returns the Set the Core operates on.
func (c *Core) Mediums() *medium.Set { return c.mediums }

// SetTimeProvider replaces the clock used for transfer progress.
func (c *Core) SetTimeProvider(tp transfer.TimeProvider) {
	c.mu.Lock()
	c.timeProvider = tp
	endpoints := c.snapshotLocked()
	c.mu.Unlock()

	c.sender.SetTimeProvider(tp)
	for _, ep := range endpoints {
		ep.receiver.SetTimeProvider(tp)
	}
}

// OnEndpointConnected registers the callback for new endpoint channels.
func (c *Core) OnEndpointConnected(cb func(endpointID string, kind medium.Kind, dir channel.Direction)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onConnected = cb
}

// OnPayloadReceived registers the callback that takes ownership of
// received payloads.
func (c *Core) OnPayloadReceived(cb func(endpointID string, p *payload.Payload)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onPayload = cb
}

// OnTransferUpdate registers the progress callback for both directions.
func (c *Core) OnTransferUpdate(cb func(endpointID string, u transfer.Update)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onUpdate = cb
}

// OnEndpointDisconnected registers the callback run once per endpoint when
// its channel ends.
func (c *Core) OnEndpointDisconnected(cb func(endpointID string, err error)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onDisconnected = cb
}

func (c *Core) mediumFor(kind medium.Kind) (*medium.Medium, error) {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return nil, ErrCoreClosed
	}
	return c.mediums.Get(kind)
}

// StartAdvertising advertises serviceID under name on one medium.
func (c *Core) StartAdvertising(kind medium.Kind, serviceID, name string) error {
	m, err := c.mediumFor(kind)
	if err != nil {
		return err
	}
	return m.StartAdvertising(serviceID, medium.ServiceInfo{Name: name})
}

// StopAdvertising stops advertising on one medium.
func (c *Core) StopAdvertising(kind medium.Kind, serviceID string) {
	if m, err := c.mediumFor(kind); err == nil {
		m.StopAdvertising(serviceID)
	}
}

// StartDiscovery looks for serviceID on one medium.
func (c *Core) StartDiscovery(kind medium.Kind, serviceID string, cb medium.DiscoveredServiceCallback) error {
	m, err := c.mediumFor(kind)
	if err != nil {
		return err
	}
	return m.StartDiscovery(serviceID, cb)
}

// StopDiscovery stops discovery on one medium.
func (c *Core) StopDiscovery(kind medium.Kind, serviceID string) {
	if m, err := c.mediumFor(kind); err == nil {
		m.StopDiscovery(serviceID)
	}
}

// StartAcceptingConnections turns every inbound socket for serviceID into
// an incoming endpoint.
func (c *Core) StartAcceptingConnections(kind medium.Kind, serviceID string) error {
	m, err := c.mediumFor(kind)
	if err != nil {
		return err
	}
	return m.StartAcceptingConnections(serviceID, func(_ string, socket medium.Socket) {
		id := c.newEndpointID(kind)
		if _, err := c.addEndpoint(id, channel.CreateIncoming(id, socket)); err != nil {
			logrus.WithFields(logrus.Fields{
				"function":    "Core.StartAcceptingConnections",
				"endpoint_id": id,
				"error":       err.Error(),
			}).Warn("Dropping accepted connection")
		}
	})
}

// StopAcceptingConnections stops accepting on one medium. Endpoints already
// accepted stay open.
func (c *Core) StopAcceptingConnections(kind medium.Kind, serviceID string) {
	if m, err := c.mediumFor(kind); err == nil {
		m.StopAcceptingConnections(serviceID)
	}
}

// Connect dials remote and returns the id of the new outgoing endpoint.
func (c *Core) Connect(ctx context.Context, kind medium.Kind, remote medium.ServiceInfo, serviceID string) (string, error) {
	m, err := c.mediumFor(kind)
	if err != nil {
		return "", err
	}
	socket, err := m.Connect(ctx, remote, serviceID)
	if err != nil {
		return "", err
	}
	id := c.newEndpointID(kind)
	return c.addEndpoint(id, channel.CreateOutgoing(id, socket))
}

func (c *Core) newEndpointID(kind medium.Kind) string {
	return fmt.Sprintf("%s-%d", strings.ToLower(kind.String()), c.nextID.Add(1))
}

func (c *Core) addEndpoint(id string, ch *channel.EndpointChannel) (string, error) {
	recv := transfer.NewReceiver(c.incoming)
	recv.SetStallTimeout(c.cfg.Payload.StallTimeout)
	recv.OnPayload(func(p *payload.Payload) {
		c.mu.Lock()
		cb := c.onPayload
		c.mu.Unlock()
		if cb == nil {
			// Nobody takes ownership; release what the payload holds.
			closePayload(p)
			return
		}
		cb(id, p)
	})
	recv.OnProgress(func(u transfer.Update) { c.notifyUpdate(id, u) })

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		ch.Close()
		return "", ErrCoreClosed
	}
	recv.SetTimeProvider(c.timeProvider)
	ctx, cancel := context.WithCancel(context.Background())
	ep := &endpoint{id: id, channel: ch, receiver: recv, ctx: ctx, cancel: cancel}
	c.endpoints[id] = ep
	onConnected := c.onConnected
	c.wg.Add(1)
	c.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function":    "Core.addEndpoint",
		"endpoint_id": id,
		"medium":      ch.Medium().String(),
		"direction":   ch.Direction().String(),
	}).Info("Endpoint connected")

	if onConnected != nil {
		onConnected(id, ch.Medium(), ch.Direction())
	}

	go c.receiveLoop(ep)
	return id, nil
}

func closePayload(p *payload.Payload) {
	if f := p.File(); f != nil {
		_ = f.Close()
	}
	if s := p.Stream(); s != nil {
		_ = s.Close()
	}
}

func (c *Core) receiveLoop(ep *endpoint) {
	defer c.wg.Done()

	err := ep.receiver.Run(ep.ctx, ep.channel)
	ep.channel.Close()
	ep.cancel()

	c.mu.Lock()
	if c.endpoints[ep.id] == ep {
		delete(c.endpoints, ep.id)
	}
	onDisconnected := c.onDisconnected
	c.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function":    "Core.receiveLoop",
		"endpoint_id": ep.id,
		"error":       fmt.Sprint(err),
	}).Info("Endpoint disconnected")

	if onDisconnected != nil {
		onDisconnected(ep.id, err)
	}
}

func (c *Core) lookup(endpointID string) (*endpoint, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrCoreClosed
	}
	ep, ok := c.endpoints[endpointID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownEndpoint, endpointID)
	}
	return ep, nil
}

// chunkSizeFor caps the configured chunk size for BLE sockets.
func (c *Core) chunkSizeFor(kind medium.Kind) int {
	size := c.cfg.Payload.ChunkSize
	if kind == medium.BLE && size > limits.BLEChunkSize {
		size = limits.BLEChunkSize
	}
	return size
}

// SendPayload queues p for transfer to endpointID. The returned future
// resolves with the payload id once the last chunk is written, or with
// the error that ended the transfer. The payload is closed either way.
func (c *Core) SendPayload(endpointID string, p *payload.Payload) (*executor.Future, error) {
	ep, err := c.lookup(endpointID)
	if err != nil {
		return nil, err
	}
	internal, err := payload.NewOutgoing(p, c.chunkSizeFor(ep.channel.Medium()))
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		internal.Close()
		return nil, ErrCoreClosed
	}
	c.sending[internal.ID()] = outgoing{endpointID: endpointID, internal: internal}
	c.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function":    "Core.SendPayload",
		"endpoint_id": endpointID,
		"payload_id":  internal.ID(),
		"kind":        p.Kind().String(),
	}).Debug("Queueing payload")

	f := c.exec.Submit(func() (any, error) {
		defer func() {
			c.mu.Lock()
			delete(c.sending, internal.ID())
			c.mu.Unlock()
		}()
		if err := c.sender.Send(ep.ctx, ep.channel, internal); err != nil {
			return nil, err
		}
		return internal.ID(), nil
	})

	// A rejected task never runs, so its payload is released here.
	select {
	case <-f.Done():
		if _, err := f.Get(context.Background()); errors.Is(err, executor.ErrShutdown) {
			c.dropOutgoing(internal.ID())
		}
	default:
	}
	return f, nil
}

// dropOutgoing closes a payload whose send task never ran.
func (c *Core) dropOutgoing(id payload.ID) {
	c.mu.Lock()
	out, ok := c.sending[id]
	delete(c.sending, id)
	c.mu.Unlock()
	if ok {
		out.internal.Close()
	}
}

// CancelPayload stops an outgoing transfer. It reports whether id was
// being sent.
func (c *Core) CancelPayload(id payload.ID) bool {
	return c.sender.Cancel(id)
}

func (c *Core) handleSendUpdate(u transfer.Update) {
	c.mu.Lock()
	endpointID := c.sending[u.PayloadID].endpointID
	c.mu.Unlock()
	c.notifyUpdate(endpointID, u)
}

func (c *Core) notifyUpdate(endpointID string, u transfer.Update) {
	c.mu.Lock()
	cb := c.onUpdate
	c.mu.Unlock()
	if cb != nil {
		cb(endpointID, u)
	}
}

// Disconnect closes the endpoint's channel. Transfers in flight fail and
// the disconnect callback runs from the receive goroutine.
func (c *Core) Disconnect(endpointID string) error {
	ep, err := c.lookup(endpointID)
	if err != nil {
		return err
	}
	ep.cancel()
	ep.channel.Close()
	return nil
}

// Endpoints lists open endpoint ids in sorted order.
func (c *Core) Endpoints() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	ids := make([]string, 0, len(c.endpoints))
	for id := range c.endpoints {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (c *Core) snapshotLocked() []*endpoint {
	eps := make([]*endpoint, 0, len(c.endpoints))
	for _, ep := range c.endpoints {
		eps = append(eps, ep)
	}
	return eps
}

func (c *Core) watchStalls() {
	defer c.wg.Done()
	ticker := time.NewTicker(stallCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stop:
			return
		case <-ticker.C:
			c.ExpireStalledTransfers()
		}
	}
}

// ExpireStalledTransfers fails incoming payloads that stopped receiving
// data within the configured stall timeout. It runs periodically on its own;
// it is exported for callers driving time themselves.
func (c *Core) ExpireStalledTransfers() int {
	c.mu.Lock()
	endpoints := c.snapshotLocked()
	c.mu.Unlock()

	n := 0
	for _, ep := range endpoints {
		n += len(ep.receiver.ExpireStalled())
	}
	return n
}

// Close disconnects every endpoint, stops the executor and closes the
// Mediums. Only the first call has any effect.
func (c *Core) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	endpoints := c.snapshotLocked()
	c.mu.Unlock()

	close(c.stop)
	for _, ep := range endpoints {
		ep.cancel()
		ep.channel.Close()
	}
	c.exec.Shutdown()

	// Tasks dropped from the queue by Shutdown never ran.
	c.mu.Lock()
	dropped := make([]payload.ID, 0, len(c.sending))
	for id := range c.sending {
		dropped = append(dropped, id)
	}
	c.mu.Unlock()
	for _, id := range dropped {
		c.dropOutgoing(id)
	}

	err := c.mediums.Close()
	c.wg.Wait()

	logrus.WithFields(logrus.Fields{
		"function":  "Core.Close",
		"endpoints": len(endpoints),
	}).Info("Nearby core closed")

	return err
}
