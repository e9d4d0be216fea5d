package webrtc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/opd-ai/nearby/medium"
	"github.com/pion/webrtc/v3"
	"github.com/sirupsen/logrus"
)

var (
	// ErrNotAccepting indicates an offer for a service nobody accepts.
	ErrNotAccepting = errors.New("no acceptor for offered service")

	// ErrUnexpectedSignal indicates an answer with no pending connect.
	ErrUnexpectedSignal = errors.New("unexpected signal")

	// ErrConnectionFailed indicates ICE or DTLS could not establish the
	// peer connection.
	ErrConnectionFailed = errors.New("peer connection failed")

	errRadioClosed = errors.New("webrtc radio closed")
)

const defaultConnectTimeout = 30 * time.Second

// Config tunes a Radio.
type Config struct {
	// LocalID is this peer's id as the signaling layer knows it.
	LocalID string
	// STUNServers are ICE server URLs such as "stun:stun.l.google.com:19302".
	STUNServers []string
	// IncludeLoopback gathers loopback candidates, for single host use.
	IncludeLoopback bool
	// ConnectTimeout bounds a Connect whose context has no deadline.
	ConnectTimeout time.Duration
}

type pendingConnect struct {
	pc     *webrtc.PeerConnection
	answer chan webrtc.SessionDescription
}

// Radio is the WebRTC backend.
type Radio struct {
	cfg      Config
	api      *webrtc.API
	rtcCfg   webrtc.Configuration
	signaler Signaler

	mu       sync.Mutex
	closed   bool
	accept   medium.AcceptedConnectionCallback
	acceptID string
	pending  map[string]*pendingConnect
	inbound  map[*webrtc.PeerConnection]struct{}
}

var _ medium.Radio = (*Radio)(nil)

// New creates a WebRTC radio that signals through signaler.
func New(cfg Config, signaler Signaler) *Radio {
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = defaultConnectTimeout
	}

	se := webrtc.SettingEngine{}
	se.DetachDataChannels()
	se.SetIncludeLoopbackCandidate(cfg.IncludeLoopback)

	iceServers := make([]webrtc.ICEServer, 0, len(cfg.STUNServers))
	for _, server := range cfg.STUNServers {
		iceServers = append(iceServers, webrtc.ICEServer{URLs: []string{server}})
	}

	return &Radio{
		cfg: cfg,
		api: webrtc.NewAPI(webrtc.WithSettingEngine(se)),
		rtcCfg: webrtc.Configuration{
			ICEServers:         iceServers,
			ICETransportPolicy: webrtc.ICETransportPolicyAll,
		},
		signaler: signaler,
		pending:  make(map[string]*pendingConnect),
		inbound:  make(map[*webrtc.PeerConnection]struct{}),
	}
}

func (r *Radio) Kind() medium.Kind { return medium.WebRTC }

// IsValid reports whether the radio is open and can signal.
func (r *Radio) IsValid() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return !r.closed && r.signaler != nil && r.cfg.LocalID != ""
}

func (r *Radio) StartAdvertising(string, medium.ServiceInfo) error { return medium.ErrUnsupported }

func (r *Radio) StopAdvertising(string) error { return nil }

func (r *Radio) StartDiscovery(string, medium.DiscoveredServiceCallback) error {
	return medium.ErrUnsupported
}

func (r *Radio) StopDiscovery(string) error { return nil }

// StartAcceptingConnections makes offers for serviceID answerable.
func (r *Radio) StartAcceptingConnections(serviceID string, cb medium.AcceptedConnectionCallback) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return errRadioClosed
	}
	if r.accept != nil {
		return fmt.Errorf("%w: accepting for %q", medium.ErrAlreadyActive, r.acceptID)
	}
	r.accept = cb
	r.acceptID = serviceID
	return nil
}

func (r *Radio) StopAcceptingConnections(string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.accept = nil
	r.acceptID = ""
	return nil
}

func pendingKey(peerID, serviceID string) string {
	return peerID + "\x00" + serviceID
}

// newPeerConnection creates a peer connection with the radio's ICE servers.
func (r *Radio) newPeerConnection() (*webrtc.PeerConnection, error) {
	pc, err := r.api.NewPeerConnection(r.rtcCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create peer connection: %w", err)
	}
	return pc, nil
}

// setLocal applies desc and waits for ICE gathering so the description
// carries every candidate.
func setLocal(ctx context.Context, pc *webrtc.PeerConnection, desc webrtc.SessionDescription) (webrtc.SessionDescription, error) {
	gathered := webrtc.GatheringCompletePromise(pc)
	if err := pc.SetLocalDescription(desc); err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("failed to set local description: %w", err)
	}
	select {
	case <-gathered:
	case <-ctx.Done():
		return webrtc.SessionDescription{}, fmt.Errorf("ice gathering: %w", ctx.Err())
	}
	return *pc.LocalDescription(), nil
}

// openedChannel reports the detached data channel once it opens, or an
// error when the peer connection fails first.
func openedChannel(pc *webrtc.PeerConnection, dc *webrtc.DataChannel, result chan<- openResult) {
	dc.OnOpen(func() {
		raw, err := dc.Detach()
		select {
		case result <- openResult{conn: raw, err: err}:
		default:
		}
	})
	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		if s == webrtc.PeerConnectionStateFailed {
			select {
			case result <- openResult{err: ErrConnectionFailed}:
			default:
			}
		}
	})
}

type openResult struct {
	conn io.ReadWriteCloser
	err  error
}

// Connect offers a connection to the peer whose id is remote.Address and
// waits for the data channel to open.
func (r *Radio) Connect(ctx context.Context, remote medium.ServiceInfo, serviceID string) (medium.Socket, error) {
	peerID := remote.Address
	if peerID == "" {
		return nil, fmt.Errorf("%w: empty peer id", medium.ErrInvalidArgument)
	}
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.cfg.ConnectTimeout)
		defer cancel()
	}

	fields := logrus.Fields{
		"function":   "Radio.Connect",
		"peer_id":    peerID,
		"service_id": serviceID,
	}

	pc, err := r.newPeerConnection()
	if err != nil {
		return nil, err
	}
	ordered := true
	dc, err := pc.CreateDataChannel(serviceID, &webrtc.DataChannelInit{Ordered: &ordered})
	if err != nil {
		pc.Close()
		return nil, fmt.Errorf("failed to create data channel: %w", err)
	}
	opened := make(chan openResult, 1)
	openedChannel(pc, dc, opened)

	key := pendingKey(peerID, serviceID)
	p := &pendingConnect{pc: pc, answer: make(chan webrtc.SessionDescription, 1)}
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		pc.Close()
		return nil, errRadioClosed
	}
	if _, busy := r.pending[key]; busy {
		r.mu.Unlock()
		pc.Close()
		return nil, fmt.Errorf("%w: connect to %s already pending", medium.ErrAlreadyActive, peerID)
	}
	r.pending[key] = p
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		delete(r.pending, key)
		r.mu.Unlock()
	}()

	fail := func(err error) (medium.Socket, error) {
		fields["error"] = err.Error()
		logrus.WithFields(fields).Error("WebRTC connect failed")
		pc.Close()
		return nil, err
	}

	offer, err := pc.CreateOffer(nil)
	if err != nil {
		return fail(fmt.Errorf("failed to create offer: %w", err))
	}
	offer, err = setLocal(ctx, pc, offer)
	if err != nil {
		return fail(err)
	}
	if err := r.signaler.Send(ctx, peerID, Signal{From: r.cfg.LocalID, ServiceID: serviceID, SDP: offer}); err != nil {
		return fail(fmt.Errorf("failed to send offer: %w", err))
	}

	select {
	case answer := <-p.answer:
		if err := pc.SetRemoteDescription(answer); err != nil {
			return fail(fmt.Errorf("failed to set remote description: %w", err))
		}
	case <-ctx.Done():
		return fail(fmt.Errorf("waiting for answer: %w", ctx.Err()))
	}

	select {
	case res := <-opened:
		if res.err != nil {
			return fail(res.err)
		}
		logrus.WithFields(fields).Info("WebRTC data channel open")
		return medium.NewSocket(medium.WebRTC, newStream(res.conn, pc.Close), peerID), nil
	case <-ctx.Done():
		return fail(fmt.Errorf("waiting for data channel: %w", ctx.Err()))
	}
}

// HandleSignal consumes a signal delivered by the signaling layer. Offers
// are answered when the service is accepted; answers complete a pending
// Connect.
func (r *Radio) HandleSignal(ctx context.Context, sig Signal) error {
	switch sig.SDP.Type {
	case webrtc.SDPTypeAnswer:
		r.mu.Lock()
		p, ok := r.pending[pendingKey(sig.From, sig.ServiceID)]
		r.mu.Unlock()
		if !ok {
			return fmt.Errorf("%w: answer from %s", ErrUnexpectedSignal, sig.From)
		}
		select {
		case p.answer <- sig.SDP:
			return nil
		default:
			return fmt.Errorf("%w: duplicate answer from %s", ErrUnexpectedSignal, sig.From)
		}
	case webrtc.SDPTypeOffer:
		return r.answer(ctx, sig)
	default:
		return fmt.Errorf("%w: %s from %s", ErrUnexpectedSignal, sig.SDP.Type, sig.From)
	}
}

func (r *Radio) answer(ctx context.Context, sig Signal) error {
	r.mu.Lock()
	cb, acceptID, closed := r.accept, r.acceptID, r.closed
	r.mu.Unlock()
	if closed {
		return errRadioClosed
	}
	if cb == nil || acceptID != sig.ServiceID {
		return fmt.Errorf("%w: %q", ErrNotAccepting, sig.ServiceID)
	}

	fields := logrus.Fields{
		"function":   "Radio.answer",
		"peer_id":    sig.From,
		"service_id": sig.ServiceID,
	}

	pc, err := r.newPeerConnection()
	if err != nil {
		return err
	}
	r.track(pc)

	pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		if dc.Label() != sig.ServiceID {
			logrus.WithFields(fields).Warn("Ignoring data channel for another service")
			return
		}
		opened := make(chan openResult, 1)
		openedChannel(pc, dc, opened)
		go func() {
			res := <-opened
			if res.err != nil {
				fields["error"] = res.err.Error()
				logrus.WithFields(fields).Warn("Inbound WebRTC connection failed")
				r.untrack(pc)
				pc.Close()
				return
			}
			logrus.WithFields(fields).Info("Accepted WebRTC connection")
			r.untrack(pc)
			cb(sig.ServiceID, medium.NewSocket(medium.WebRTC, newStream(res.conn, pc.Close), sig.From))
		}()
	})

	fail := func(err error) error {
		r.untrack(pc)
		pc.Close()
		return err
	}

	if err := pc.SetRemoteDescription(sig.SDP); err != nil {
		return fail(fmt.Errorf("failed to set remote description: %w", err))
	}
	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		return fail(fmt.Errorf("failed to create answer: %w", err))
	}
	answer, err = setLocal(ctx, pc, answer)
	if err != nil {
		return fail(err)
	}
	if err := r.signaler.Send(ctx, sig.From, Signal{From: r.cfg.LocalID, ServiceID: sig.ServiceID, SDP: answer}); err != nil {
		return fail(fmt.Errorf("failed to send answer: %w", err))
	}
	return nil
}

func (r *Radio) track(pc *webrtc.PeerConnection) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.inbound[pc] = struct{}{}
}

func (r *Radio) untrack(pc *webrtc.PeerConnection) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.inbound, pc)
}

// Close aborts pending connects and half-open inbound connections.
// Established sockets stay open until their owners close them.
func (r *Radio) Close() error {
	r.mu.Lock()
	r.closed = true
	r.accept = nil
	var pcs []*webrtc.PeerConnection
	for _, p := range r.pending {
		pcs = append(pcs, p.pc)
	}
	for pc := range r.inbound {
		pcs = append(pcs, pc)
	}
	r.inbound = make(map[*webrtc.PeerConnection]struct{})
	r.mu.Unlock()

	var errs []error
	for _, pc := range pcs {
		errs = append(errs, pc.Close())
	}
	return errors.Join(errs...)
}
