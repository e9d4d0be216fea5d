package webrtc

import (
	"context"

	"github.com/pion/webrtc/v3"
)

// Signal is one session description sent between peers.
type Signal struct {
	// From is the sender's peer id.
	From      string
	ServiceID string
	SDP       webrtc.SessionDescription
}

// Signaler delivers signals to remote peers. The receiving side hands
// them to its Radio.HandleSignal.
type Signaler interface {
	Send(ctx context.Context, peerID string, sig Signal) error
}

// SignalerFunc adapts a function into a Signaler.
type SignalerFunc func(ctx context.Context, peerID string, sig Signal) error

func (f SignalerFunc) Send(ctx context.Context, peerID string, sig Signal) error {
	return f(ctx, peerID, sig)
}
