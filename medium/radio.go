package medium

import (
	"context"
	"errors"
	"io"
)

var (
	// ErrUnavailable indicates the radio is missing, disabled or unusable.
	ErrUnavailable = errors.New("medium unavailable")

	// ErrInvalidArgument indicates an empty service id or companion value.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrAlreadyActive indicates an operation of the same kind is already running.
	ErrAlreadyActive = errors.New("operation already active")

	// ErrBackendFailure indicates the radio backend refused the request.
	ErrBackendFailure = errors.New("radio backend failure")

	// ErrInvalidSocket indicates a backend returned a socket that cannot carry data.
	ErrInvalidSocket = errors.New("invalid socket")

	// ErrUnsupported indicates the radio does not implement the operation at all.
	ErrUnsupported = errors.New("operation not supported by medium")

	// ErrSocketClosed indicates I/O on a socket that has already been closed.
	ErrSocketClosed = errors.New("socket closed")
)

// ServiceInfo describes an advertised or discovered service.
//
// Name is the advertised service name (the endpoint info on the air);
// Address is medium specific: host:port for IP mediums, a MAC or BlueZ
// object path for Bluetooth, a peer id for WebRTC.
type ServiceInfo struct {
	ServiceID string
	Name      string
	Address   string
	// Data carries medium-specific advertisement bytes (BLE service data).
	Data []byte
}

// DiscoveredServiceCallback receives discovery events for one service id.
type DiscoveredServiceCallback struct {
	OnFound func(info ServiceInfo)
	OnLost  func(info ServiceInfo)
}

// AcceptedConnectionCallback receives inbound sockets. Ownership of the
// socket moves to the callee.
type AcceptedConnectionCallback func(serviceID string, socket Socket)

// Socket is an open, connected byte stream produced by a radio.
// Close must be idempotent and safe to call from any goroutine.
type Socket interface {
	io.ReadWriteCloser

	// Kind reports which radio produced the socket.
	Kind() Kind

	// RemoteAddr returns the medium-specific address of the peer.
	RemoteAddr() string

	// IsValid reports whether the socket can carry data.
	IsValid() bool
}

// Radio is the backend contract a Medium drives. Implementations need not
// enforce single-operation invariants; Medium does that.
type Radio interface {
	Kind() Kind

	// IsValid reports whether the underlying radio handle is usable.
	IsValid() bool

	StartAdvertising(serviceID string, info ServiceInfo) error
	StopAdvertising(serviceID string) error

	StartDiscovery(serviceID string, callback DiscoveredServiceCallback) error
	StopDiscovery(serviceID string) error

	StartAcceptingConnections(serviceID string, callback AcceptedConnectionCallback) error
	StopAcceptingConnections(serviceID string) error

	// Connect dials the remote service. It may return a nil socket with an
	// error, or a socket whose IsValid is false.
	Connect(ctx context.Context, remote ServiceInfo, serviceID string) (Socket, error)

	// Close releases the radio handle.
	Close() error
}
