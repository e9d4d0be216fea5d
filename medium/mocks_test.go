package medium

import (
	"context"
	"errors"
	"io"
	"sync"
)

var errRadio = errors.New("radio says no")

// mockRadio records every backend call so tests can assert that rejected
// requests never reached it.
type mockRadio struct {
	mu    sync.Mutex
	calls map[string]int
	valid bool

	failStart   bool
	failStop    bool
	failConnect bool
	socket      Socket

	lastServiceID string
	lastInfo      ServiceInfo
	discovery     DiscoveredServiceCallback
	accept        AcceptedConnectionCallback
	closed        bool
}

func newMockRadio() *mockRadio {
	return &mockRadio{calls: make(map[string]int), valid: true}
}

func (r *mockRadio) record(name, serviceID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls[name]++
	r.lastServiceID = serviceID
}

func (r *mockRadio) count(name string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls[name]
}

func (r *mockRadio) total() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, c := range r.calls {
		n += c
	}
	return n
}

func (r *mockRadio) Kind() Kind    { return WifiLan }
func (r *mockRadio) IsValid() bool { return r.valid }

func (r *mockRadio) StartAdvertising(serviceID string, info ServiceInfo) error {
	r.record("StartAdvertising", serviceID)
	r.lastInfo = info
	if r.failStart {
		return errRadio
	}
	return nil
}

func (r *mockRadio) StopAdvertising(serviceID string) error {
	r.record("StopAdvertising", serviceID)
	if r.failStop {
		return errRadio
	}
	return nil
}

func (r *mockRadio) StartDiscovery(serviceID string, cb DiscoveredServiceCallback) error {
	r.record("StartDiscovery", serviceID)
	r.discovery = cb
	if r.failStart {
		return errRadio
	}
	return nil
}

func (r *mockRadio) StopDiscovery(serviceID string) error {
	r.record("StopDiscovery", serviceID)
	if r.failStop {
		return errRadio
	}
	return nil
}

func (r *mockRadio) StartAcceptingConnections(serviceID string, cb AcceptedConnectionCallback) error {
	r.record("StartAcceptingConnections", serviceID)
	r.accept = cb
	if r.failStart {
		return errRadio
	}
	return nil
}

func (r *mockRadio) StopAcceptingConnections(serviceID string) error {
	r.record("StopAcceptingConnections", serviceID)
	if r.failStop {
		return errRadio
	}
	return nil
}

func (r *mockRadio) Connect(ctx context.Context, remote ServiceInfo, serviceID string) (Socket, error) {
	r.record("Connect", serviceID)
	if r.failConnect {
		return nil, errRadio
	}
	return r.socket, nil
}

func (r *mockRadio) Close() error {
	r.record("Close", "")
	r.closed = true
	return nil
}

// mockConn is an io.ReadWriteCloser that counts closes.
type mockConn struct {
	mu     sync.Mutex
	closes int
	data   []byte
}

func (c *mockConn) Read(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.data) == 0 {
		return 0, io.EOF
	}
	n := copy(p, c.data)
	c.data = c.data[n:]
	return n, nil
}

func (c *mockConn) Write(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.data = append(c.data, p...)
	return len(p), nil
}

func (c *mockConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closes++
	return nil
}
