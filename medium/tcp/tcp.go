// Package tcp carries the stream sockets of the IP mediums. A dialer opens
// every connection with a one-line preamble naming the service id, and the
// accept loop drops connections for other services.
package tcp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/opd-ai/nearby/medium"
	"github.com/sirupsen/logrus"
)

// ErrServiceMismatch indicates a dialer asked for a service this accept
// loop does not serve.
var ErrServiceMismatch = errors.New("connection preamble names another service")

// DefaultPreambleTimeout bounds how long an accepted connection may take
// to name its service.
const DefaultPreambleTimeout = 5 * time.Second

const maxPreambleLen = 512

// Accept errors other than a closed listener are retried with a doubling
// delay between these bounds.
const (
	minAcceptBackoff = 5 * time.Millisecond
	maxAcceptBackoff = time.Second
)

// WritePreamble sends the service id line a dialer opens with.
func WritePreamble(w io.Writer, serviceID string) error {
	if strings.ContainsRune(serviceID, '\n') || len(serviceID) > maxPreambleLen {
		return fmt.Errorf("%w: unusable service id", medium.ErrInvalidArgument)
	}
	if _, err := io.WriteString(w, serviceID+"\n"); err != nil {
		return fmt.Errorf("write connection preamble: %w", err)
	}
	return nil
}

// ReadPreamble reads the service id line one byte at a time so that no
// payload bytes are consumed past the newline.
func ReadPreamble(r io.Reader) (string, error) {
	var sb strings.Builder
	var b [1]byte
	for sb.Len() <= maxPreambleLen {
		if _, err := io.ReadFull(r, b[:]); err != nil {
			if errors.Is(err, io.EOF) && sb.Len() > 0 {
				err = io.ErrUnexpectedEOF
			}
			return "", fmt.Errorf("read connection preamble: %w", err)
		}
		if b[0] == '\n' {
			return sb.String(), nil
		}
		sb.WriteByte(b[0])
	}
	return "", fmt.Errorf("read connection preamble: longer than %d bytes", maxPreambleLen)
}

// Dial connects to address and sends the preamble for serviceID.
func Dial(ctx context.Context, kind medium.Kind, address, serviceID string) (medium.Socket, error) {
	if address == "" {
		return nil, fmt.Errorf("%w: empty remote address", medium.ErrInvalidArgument)
	}

	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", address)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", address, err)
	}
	if err := WritePreamble(conn, serviceID); err != nil {
		conn.Close()
		return nil, err
	}

	logrus.WithFields(logrus.Fields{
		"function":    "tcp.Dial",
		"medium":      kind.String(),
		"remote_addr": conn.RemoteAddr().String(),
		"local_addr":  conn.LocalAddr().String(),
		"service_id":  serviceID,
	}).Info("TCP connection established")

	return medium.NewSocket(kind, conn, conn.RemoteAddr().String()), nil
}

// Acceptor runs the accept loop for one service id.
type Acceptor struct {
	kind            medium.Kind
	serviceID       string
	callback        medium.AcceptedConnectionCallback
	listener        net.Listener
	preambleTimeout time.Duration
	done            chan struct{}
	stopOnce        sync.Once
	wg              sync.WaitGroup
}

// Listen starts accepting on addr. Accepted sockets whose preamble names
// serviceID are handed to cb.
func Listen(kind medium.Kind, addr, serviceID string, preambleTimeout time.Duration, cb medium.AcceptedConnectionCallback) (*Acceptor, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", addr, err)
	}
	if preambleTimeout <= 0 {
		preambleTimeout = DefaultPreambleTimeout
	}

	a := newAcceptor(kind, ln, serviceID, preambleTimeout, cb)

	logrus.WithFields(logrus.Fields{
		"function":   "tcp.Listen",
		"medium":     kind.String(),
		"service_id": serviceID,
		"local_addr": ln.Addr().String(),
	}).Info("Accepting TCP connections")

	return a, nil
}

// Addr returns the listening address.
func (a *Acceptor) Addr() net.Addr { return a.listener.Addr() }

// ServiceID returns the service this loop accepts for.
func (a *Acceptor) ServiceID() string { return a.serviceID }

func newAcceptor(kind medium.Kind, ln net.Listener, serviceID string, preambleTimeout time.Duration, cb medium.AcceptedConnectionCallback) *Acceptor {
	a := &Acceptor{
		kind:            kind,
		serviceID:       serviceID,
		callback:        cb,
		listener:        ln,
		preambleTimeout: preambleTimeout,
		done:            make(chan struct{}),
	}
	a.wg.Add(1)
	go a.acceptLoop()
	return a
}

func (a *Acceptor) acceptLoop() {
	defer a.wg.Done()
	var delay time.Duration
	for {
		conn, err := a.listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			delay = nextAcceptBackoff(delay)
			logrus.WithFields(logrus.Fields{
				"function":   "Acceptor.acceptLoop",
				"medium":     a.kind.String(),
				"service_id": a.serviceID,
				"retry_in":   delay.String(),
				"error":      err.Error(),
			}).Warn("TCP accept failed")

			select {
			case <-a.done:
				return
			case <-time.After(delay):
			}
			continue
		}
		delay = 0
		a.wg.Add(1)
		go a.handshake(conn)
	}
}

func nextAcceptBackoff(d time.Duration) time.Duration {
	if d == 0 {
		return minAcceptBackoff
	}
	return min(2*d, maxAcceptBackoff)
}

// handshake validates the preamble. The callback runs after wg.Done so a
// slow consumer never holds up Stop.
func (a *Acceptor) handshake(conn net.Conn) {
	fields := logrus.Fields{
		"function":    "Acceptor.handshake",
		"medium":      a.kind.String(),
		"remote_addr": conn.RemoteAddr().String(),
		"service_id":  a.serviceID,
	}

	conn.SetReadDeadline(time.Now().Add(a.preambleTimeout))
	serviceID, err := ReadPreamble(conn)
	conn.SetReadDeadline(time.Time{})
	if err == nil && serviceID != a.serviceID {
		err = fmt.Errorf("%w: %q", ErrServiceMismatch, serviceID)
	}
	if err != nil {
		fields["error"] = err.Error()
		logrus.WithFields(fields).Warn("Rejecting inbound connection")
		conn.Close()
		a.wg.Done()
		return
	}
	a.wg.Done()

	logrus.WithFields(fields).Info("Accepted TCP connection")
	a.callback(a.serviceID, medium.NewSocket(a.kind, conn, conn.RemoteAddr().String()))
}

// Stop closes the listener and waits for pending handshakes.
func (a *Acceptor) Stop() error {
	a.stopOnce.Do(func() { close(a.done) })
	err := a.listener.Close()
	a.wg.Wait()

	logrus.WithFields(logrus.Fields{
		"function":   "Acceptor.Stop",
		"medium":     a.kind.String(),
		"service_id": a.serviceID,
	}).Info("TCP accept loop stopped")

	if err != nil && !errors.Is(err, net.ErrClosed) {
		return fmt.Errorf("close listener: %w", err)
	}
	return nil
}
