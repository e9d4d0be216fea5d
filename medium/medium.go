package medium

import (
	"context"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
)

// Operation names one of the three long-running activities a Medium tracks.
type Operation int

const (
	Advertising Operation = iota
	Discovering
	AcceptingConnections

	operationCount
)

// String returns a log-friendly name.
func (o Operation) String() string {
	switch o {
	case Advertising:
		return "advertising"
	case Discovering:
		return "discovering"
	case AcceptingConnections:
		return "accepting_connections"
	default:
		return fmt.Sprintf("operation(%d)", int(o))
	}
}

// ServiceMatch selects how Is* queries compare the queried service id with
// the active one.
type ServiceMatch int

const (
	// MatchAnyService reports an operation active whenever one is running,
	// whatever service id is asked about.
	MatchAnyService ServiceMatch = iota
	// MatchExactService requires the queried id to equal the active id.
	MatchExactService
)

// String returns the config name of the policy.
func (m ServiceMatch) String() string {
	if m == MatchExactService {
		return "exact"
	}
	return "any"
}

// ParseServiceMatch maps "any" or "exact" to a policy.
func ParseServiceMatch(s string) (ServiceMatch, error) {
	switch s {
	case "", "any":
		return MatchAnyService, nil
	case "exact":
		return MatchExactService, nil
	default:
		return MatchAnyService, fmt.Errorf("%w: unknown service match %q", ErrInvalidArgument, s)
	}
}

// Option configures a Medium at construction.
type Option func(*Medium)

// WithServiceMatch sets the Is* comparison policy.
func WithServiceMatch(policy ServiceMatch) Option {
	return func(m *Medium) {
		m.match = policy
	}
}

type operationInfo struct {
	serviceID string
	info      ServiceInfo
}

func (o *operationInfo) active() bool { return o.serviceID != "" }

func (o *operationInfo) clear() { *o = operationInfo{} }

// Medium enforces at most one active advertising, discovery and accept
// operation on top of a Radio. All public methods hold mu for their full
// duration; the *Locked helpers assume it is held.
type Medium struct {
	mu    sync.Mutex
	radio Radio
	kind  Kind
	match ServiceMatch
	ops   [operationCount]operationInfo
}

// New builds a Medium for radio. A nil radio yields a Medium that reports
// unavailable and rejects every start and connect.
func New(kind Kind, radio Radio, opts ...Option) *Medium {
	m := &Medium{
		radio: radio,
		kind:  kind,
	}
	for _, opt := range opts {
		opt(m)
	}

	logrus.WithFields(logrus.Fields{
		"function":      "medium.New",
		"medium":        kind.String(),
		"has_radio":     radio != nil,
		"service_match": m.match.String(),
	}).Debug("Medium created")

	return m
}

// Kind returns the radio technology of this Medium.
func (m *Medium) Kind() Kind {
	return m.kind
}

// IsAvailable reports whether the radio is present and usable.
func (m *Medium) IsAvailable() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.isAvailableLocked()
}

// ActiveServiceID returns the service id of the running op, or "".
func (m *Medium) ActiveServiceID(op Operation) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if op < 0 || op >= operationCount {
		return ""
	}
	return m.ops[op].serviceID
}

// StartAdvertising makes the service visible to discoverers. info.Name is
// the advertised service name and must not be empty.
func (m *Medium) StartAdvertising(serviceID string, info ServiceInfo) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if info.Name == "" {
		return m.rejectLocked(Advertising, serviceID, fmt.Errorf("%w: empty service name", ErrInvalidArgument))
	}
	info.ServiceID = serviceID
	return m.startLocked(Advertising, serviceID, info, func() error {
		return m.radio.StartAdvertising(serviceID, info)
	})
}

// StopAdvertising ends advertising. It is a logged no-op when not advertising.
func (m *Medium) StopAdvertising(serviceID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stopLocked(Advertising, serviceID)
}

// IsAdvertising reports whether advertising is active.
func (m *Medium) IsAdvertising(serviceID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.isActiveLocked(Advertising, serviceID)
}

// StartDiscovery looks for services advertising serviceID and reports them
// through callback. callback.OnFound must be set.
func (m *Medium) StartDiscovery(serviceID string, callback DiscoveredServiceCallback) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if callback.OnFound == nil {
		return m.rejectLocked(Discovering, serviceID, fmt.Errorf("%w: nil OnFound callback", ErrInvalidArgument))
	}
	if callback.OnLost == nil {
		callback.OnLost = func(ServiceInfo) {}
	}
	return m.startLocked(Discovering, serviceID, ServiceInfo{ServiceID: serviceID}, func() error {
		return m.radio.StartDiscovery(serviceID, callback)
	})
}

// StopDiscovery ends discovery. It is a logged no-op when not discovering.
func (m *Medium) StopDiscovery(serviceID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stopLocked(Discovering, serviceID)
}

// IsDiscovering reports whether discovery is active.
func (m *Medium) IsDiscovering(serviceID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.isActiveLocked(Discovering, serviceID)
}

// StartAcceptingConnections hands every inbound socket for serviceID to
// callback until StopAcceptingConnections.
func (m *Medium) StartAcceptingConnections(serviceID string, callback AcceptedConnectionCallback) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if callback == nil {
		return m.rejectLocked(AcceptingConnections, serviceID, fmt.Errorf("%w: nil accept callback", ErrInvalidArgument))
	}
	return m.startLocked(AcceptingConnections, serviceID, ServiceInfo{ServiceID: serviceID}, func() error {
		return m.radio.StartAcceptingConnections(serviceID, callback)
	})
}

// StopAcceptingConnections ends accepting. It is a logged no-op when idle.
func (m *Medium) StopAcceptingConnections(serviceID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stopLocked(AcceptingConnections, serviceID)
}

// IsAcceptingConnections reports whether the accept loop is active.
func (m *Medium) IsAcceptingConnections(serviceID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.isActiveLocked(AcceptingConnections, serviceID)
}

// Connect dials remote. It fails without touching the radio when serviceID
// is empty or the radio is unavailable. A socket the backend reports as
// invalid is returned together with ErrInvalidSocket.
func (m *Medium) Connect(ctx context.Context, remote ServiceInfo, serviceID string) (Socket, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	fields := logrus.Fields{
		"function":    "Medium.Connect",
		"medium":      m.kind.String(),
		"service_id":  serviceID,
		"remote_addr": remote.Address,
	}

	if serviceID == "" {
		logrus.WithFields(fields).Warn("Connect rejected: empty service id")
		return nil, fmt.Errorf("connect: %w: empty service id", ErrInvalidArgument)
	}
	if !m.isAvailableLocked() {
		logrus.WithFields(fields).Warn("Connect rejected: radio unavailable")
		return nil, fmt.Errorf("connect %s: %w", m.kind, ErrUnavailable)
	}

	logrus.WithFields(fields).Info("Connecting to remote service")

	socket, err := m.radio.Connect(ctx, remote, serviceID)
	if err != nil {
		fields["error"] = err.Error()
		logrus.WithFields(fields).Error("Radio connect failed")
		return nil, fmt.Errorf("connect %s: %w: %w", m.kind, ErrBackendFailure, err)
	}
	if socket == nil || !socket.IsValid() {
		logrus.WithFields(fields).Error("Radio returned an invalid socket")
		if socket == nil {
			socket = InvalidSocket(m.kind)
		}
		return socket, fmt.Errorf("connect %s: %w", m.kind, ErrInvalidSocket)
	}

	logrus.WithFields(fields).Info("Connected")
	return socket, nil
}

// Close stops every running operation and releases the radio.
func (m *Medium) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.radio == nil {
		return nil
	}
	for op := Advertising; op < operationCount; op++ {
		if cur := m.ops[op]; cur.active() {
			m.stopLocked(op, cur.serviceID)
		}
	}

	logrus.WithFields(logrus.Fields{
		"function": "Medium.Close",
		"medium":   m.kind.String(),
	}).Info("Closing radio")

	if err := m.radio.Close(); err != nil {
		return fmt.Errorf("close %s radio: %w", m.kind, err)
	}
	return nil
}

func (m *Medium) isAvailableLocked() bool {
	return m.radio != nil && m.radio.IsValid()
}

func (m *Medium) isActiveLocked(op Operation, serviceID string) bool {
	cur := &m.ops[op]
	if !cur.active() {
		return false
	}
	if m.match == MatchExactService {
		return cur.serviceID == serviceID
	}
	return true
}

func (m *Medium) rejectLocked(op Operation, serviceID string, err error) error {
	logrus.WithFields(logrus.Fields{
		"function":   "Medium.start",
		"medium":     m.kind.String(),
		"operation":  op.String(),
		"service_id": serviceID,
		"error":      err.Error(),
	}).Warn("Start rejected")
	return err
}

// startLocked runs the shared precondition checks, then backend. State is
// recorded only when backend succeeds.
func (m *Medium) startLocked(op Operation, serviceID string, info ServiceInfo, backend func() error) error {
	if serviceID == "" {
		return m.rejectLocked(op, serviceID, fmt.Errorf("%w: empty service id", ErrInvalidArgument))
	}
	if !m.isAvailableLocked() {
		return m.rejectLocked(op, serviceID, fmt.Errorf("%s %s: %w", op, m.kind, ErrUnavailable))
	}
	if cur := m.ops[op]; cur.active() {
		return m.rejectLocked(op, serviceID, fmt.Errorf("%s %s for %q: %w", op, m.kind, cur.serviceID, ErrAlreadyActive))
	}

	if err := backend(); err != nil {
		logrus.WithFields(logrus.Fields{
			"function":   "Medium.start",
			"medium":     m.kind.String(),
			"operation":  op.String(),
			"service_id": serviceID,
			"error":      err.Error(),
		}).Error("Radio refused to start operation")
		return fmt.Errorf("%s %s: %w: %w", op, m.kind, ErrBackendFailure, err)
	}

	m.ops[op] = operationInfo{serviceID: serviceID, info: info}

	logrus.WithFields(logrus.Fields{
		"function":   "Medium.start",
		"medium":     m.kind.String(),
		"operation":  op.String(),
		"service_id": serviceID,
	}).Info("Operation started")
	return nil
}

// stopLocked asks the radio to stop op for the active service id and clears
// the slot even if the radio fails.
func (m *Medium) stopLocked(op Operation, serviceID string) {
	cur := &m.ops[op]
	fields := logrus.Fields{
		"function":   "Medium.stop",
		"medium":     m.kind.String(),
		"operation":  op.String(),
		"service_id": serviceID,
	}

	if serviceID == "" || !m.isActiveLocked(op, serviceID) {
		logrus.WithFields(fields).Info("Stop ignored: operation not active")
		return
	}

	var err error
	switch op {
	case Advertising:
		err = m.radio.StopAdvertising(cur.serviceID)
	case Discovering:
		err = m.radio.StopDiscovery(cur.serviceID)
	case AcceptingConnections:
		err = m.radio.StopAcceptingConnections(cur.serviceID)
	}
	if err != nil {
		fields["error"] = err.Error()
		logrus.WithFields(fields).Warn("Radio failed to stop operation, clearing state anyway")
	}
	cur.clear()

	logrus.WithFields(fields).Info("Operation stopped")
}
