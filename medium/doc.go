// Package medium tracks advertising, discovery and connection acceptance on
// one radio technology at a time.
//
// A Medium wraps a Radio backend and guarantees that at most one operation
// of each kind (advertising, discovering, accepting connections) is active.
// Starting an operation that is already running fails without side
// effects, and precondition failures never reach the radio:
//
//	m := medium.New(medium.WifiLan, radio)
//	if err := m.StartAdvertising("com.example.chat", medium.ServiceInfo{Name: "alice"}); err != nil {
//	    // errors.Is(err, medium.ErrAlreadyActive), ErrUnavailable, ...
//	}
//	defer m.StopAdvertising("com.example.chat")
//
// Connect dials a remote service and returns a Socket. A Set groups the
// Mediums a process has built, keyed by Kind.
//
// Backends live in subpackages: wifilan, bluetooth, wifidirect, webrtc and
// an in-memory sim used by tests.
package medium
