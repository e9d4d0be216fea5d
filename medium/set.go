package medium

import (
	"errors"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
)

// Set groups the Mediums of one process by Kind. It replaces any global
// registry: whoever builds the Set owns and closes it.
type Set struct {
	mediums map[Kind]*Medium
	mu      sync.RWMutex
}

// NewSet creates an empty Set.
func NewSet() *Set {
	return &Set{
		mediums: make(map[Kind]*Medium),
	}
}

// Register adds m, replacing any Medium of the same kind. The replaced
// Medium is returned so the caller can close it.
func (s *Set) Register(m *Medium) *Medium {
	s.mu.Lock()
	defer s.mu.Unlock()

	prev := s.mediums[m.Kind()]
	s.mediums[m.Kind()] = m

	logrus.WithFields(logrus.Fields{
		"function": "Set.Register",
		"medium":   m.Kind().String(),
		"replaced": prev != nil,
	}).Info("Registering medium")

	return prev
}

// Get returns the Medium registered for kind.
func (s *Set) Get(kind Kind) (*Medium, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	m, ok := s.mediums[kind]
	if !ok {
		return nil, fmt.Errorf("no medium registered for %s: %w", kind, ErrUnavailable)
	}
	return m, nil
}

// Kinds lists registered kinds in AllKinds order.
func (s *Set) Kinds() []Kind {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var kinds []Kind
	for _, k := range AllKinds() {
		if _, ok := s.mediums[k]; ok {
			kinds = append(kinds, k)
		}
	}
	return kinds
}

// Available lists registered kinds whose radio is currently usable.
func (s *Set) Available() []Kind {
	var kinds []Kind
	for _, k := range s.Kinds() {
		m, err := s.Get(k)
		if err == nil && m.IsAvailable() {
			kinds = append(kinds, k)
		}
	}
	return kinds
}

// Close closes every registered Medium and empties the Set.
func (s *Set) Close() error {
	s.mu.Lock()
	mediums := s.mediums
	s.mediums = make(map[Kind]*Medium)
	s.mu.Unlock()

	var errs []error
	for kind, m := range mediums {
		if err := m.Close(); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "Set.Close",
				"medium":   kind.String(),
				"error":    err.Error(),
			}).Warn("Failed to close medium")
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
