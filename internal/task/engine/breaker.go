package engine

import (
	"strings"
	"sync"
	"time"

	"github.com/sony/gobreaker/v2"
)

// breakerStore keeps one two-step breaker per (task name, trip threshold).
type breakerStore struct {
	mu sync.Mutex
	m  map[string]*gobreaker.TwoStepCircuitBreaker[struct{}]
}

type breakerCfg struct {
	trip       int
	openFor    time.Duration
	resetAfter time.Duration
	enabled    bool
}

func effectiveBreakerCfg(cfg Config, opt TaskOptions) breakerCfg {
	trip := cfg.CircuitTripFailures
	if trip == 0 {
		trip = 5
	}
	if trip < 0 || opt.CircuitTripFailures < 0 {
		return breakerCfg{}
	}
	// Per-task override.
	if opt.CircuitTripFailures > 0 {
		trip = opt.CircuitTripFailures
	}
	openFor := cfg.CircuitOpenFor
	if openFor <= 0 {
		openFor = 30 * time.Second
	}
	reset := cfg.CircuitResetAfter
	if reset <= 0 {
		reset = 5 * time.Minute
	}
	return breakerCfg{trip: trip, openFor: openFor, resetAfter: reset, enabled: true}
}

func (s *breakerStore) get(name string, bc breakerCfg, onChange func(name string, from, to gobreaker.State)) *gobreaker.TwoStepCircuitBreaker[struct{}] {
	k := strings.TrimSpace(name)
	if k == "" || !bc.enabled {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.m == nil {
		s.m = make(map[string]*gobreaker.TwoStepCircuitBreaker[struct{}])
	}
	cb := s.m[k]
	if cb == nil {
		trip := uint32(bc.trip)
		cb = gobreaker.NewTwoStepCircuitBreaker[struct{}](gobreaker.Settings{
			Name:        k,
			MaxRequests: 1,
			Interval:    bc.resetAfter,
			Timeout:     bc.openFor,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= trip
			},
			OnStateChange: onChange,
		})
		s.m[k] = cb
	}
	return cb
}

// isOpen reports whether name's breaker currently rejects runs.
// It never creates a breaker.
func (s *breakerStore) isOpen(name string) bool {
	s.mu.Lock()
	cb := s.m[strings.TrimSpace(name)]
	s.mu.Unlock()
	return cb != nil && cb.State() == gobreaker.StateOpen
}

func (s *breakerStore) snapshot() (total, open int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, cb := range s.m {
		total++
		if cb.State() == gobreaker.StateOpen {
			open++
		}
	}
	return total, open
}

func (s *breakerStore) reset() {
	s.mu.Lock()
	s.m = nil
	s.mu.Unlock()
}
