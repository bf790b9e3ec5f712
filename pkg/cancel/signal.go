// Package cancel implements cooperative cancellation for suite runs: a
// set-once in-process signal consulted by the orchestrator and executor,
// plus a watcher that bridges the durable CANCELLING marker into that
// signal for processes that did not originate the request.
package cancel

import (
	"sync"
)

// Signal is a set-once cancellation flag. Checking the signal is the only
// mechanism the run loop consults; everything else (HTTP stop endpoint,
// durable marker, watcher) funnels into Set.
type Signal struct {
	once sync.Once
	ch   chan struct{}
}

// NewSignal creates an unset signal.
func NewSignal() *Signal {
	return &Signal{ch: make(chan struct{})}
}

// Set marks the signal. Safe to call multiple times from any goroutine.
func (s *Signal) Set() {
	s.once.Do(func() {
		close(s.ch)
	})
}

// IsSet reports whether the signal has been set.
func (s *Signal) IsSet() bool {
	select {
	case <-s.ch:
		return true
	default:
		return false
	}
}

// Done returns a channel closed once the signal is set, for use in select
// races against in-flight calls.
func (s *Signal) Done() <-chan struct{} {
	return s.ch
}

// Registry tracks the signals of runs owned by this process, so a cancel
// request arriving at the same process can skip the durable round trip.
type Registry struct {
	mu      sync.Mutex
	signals map[uint]*Signal
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{signals: make(map[uint]*Signal)}
}

// Register creates and tracks a signal for the given suite run.
func (r *Registry) Register(suiteRunID uint) *Signal {
	r.mu.Lock()
	defer r.mu.Unlock()

	sig := NewSignal()
	r.signals[suiteRunID] = sig

	return sig
}

// Get returns the signal for a run owned by this process, if any.
func (r *Registry) Get(suiteRunID uint) (*Signal, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	sig, ok := r.signals[suiteRunID]

	return sig, ok
}

// Unregister removes a run's signal once its worker exits.
func (r *Registry) Unregister(suiteRunID uint) {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.signals, suiteRunID)
}

// Active returns the ids of runs currently owned by this process.
func (r *Registry) Active() []uint {
	r.mu.Lock()
	defer r.mu.Unlock()

	ids := make([]uint, 0, len(r.signals))
	for id := range r.signals {
		ids = append(ids, id)
	}

	return ids
}
