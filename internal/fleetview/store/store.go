// Package store holds the latest sample of every vehicle as a sequence of
// immutable snapshots.
package store

import (
	"sync"
	"sync/atomic"

	"github.com/autopeer-io/fleetview/internal/fleetview/core/model"
	"github.com/autopeer-io/fleetview/internal/pkg/metrics"
)

// Option configures a Store.
type Option func(*Store)

// WithTimestampOrdering makes Apply keep the stored sample when the incoming
// one carries a strictly older timestamp. Samples whose timestamps do not
// parse are always accepted.
func WithTimestampOrdering() Option {
	return func(s *Store) { s.ordered = true }
}

// Store maps vehicle ids to their latest sample. Readers never block;
// writers are serialized and publish a fresh map on every change.
type Store struct {
	mu      sync.Mutex
	current atomic.Pointer[model.Snapshot]
	ordered bool

	watchers map[chan model.Snapshot]struct{}
}

// New creates an empty Store.
func New(opts ...Option) *Store {
	s := &Store{watchers: make(map[chan model.Snapshot]struct{})}
	for _, opt := range opts {
		opt(s)
	}
	empty := model.Snapshot{}
	s.current.Store(&empty)
	return s
}

// Apply inserts or replaces sample and returns the resulting snapshot.
// Samples without a VehicleID are ignored.
func (s *Store) Apply(sample model.VehicleSample) model.Snapshot {
	if sample.VehicleID == "" {
		return s.Snapshot()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	prev := *s.current.Load()
	if s.ordered && isStale(prev[sample.VehicleID], sample) {
		return prev
	}

	next := make(model.Snapshot, len(prev)+1)
	for k, v := range prev {
		next[k] = v
	}
	next[sample.VehicleID] = sample

	s.publish(next)
	return next
}

// Clear removes every sample.
func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(*s.current.Load()) == 0 {
		return
	}
	s.publish(model.Snapshot{})
}

// Snapshot returns the current snapshot. Callers must not mutate it.
func (s *Store) Snapshot() model.Snapshot {
	return *s.current.Load()
}

// Get returns the sample for id.
func (s *Store) Get(id string) (model.VehicleSample, bool) {
	v, ok := s.Snapshot()[id]
	return v, ok
}

// Len returns the number of vehicles held.
func (s *Store) Len() int {
	return len(s.Snapshot())
}

// Watch returns a channel receiving the latest snapshot after each change.
// Slow receivers only see the most recent one. The returned cancel function
// stops delivery and closes the channel.
func (s *Store) Watch() (<-chan model.Snapshot, func()) {
	ch := make(chan model.Snapshot, 1)

	s.mu.Lock()
	s.watchers[ch] = struct{}{}
	s.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.watchers, ch)
			s.mu.Unlock()
			close(ch)
		})
	}
}

// publish must be called with mu held.
func (s *Store) publish(next model.Snapshot) {
	s.current.Store(&next)
	metrics.FleetSize.Set(float64(len(next)))

	for ch := range s.watchers {
		// Drop the unread snapshot so the newest one always fits.
		select {
		case <-ch:
		default:
		}
		ch <- next
	}
}

func isStale(stored, incoming model.VehicleSample) bool {
	if stored.VehicleID == "" {
		return false
	}
	old, ok := stored.ParsedTimestamp()
	if !ok {
		return false
	}
	ts, ok := incoming.ParsedTimestamp()
	return ok && ts.Before(old)
}
