// Package subscription tracks which vehicles the operator wants to follow.
package subscription

import (
	"sort"
	"strings"
	"sync"
)

// ReconcileFunc receives the desired set, sorted, after every mutation.
type ReconcileFunc func(desired []string)

// Set is the desired set of vehicle identifiers. Every mutation calls the
// reconcile hook synchronously, in mutation order, before returning.
type Set struct {
	mu        sync.Mutex
	ids       map[string]struct{}
	reconcile ReconcileFunc
}

// NewSet creates a Set pre-populated with initial. The hook is not invoked
// for the initial contents.
func NewSet(reconcile ReconcileFunc, initial ...string) *Set {
	s := &Set{
		ids:       make(map[string]struct{}, len(initial)),
		reconcile: reconcile,
	}
	for _, id := range initial {
		if id = strings.TrimSpace(id); id != "" {
			s.ids[id] = struct{}{}
		}
	}
	return s
}

// OnChange replaces the reconcile hook.
func (s *Set) OnChange(fn ReconcileFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reconcile = fn
}

// Toggle flips membership of id and reports whether it is now subscribed.
func (s *Set) Toggle(id string) bool {
	id = strings.TrimSpace(id)
	if id == "" {
		return false
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	_, present := s.ids[id]
	if present {
		delete(s.ids, id)
	} else {
		s.ids[id] = struct{}{}
	}
	s.notify()
	return !present
}

// Add subscribes id. It is a no-op when id is already present.
func (s *Set) Add(id string) {
	s.mutate(func() bool {
		if _, ok := s.ids[id]; ok {
			return false
		}
		s.ids[id] = struct{}{}
		return true
	}, id)
}

// Remove unsubscribes id. It is a no-op when id is absent.
func (s *Set) Remove(id string) {
	s.mutate(func() bool {
		if _, ok := s.ids[id]; !ok {
			return false
		}
		delete(s.ids, id)
		return true
	}, id)
}

func (s *Set) mutate(fn func() bool, id string) {
	if strings.TrimSpace(id) != id || id == "" {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if fn() {
		s.notify()
	}
}

// SetAll replaces the set with ids.
func (s *Set) SetAll(ids []string) {
	next := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		if id = strings.TrimSpace(id); id != "" {
			next[id] = struct{}{}
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.ids = next
	s.notify()
}

// Clear empties the set.
func (s *Set) Clear() {
	s.SetAll(nil)
}

// Contains reports whether id is subscribed.
func (s *Set) Contains(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.ids[id]
	return ok
}

// List returns the subscribed ids in sorted order.
func (s *Set) List() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sorted()
}

// Len returns the number of subscribed ids.
func (s *Set) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.ids)
}

func (s *Set) sorted() []string {
	out := make([]string, 0, len(s.ids))
	for id := range s.ids {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// notify runs with mu held so that hooks observe mutations in order.
func (s *Set) notify() {
	if s.reconcile != nil {
		s.reconcile(s.sorted())
	}
}
