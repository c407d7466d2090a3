// Package identity supplies the current caller identity to the sync engine.
package identity

import (
	"sync"

	"github.com/livinlefevreloca/tasksync/internal/records"
)

// Identity is the current caller. The zero value is the anonymous caller.
type Identity struct {
	UserID string `json:"user_id"`
	Token  string `json:"access_token"`
}

// Anonymous is the caller before sign-in.
var Anonymous = Identity{}

// Authenticated reports whether the caller has signed in.
func (i Identity) Authenticated() bool {
	return i.UserID != ""
}

// Owner returns the owner id new records should carry.
func (i Identity) Owner() string {
	if !i.Authenticated() {
		return records.LocalOwner
	}
	return i.UserID
}

// Provider exposes the current caller and notifies watchers when it changes.
type Provider interface {
	Current() Identity
	// Watch registers fn to run after every identity change. The returned
	// function removes the registration.
	Watch(fn func(Identity)) (cancel func())
}

// watchers is the registration list shared by the providers.
type watchers struct {
	mu   sync.Mutex
	next int
	fns  map[int]func(Identity)
}

func (w *watchers) add(fn func(Identity)) func() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.fns == nil {
		w.fns = make(map[int]func(Identity))
	}
	id := w.next
	w.next++
	w.fns[id] = fn

	var once sync.Once
	return func() {
		once.Do(func() {
			w.mu.Lock()
			defer w.mu.Unlock()
			delete(w.fns, id)
		})
	}
}

func (w *watchers) notify(id Identity) {
	w.mu.Lock()
	fns := make([]func(Identity), 0, len(w.fns))
	for _, fn := range w.fns {
		fns = append(fns, fn)
	}
	w.mu.Unlock()

	for _, fn := range fns {
		fn(id)
	}
}

// Static is a Provider whose identity is set by the caller.
type Static struct {
	mu       sync.RWMutex
	current  Identity
	watchers watchers
}

func NewStatic(initial Identity) *Static {
	return &Static{current: initial}
}

func (s *Static) Current() Identity {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current
}

func (s *Static) Watch(fn func(Identity)) func() {
	return s.watchers.add(fn)
}

// Set replaces the identity and notifies watchers if it changed.
func (s *Static) Set(id Identity) {
	s.mu.Lock()
	changed := s.current != id
	s.current = id
	s.mu.Unlock()

	if changed {
		s.watchers.notify(id)
	}
}

// Clear signs the caller out.
func (s *Static) Clear() {
	s.Set(Anonymous)
}
