package server

import (
	"sync"

	"github.com/google/uuid"
	"github.com/samber/lo"
)

// PeerObserver is told about every change to the set of active sessions.
// Calls are serialised and arrive in the order the changes happened.
type PeerObserver interface {
	PeersChanged(count int, addresses []string)
}

// Registry is the set of sessions that receive broadcasts.
//
// Concurrency model
// -----------------
//   - The sessions map is guarded by an RWMutex.  Add and Remove take the
//     write lock; ForEach, Len and Addresses take the read lock.
//   - ForEach copies the current members under the read lock and visits them
//     after releasing it, so a visitor may call Add or Remove (directly or by
//     evicting a session) without deadlocking.
//   - Observer notifications are serialised by notifyMu, which is held across
//     the mutation and the callback but never while ForEach visits.
type Registry struct {
	mu       sync.RWMutex
	sessions map[uuid.UUID]*Session

	notifyMu sync.Mutex
	observer PeerObserver
}

func NewRegistry(observer PeerObserver) *Registry {
	return &Registry{
		sessions: make(map[uuid.UUID]*Session),
		observer: observer,
	}
}

// Add registers s.  Adding a session twice is a no-op.
func (r *Registry) Add(s *Session) {
	r.notifyMu.Lock()
	defer r.notifyMu.Unlock()

	r.mu.Lock()
	if _, ok := r.sessions[s.id]; ok {
		r.mu.Unlock()
		return
	}
	r.sessions[s.id] = s
	count, addrs := r.describeLocked()
	r.mu.Unlock()

	r.notify(count, addrs)
}

// Remove unregisters s and reports whether it was registered.
func (r *Registry) Remove(s *Session) bool {
	r.notifyMu.Lock()
	defer r.notifyMu.Unlock()

	r.mu.Lock()
	if _, ok := r.sessions[s.id]; !ok {
		r.mu.Unlock()
		return false
	}
	delete(r.sessions, s.id)
	count, addrs := r.describeLocked()
	r.mu.Unlock()

	r.notify(count, addrs)
	return true
}

// ForEach calls visit once for every session registered at the moment of the
// call.
func (r *Registry) ForEach(visit func(*Session)) {
	for _, s := range r.Snapshot() {
		visit(s)
	}
}

// Snapshot returns the registered sessions in no particular order.
func (r *Registry) Snapshot() []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return lo.Values(r.sessions)
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Addresses lists the remote address of every registered session.
func (r *Registry) Addresses() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, addrs := r.describeLocked()
	return addrs
}

func (r *Registry) describeLocked() (int, []string) {
	addrs := lo.Map(lo.Values(r.sessions), func(s *Session, _ int) string {
		return s.addr
	})
	return len(r.sessions), addrs
}

func (r *Registry) notify(count int, addrs []string) {
	if r.observer == nil {
		return
	}
	r.observer.PeersChanged(count, addrs)
}
