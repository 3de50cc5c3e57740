package server

import (
	"sync"

	"github.com/adred-codev/chat-relay/internal/monitoring"
)

// Registry is the process-local set of active connections indexed by
// session id. Anonymous connections are never registered.
//
// At most one entry exists per session id: a connection arriving with an
// id already present replaces the old entry and cancels the displaced
// connection, whose next socket operation observes the cancellation and
// closes it from its own goroutine.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*Client
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]*Client)}
}

// Add registers c under id, displacing any previous entry. The displaced
// client is cancelled, not closed inline; its own pumps tear it down.
func (r *Registry) Add(id string, c *Client) {
	r.mu.Lock()
	displaced := r.entries[id]
	r.entries[id] = c
	size := len(r.entries)
	r.mu.Unlock()

	if displaced != nil && displaced != c {
		displaced.cancel()
	}
	monitoring.SetSessionsTracked(size)
}

// Remove drops the entry for id, but only if it still points at c; a
// replaced connection must not evict its replacement during teardown.
func (r *Registry) Remove(id string, c *Client) {
	r.mu.Lock()
	if current, ok := r.entries[id]; ok && current == c {
		delete(r.entries, id)
	}
	size := len(r.entries)
	r.mu.Unlock()

	monitoring.SetSessionsTracked(size)
}

// Contains reports whether id has an active connection.
func (r *Registry) Contains(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.entries[id]
	return ok
}

// Snapshot returns a point-in-time copy of the registry so fan-out
// iteration never blocks adders or removers.
func (r *Registry) Snapshot() []*Client {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Client, 0, len(r.entries))
	for _, c := range r.entries {
		out = append(out, c)
	}
	return out
}

// SessionIDs returns the ids of all registered connections.
func (r *Registry) SessionIDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]string, 0, len(r.entries))
	for id := range r.entries {
		out = append(out, id)
	}
	return out
}

// Len returns the current registry size.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}
