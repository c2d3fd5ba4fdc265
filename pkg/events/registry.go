package events

import (
	"context"
	"sync"
)

// Registry maps live session ids to their hubs. Hubs exist only while a
// session has a running supervisor or attached subscribers; history for
// every other session is served straight from the store.
type Registry struct {
	store Store

	mu   sync.Mutex
	hubs map[string]*Hub
}

// NewRegistry creates an empty hub registry backed by the given store.
func NewRegistry(store Store) *Registry {
	return &Registry{
		store: store,
		hubs:  make(map[string]*Hub),
	}
}

// Get returns the hub for a session, or nil when none is live.
func (r *Registry) Get(sessionID string) *Hub {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.hubs[sessionID]
}

// GetOrCreate returns the live hub for a session, creating one seeded from
// persisted history if needed.
func (r *Registry) GetOrCreate(ctx context.Context, sessionID string, bufSize int) (*Hub, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if h, ok := r.hubs[sessionID]; ok {
		return h, nil
	}
	h, err := NewHub(ctx, sessionID, r.store, bufSize)
	if err != nil {
		return nil, err
	}
	r.hubs[sessionID] = h
	return h, nil
}

// Remove drops the hub for a session. Called after the supervisor exits and
// the persistence writer has drained.
func (r *Registry) Remove(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.hubs, sessionID)
}

// Len returns the number of live hubs.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.hubs)
}
