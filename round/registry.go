package round

import "sync"

// Registry tracks the pool of currently available clients. Clients register
// when they connect and are removed when their transport drops. Safe for
// concurrent use.
type Registry struct {
	mu      sync.RWMutex
	order   []string
	clients map[string]ClientProxy
}

// NewRegistry returns an empty client pool.
func NewRegistry() *Registry {
	return &Registry{clients: make(map[string]ClientProxy)}
}

// Register adds or replaces a client. First registration order is kept so
// selection is deterministic for a stable pool.
func (r *Registry) Register(c ClientProxy) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.clients[c.ID()]; !ok {
		r.order = append(r.order, c.ID())
	}
	r.clients[c.ID()] = c
}

// Unregister removes a client from the pool.
func (r *Registry) Unregister(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.clients[id]; !ok {
		return
	}
	delete(r.clients, id)
	for i, n := range r.order {
		if n == id {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
}

// Available returns the registered clients in registration order.
func (r *Registry) Available() []ClientProxy {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]ClientProxy, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.clients[id])
	}
	return out
}

// Len returns the number of registered clients.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.clients)
}
