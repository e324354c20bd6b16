package msgport

import "sync"

// Registry tracks the live connections of a process so they can be shut
// down as a group from any goroutine. It holds non-owning references: a
// connection appears in the set from NewConn until Close.
//
// Construct one Registry at startup and pass it to whatever creates
// connections; there is deliberately no package-level instance.
type Registry struct {
	mu    sync.Mutex
	conns map[*Conn]struct{}
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{conns: make(map[*Conn]struct{})}
}

// Register adds c to the set.
func (r *Registry) Register(c *Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.conns[c] = struct{}{}
}

// Deregister removes c from the set.
func (r *Registry) Deregister(c *Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.conns, c)
}

// Len returns the number of registered connections.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.conns)
}

// ShutdownAll shuts down every registered connection whose tag bitmask does
// not intersect skipMask. Shutdown only signals the transport and never
// blocks on the peer, so holding the lock across the sweep is fine; entries
// are left in place for each connection's own Close to remove.
func (r *Registry) ShutdownAll(skipMask uint32) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for c := range r.conns {
		if c.Tag()&skipMask != 0 {
			continue
		}
		_ = c.Shutdown()
	}
}
