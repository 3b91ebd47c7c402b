package server

import (
	"sort"
	"sync"
	"time"

	"github.com/vango-dev/wthr/pkg/geo"
)

// Connection is one registered client.
type Connection struct {
	// Handle is the socket descriptor; unique among active connections.
	Handle int

	// ID is a random identifier used in logs.
	ID string

	// RemoteAddr is the textual peer IP address.
	RemoteAddr string

	// Location is the client's resolved position, fixed for its lifetime.
	Location geo.Location

	// ConnectedAt is when the client was registered.
	ConnectedAt time.Time

	// Socket delivers payloads to the client.
	Socket Sender

	seq uint64
}

// Registry is the set of active connections keyed by handle.
// It is safe for concurrent use by the event loop and the broadcaster.
type Registry struct {
	mu    sync.Mutex
	conns map[int]Connection
	seq   uint64

	totalAdded   uint64
	totalRemoved uint64
	peak         int
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		conns: make(map[int]Connection),
	}
}

// Add registers conn. An existing entry for the same handle is never
// overwritten; ErrDuplicateHandle is returned instead.
func (r *Registry) Add(conn Connection) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.conns[conn.Handle]; exists {
		return NewConnError(conn.Handle, "register", ErrDuplicateHandle)
	}
	r.seq++
	conn.seq = r.seq
	r.conns[conn.Handle] = conn
	r.totalAdded++
	if len(r.conns) > r.peak {
		r.peak = len(r.conns)
	}
	return nil
}

// Remove unregisters the connection with the given handle and returns it.
// Removing an absent handle is a no-op that reports false.
func (r *Registry) Remove(handle int) (Connection, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	conn, ok := r.conns[handle]
	if !ok {
		return Connection{}, false
	}
	delete(r.conns, handle)
	r.totalRemoved++
	return conn, true
}

// Get returns the connection with the given handle.
func (r *Registry) Get(handle int) (Connection, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	conn, ok := r.conns[handle]
	return conn, ok
}

// Len returns the number of active connections.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.conns)
}

// Snapshot returns a copy of the active connections in registration order.
// Later changes to the registry do not affect the returned slice.
func (r *Registry) Snapshot() []Connection {
	r.mu.Lock()
	conns := make([]Connection, 0, len(r.conns))
	for _, c := range r.conns {
		conns = append(conns, c)
	}
	r.mu.Unlock()

	sort.Slice(conns, func(i, j int) bool {
		return conns[i].seq < conns[j].seq
	})
	return conns
}

// Clear removes every connection and returns them in registration order.
func (r *Registry) Clear() []Connection {
	r.mu.Lock()
	conns := make([]Connection, 0, len(r.conns))
	for _, c := range r.conns {
		conns = append(conns, c)
	}
	r.totalRemoved += uint64(len(r.conns))
	r.conns = make(map[int]Connection)
	r.mu.Unlock()

	sort.Slice(conns, func(i, j int) bool {
		return conns[i].seq < conns[j].seq
	})
	return conns
}

// Stats returns aggregated registry statistics.
func (r *Registry) Stats() RegistryStats {
	r.mu.Lock()
	defer r.mu.Unlock()

	return RegistryStats{
		Active:       len(r.conns),
		TotalAdded:   r.totalAdded,
		TotalRemoved: r.totalRemoved,
		Peak:         r.peak,
	}
}

// RegistryStats contains aggregated registry statistics.
type RegistryStats struct {
	Active       int
	TotalAdded   uint64
	TotalRemoved uint64
	Peak         int
}
