// Package registry implements the gateway's routing table: the map from
// (backend, client key) to the live session handling that client, and the
// per-backend refcount that decides when a poller should start or stop.
// Modeled on the teacher's router.Router (a single RWMutex-guarded map) —
// at gateway scale a sharded map is unwarranted, so this stays with one
// lock rather than adopting the teacher's 16-shard session.Manager.
package registry

import (
	"sync"

	"github.com/icws/gateway/internal/envelope"
)

// Key identifies a session by the backend it talks to and the client key
// that owns it.
type Key struct {
	Backend envelope.BackendID
	Client  envelope.ClientKey
}

// Handle is the minimal surface the registry needs from a session: enough
// to hand it outbound messages and to close it out-of-band when a newer
// session supersedes it. internal/session.Session implements this.
type Handle interface {
	Key() Key
	Send(msg envelope.OutboundMessage) bool
	Close(reason string)
}

// Registry is the gateway's single routing table.
type Registry struct {
	mu       sync.RWMutex
	sessions map[Key]Handle
	refs     map[envelope.BackendID]int

	// onBackendActive is called when a backend's session count goes 0->1,
	// with the key of the session that triggered it. The gateway wires
	// this to poller startup; the poller uses the triggering client's key
	// to filter its first poll iteration (see internal/poller).
	onBackendActive func(Key)
	// onBackendIdle is called when a backend's session count goes 1->0;
	// the gateway wires this to poller shutdown.
	onBackendIdle func(envelope.BackendID)
}

// New creates an empty registry. Callbacks are wired separately via
// SetCallbacks, since the poller manager that provides them in turn needs
// a reference back to this registry.
func New() *Registry {
	return &Registry{
		sessions: make(map[Key]Handle),
		refs:     make(map[envelope.BackendID]int),
	}
}

// SetCallbacks wires the registry's backend-activation hooks. Must be
// called before the registry is used concurrently.
func (r *Registry) SetCallbacks(onBackendActive func(Key), onBackendIdle func(envelope.BackendID)) {
	r.onBackendActive = onBackendActive
	r.onBackendIdle = onBackendIdle
}

// Register inserts handle under its key. If a session already owns that
// key, it is returned as displaced — the caller must close it with a
// "displaced" reason; the registry does not close it itself, since the
// session owns its own socket lifecycle.
func (r *Registry) Register(handle Handle) (displaced Handle) {
	key := handle.Key()

	r.mu.Lock()
	defer r.mu.Unlock()

	displaced = r.sessions[key]
	r.sessions[key] = handle

	if displaced == nil {
		if r.refs[key.Backend] == 0 && r.onBackendActive != nil {
			r.onBackendActive(key)
		}
		r.refs[key.Backend]++
	}

	return displaced
}

// Deregister removes handle only if it is still the session stored for its
// key — this guards against a slow-closing old session removing the entry
// that a newer session already installed. Returns true if this removal
// brought the backend's session count to zero.
func (r *Registry) Deregister(handle Handle) (backendNowIdle bool) {
	key := handle.Key()

	r.mu.Lock()
	defer r.mu.Unlock()

	if current, ok := r.sessions[key]; !ok || current != handle {
		return false
	}

	delete(r.sessions, key)
	r.refs[key.Backend]--

	if r.refs[key.Backend] <= 0 {
		delete(r.refs, key.Backend)
		if r.onBackendIdle != nil {
			r.onBackendIdle(key.Backend)
		}
		return true
	}

	return false
}

// Lookup returns the session registered for key, if any.
func (r *Registry) Lookup(key Key) (Handle, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.sessions[key]
	return h, ok
}

// LookupClient returns the session registered for (backend, client), if any.
func (r *Registry) LookupClient(backend envelope.BackendID, client envelope.ClientKey) (Handle, bool) {
	return r.Lookup(Key{Backend: backend, Client: client})
}

// ActiveBackends returns the set of backends with at least one registered
// session, in no particular order.
func (r *Registry) ActiveBackends() []envelope.BackendID {
	r.mu.RLock()
	defer r.mu.RUnlock()

	backends := make([]envelope.BackendID, 0, len(r.refs))
	for b := range r.refs {
		backends = append(backends, b)
	}
	return backends
}

// SessionCount returns the total number of registered sessions, across all
// backends.
func (r *Registry) SessionCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}
