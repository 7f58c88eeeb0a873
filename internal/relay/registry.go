package relay

import (
	"fmt"
	"sync"
)

// Registry is the relay's single source of truth for live connections and
// the role each has registered.
type Registry struct {
	mu          sync.RWMutex
	conns       map[string]*Conn
	displays    map[string]struct{}
	controllers map[string]struct{}
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		conns:       make(map[string]*Conn),
		displays:    make(map[string]struct{}),
		controllers: make(map[string]struct{}),
	}
}

// Add tracks a newly accepted connection that has not registered a role.
func (r *Registry) Add(c *Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.conns[c.id] = c
}

// Register places a connection in the set for role, removing it from the
// other set.
func (r *Registry) Register(id string, role Role) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.conns[id]; !ok {
		return fmt.Errorf("connection %s not found", id)
	}
	switch role {
	case RoleDisplay:
		delete(r.controllers, id)
		r.displays[id] = struct{}{}
	case RoleController:
		delete(r.displays, id)
		r.controllers[id] = struct{}{}
	default:
		return fmt.Errorf("unknown role %q", role)
	}
	return nil
}

// Unregister forgets a connection. It is safe to call more than once.
func (r *Registry) Unregister(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.conns[id]
	delete(r.conns, id)
	delete(r.displays, id)
	delete(r.controllers, id)
	return ok
}

// Role returns the role a connection registered, if any.
func (r *Registry) Role(id string) (Role, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if _, ok := r.displays[id]; ok {
		return RoleDisplay, true
	}
	if _, ok := r.controllers[id]; ok {
		return RoleController, true
	}
	return "", false
}

// Counts returns the size of both role sets.
func (r *Registry) Counts() ClientCount {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return ClientCount{
		Displays:    len(r.displays),
		Controllers: len(r.controllers),
	}
}

// Displays returns every connection registered as a display.
func (r *Registry) Displays() []*Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Conn, 0, len(r.displays))
	for id := range r.displays {
		out = append(out, r.conns[id])
	}
	return out
}

// All returns every live connection, registered or not.
func (r *Registry) All() []*Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Conn, 0, len(r.conns))
	for _, c := range r.conns {
		out = append(out, c)
	}
	return out
}

