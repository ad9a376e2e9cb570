package websocket

import (
	"sync"

	"campuschat/pkg/interfaces"
)

// Registry is the directory of live connection mailboxes, keyed by
// connection ID. A user may hold many connections.
type Registry struct {
	mu    sync.RWMutex // TECHNICAL DISCOVERY: RWMutex optimizes for read-heavy lookup during fan-out
	sinks map[string]interfaces.Sink
}

// NewRegistry creates an empty directory.
func NewRegistry() *Registry {
	return &Registry{sinks: make(map[string]interfaces.Sink)}
}

// Register adds a mailbox. IDs are server-generated, so a duplicate is a bug.
func (r *Registry) Register(sink interfaces.Sink) error {
	if sink == nil {
		return ErrNilConnection
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.sinks[sink.ID()]; exists {
		return ErrDuplicateConnection
	}
	r.sinks[sink.ID()] = sink
	return nil
}

// Unregister removes a mailbox. Idempotent.
func (r *Registry) Unregister(connID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sinks, connID)
}

// Lookup returns the mailbox of a connection.
func (r *Registry) Lookup(connID string) (interfaces.Sink, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sink, ok := r.sinks[connID]
	return sink, ok
}

// CloseAll closes every registered connection that can be closed. Read loops
// then exit and detach their sessions.
func (r *Registry) CloseAll() int {
	r.mu.RLock()
	closers := make([]interface{ Close() error }, 0, len(r.sinks))
	for _, sink := range r.sinks {
		if c, ok := sink.(interface{ Close() error }); ok {
			closers = append(closers, c)
		}
	}
	r.mu.RUnlock()

	for _, c := range closers {
		_ = c.Close()
	}
	return len(closers)
}

// GetStats returns registry statistics.
func (r *Registry) GetStats() map[string]int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return map[string]int{"registered_connections": len(r.sinks)}
}
