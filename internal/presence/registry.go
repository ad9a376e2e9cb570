// Package presence tracks which users have live connections. A user is
// online while at least one of their connections is registered.
package presence

import (
	"sync"

	"go.uber.org/zap"

	"campuschat/internal/keyed"
)

// Notifier receives presence transitions. It is called while the user's
// shard is locked, so implementations must not block or call back into the
// registry.
type Notifier interface {
	PresenceChanged(userID string, online bool)
}

// Registry is the reference-counted presence table, sharded by user ID.
type Registry struct {
	shards   [keyed.ShardCount]*shard
	owners   sync.Map // connID -> userID
	notifier Notifier
	logger   *zap.Logger
}

type shard struct {
	mu      sync.RWMutex
	entries map[string]map[string]struct{} // userID -> set of connIDs
}

// NewRegistry creates an empty registry. notifier may be nil.
func NewRegistry(notifier Notifier, logger *zap.Logger) *Registry {
	r := &Registry{notifier: notifier, logger: logger}
	for i := range r.shards {
		r.shards[i] = &shard{entries: make(map[string]map[string]struct{})}
	}
	return r
}

func (r *Registry) shardFor(userID string) *shard {
	return r.shards[keyed.Index(userID, keyed.ShardCount)]
}

// Connect registers connID for userID. It returns true when this is the
// user's first live connection. Registering the same connID twice is a no-op.
func (r *Registry) Connect(userID, connID string) bool {
	if owner, loaded := r.owners.LoadOrStore(connID, userID); loaded {
		if owner.(string) != userID {
			r.logger.Warn("connection already registered to another user",
				zap.String("conn_id", connID),
				zap.String("owner", owner.(string)),
				zap.String("user_id", userID))
		}
		return false
	}

	s := r.shardFor(userID)
	s.mu.Lock()
	defer s.mu.Unlock()

	conns, exists := s.entries[userID]
	if !exists {
		conns = make(map[string]struct{})
		s.entries[userID] = conns
	}
	conns[connID] = struct{}{}

	if !exists {
		r.logger.Debug("user online", zap.String("user_id", userID), zap.String("conn_id", connID))
		if r.notifier != nil {
			r.notifier.PresenceChanged(userID, true)
		}
	}
	return !exists
}

// Disconnect removes connID. It returns the owning user and whether that
// was the user's last connection. Unknown connIDs return ("", false).
func (r *Registry) Disconnect(connID string) (string, bool) {
	owner, ok := r.owners.LoadAndDelete(connID)
	if !ok {
		return "", false
	}
	userID := owner.(string)

	s := r.shardFor(userID)
	s.mu.Lock()
	defer s.mu.Unlock()

	conns, exists := s.entries[userID]
	if !exists {
		return userID, false
	}
	delete(conns, connID)
	if len(conns) > 0 {
		return userID, false
	}

	delete(s.entries, userID)
	r.logger.Debug("user offline", zap.String("user_id", userID))
	if r.notifier != nil {
		r.notifier.PresenceChanged(userID, false)
	}
	return userID, true
}

// IsOnline reports whether the user has at least one live connection.
func (r *Registry) IsOnline(userID string) bool {
	s := r.shardFor(userID)
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.entries[userID]
	return ok
}

// ConnectionsOf returns the user's live connection IDs.
func (r *Registry) ConnectionsOf(userID string) []string {
	s := r.shardFor(userID)
	s.mu.RLock()
	defer s.mu.RUnlock()

	conns := s.entries[userID]
	ids := make([]string, 0, len(conns))
	for id := range conns {
		ids = append(ids, id)
	}
	return ids
}

// OwnerOf returns the user a connection belongs to.
func (r *Registry) OwnerOf(connID string) (string, bool) {
	owner, ok := r.owners.Load(connID)
	if !ok {
		return "", false
	}
	return owner.(string), true
}

// GetStats returns the number of online users and live connections.
func (r *Registry) GetStats() map[string]int {
	users, conns := 0, 0
	for _, s := range r.shards {
		s.mu.RLock()
		users += len(s.entries)
		for _, set := range s.entries {
			conns += len(set)
		}
		s.mu.RUnlock()
	}
	return map[string]int{
		"online_users":      users,
		"total_connections": conns,
	}
}
