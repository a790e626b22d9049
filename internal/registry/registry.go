// Package registry keeps the server-side bookkeeping of every live
// connection: owning principal, heartbeat timestamps, and the ordered
// in-flight envelope set.
package registry

import (
	"sync"
	"time"

	"github.com/bft-labs/relaycore/internal/domain"
	"github.com/bft-labs/relaycore/internal/ports"
	"github.com/bft-labs/relaycore/pkg/log"
)

// Registry owns every live Connection. Lookups and registration are guarded
// by a registry-wide read/write mutex; per-connection mutation is serialized
// by the connection's own lock, so operations on different principals run
// concurrently.
type Registry struct {
	mu          sync.RWMutex
	conns       map[string]*Connection
	byPrincipal map[string]map[string]struct{}
	logger      log.Logger
}

// New creates an empty registry.
func New(logger log.Logger) *Registry {
	if logger == nil {
		logger = log.NewNoopLogger()
	}
	return &Registry{
		conns:       make(map[string]*Connection),
		byPrincipal: make(map[string]map[string]struct{}),
		logger:      logger,
	}
}

// Register records a newly opened connection and returns its record.
// Re-registering an id replaces the previous record.
func (r *Registry) Register(connectionID string, transport ports.Transport) *Connection {
	conn := newConnection(connectionID, transport)

	r.mu.Lock()
	if old, ok := r.conns[connectionID]; ok {
		r.detachLocked(old)
		old.close()
	}
	r.conns[connectionID] = conn
	r.mu.Unlock()

	r.logger.Debug("connection registered", log.String("connection", connectionID))
	return conn
}

// Attribute binds a connection to its owning principal, moving it to the
// Identified state. Attribution of an unknown connection returns
// ErrUnknownConnection.
func (r *Registry) Attribute(connectionID, principalID string) error {
	r.mu.Lock()
	conn, ok := r.conns[connectionID]
	if !ok {
		r.mu.Unlock()
		return domain.ErrUnknownConnection
	}

	conn.mu.Lock()
	prev := conn.principal
	conn.principal = principalID
	if conn.state == StateOpen {
		conn.state = StateIdentified
	}
	conn.mu.Unlock()

	if prev != "" && prev != principalID {
		r.removePrincipalIndexLocked(prev, connectionID)
	}
	set, ok := r.byPrincipal[principalID]
	if !ok {
		set = make(map[string]struct{})
		r.byPrincipal[principalID] = set
	}
	set[connectionID] = struct{}{}
	r.mu.Unlock()

	r.logger.Debug("connection attributed",
		log.String("connection", connectionID),
		log.String("principal", principalID),
	)
	return nil
}

// Unregister removes a connection and returns its in-flight envelopes in
// tracking order for hand-off to the pending queue. Unregistering an
// unknown id returns nil.
func (r *Registry) Unregister(connectionID string) []domain.Envelope {
	r.mu.Lock()
	conn, ok := r.conns[connectionID]
	if !ok {
		r.mu.Unlock()
		return nil
	}
	delete(r.conns, connectionID)
	r.detachLocked(conn)
	r.mu.Unlock()

	handoff := conn.close()
	r.logger.Debug("connection unregistered",
		log.String("connection", connectionID),
		log.Int("inflight", len(handoff)),
	)
	return handoff
}

// Get returns the connection record for the given id.
func (r *Registry) Get(connectionID string) (*Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	conn, ok := r.conns[connectionID]
	return conn, ok
}

// FindByPrincipal returns every live connection attributed to a principal.
func (r *Registry) FindByPrincipal(principalID string) []*Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids, ok := r.byPrincipal[principalID]
	if !ok {
		return nil
	}
	out := make([]*Connection, 0, len(ids))
	for id := range ids {
		if conn, ok := r.conns[id]; ok {
			out = append(out, conn)
		}
	}
	return out
}

// Snapshot returns all live connections, for the heartbeat monitor.
func (r *Registry) Snapshot() []*Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Connection, 0, len(r.conns))
	for _, conn := range r.conns {
		out = append(out, conn)
	}
	return out
}

// RecordHeartbeatSent stamps an outgoing probe on a connection.
func (r *Registry) RecordHeartbeatSent(connectionID string) {
	if conn, ok := r.Get(connectionID); ok {
		conn.recordHeartbeatSent(time.Now().UTC())
	}
}

// RecordHeartbeatAck stamps a liveness response on a connection.
func (r *Registry) RecordHeartbeatAck(connectionID string) {
	if conn, ok := r.Get(connectionID); ok {
		conn.recordHeartbeatAck(time.Now().UTC())
	}
}

// IsStale reports whether a connection's heartbeat ack is overdue by more
// than timeout. A stale connection is marked Stale; the caller is expected
// to force-close it.
func (r *Registry) IsStale(connectionID string, timeout time.Duration) bool {
	conn, ok := r.Get(connectionID)
	if !ok {
		return false
	}
	return conn.isStale(time.Now().UTC(), timeout)
}

// Len returns the number of live connections.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// detachLocked removes the connection from the principal index.
// Caller holds r.mu.
func (r *Registry) detachLocked(conn *Connection) {
	conn.mu.Lock()
	principal := conn.principal
	conn.mu.Unlock()
	if principal != "" {
		r.removePrincipalIndexLocked(principal, conn.id)
	}
}

func (r *Registry) removePrincipalIndexLocked(principalID, connectionID string) {
	if set, ok := r.byPrincipal[principalID]; ok {
		delete(set, connectionID)
		if len(set) == 0 {
			delete(r.byPrincipal, principalID)
		}
	}
}
