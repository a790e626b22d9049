package registry

import (
	"sync"
	"time"

	"github.com/bft-labs/relaycore/internal/domain"
	"github.com/bft-labs/relaycore/internal/ports"
)

// State is the lifecycle state of one connection.
type State int

const (
	// StateOpen is the initial state after the transport reports a new
	// connection, before any principal attribution.
	StateOpen State = iota

	// StateIdentified means a principal has been attributed.
	StateIdentified

	// StateStale means the heartbeat ack is overdue. Stale connections are
	// force-closed by the heartbeat monitor, never left silently attached.
	StateStale

	// StateClosed is terminal.
	StateClosed
)

// String returns a human-readable representation of the state.
func (s State) String() string {
	switch s {
	case StateOpen:
		return "Open"
	case StateIdentified:
		return "Identified"
	case StateStale:
		return "Stale"
	case StateClosed:
		return "Closed"
	default:
		return "Unknown"
	}
}

// Connection is the registry's record of one live session. All mutation of
// a connection (in-flight set, heartbeat timestamps, state) is serialized
// through its own mutex so a retry timer can never race a concurrent ack
// for the same envelope.
type Connection struct {
	mu sync.Mutex

	id        string
	principal string
	state     State
	transport ports.Transport

	createdAt           time.Time
	lastHeartbeatSentAt time.Time
	lastHeartbeatAckAt  time.Time

	// Ordered in-flight set. Only requires-ack envelopes are tracked.
	inflightIDs []string
	inflight    map[string]domain.Envelope
}

func newConnection(id string, transport ports.Transport) *Connection {
	return &Connection{
		id:        id,
		state:     StateOpen,
		transport: transport,
		createdAt: time.Now().UTC(),
		inflight:  make(map[string]domain.Envelope),
	}
}

// ID returns the opaque connection id.
func (c *Connection) ID() string { return c.id }

// Transport returns the outbound handle for this connection.
func (c *Connection) Transport() ports.Transport { return c.transport }

// Principal returns the attributed principal id, or "" while unidentified.
func (c *Connection) Principal() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.principal
}

// State returns the current connection state.
func (c *Connection) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// CreatedAt returns the registration time.
func (c *Connection) CreatedAt() time.Time { return c.createdAt }

// Track adds a requires-ack envelope to the ordered in-flight set.
// Fire-and-forget envelopes are never tracked.
func (c *Connection) Track(env domain.Envelope) {
	if !env.RequiresAck {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateClosed {
		return
	}
	if _, ok := c.inflight[env.ID]; !ok {
		c.inflightIDs = append(c.inflightIDs, env.ID)
	}
	c.inflight[env.ID] = env
}

// Ack removes an envelope from the in-flight set. Acknowledging an unknown
// or already-removed id is a no-op and reports ok=false.
func (c *Connection) Ack(envelopeID string) (domain.Envelope, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	env, ok := c.inflight[envelopeID]
	if !ok {
		return domain.Envelope{}, false
	}
	delete(c.inflight, envelopeID)
	for i, id := range c.inflightIDs {
		if id == envelopeID {
			c.inflightIDs = append(c.inflightIDs[:i], c.inflightIDs[i+1:]...)
			break
		}
	}
	return env, true
}

// InflightGet returns the tracked envelope for the given id, if any.
func (c *Connection) InflightGet(envelopeID string) (domain.Envelope, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	env, ok := c.inflight[envelopeID]
	return env, ok
}

// IncrementRetry bumps the retry counter of a tracked envelope and returns
// the updated copy.
func (c *Connection) IncrementRetry(envelopeID string) (domain.Envelope, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	env, ok := c.inflight[envelopeID]
	if !ok {
		return domain.Envelope{}, false
	}
	env.RetryCount++
	c.inflight[envelopeID] = env
	return env, true
}

// Inflight returns the in-flight envelopes in tracking order.
func (c *Connection) Inflight() []domain.Envelope {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]domain.Envelope, 0, len(c.inflightIDs))
	for _, id := range c.inflightIDs {
		out = append(out, c.inflight[id])
	}
	return out
}

// recordHeartbeatSent stamps an outgoing liveness probe.
func (c *Connection) recordHeartbeatSent(now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastHeartbeatSentAt = now
}

// recordHeartbeatAck stamps an incoming liveness response and clears a
// stale mark if the peer recovered before being force-closed.
func (c *Connection) recordHeartbeatAck(now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastHeartbeatAckAt = now
	if c.state == StateStale {
		if c.principal != "" {
			c.state = StateIdentified
		} else {
			c.state = StateOpen
		}
	}
}

// isStale reports whether the most recent liveness probe has gone
// unanswered longer than timeout. A connection that never answered counts
// from its creation time.
func (c *Connection) isStale(now time.Time, timeout time.Duration) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateClosed || c.lastHeartbeatSentAt.IsZero() {
		return false
	}
	lastSeen := c.lastHeartbeatAckAt
	if lastSeen.IsZero() {
		lastSeen = c.createdAt
	}
	if now.Sub(lastSeen) <= timeout {
		return false
	}
	c.state = StateStale
	return true
}

// close transitions to the terminal state and drains the in-flight set,
// returning the envelopes in tracking order for hand-off.
func (c *Connection) close() []domain.Envelope {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateClosed {
		return nil
	}
	c.state = StateClosed
	out := make([]domain.Envelope, 0, len(c.inflightIDs))
	for _, id := range c.inflightIDs {
		out = append(out, c.inflight[id])
	}
	c.inflightIDs = nil
	c.inflight = make(map[string]domain.Envelope)
	return out
}
