package domain

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Priority orders transmission when multiple envelopes compete for a
// connection. It does not affect pending-queue drain order, which stays
// first-in first-out.
type Priority int

const (
	PriorityNormal Priority = iota
	PriorityHigh
)

// Envelope is one deliverable unit. Envelopes with RequiresAck set are
// tracked in-flight, mirrored durably, and retried on ack timeout up to
// MaxRetries. Envelopes without RequiresAck are fire-and-forget: never
// tracked, never retried.
type Envelope struct {
	ID          string          `json:"id"`
	Event       string          `json:"event"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	ExpiresAt   time.Time       `json:"expires_at,omitempty"`
	RequiresAck bool            `json:"requires_ack"`
	Priority    Priority        `json:"priority,omitempty"`
	RetryCount  int             `json:"retry_count,omitempty"`
	MaxRetries  int             `json:"max_retries,omitempty"`
}

// NewEnvelope creates an envelope with a fresh unique id.
// A zero ttl means the envelope never expires.
func NewEnvelope(event string, payload json.RawMessage, ttl time.Duration, requiresAck bool, priority Priority, maxRetries int) Envelope {
	now := time.Now().UTC()
	e := Envelope{
		ID:          uuid.NewString(),
		Event:       event,
		Payload:     payload,
		CreatedAt:   now,
		RequiresAck: requiresAck,
		Priority:    priority,
		MaxRetries:  maxRetries,
	}
	if ttl > 0 {
		e.ExpiresAt = now.Add(ttl)
	}
	return e
}

// Expired reports whether the envelope's TTL has elapsed at the given time.
func (e Envelope) Expired(now time.Time) bool {
	return !e.ExpiresAt.IsZero() && now.After(e.ExpiresAt)
}

// RetriesExhausted reports whether the envelope has reached its retry budget.
func (e Envelope) RetriesExhausted() bool {
	return e.RetryCount >= e.MaxRetries
}
