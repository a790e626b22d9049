// Package pending implements the per-principal backlog of undelivered
// envelopes, backed by a durable side-store so a process restart does not
// lose queued or in-flight messages.
package pending

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/bft-labs/relaycore/internal/domain"
	"github.com/bft-labs/relaycore/internal/ports"
	"github.com/bft-labs/relaycore/pkg/log"
)

const keyPrefix = "relaycore:env:"

// Queue holds ordered envelopes addressed to principals with no reachable
// live connection. Length is capped per principal; overflow evicts the
// oldest entry first. Entries expire independently of position.
//
// The queue also owns the durable mirror: every queued or in-flight
// requires-ack envelope is written to the side-store under its owner's key
// and removed on ack. Store failures degrade the mirror to memory-only
// operation; they never block delivery.
type Queue struct {
	mu       sync.Mutex
	capacity int
	entries  map[string][]domain.Envelope

	store     ports.DurableStore
	mirrorTTL time.Duration
	degraded  bool

	logger log.Logger
}

// New creates a queue with the given per-principal capacity. store may be
// nil, which disables the durable mirror entirely.
func New(capacity int, mirrorTTL time.Duration, store ports.DurableStore, logger log.Logger) *Queue {
	if logger == nil {
		logger = log.NewNoopLogger()
	}
	return &Queue{
		capacity:  capacity,
		entries:   make(map[string][]domain.Envelope),
		store:     store,
		mirrorTTL: mirrorTTL,
		logger:    logger,
	}
}

// Enqueue appends an envelope to a principal's backlog and mirrors it
// durably. When the backlog is full the oldest entry is evicted, favoring
// recency over completeness.
func (q *Queue) Enqueue(ctx context.Context, principalID string, env domain.Envelope) {
	var evicted []domain.Envelope

	q.mu.Lock()
	backlog := append(q.entries[principalID], env)
	for q.capacity > 0 && len(backlog) > q.capacity {
		evicted = append(evicted, backlog[0])
		backlog = backlog[1:]
	}
	q.entries[principalID] = backlog
	q.mu.Unlock()

	q.Mirror(ctx, principalID, env)
	for _, old := range evicted {
		q.logger.Warn("pending queue overflow, evicting oldest",
			log.String("principal", principalID),
			log.String("envelope", old.ID),
		)
		q.Unmirror(ctx, []string{principalID}, old.ID)
	}
}

// Drain removes and returns a principal's backlog, merged with any
// durably mirrored envelopes that survived a restart. Expired entries are
// silently dropped; exclude lists envelope ids currently in flight on live
// connections so they are not retransmitted from the mirror. The result is
// ordered by creation time.
func (q *Queue) Drain(ctx context.Context, principalID string, exclude map[string]struct{}) []domain.Envelope {
	now := time.Now().UTC()

	q.mu.Lock()
	backlog := q.entries[principalID]
	delete(q.entries, principalID)
	q.mu.Unlock()

	seen := make(map[string]struct{}, len(backlog))
	out := make([]domain.Envelope, 0, len(backlog))
	for _, env := range backlog {
		seen[env.ID] = struct{}{}
		if env.Expired(now) {
			q.Unmirror(ctx, []string{principalID}, env.ID)
			continue
		}
		if _, skip := exclude[env.ID]; skip {
			continue
		}
		out = append(out, env)
	}

	for _, env := range q.mirrored(ctx, principalID) {
		if _, dup := seen[env.ID]; dup {
			continue
		}
		seen[env.ID] = struct{}{}
		if env.Expired(now) {
			q.Unmirror(ctx, []string{principalID}, env.ID)
			continue
		}
		if _, skip := exclude[env.ID]; skip {
			continue
		}
		out = append(out, env)
	}

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// Since returns a copy of everything queued or mirrored for the principal
// created at or after the given time, without removing it. Used for
// client-initiated gap recovery; duplicate delivery is acceptable under
// at-least-once semantics.
func (q *Queue) Since(ctx context.Context, principalID string, since time.Time) []domain.Envelope {
	now := time.Now().UTC()

	q.mu.Lock()
	backlog := append([]domain.Envelope(nil), q.entries[principalID]...)
	q.mu.Unlock()

	seen := make(map[string]struct{}, len(backlog))
	out := make([]domain.Envelope, 0, len(backlog))
	add := func(env domain.Envelope) {
		if _, dup := seen[env.ID]; dup {
			return
		}
		seen[env.ID] = struct{}{}
		if env.Expired(now) || env.CreatedAt.Before(since) {
			return
		}
		out = append(out, env)
	}
	for _, env := range backlog {
		add(env)
	}
	for _, env := range q.mirrored(ctx, principalID) {
		add(env)
	}

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// Len returns the in-memory backlog length for a principal.
func (q *Queue) Len(principalID string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries[principalID])
}

// SetCapacity adjusts the per-principal cap at runtime. Existing backlogs
// shrink lazily on their next Enqueue.
func (q *Queue) SetCapacity(capacity int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.capacity = capacity
}

// Mirror writes an envelope to the durable store under its owner key
// (principal id, or connection id while unidentified).
func (q *Queue) Mirror(ctx context.Context, owner string, env domain.Envelope) {
	if q.store == nil || owner == "" {
		return
	}
	value, err := json.Marshal(env)
	if err != nil {
		q.logger.Error("marshal envelope for mirror", log.Err(err), log.String("envelope", env.ID))
		return
	}
	key := keyPrefix + owner
	if err := q.store.Push(ctx, key, value); err != nil {
		q.storeFailed(err)
		return
	}
	if q.mirrorTTL > 0 {
		if err := q.store.Expire(ctx, key, q.mirrorTTL); err != nil {
			q.storeFailed(err)
			return
		}
	}
	q.storeRecovered()
}

// Unmirror removes every durable copy of an envelope under the given owner
// keys. Acks may race attribution, so callers pass both candidate owners.
func (q *Queue) Unmirror(ctx context.Context, owners []string, envelopeID string) {
	if q.store == nil {
		return
	}
	match := func(value []byte) bool {
		var env domain.Envelope
		if err := json.Unmarshal(value, &env); err != nil {
			return false
		}
		return env.ID == envelopeID
	}
	for _, owner := range owners {
		if owner == "" {
			continue
		}
		if err := q.store.Remove(ctx, keyPrefix+owner, match); err != nil {
			q.storeFailed(err)
			return
		}
	}
	q.storeRecovered()
}

// mirrored loads the durable entries for a principal, deduplicated by id.
func (q *Queue) mirrored(ctx context.Context, principalID string) []domain.Envelope {
	if q.store == nil {
		return nil
	}
	values, err := q.store.List(ctx, keyPrefix+principalID)
	if err != nil {
		q.storeFailed(err)
		return nil
	}
	q.storeRecovered()

	seen := make(map[string]struct{}, len(values))
	out := make([]domain.Envelope, 0, len(values))
	for _, value := range values {
		var env domain.Envelope
		if err := json.Unmarshal(value, &env); err != nil {
			q.logger.Error("unmarshal mirrored envelope", log.Err(err))
			continue
		}
		if _, dup := seen[env.ID]; dup {
			continue
		}
		seen[env.ID] = struct{}{}
		out = append(out, env)
	}
	return out
}

// storeFailed flips the mirror into degraded memory-only mode, logging once
// per transition.
func (q *Queue) storeFailed(err error) {
	q.mu.Lock()
	first := !q.degraded
	q.degraded = true
	q.mu.Unlock()
	if first {
		q.logger.Error("durable store unavailable, degrading to memory-only", log.Err(err))
	}
}

func (q *Queue) storeRecovered() {
	q.mu.Lock()
	recovered := q.degraded
	q.degraded = false
	q.mu.Unlock()
	if recovered {
		q.logger.Info("durable store recovered")
	}
}
