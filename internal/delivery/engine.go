// Package delivery implements the reliable delivery engine: it emits
// envelopes to resolved connections, tracks acknowledgments, retries with
// bounded exponential backoff, and falls back to per-principal queuing when
// the target is unreachable.
package delivery

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/bft-labs/relaycore/internal/domain"
	"github.com/bft-labs/relaycore/internal/pending"
	"github.com/bft-labs/relaycore/internal/ports"
	"github.com/bft-labs/relaycore/internal/registry"
	"github.com/bft-labs/relaycore/pkg/backoff"
	"github.com/bft-labs/relaycore/pkg/log"
	"github.com/bft-labs/relaycore/pkg/wire"
)

// Config contains tuning for the delivery engine.
type Config struct {
	// AckTimeout is how long a transmitted requires-ack envelope may stay
	// unacknowledged before a retry is scheduled.
	AckTimeout time.Duration

	// MaxRetries bounds retransmissions per envelope unless the emit call
	// overrides it.
	MaxRetries int

	// RetryBase, RetryMultiplier and RetryCap shape the retry delay:
	// min(RetryBase·RetryMultiplier^(n−1), RetryCap).
	RetryBase       time.Duration
	RetryMultiplier float64
	RetryCap        time.Duration

	// DefaultTTL applies to envelopes emitted without an explicit TTL.
	DefaultTTL time.Duration

	// HeartbeatInterval and HeartbeatTimeout drive the liveness monitor.
	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration

	// WriteTimeout bounds every transport write.
	WriteTimeout time.Duration
}

// SendOptions modifies one emit call.
type SendOptions struct {
	RequiresAck bool
	Priority    domain.Priority
	TTL         time.Duration
	MaxRetries  int // 0 uses the engine default
}

// FailureHandler receives terminal delivery failures. It is called
// synchronously from timer goroutines and must not block.
type FailureHandler func(envelopeID string, reason error)

// Engine is the reliable delivery engine. All methods are safe for
// concurrent use; per-connection mutation is serialized by the registry's
// connection locks, and ack/retry scheduling runs on independent timers so
// one slow principal cannot stall others.
type Engine struct {
	cfg      Config
	registry *registry.Registry
	queue    *pending.Queue
	logger   log.Logger
	failure  FailureHandler
	retry    backoff.Exponential
	timers   *timerSet

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewEngine wires an engine to its registry and pending queue. failure may
// be nil, in which case terminal failures are only logged.
func NewEngine(cfg Config, reg *registry.Registry, queue *pending.Queue, logger log.Logger, failure FailureHandler) *Engine {
	if logger == nil {
		logger = log.NewNoopLogger()
	}
	return &Engine{
		cfg:      cfg,
		registry: reg,
		queue:    queue,
		logger:   logger,
		failure:  failure,
		retry: backoff.Exponential{
			Base:       cfg.RetryBase,
			Multiplier: cfg.RetryMultiplier,
			Cap:        cfg.RetryCap,
		},
		timers: newTimerSet(),
	}
}

// Start launches the heartbeat monitor. It returns immediately.
func (e *Engine) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	e.mu.Lock()
	e.cancel = cancel
	e.mu.Unlock()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.runHeartbeatMonitor(runCtx)
	}()
}

// Stop halts the heartbeat monitor and cancels every outstanding ack and
// retry timer.
func (e *Engine) Stop() {
	e.mu.Lock()
	cancel := e.cancel
	e.cancel = nil
	e.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	e.wg.Wait()
	e.timers.cancelAll()
}

// Send emits an event to a connection or principal target and returns the
// envelope id(s) created. Principal targets with no live connection queue a
// single envelope; live targets get one envelope per resolved connection.
func (e *Engine) Send(ctx context.Context, target domain.Target, event string, payload json.RawMessage, opts SendOptions) ([]string, error) {
	maxRetries := opts.MaxRetries
	if maxRetries <= 0 {
		maxRetries = e.cfg.MaxRetries
	}
	ttl := opts.TTL
	if ttl <= 0 {
		ttl = e.cfg.DefaultTTL
	}
	newEnvelope := func() domain.Envelope {
		return domain.NewEnvelope(event, payload, ttl, opts.RequiresAck, opts.Priority, maxRetries)
	}

	switch target.Kind {
	case domain.TargetConnection:
		conn, ok := e.registry.Get(target.ID)
		if !ok {
			return nil, domain.ErrUnknownConnection
		}
		env := newEnvelope()
		e.transmit(ctx, conn, env, false)
		return []string{env.ID}, nil

	case domain.TargetPrincipal:
		conns := e.registry.FindByPrincipal(target.ID)
		if len(conns) == 0 {
			env := newEnvelope()
			e.queue.Enqueue(ctx, target.ID, env)
			e.logger.Debug("no live connection, envelope queued",
				log.String("principal", target.ID),
				log.String("envelope", env.ID),
			)
			return []string{env.ID}, nil
		}
		ids := make([]string, 0, len(conns))
		for _, conn := range conns {
			env := newEnvelope()
			e.transmit(ctx, conn, env, false)
			ids = append(ids, env.ID)
		}
		return ids, nil

	default:
		return nil, domain.ErrInvalidConfig
	}
}

// transmit writes one envelope to one connection, tracking and mirroring it
// first when it requires an ack. mirrored indicates the durable copy
// already exists (drained or replayed envelopes).
func (e *Engine) transmit(ctx context.Context, conn *registry.Connection, env domain.Envelope, mirrored bool) {
	if env.RequiresAck {
		conn.Track(env)
		if !mirrored {
			e.queue.Mirror(ctx, e.mirrorOwner(conn), env)
		}
	}

	frame := envelopeFrame(env)
	wctx, cancel := context.WithTimeout(ctx, e.cfg.WriteTimeout)
	err := conn.Transport().WriteFrame(wctx, frame)
	cancel()
	if err != nil {
		e.logger.Warn("transport write failed",
			log.String("connection", conn.ID()),
			log.String("envelope", env.ID),
			log.Err(err),
		)
		// A failed write marks the whole connection unreachable. Closing it
		// hands the tracked envelope (and the rest of the in-flight set) to
		// the pending queue.
		e.closeConnection(context.WithoutCancel(ctx), conn.ID(), "write error")
		return
	}

	if env.RequiresAck {
		e.armAckTimer(conn.ID(), env.ID)
	} else if mirrored {
		// Fire-and-forget envelopes leave no ack to clean up the mirror.
		e.queue.Unmirror(ctx, e.mirrorOwners(conn), env.ID)
	}
}

func (e *Engine) armAckTimer(connectionID, envelopeID string) {
	e.timers.arm(connectionID, envelopeID, e.cfg.AckTimeout, func() {
		e.onAckTimeout(connectionID, envelopeID)
	})
}

// onAckTimeout runs when a transmitted envelope was not acknowledged in
// time. It either schedules a retransmission or fails the envelope
// terminally.
func (e *Engine) onAckTimeout(connectionID, envelopeID string) {
	ctx := context.Background()

	conn, ok := e.registry.Get(connectionID)
	if !ok {
		// The disconnect path already handed the in-flight set to the
		// pending queue.
		return
	}
	env, ok := conn.InflightGet(envelopeID)
	if !ok {
		return
	}

	now := time.Now().UTC()
	if env.Expired(now) {
		e.failTerminally(ctx, conn, env, domain.ErrEnvelopeExpired)
		return
	}
	if env.RetriesExhausted() {
		e.failTerminally(ctx, conn, env, domain.ErrMaxRetriesExceeded)
		return
	}

	env, ok = conn.IncrementRetry(envelopeID)
	if !ok {
		return
	}
	delay := e.retry.Delay(env.RetryCount)
	e.logger.Debug("ack timeout, retry scheduled",
		log.String("connection", connectionID),
		log.String("envelope", envelopeID),
		log.Int("retry", env.RetryCount),
		log.Duration("delay", delay),
	)
	e.timers.arm(connectionID, envelopeID, delay, func() {
		e.retransmit(connectionID, envelopeID)
	})
}

// retransmit re-resolves the connection at fire time. If it closed in the
// meantime the disconnect path has already queued the envelope, so the
// retry simply falls through.
func (e *Engine) retransmit(connectionID, envelopeID string) {
	conn, ok := e.registry.Get(connectionID)
	if !ok {
		return
	}
	env, ok := conn.InflightGet(envelopeID)
	if !ok {
		return
	}

	frame := envelopeFrame(env)
	wctx, cancel := context.WithTimeout(context.Background(), e.cfg.WriteTimeout)
	err := conn.Transport().WriteFrame(wctx, frame)
	cancel()
	if err != nil {
		e.closeConnection(context.Background(), connectionID, "write error on retry")
		return
	}
	e.armAckTimer(connectionID, envelopeID)
}

// failTerminally drops an envelope from tracking, purges its durable
// mirror, and reports the failure.
func (e *Engine) failTerminally(ctx context.Context, conn *registry.Connection, env domain.Envelope, reason error) {
	conn.Ack(env.ID)
	e.queue.Unmirror(ctx, e.mirrorOwners(conn), env.ID)
	e.logger.Warn("delivery failed terminally",
		log.String("connection", conn.ID()),
		log.String("envelope", env.ID),
		log.Int("retries", env.RetryCount),
		log.Err(reason),
	)
	if e.failure != nil {
		e.failure(env.ID, reason)
	}
}

// ConnectionOpened registers a new transport connection.
func (e *Engine) ConnectionOpened(connectionID string, transport ports.Transport) {
	e.registry.Register(connectionID, transport)
	e.logger.Info("connection opened", log.String("connection", connectionID))
}

// ConnectionClosed handles a transport-level close: timers are canceled and
// the in-flight set is handed to the owning principal's pending queue.
func (e *Engine) ConnectionClosed(ctx context.Context, connectionID, reason string) {
	e.closeConnection(ctx, connectionID, reason)
}

// closeConnection is the single disconnect path: every disconnect cause
// (explicit close, transport error, liveness timeout) funnels through here
// so timer cancellation and in-flight hand-off cannot be skipped.
func (e *Engine) closeConnection(ctx context.Context, connectionID, reason string) {
	canceled := e.timers.cancelConnection(connectionID)

	conn, ok := e.registry.Get(connectionID)
	if !ok {
		return
	}
	principal := conn.Principal()
	handoff := e.registry.Unregister(connectionID)
	_ = conn.Transport().Close()

	// A timeout callback racing this close may have re-armed a retry after
	// the first cancellation; sweep again now that the registry lookup for
	// this id fails.
	e.timers.cancelConnection(connectionID)

	requeued := 0
	for _, env := range handoff {
		if principal != "" {
			e.queue.Enqueue(ctx, principal, env)
			requeued++
			continue
		}
		// No principal to queue under: report rather than drop silently.
		e.logger.Warn("in-flight envelope lost with unidentified connection",
			log.String("connection", connectionID),
			log.String("envelope", env.ID),
		)
		e.queue.Unmirror(ctx, []string{connectionID}, env.ID)
		if e.failure != nil {
			e.failure(env.ID, domain.ErrConnectionClosed)
		}
	}

	e.logger.Info("connection closed",
		log.String("connection", connectionID),
		log.String("reason", reason),
		log.Int("timers_canceled", canceled),
		log.Int("requeued", requeued),
	)
}

// PrincipalIdentified attributes a connection to a principal and
// synchronously drains the principal's pending queue onto it before any new
// outbound traffic, preserving queued order.
func (e *Engine) PrincipalIdentified(ctx context.Context, connectionID, principalID string) error {
	if err := e.registry.Attribute(connectionID, principalID); err != nil {
		return err
	}

	// Envelopes already in flight on the principal's live connections must
	// not be retransmitted from the durable mirror.
	exclude := e.inflightIDs(principalID)
	backlog := e.queue.Drain(ctx, principalID, exclude)
	if len(backlog) == 0 {
		return nil
	}

	conn, ok := e.registry.Get(connectionID)
	if !ok {
		// Closed while attributing: put the backlog back.
		for _, env := range backlog {
			e.queue.Enqueue(ctx, principalID, env)
		}
		return nil
	}

	e.logger.Info("draining pending queue",
		log.String("principal", principalID),
		log.String("connection", connectionID),
		log.Int("envelopes", len(backlog)),
	)
	for _, env := range backlog {
		e.transmit(ctx, conn, env, true)
	}
	return nil
}

// AckReceived removes an envelope from its connection's in-flight set and
// the durable mirror. Duplicate and unknown acks are no-ops.
func (e *Engine) AckReceived(ctx context.Context, connectionID, envelopeID string) {
	e.timers.cancel(connectionID, envelopeID)

	conn, ok := e.registry.Get(connectionID)
	if !ok {
		return
	}
	if _, acked := conn.Ack(envelopeID); !acked {
		return
	}
	e.queue.Unmirror(ctx, e.mirrorOwners(conn), envelopeID)
	e.logger.Debug("envelope acknowledged",
		log.String("connection", connectionID),
		log.String("envelope", envelopeID),
	)
}

// LivenessResponseReceived records a pong for the connection.
func (e *Engine) LivenessResponseReceived(connectionID string) {
	e.registry.RecordHeartbeatAck(connectionID)
}

// ReplayRequested retransmits everything queued for the connection's
// principal since the given timestamp. Entries remain queued; duplicate
// delivery is acceptable under at-least-once semantics.
func (e *Engine) ReplayRequested(ctx context.Context, connectionID string, since time.Time) {
	conn, ok := e.registry.Get(connectionID)
	if !ok {
		return
	}
	principal := conn.Principal()
	if principal == "" {
		return
	}

	exclude := e.inflightIDs(principal)
	for _, env := range e.queue.Since(ctx, principal, since) {
		if _, skip := exclude[env.ID]; skip {
			continue
		}
		e.transmit(ctx, conn, env, true)
	}
}

// inflightIDs collects the envelope ids currently in flight on every live
// connection of a principal.
func (e *Engine) inflightIDs(principalID string) map[string]struct{} {
	out := make(map[string]struct{})
	for _, conn := range e.registry.FindByPrincipal(principalID) {
		for _, env := range conn.Inflight() {
			out[env.ID] = struct{}{}
		}
	}
	return out
}

// mirrorOwner picks the durable-mirror key for new writes: the principal
// when identified, the connection id otherwise.
func (e *Engine) mirrorOwner(conn *registry.Connection) string {
	if p := conn.Principal(); p != "" {
		return p
	}
	return conn.ID()
}

// mirrorOwners lists both candidate mirror keys for removal, since an
// envelope may have been mirrored before the connection was attributed.
func (e *Engine) mirrorOwners(conn *registry.Connection) []string {
	if p := conn.Principal(); p != "" {
		return []string{p, conn.ID()}
	}
	return []string{conn.ID()}
}

func envelopeFrame(env domain.Envelope) wire.Frame {
	return wire.Frame{
		Type:        wire.FrameEnvelope,
		EnvelopeID:  env.ID,
		Event:       env.Event,
		Payload:     env.Payload,
		RequiresAck: env.RequiresAck,
		SentAt:      time.Now().UTC(),
	}
}
