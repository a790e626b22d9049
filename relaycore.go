// Package relaycore provides an embeddable reliable delivery layer for
// long-lived bidirectional connections: at-least-once delivery with ack
// tracking, bounded retry, per-principal pending queues, and a durable
// mirror that survives process restarts.
//
// Example usage:
//
//	cfg := relaycore.DefaultConfig()
//	srv, err := relaycore.New(cfg,
//	    relaycore.WithStore(redisstore.New("localhost:6379", "", 0)),
//	    relaycore.WithLogger(logger),
//	)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	if err := srv.Start(context.Background()); err != nil {
//	    log.Fatal(err)
//	}
//	defer srv.Stop()
//
//	srv.EmitToPrincipal(ctx, "user-42", "order.shipped", payload, relaycore.SendOptions{RequiresAck: true})
package relaycore

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/bft-labs/relaycore/internal/adapters/memstore"
	"github.com/bft-labs/relaycore/internal/app"
	"github.com/bft-labs/relaycore/internal/delivery"
	"github.com/bft-labs/relaycore/internal/domain"
	"github.com/bft-labs/relaycore/internal/pending"
	"github.com/bft-labs/relaycore/internal/registry"
	"github.com/bft-labs/relaycore/pkg/log"
	"github.com/bft-labs/relaycore/pkg/wire"
)

// Transport is the server-side outbound handle to one live connection.
// Implementations must tolerate concurrent WriteFrame calls; delivery,
// retries, and liveness probes write independently.
type Transport interface {
	WriteFrame(ctx context.Context, frame wire.Frame) error
	Close() error
}

// DurableStore persists queued and in-flight envelopes across process
// restarts. See the redisstore adapter for the reference implementation.
type DurableStore interface {
	Push(ctx context.Context, key string, value []byte) error
	List(ctx context.Context, key string) ([][]byte, error)
	Remove(ctx context.Context, key string, match func(value []byte) bool) error
	Expire(ctx context.Context, key string, ttl time.Duration) error
}

// SendOptions modifies one emit call.
type SendOptions struct {
	// RequiresAck tracks the envelope until the client acknowledges it,
	// retrying on timeout. Without it delivery is fire-and-forget.
	RequiresAck bool

	// Priority is carried on the envelope for the receiving application;
	// delivery order stays first-in first-out.
	Priority Priority

	// TTL overrides the configured default time-to-live.
	TTL time.Duration

	// MaxRetries overrides the configured retry bound.
	MaxRetries int
}

// Priority labels an envelope's urgency for the receiving application.
type Priority = domain.Priority

const (
	PriorityNormal = domain.PriorityNormal
	PriorityHigh   = domain.PriorityHigh
)

// State is the server's lifecycle state.
type State = app.State

const (
	StateStopped  = app.StateStopped
	StateStarting = app.StateStarting
	StateRunning  = app.StateRunning
	StateStopping = app.StateStopping
	StateCrashed  = app.StateCrashed
)

// Server is the embeddable delivery layer. Use New() to create one, then
// Start() before opening connections. Transports deliver inbound protocol
// events through the Connection*, Identify, Ack, Pong and Replay methods.
type Server struct {
	config    Config
	opts      options
	lifecycle *app.Lifecycle
	registry  *registry.Registry
	queue     *pending.Queue
	engine    *delivery.Engine
	logger    log.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
}

// eventEmitterWrapper adapts the optional handler to app.EventEmitter.
type eventEmitterWrapper struct {
	handler StateChangeHandler
}

func (w *eventEmitterWrapper) OnStateChange(previous, current app.State, reason string) {
	if w.handler != nil {
		w.handler(previous, current, reason)
	}
}

// New creates a Server in the stopped state. Returns an error if the
// configuration is invalid.
func New(cfg Config, opts ...Option) (*Server, error) {
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	if o.store == nil {
		o.store = memstore.New()
	}

	logger := o.logger
	emitter := &eventEmitterWrapper{handler: o.onStateChange}
	lifecycle := app.NewLifecycle(logger, emitter)

	reg := registry.New(logger)
	queue := pending.New(cfg.QueueCapacity, cfg.MirrorTTL, o.store, logger)

	engineCfg := delivery.Config{
		AckTimeout:        cfg.AckTimeout,
		MaxRetries:        cfg.MaxRetries,
		RetryBase:         cfg.RetryBase,
		RetryMultiplier:   cfg.RetryMultiplier,
		RetryCap:          cfg.RetryCap,
		DefaultTTL:        cfg.DefaultTTL,
		HeartbeatInterval: cfg.HeartbeatInterval,
		HeartbeatTimeout:  cfg.HeartbeatTimeout,
		WriteTimeout:      cfg.WriteTimeout,
	}
	engine := delivery.NewEngine(engineCfg, reg, queue, logger, delivery.FailureHandler(o.onDelivFailed))

	return &Server{
		config:    cfg,
		opts:      o,
		lifecycle: lifecycle,
		registry:  reg,
		queue:     queue,
		engine:    engine,
		logger:    logger,
	}, nil
}

// Start launches the delivery engine and liveness monitor.
// Returns an error if already running.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.lifecycle.CanStart() {
		return domain.ErrAlreadyRunning
	}
	if err := s.lifecycle.TransitionTo(app.StateStarting, "Start() called"); err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.lifecycle.SetCancel(cancel)

	s.engine.Start(runCtx)

	if err := s.lifecycle.TransitionTo(app.StateRunning, "engine started"); err != nil {
		cancel()
		return err
	}
	s.logger.Info("server started",
		log.Duration("ack_timeout", s.config.AckTimeout),
		log.Int("queue_capacity", s.config.QueueCapacity))
	return nil
}

// Stop shuts the server down: the heartbeat monitor exits, every pending
// ack timer is cancelled, and open transports are left to their owners.
// Returns ErrShutdownTimeout if workers do not finish in time.
func (s *Server) Stop() error {
	s.mu.Lock()
	if !s.lifecycle.CanStop() {
		s.mu.Unlock()
		return domain.ErrNotRunning
	}
	if err := s.lifecycle.TransitionTo(app.StateStopping, "Stop() called"); err != nil {
		s.mu.Unlock()
		return err
	}
	if s.cancel != nil {
		s.cancel()
	}
	s.mu.Unlock()

	s.engine.Stop()
	err := s.lifecycle.WaitWithTimeout(s.config.ShutdownTimeout)

	if err != nil {
		_ = s.lifecycle.TransitionTo(app.StateCrashed, "shutdown timed out")
		return err
	}
	_ = s.lifecycle.TransitionTo(app.StateStopped, "shutdown complete")
	s.logger.Info("server stopped")
	return nil
}

// State returns the current lifecycle state.
func (s *Server) State() State {
	return s.lifecycle.State()
}

// EmitToPrincipal delivers an event to every live connection of a
// principal, or queues it when none is reachable. Returns the ids of the
// envelopes created.
func (s *Server) EmitToPrincipal(ctx context.Context, principalID, event string, payload json.RawMessage, opts SendOptions) ([]string, error) {
	return s.emit(ctx, domain.PrincipalTarget(principalID), event, payload, opts)
}

// EmitToConnection delivers an event to one specific connection.
// Returns ErrUnknownConnection if the connection is not registered.
func (s *Server) EmitToConnection(ctx context.Context, connectionID, event string, payload json.RawMessage, opts SendOptions) ([]string, error) {
	return s.emit(ctx, domain.ConnectionTarget(connectionID), event, payload, opts)
}

func (s *Server) emit(ctx context.Context, target domain.Target, event string, payload json.RawMessage, opts SendOptions) ([]string, error) {
	if s.lifecycle.State() != app.StateRunning {
		return nil, domain.ErrNotRunning
	}
	return s.engine.Send(ctx, target, event, payload, delivery.SendOptions{
		RequiresAck: opts.RequiresAck,
		Priority:    opts.Priority,
		TTL:         opts.TTL,
		MaxRetries:  opts.MaxRetries,
	})
}

// ConnectionOpened registers a new live connection. The transport becomes
// engine-owned: it is closed when the connection is closed.
func (s *Server) ConnectionOpened(connectionID string, transport Transport) {
	s.engine.ConnectionOpened(connectionID, transport)
}

// ConnectionClosed tears the connection down and moves its unacknowledged
// envelopes to the owning principal's pending queue. Idempotent.
func (s *Server) ConnectionClosed(ctx context.Context, connectionID, reason string) {
	s.engine.ConnectionClosed(ctx, connectionID, reason)
}

// Identify attributes a connection to a principal and synchronously drains
// the principal's pending queue to it.
func (s *Server) Identify(ctx context.Context, connectionID, principalID string) error {
	return s.engine.PrincipalIdentified(ctx, connectionID, principalID)
}

// Ack records a client acknowledgment, purging the envelope from the
// in-flight set and the durable mirror. Unknown or repeated ids are ignored.
func (s *Server) Ack(ctx context.Context, connectionID, envelopeID string) {
	s.engine.AckReceived(ctx, connectionID, envelopeID)
}

// Pong records a liveness probe response.
func (s *Server) Pong(connectionID string) {
	s.engine.LivenessResponseReceived(connectionID)
}

// Replay retransmits everything still queued or mirrored for the
// connection's principal since the given time. Duplicates are possible;
// clients deduplicate by envelope id.
func (s *Server) Replay(ctx context.Context, connectionID string, since time.Time) {
	s.engine.ReplayRequested(ctx, connectionID, since)
}

// ConnectionCount returns the number of registered live connections.
func (s *Server) ConnectionCount() int {
	return s.registry.Len()
}

// PendingCount returns the in-memory pending queue length for a principal.
func (s *Server) PendingCount(principalID string) int {
	return s.queue.Len(principalID)
}

// SetQueueCapacity adjusts the per-principal queue bound at runtime.
// Shrinking does not evict already queued envelopes.
func (s *Server) SetQueueCapacity(capacity int) {
	if capacity <= 0 {
		return
	}
	s.queue.SetCapacity(capacity)
	s.logger.Info("queue capacity updated", log.Int("capacity", capacity))
}
