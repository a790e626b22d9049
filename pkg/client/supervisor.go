// Package client implements the connection supervisor embedded in client
// processes. It owns one logical connection to the server: dialing,
// identification, liveness probing, bounded reconnection, and replay of
// anything queued for the principal while offline.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/bft-labs/relaycore/pkg/backoff"
	"github.com/bft-labs/relaycore/pkg/log"
	"github.com/bft-labs/relaycore/pkg/wire"
)

// State is the supervisor's connection state.
type State int

const (
	// StateDisconnected is the initial state, and the terminal state after
	// a manual disconnect.
	StateDisconnected State = iota

	// StateConnecting covers both an in-progress dial and the wait for a
	// scheduled reconnect attempt.
	StateConnecting

	// StateConnected means the transport is up and identified.
	StateConnected

	// StateFailed is the persistent-error state entered when the reconnect
	// attempt budget is exhausted. Only TriggerReconnect leaves it.
	StateFailed
)

// String implements fmt.Stringer.
func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

var (
	// ErrNotConnected is returned by Send when no transport is up.
	ErrNotConnected = errors.New("relaycore: client not connected")

	// ErrReconnectExhausted is reported when the reconnect attempt budget
	// runs out.
	ErrReconnectExhausted = errors.New("relaycore: reconnect attempts exhausted")

	// ErrAlreadyStarted is returned by Connect on a supervisor that is not
	// in the disconnected state.
	ErrAlreadyStarted = errors.New("relaycore: client already started")
)

// Conn is one established message-oriented connection to the server.
// Close must unblock a pending ReadFrame with an error.
type Conn interface {
	WriteFrame(ctx context.Context, f wire.Frame) error
	ReadFrame(ctx context.Context) (wire.Frame, error)
	Close() error
}

// Dialer establishes connections. Implementations decide the transport;
// the supervisor only sees frames.
type Dialer interface {
	Dial(ctx context.Context, addr string) (Conn, error)
}

// Event is a delivered envelope handed to the application.
type Event struct {
	ID      string
	Name    string
	Payload json.RawMessage
	SentAt  time.Time
}

// Config tunes the supervisor. Zero values fall back to defaults.
type Config struct {
	// Addr is passed verbatim to the Dialer.
	Addr string

	// Principal identifies this client to the server after connecting.
	Principal string

	// ReconnectSteps is the delay schedule between reconnect attempts; the
	// final step repeats once the schedule is exhausted.
	ReconnectSteps []time.Duration

	// MaxReconnectAttempts bounds consecutive failed attempts before the
	// supervisor gives up and enters the failed state.
	MaxReconnectAttempts int

	// ProbeInterval is the gap between liveness probes while connected.
	ProbeInterval time.Duration

	// ProbeTimeout is how long a probe may go unanswered before the
	// transport is force closed.
	ProbeTimeout time.Duration

	// SendTimeout bounds every outbound write.
	SendTimeout time.Duration
}

func (c *Config) setDefaults() {
	if len(c.ReconnectSteps) == 0 {
		c.ReconnectSteps = []time.Duration{
			1 * time.Second,
			2 * time.Second,
			5 * time.Second,
			10 * time.Second,
			30 * time.Second,
		}
	}
	if c.MaxReconnectAttempts <= 0 {
		c.MaxReconnectAttempts = 10
	}
	if c.ProbeInterval <= 0 {
		c.ProbeInterval = 15 * time.Second
	}
	if c.ProbeTimeout <= 0 {
		c.ProbeTimeout = 5 * time.Second
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = 5 * time.Second
	}
}

// EventHandler receives delivered envelopes. Called from the read loop;
// long-running work belongs in the application's own goroutine.
type EventHandler func(Event)

// ErrorHandler is notified when the supervisor enters the failed state.
type ErrorHandler func(error)

// Supervisor owns one logical connection and keeps it alive. Exactly one
// supervisor per process is expected; all state transitions are serialized
// under its mutex.
type Supervisor struct {
	cfg     Config
	dialer  Dialer
	logger  log.Logger
	onEvent EventHandler
	onFail  ErrorHandler

	mu       sync.Mutex
	state    State
	conn     Conn
	gen      uint64
	attempts int
	schedule *backoff.Schedule
	retry    *time.Timer
	pong     *time.Timer
	done     chan struct{}
	lastGood time.Time
	dialing  bool

	wg sync.WaitGroup
}

// New creates a supervisor. The event handler may be nil if the client only
// sends. A nil logger disables logging.
func New(cfg Config, dialer Dialer, onEvent EventHandler, onFail ErrorHandler, logger log.Logger) *Supervisor {
	cfg.setDefaults()
	if logger == nil {
		logger = log.NewNoopLogger()
	}
	return &Supervisor{
		cfg:      cfg,
		dialer:   dialer,
		logger:   logger,
		onEvent:  onEvent,
		onFail:   onFail,
		state:    StateDisconnected,
		schedule: backoff.NewSchedule(cfg.ReconnectSteps),
	}
}

// State returns the current connection state.
func (s *Supervisor) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Connect dials the server and starts supervision. A failed first dial is
// treated like an unintended disconnect: the reconnect schedule takes over
// and Connect still returns nil. Only calling it on a non-disconnected
// supervisor is an error.
func (s *Supervisor) Connect(ctx context.Context) error {
	s.mu.Lock()
	if s.state != StateDisconnected {
		s.mu.Unlock()
		return ErrAlreadyStarted
	}
	s.state = StateConnecting
	s.attempts = 0
	s.schedule.Reset()
	s.mu.Unlock()

	s.dial(ctx)
	return nil
}

// Disconnect closes the connection and stops supervision. This is the only
// path to a terminal disconnected state: no reconnect follows. Safe to call
// in any state.
func (s *Supervisor) Disconnect() {
	s.mu.Lock()
	s.gen++
	s.state = StateDisconnected
	s.stopTimersLocked()
	conn := s.conn
	s.conn = nil
	s.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
	}
	s.wg.Wait()
	s.logger.Info("client disconnected")
}

// Send transmits one event to the server. Best effort: it resolves within
// the configured send timeout and does not track acknowledgment.
func (s *Supervisor) Send(ctx context.Context, event string, payload json.RawMessage) error {
	s.mu.Lock()
	conn := s.conn
	connected := s.state == StateConnected
	s.mu.Unlock()

	if !connected || conn == nil {
		return ErrNotConnected
	}

	ctx, cancel := context.WithTimeout(ctx, s.cfg.SendTimeout)
	defer cancel()
	return conn.WriteFrame(ctx, wire.Frame{
		Type:    wire.FrameEnvelope,
		Event:   event,
		Payload: payload,
		SentAt:  time.Now().UTC(),
	})
}

// TriggerReconnect collapses the timer-driven reconnect path into an
// immediate attempt. Environment signals (reachability regained, app
// foregrounded) call this. While connected it probes liveness instead;
// in the failed state it resets the attempt budget and tries again.
func (s *Supervisor) TriggerReconnect() {
	s.mu.Lock()
	switch s.state {
	case StateConnected:
		conn := s.conn
		gen := s.gen
		s.mu.Unlock()
		s.probe(conn, gen)
		return
	case StateDisconnected:
		s.mu.Unlock()
		return
	case StateFailed:
		s.attempts = 0
		s.schedule.Reset()
		s.state = StateConnecting
	case StateConnecting:
		if s.retry != nil {
			s.retry.Stop()
			s.retry = nil
		}
		if s.dialing {
			s.mu.Unlock()
			return
		}
	}
	s.mu.Unlock()
	s.dial(context.Background())
}

// dial runs one connection attempt. The dialing flag keeps attempts from
// overlapping when a trigger races a scheduled retry.
func (s *Supervisor) dial(ctx context.Context) {
	s.mu.Lock()
	if s.state != StateConnecting || s.dialing {
		s.mu.Unlock()
		return
	}
	s.dialing = true
	since := s.lastGood
	s.mu.Unlock()

	conn, err := s.dialer.Dial(ctx, s.cfg.Addr)
	if err != nil {
		s.logger.Warn("dial failed", log.String("addr", s.cfg.Addr), log.Err(err))
		s.mu.Lock()
		s.dialing = false
		s.scheduleRetryLocked()
		s.mu.Unlock()
		return
	}

	if err := s.handshake(ctx, conn, since); err != nil {
		s.logger.Warn("handshake failed", log.Err(err))
		_ = conn.Close()
		s.mu.Lock()
		s.dialing = false
		s.scheduleRetryLocked()
		s.mu.Unlock()
		return
	}

	s.mu.Lock()
	if s.state != StateConnecting {
		// Manually disconnected while the dial was in flight.
		s.dialing = false
		s.mu.Unlock()
		_ = conn.Close()
		return
	}
	s.dialing = false
	s.state = StateConnected
	s.conn = conn
	s.gen++
	gen := s.gen
	s.done = make(chan struct{})
	done := s.done
	s.attempts = 0
	s.schedule.Reset()
	s.mu.Unlock()

	s.logger.Info("connected", log.String("addr", s.cfg.Addr), log.String("principal", s.cfg.Principal))

	s.wg.Add(2)
	go s.readLoop(conn, gen)
	go s.probeLoop(conn, gen, done)
}

// handshake identifies the connection and asks for replay of everything
// queued since the last delivery the client saw.
func (s *Supervisor) handshake(ctx context.Context, conn Conn, since time.Time) error {
	wctx, cancel := context.WithTimeout(ctx, s.cfg.SendTimeout)
	defer cancel()

	if err := conn.WriteFrame(wctx, wire.Frame{Type: wire.FrameIdentify, Principal: s.cfg.Principal}); err != nil {
		return err
	}
	if since.IsZero() {
		return nil
	}
	return conn.WriteFrame(wctx, wire.Frame{Type: wire.FrameReplay, Since: since})
}

// scheduleRetryLocked arms the next reconnect attempt or gives up. Caller
// holds the mutex.
func (s *Supervisor) scheduleRetryLocked() {
	s.attempts++
	if s.attempts > s.cfg.MaxReconnectAttempts {
		s.state = StateFailed
		s.logger.Error("reconnect attempts exhausted", log.Int("attempts", s.attempts-1))
		if s.onFail != nil {
			go s.onFail(ErrReconnectExhausted)
		}
		return
	}

	s.state = StateConnecting
	delay := s.schedule.Next()
	s.logger.Info("reconnect scheduled",
		log.Int("attempt", s.attempts),
		log.Duration("delay", delay))
	s.retry = time.AfterFunc(delay, func() {
		s.dial(context.Background())
	})
}

// connectionLost handles every unintended disconnect: read errors, write
// errors on probes, and liveness timeouts. Stale generations are ignored so
// a late callback from a replaced connection cannot tear down its successor.
func (s *Supervisor) connectionLost(gen uint64, reason error) {
	s.mu.Lock()
	if gen != s.gen || s.state != StateConnected {
		s.mu.Unlock()
		return
	}
	s.gen++
	conn := s.conn
	s.conn = nil
	s.stopTimersLocked()
	s.scheduleRetryLocked()
	s.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
	}
	s.logger.Warn("connection lost", log.Err(reason))
}

func (s *Supervisor) stopTimersLocked() {
	if s.retry != nil {
		s.retry.Stop()
		s.retry = nil
	}
	if s.pong != nil {
		s.pong.Stop()
		s.pong = nil
	}
	if s.done != nil {
		close(s.done)
		s.done = nil
	}
}

// readLoop consumes inbound frames until the connection dies. Envelopes are
// acknowledged before the handler runs; under at-least-once semantics a
// handler crash after ack is the application's trade-off to make.
func (s *Supervisor) readLoop(conn Conn, gen uint64) {
	defer s.wg.Done()
	for {
		frame, err := conn.ReadFrame(context.Background())
		if err != nil {
			s.connectionLost(gen, err)
			return
		}

		switch frame.Type {
		case wire.FrameEnvelope:
			s.handleEnvelope(conn, frame)
		case wire.FramePing:
			wctx, cancel := context.WithTimeout(context.Background(), s.cfg.SendTimeout)
			err := conn.WriteFrame(wctx, wire.Pong(frame.SentAt))
			cancel()
			if err != nil {
				s.connectionLost(gen, err)
				return
			}
		case wire.FramePong:
			s.mu.Lock()
			if gen == s.gen && s.pong != nil {
				s.pong.Stop()
				s.pong = nil
			}
			s.mu.Unlock()
		default:
			s.logger.Debug("ignoring frame", log.String("type", string(frame.Type)))
		}
	}
}

func (s *Supervisor) handleEnvelope(conn Conn, frame wire.Frame) {
	if frame.RequiresAck {
		wctx, cancel := context.WithTimeout(context.Background(), s.cfg.SendTimeout)
		if err := conn.WriteFrame(wctx, wire.Ack(frame.EnvelopeID)); err != nil {
			s.logger.Warn("ack write failed", log.String("envelope_id", frame.EnvelopeID), log.Err(err))
		}
		cancel()
	}

	s.mu.Lock()
	s.lastGood = time.Now().UTC()
	s.mu.Unlock()

	if s.onEvent != nil {
		s.onEvent(Event{
			ID:      frame.EnvelopeID,
			Name:    frame.Event,
			Payload: frame.Payload,
			SentAt:  frame.SentAt,
		})
	}
}

// probeLoop emits liveness probes while the connection is current.
func (s *Supervisor) probeLoop(conn Conn, gen uint64, done <-chan struct{}) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.cfg.ProbeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
		}
		s.mu.Lock()
		current := gen == s.gen && s.state == StateConnected
		s.mu.Unlock()
		if !current {
			return
		}
		s.probe(conn, gen)
	}
}

// probe sends one ping and arms the response timer. A missed response force
// closes the transport instead of waiting on the read loop to notice.
func (s *Supervisor) probe(conn Conn, gen uint64) {
	wctx, cancel := context.WithTimeout(context.Background(), s.cfg.SendTimeout)
	err := conn.WriteFrame(wctx, wire.Ping(time.Now().UTC()))
	cancel()
	if err != nil {
		s.connectionLost(gen, err)
		return
	}

	s.mu.Lock()
	if gen != s.gen {
		s.mu.Unlock()
		return
	}
	if s.pong != nil {
		s.pong.Stop()
	}
	s.pong = time.AfterFunc(s.cfg.ProbeTimeout, func() {
		s.connectionLost(gen, errors.New("relaycore: liveness probe timed out"))
	})
	s.mu.Unlock()
}
