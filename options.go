package relaycore

import (
	"github.com/bft-labs/relaycore/internal/app"
	"github.com/bft-labs/relaycore/pkg/log"
)

// DeliveryFailedHandler receives envelopes that failed terminally: retries
// exhausted, TTL expired, or the only target vanished before attribution.
// Called from engine goroutines; it must not block.
type DeliveryFailedHandler func(envelopeID string, reason error)

// StateChangeHandler observes lifecycle transitions of the server.
type StateChangeHandler func(previous, current app.State, reason string)

// Option configures optional behavior of a Server.
type Option func(*options)

type options struct {
	store         DurableStore
	logger        log.Logger
	onDelivFailed DeliveryFailedHandler
	onStateChange StateChangeHandler
}

func defaultOptions() options {
	return options{
		logger: log.NewNoopLogger(),
	}
}

// WithStore sets the durable side-store backing the pending queues.
// Without it the server runs memory-only: queued envelopes do not survive
// a process restart.
func WithStore(store DurableStore) Option {
	return func(o *options) {
		o.store = store
	}
}

// WithLogger sets a custom logger for structured logging.
// If not provided, a no-op logger is used (no output).
func WithLogger(logger log.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// WithDeliveryFailedHandler sets a handler for terminal delivery failures.
func WithDeliveryFailedHandler(handler DeliveryFailedHandler) Option {
	return func(o *options) {
		o.onDelivFailed = handler
	}
}

// WithStateChangeHandler sets a handler for lifecycle state transitions.
func WithStateChangeHandler(handler StateChangeHandler) Option {
	return func(o *options) {
		o.onStateChange = handler
	}
}
