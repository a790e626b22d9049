package domain

import "errors"

// Domain errors represent error conditions in the delivery layer.
// These errors are returned by the public API and can be checked with errors.Is.
var (
	// ErrAlreadyRunning is returned when Start() is called on a running server.
	ErrAlreadyRunning = errors.New("relaycore: already running")

	// ErrNotRunning is returned when Stop() is called on a stopped server.
	ErrNotRunning = errors.New("relaycore: not running")

	// ErrShutdownTimeout is returned when graceful shutdown times out.
	ErrShutdownTimeout = errors.New("relaycore: shutdown timeout")

	// ErrInvalidConfig is returned when configuration validation fails.
	ErrInvalidConfig = errors.New("relaycore: invalid configuration")

	// ErrUnknownConnection is returned when a connection id is not registered.
	ErrUnknownConnection = errors.New("relaycore: unknown connection")

	// ErrConnectionClosed reports an envelope dropped because its connection
	// closed with no principal to queue it under.
	ErrConnectionClosed = errors.New("relaycore: connection closed")

	// ErrMaxRetriesExceeded reports an envelope terminally failed after its
	// retry budget was exhausted without an ack.
	ErrMaxRetriesExceeded = errors.New("relaycore: max retries exceeded")

	// ErrEnvelopeExpired reports an envelope terminally failed because its
	// TTL elapsed before delivery was acknowledged.
	ErrEnvelopeExpired = errors.New("relaycore: envelope expired")
)
