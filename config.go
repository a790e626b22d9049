package relaycore

import (
	"fmt"
	"time"

	"github.com/bft-labs/relaycore/internal/domain"
)

// Config holds the tunables for an embedded Server.
// Use DefaultConfig() for sensible defaults.
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

	// HeartbeatInterval and HeartbeatTimeout drive server-side liveness
	// probing. A connection silent past the timeout is force closed.
	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration

	// WriteTimeout bounds every transport write.
	WriteTimeout time.Duration

	// QueueCapacity caps each principal's pending queue; overflow evicts
	// the oldest entry first.
	QueueCapacity int

	// MirrorTTL is the expiry applied to durably mirrored envelopes.
	MirrorTTL time.Duration

	// ShutdownTimeout bounds graceful shutdown in Stop.
	ShutdownTimeout time.Duration
}

// DefaultConfig returns a Config with sensible default values.
func DefaultConfig() Config {
	return Config{
		AckTimeout:        10 * time.Second,
		MaxRetries:        5,
		RetryBase:         500 * time.Millisecond,
		RetryMultiplier:   2,
		RetryCap:          30 * time.Second,
		DefaultTTL:        24 * time.Hour,
		HeartbeatInterval: 15 * time.Second,
		HeartbeatTimeout:  45 * time.Second,
		WriteTimeout:      5 * time.Second,
		QueueCapacity:     1000,
		MirrorTTL:         24 * time.Hour,
		ShutdownTimeout:   30 * time.Second,
	}
}

// SetDefaults fills any zero field with its default value.
func (c *Config) SetDefaults() {
	d := DefaultConfig()
	if c.AckTimeout <= 0 {
		c.AckTimeout = d.AckTimeout
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = d.MaxRetries
	}
	if c.RetryBase <= 0 {
		c.RetryBase = d.RetryBase
	}
	if c.RetryMultiplier <= 1 {
		c.RetryMultiplier = d.RetryMultiplier
	}
	if c.RetryCap <= 0 {
		c.RetryCap = d.RetryCap
	}
	if c.DefaultTTL <= 0 {
		c.DefaultTTL = d.DefaultTTL
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = d.HeartbeatInterval
	}
	if c.HeartbeatTimeout <= 0 {
		c.HeartbeatTimeout = d.HeartbeatTimeout
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = d.WriteTimeout
	}
	if c.QueueCapacity <= 0 {
		c.QueueCapacity = d.QueueCapacity
	}
	if c.MirrorTTL <= 0 {
		c.MirrorTTL = d.MirrorTTL
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = d.ShutdownTimeout
	}
}

// Validate reports the first configuration inconsistency found.
func (c Config) Validate() error {
	if c.RetryCap < c.RetryBase {
		return fmt.Errorf("%w: retry cap %v below retry base %v", domain.ErrInvalidConfig, c.RetryCap, c.RetryBase)
	}
	if c.HeartbeatTimeout <= c.HeartbeatInterval {
		return fmt.Errorf("%w: heartbeat timeout %v must exceed interval %v", domain.ErrInvalidConfig, c.HeartbeatTimeout, c.HeartbeatInterval)
	}
	if c.AckTimeout <= 0 || c.DefaultTTL <= 0 || c.QueueCapacity <= 0 {
		return fmt.Errorf("%w: ack timeout, default ttl and queue capacity must be positive", domain.ErrInvalidConfig)
	}
	return nil
}
