// Package cliconfig layers the relayd daemon's configuration from four
// sources, in rising precedence: built-in defaults, a TOML file, RELAYD_*
// environment variables, and command line flags.
package cliconfig

import (
	"fmt"
	"strconv"
	"time"
)

// Config holds CLI configuration for relayd.
type Config struct {
	ListenAddr string
	WSPath     string

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	LogLevel string

	AckTimeout      time.Duration
	MaxRetries      int
	RetryBase       time.Duration
	RetryMultiplier float64
	RetryCap        time.Duration
	DefaultTTL      time.Duration

	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration
	WriteTimeout      time.Duration

	QueueCapacity   int
	MirrorTTL       time.Duration
	ShutdownTimeout time.Duration
}

// DefaultConfig returns a Config with default values. Redis is off by
// default; without it the daemon runs memory-only.
func DefaultConfig() Config {
	return Config{
		ListenAddr:        ":7380",
		WSPath:            "/ws",
		RedisDB:           0,
		LogLevel:          "info",
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

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if c.ListenAddr == "" {
		return fmt.Errorf("listen address is required")
	}
	if c.WSPath == "" || c.WSPath[0] != '/' {
		return fmt.Errorf("ws path must start with /")
	}
	switch c.LogLevel {
	case "trace", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("unknown log level %q", c.LogLevel)
	}
	if c.RetryCap < c.RetryBase {
		return fmt.Errorf("retry cap must be at least the retry base")
	}
	if c.HeartbeatTimeout <= c.HeartbeatInterval {
		return fmt.Errorf("heartbeat timeout must exceed the interval")
	}
	if c.AckTimeout <= 0 || c.QueueCapacity <= 0 {
		return fmt.Errorf("ack timeout and queue capacity must be positive")
	}
	return nil
}

// configSetter helps apply configuration values while respecting flag
// precedence. It only applies values if the corresponding flag hasn't been
// explicitly set.
type configSetter struct {
	changed map[string]bool
}

func newConfigSetter(changed map[string]bool) *configSetter {
	return &configSetter{changed: changed}
}

// setString sets a string value if not empty and flag not changed.
func (s *configSetter) setString(flag, value string, dst *string) {
	if value == "" || s.changed[flag] {
		return
	}
	*dst = value
}

// setInt sets an int value if positive and flag not changed.
func (s *configSetter) setInt(flag string, value int, dst *int) {
	if value <= 0 || s.changed[flag] {
		return
	}
	*dst = value
}

// setFloat sets a float64 value if positive and flag not changed.
func (s *configSetter) setFloat(flag string, value float64, dst *float64) {
	if value <= 0 || s.changed[flag] {
		return
	}
	*dst = value
}

// setDuration parses and sets a duration from string if valid and flag not
// changed.
func (s *configSetter) setDuration(flag, value string, dst *time.Duration) error {
	if value == "" || s.changed[flag] {
		return nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return fmt.Errorf("parse %s: %w", flag, err)
	}
	*dst = d
	return nil
}

// setIntFromString parses a string to int and sets the destination if valid.
// Used for environment variables that come as strings.
func (s *configSetter) setIntFromString(flag, value string, dst *int) error {
	if value == "" || s.changed[flag] {
		return nil
	}
	i, err := strconv.Atoi(value)
	if err != nil {
		return fmt.Errorf("parse %s: %w", flag, err)
	}
	*dst = i
	return nil
}

// setFloatFromString parses a string to float64 and sets the destination if
// valid. Used for environment variables that come as strings.
func (s *configSetter) setFloatFromString(flag, value string, dst *float64) error {
	if value == "" || s.changed[flag] {
		return nil
	}
	f, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return fmt.Errorf("parse %s: %w", flag, err)
	}
	if f <= 0 {
		return nil
	}
	*dst = f
	return nil
}
