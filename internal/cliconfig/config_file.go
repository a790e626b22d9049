package cliconfig

import (
	"os"
	"path/filepath"

	toml "github.com/pelletier/go-toml/v2"
)

// FileConfig mirrors Config but uses strings for durations to make TOML
// friendly.
type FileConfig struct {
	ListenAddr        string  `toml:"listen_addr"`
	WSPath            string  `toml:"ws_path"`
	RedisAddr         string  `toml:"redis_addr"`
	RedisPassword     string  `toml:"redis_password"`
	RedisDB           int     `toml:"redis_db"`
	LogLevel          string  `toml:"log_level"`
	AckTimeout        string  `toml:"ack_timeout"`
	MaxRetries        int     `toml:"max_retries"`
	RetryBase         string  `toml:"retry_base"`
	RetryMultiplier   float64 `toml:"retry_multiplier"`
	RetryCap          string  `toml:"retry_cap"`
	DefaultTTL        string  `toml:"default_ttl"`
	HeartbeatInterval string  `toml:"heartbeat_interval"`
	HeartbeatTimeout  string  `toml:"heartbeat_timeout"`
	WriteTimeout      string  `toml:"write_timeout"`
	QueueCapacity     int     `toml:"queue_capacity"`
	MirrorTTL         string  `toml:"mirror_ttl"`
	ShutdownTimeout   string  `toml:"shutdown_timeout"`
}

// LoadFileConfig reads and parses a TOML config file from the given path.
func LoadFileConfig(path string) (FileConfig, error) {
	var fc FileConfig
	b, err := os.ReadFile(path)
	if err != nil {
		return fc, err
	}
	if err := toml.Unmarshal(b, &fc); err != nil {
		return fc, err
	}
	return fc, nil
}

// DefaultConfigPath returns the default configuration file path.
// Returns ~/.relayd/config.toml if user home directory is accessible.
func DefaultConfigPath() string {
	if h, err := os.UserHomeDir(); err == nil {
		return filepath.Join(h, ".relayd", "config.toml")
	}
	return ""
}

// ApplyFileConfig applies configuration from a file to the Config struct.
// It respects flags that have been explicitly set (changed map).
func ApplyFileConfig(cfg *Config, fc FileConfig, changed map[string]bool) error {
	s := newConfigSetter(changed)

	s.setString("listen", fc.ListenAddr, &cfg.ListenAddr)
	s.setString("ws-path", fc.WSPath, &cfg.WSPath)
	s.setString("redis-addr", fc.RedisAddr, &cfg.RedisAddr)
	s.setString("redis-password", fc.RedisPassword, &cfg.RedisPassword)
	s.setInt("redis-db", fc.RedisDB, &cfg.RedisDB)
	s.setString("log-level", fc.LogLevel, &cfg.LogLevel)

	if err := s.setDuration("ack-timeout", fc.AckTimeout, &cfg.AckTimeout); err != nil {
		return err
	}
	if err := s.setDuration("retry-base", fc.RetryBase, &cfg.RetryBase); err != nil {
		return err
	}
	if err := s.setDuration("retry-cap", fc.RetryCap, &cfg.RetryCap); err != nil {
		return err
	}
	if err := s.setDuration("default-ttl", fc.DefaultTTL, &cfg.DefaultTTL); err != nil {
		return err
	}
	if err := s.setDuration("heartbeat-interval", fc.HeartbeatInterval, &cfg.HeartbeatInterval); err != nil {
		return err
	}
	if err := s.setDuration("heartbeat-timeout", fc.HeartbeatTimeout, &cfg.HeartbeatTimeout); err != nil {
		return err
	}
	if err := s.setDuration("write-timeout", fc.WriteTimeout, &cfg.WriteTimeout); err != nil {
		return err
	}
	if err := s.setDuration("mirror-ttl", fc.MirrorTTL, &cfg.MirrorTTL); err != nil {
		return err
	}
	if err := s.setDuration("shutdown-timeout", fc.ShutdownTimeout, &cfg.ShutdownTimeout); err != nil {
		return err
	}

	s.setFloat("retry-multiplier", fc.RetryMultiplier, &cfg.RetryMultiplier)
	s.setInt("max-retries", fc.MaxRetries, &cfg.MaxRetries)
	s.setInt("queue-capacity", fc.QueueCapacity, &cfg.QueueCapacity)

	return nil
}

// FileExists checks if a file exists at the given path.
func FileExists(p string) bool {
	_, err := os.Stat(p)
	return err == nil
}
