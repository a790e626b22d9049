package cliconfig

import "os"

// ApplyEnvConfig applies configuration from environment variables (RELAYD_*).
// It respects flags that have been explicitly set (changed map).
// Returns an error if any environment variable has an invalid format.
func ApplyEnvConfig(cfg *Config, changed map[string]bool) error {
	s := newConfigSetter(changed)

	s.setString("listen", os.Getenv("RELAYD_LISTEN_ADDR"), &cfg.ListenAddr)
	s.setString("ws-path", os.Getenv("RELAYD_WS_PATH"), &cfg.WSPath)
	s.setString("redis-addr", os.Getenv("RELAYD_REDIS_ADDR"), &cfg.RedisAddr)
	s.setString("redis-password", os.Getenv("RELAYD_REDIS_PASSWORD"), &cfg.RedisPassword)
	s.setString("log-level", os.Getenv("RELAYD_LOG_LEVEL"), &cfg.LogLevel)

	if err := s.setIntFromString("redis-db", os.Getenv("RELAYD_REDIS_DB"), &cfg.RedisDB); err != nil {
		return err
	}
	if err := s.setIntFromString("max-retries", os.Getenv("RELAYD_MAX_RETRIES"), &cfg.MaxRetries); err != nil {
		return err
	}
	if err := s.setIntFromString("queue-capacity", os.Getenv("RELAYD_QUEUE_CAPACITY"), &cfg.QueueCapacity); err != nil {
		return err
	}
	if err := s.setFloatFromString("retry-multiplier", os.Getenv("RELAYD_RETRY_MULTIPLIER"), &cfg.RetryMultiplier); err != nil {
		return err
	}

	if err := s.setDuration("ack-timeout", os.Getenv("RELAYD_ACK_TIMEOUT"), &cfg.AckTimeout); err != nil {
		return err
	}
	if err := s.setDuration("retry-base", os.Getenv("RELAYD_RETRY_BASE"), &cfg.RetryBase); err != nil {
		return err
	}
	if err := s.setDuration("retry-cap", os.Getenv("RELAYD_RETRY_CAP"), &cfg.RetryCap); err != nil {
		return err
	}
	if err := s.setDuration("default-ttl", os.Getenv("RELAYD_DEFAULT_TTL"), &cfg.DefaultTTL); err != nil {
		return err
	}
	if err := s.setDuration("heartbeat-interval", os.Getenv("RELAYD_HEARTBEAT_INTERVAL"), &cfg.HeartbeatInterval); err != nil {
		return err
	}
	if err := s.setDuration("heartbeat-timeout", os.Getenv("RELAYD_HEARTBEAT_TIMEOUT"), &cfg.HeartbeatTimeout); err != nil {
		return err
	}
	if err := s.setDuration("write-timeout", os.Getenv("RELAYD_WRITE_TIMEOUT"), &cfg.WriteTimeout); err != nil {
		return err
	}
	if err := s.setDuration("mirror-ttl", os.Getenv("RELAYD_MIRROR_TTL"), &cfg.MirrorTTL); err != nil {
		return err
	}
	return s.setDuration("shutdown-timeout", os.Getenv("RELAYD_SHUTDOWN_TIMEOUT"), &cfg.ShutdownTimeout)
}
