// Package config loads taskmesh settings from YAML files and TASKMESH_
// environment variables.
package config

import "time"

// Config is the top-level configuration.
type Config struct {
	Coordinator CoordinatorConfig `mapstructure:"coordinator" yaml:"coordinator"`
	Registry    RegistryConfig    `mapstructure:"registry" yaml:"registry"`
	Bus         BusConfig         `mapstructure:"bus" yaml:"bus"`
	Dedup       DedupConfig       `mapstructure:"dedup" yaml:"dedup"`
	Persistence PersistenceConfig `mapstructure:"persistence" yaml:"persistence"`
	Metrics     MetricsConfig     `mapstructure:"metrics" yaml:"metrics"`
	Log         LogConfig         `mapstructure:"log" yaml:"log"`
}

// CoordinatorConfig holds scheduling settings.
type CoordinatorConfig struct {
	FailurePolicy                string        `mapstructure:"failure_policy" yaml:"failure_policy"` // "cascade" or "isolate"
	TreatInfraFailureAsRetryable bool          `mapstructure:"treat_infra_failure_as_retryable" yaml:"treat_infra_failure_as_retryable"`
	RescanInterval               time.Duration `mapstructure:"rescan_interval" yaml:"rescan_interval"`
	TimeoutCheckInterval         time.Duration `mapstructure:"timeout_check_interval" yaml:"timeout_check_interval"`
	DefaultMaxRetries            int           `mapstructure:"default_max_retries" yaml:"default_max_retries"`
	TaskTimeout                  time.Duration `mapstructure:"task_timeout" yaml:"task_timeout"` // Zero is unbounded
	EventBuffer                  int           `mapstructure:"event_buffer" yaml:"event_buffer"`
	MaxReselect                  int           `mapstructure:"max_reselect" yaml:"max_reselect"`
}

// RegistryConfig holds agent liveness settings.
type RegistryConfig struct {
	HeartbeatTimeout time.Duration `mapstructure:"heartbeat_timeout" yaml:"heartbeat_timeout"`
	SweepInterval    time.Duration `mapstructure:"sweep_interval" yaml:"sweep_interval"`
}

// BusConfig holds message delivery settings.
type BusConfig struct {
	BaseDelay           time.Duration `mapstructure:"base_delay" yaml:"base_delay"`
	MaxDelay            time.Duration `mapstructure:"max_delay" yaml:"max_delay"`
	MaxDeliveryAttempts int           `mapstructure:"max_delivery_attempts" yaml:"max_delivery_attempts"`
	DeliveryTimeout     time.Duration `mapstructure:"delivery_timeout" yaml:"delivery_timeout"`
	Workers             int           `mapstructure:"workers" yaml:"workers"`
	Breaker             BreakerConfig `mapstructure:"breaker" yaml:"breaker"`
}

// BreakerConfig holds per-receiver circuit breaker settings.
type BreakerConfig struct {
	MaxRequests         uint32        `mapstructure:"max_requests" yaml:"max_requests"`
	Timeout             time.Duration `mapstructure:"timeout" yaml:"timeout"`
	ConsecutiveFailures uint32        `mapstructure:"consecutive_failures" yaml:"consecutive_failures"`
}

// DedupConfig selects where receivers remember processed message ids.
type DedupConfig struct {
	Backend   string        `mapstructure:"backend" yaml:"backend"` // "memory" or "redis"
	RedisAddr string        `mapstructure:"redis_addr" yaml:"redis_addr"`
	TTL       time.Duration `mapstructure:"ttl" yaml:"ttl"`
	KeyPrefix string        `mapstructure:"key_prefix" yaml:"key_prefix"`
}

// PersistenceConfig controls the SQLite journal.
type PersistenceConfig struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
	Path    string `mapstructure:"path" yaml:"path"`
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	Enabled   bool   `mapstructure:"enabled" yaml:"enabled"`
	Namespace string `mapstructure:"namespace" yaml:"namespace"`
	Addr      string `mapstructure:"addr" yaml:"addr"`
}

// LogConfig controls the zap logger.
type LogConfig struct {
	Level       string `mapstructure:"level" yaml:"level"`
	Development bool   `mapstructure:"development" yaml:"development"`
}
