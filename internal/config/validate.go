package config

import (
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/aristath/taskmesh/internal/coordinator"
)

// Validate reports every invalid value at once.
func (c *Config) Validate() error {
	var errs []error

	if _, err := coordinator.ParseFailurePolicy(c.Coordinator.FailurePolicy); err != nil {
		errs = append(errs, fmt.Errorf("coordinator.failure_policy: %w", err))
	}
	if c.Coordinator.DefaultMaxRetries < 0 {
		errs = append(errs, errors.New("coordinator.default_max_retries must not be negative"))
	}
	if c.Coordinator.TaskTimeout < 0 {
		errs = append(errs, errors.New("coordinator.task_timeout must not be negative"))
	}

	for key, d := range map[string]time.Duration{
		"coordinator.rescan_interval":        c.Coordinator.RescanInterval,
		"coordinator.timeout_check_interval": c.Coordinator.TimeoutCheckInterval,
		"registry.heartbeat_timeout":         c.Registry.HeartbeatTimeout,
		"registry.sweep_interval":            c.Registry.SweepInterval,
		"bus.base_delay":                     c.Bus.BaseDelay,
		"bus.max_delay":                      c.Bus.MaxDelay,
		"bus.delivery_timeout":               c.Bus.DeliveryTimeout,
	} {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive", key))
		}
	}
	if c.Bus.MaxDelay > 0 && c.Bus.BaseDelay > c.Bus.MaxDelay {
		errs = append(errs, errors.New("bus.base_delay exceeds bus.max_delay"))
	}
	if c.Bus.MaxDeliveryAttempts < 1 {
		errs = append(errs, errors.New("bus.max_delivery_attempts must be at least 1"))
	}
	if c.Bus.Workers < 1 {
		errs = append(errs, errors.New("bus.workers must be at least 1"))
	}

	switch c.Dedup.Backend {
	case "memory":
	case "redis":
		if c.Dedup.RedisAddr == "" {
			errs = append(errs, errors.New("dedup.redis_addr is required for the redis backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("dedup.backend: unknown backend %q", c.Dedup.Backend))
	}

	if c.Persistence.Enabled && c.Persistence.Path == "" {
		errs = append(errs, errors.New("persistence.path is required when persistence is enabled"))
	}
	if c.Metrics.Enabled && c.Metrics.Addr == "" {
		errs = append(errs, errors.New("metrics.addr is required when metrics are enabled"))
	}

	if _, err := zap.ParseAtomicLevel(c.Log.Level); err != nil {
		errs = append(errs, fmt.Errorf("log.level: %w", err))
	}

	return errors.Join(errs...)
}
