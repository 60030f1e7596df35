package config

import (
	"github.com/spf13/viper"

	"github.com/aristath/taskmesh/internal/bus"
	"github.com/aristath/taskmesh/internal/coordinator"
	"github.com/aristath/taskmesh/internal/registry"
)

// DefaultConfig returns the built-in configuration. Scheduling and delivery
// values mirror the defaults of the packages they configure.
func DefaultConfig() *Config {
	coord := coordinator.DefaultConfig()
	reg := registry.DefaultConfig()
	b := bus.DefaultConfig()

	return &Config{
		Coordinator: CoordinatorConfig{
			FailurePolicy:                coord.FailurePolicy.String(),
			TreatInfraFailureAsRetryable: coord.TreatInfraFailureAsRetryable,
			RescanInterval:               coord.RescanInterval,
			TimeoutCheckInterval:         coord.TimeoutCheckInterval,
			DefaultMaxRetries:            coord.DefaultMaxRetries,
			TaskTimeout:                  coord.TaskTimeout,
			EventBuffer:                  coord.EventBuffer,
			MaxReselect:                  coord.MaxReselect,
		},
		Registry: RegistryConfig{
			HeartbeatTimeout: reg.HeartbeatTimeout,
			SweepInterval:    reg.SweepInterval,
		},
		Bus: BusConfig{
			BaseDelay:           b.BaseDelay,
			MaxDelay:            b.MaxDelay,
			MaxDeliveryAttempts: b.MaxDeliveryAttempts,
			DeliveryTimeout:     b.DeliveryTimeout,
			Workers:             b.Workers,
			Breaker: BreakerConfig{
				MaxRequests:         b.Breaker.MaxRequests,
				Timeout:             b.Breaker.Timeout,
				ConsecutiveFailures: b.Breaker.ConsecutiveFailures,
			},
		},
		Dedup: DedupConfig{
			Backend:   "memory",
			RedisAddr: "localhost:6379",
			TTL:       bus.DefaultDedupTTL,
			KeyPrefix: bus.DefaultDedupPrefix,
		},
		Persistence: PersistenceConfig{
			Enabled: false,
			Path:    ".taskmesh/journal.db",
		},
		Metrics: MetricsConfig{
			Enabled:   false,
			Namespace: "taskmesh",
			Addr:      ":9090",
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// setDefaults registers every key with viper so that environment variables
// can override keys no file mentions.
func setDefaults(v *viper.Viper) {
	d := DefaultConfig()

	v.SetDefault("coordinator.failure_policy", d.Coordinator.FailurePolicy)
	v.SetDefault("coordinator.treat_infra_failure_as_retryable", d.Coordinator.TreatInfraFailureAsRetryable)
	v.SetDefault("coordinator.rescan_interval", d.Coordinator.RescanInterval)
	v.SetDefault("coordinator.timeout_check_interval", d.Coordinator.TimeoutCheckInterval)
	v.SetDefault("coordinator.default_max_retries", d.Coordinator.DefaultMaxRetries)
	v.SetDefault("coordinator.task_timeout", d.Coordinator.TaskTimeout)
	v.SetDefault("coordinator.event_buffer", d.Coordinator.EventBuffer)
	v.SetDefault("coordinator.max_reselect", d.Coordinator.MaxReselect)

	v.SetDefault("registry.heartbeat_timeout", d.Registry.HeartbeatTimeout)
	v.SetDefault("registry.sweep_interval", d.Registry.SweepInterval)

	v.SetDefault("bus.base_delay", d.Bus.BaseDelay)
	v.SetDefault("bus.max_delay", d.Bus.MaxDelay)
	v.SetDefault("bus.max_delivery_attempts", d.Bus.MaxDeliveryAttempts)
	v.SetDefault("bus.delivery_timeout", d.Bus.DeliveryTimeout)
	v.SetDefault("bus.workers", d.Bus.Workers)
	v.SetDefault("bus.breaker.max_requests", d.Bus.Breaker.MaxRequests)
	v.SetDefault("bus.breaker.timeout", d.Bus.Breaker.Timeout)
	v.SetDefault("bus.breaker.consecutive_failures", d.Bus.Breaker.ConsecutiveFailures)

	v.SetDefault("dedup.backend", d.Dedup.Backend)
	v.SetDefault("dedup.redis_addr", d.Dedup.RedisAddr)
	v.SetDefault("dedup.ttl", d.Dedup.TTL)
	v.SetDefault("dedup.key_prefix", d.Dedup.KeyPrefix)

	v.SetDefault("persistence.enabled", d.Persistence.Enabled)
	v.SetDefault("persistence.path", d.Persistence.Path)

	v.SetDefault("metrics.enabled", d.Metrics.Enabled)
	v.SetDefault("metrics.namespace", d.Metrics.Namespace)
	v.SetDefault("metrics.addr", d.Metrics.Addr)

	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.development", d.Log.Development)
}
