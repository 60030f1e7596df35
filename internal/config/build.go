package config

import (
	"github.com/aristath/taskmesh/internal/bus"
	"github.com/aristath/taskmesh/internal/coordinator"
	"github.com/aristath/taskmesh/internal/registry"
)

// BuildCoordinator converts the coordinator section. Call Validate first;
// an unknown failure policy falls back to cascade.
func (c *Config) BuildCoordinator() coordinator.Config {
	policy, _ := coordinator.ParseFailurePolicy(c.Coordinator.FailurePolicy)
	return coordinator.Config{
		FailurePolicy:                policy,
		TreatInfraFailureAsRetryable: c.Coordinator.TreatInfraFailureAsRetryable,
		RescanInterval:               c.Coordinator.RescanInterval,
		TimeoutCheckInterval:         c.Coordinator.TimeoutCheckInterval,
		DefaultMaxRetries:            c.Coordinator.DefaultMaxRetries,
		TaskTimeout:                  c.Coordinator.TaskTimeout,
		EventBuffer:                  c.Coordinator.EventBuffer,
		MaxReselect:                  c.Coordinator.MaxReselect,
	}
}

func (c *Config) BuildRegistry() registry.Config {
	return registry.Config{
		HeartbeatTimeout: c.Registry.HeartbeatTimeout,
		SweepInterval:    c.Registry.SweepInterval,
	}
}

func (c *Config) BuildBus() bus.Config {
	return bus.Config{
		BaseDelay:           c.Bus.BaseDelay,
		MaxDelay:            c.Bus.MaxDelay,
		MaxDeliveryAttempts: c.Bus.MaxDeliveryAttempts,
		DeliveryTimeout:     c.Bus.DeliveryTimeout,
		Workers:             c.Bus.Workers,
		Breaker: bus.BreakerConfig{
			MaxRequests:         c.Bus.Breaker.MaxRequests,
			Timeout:             c.Bus.Breaker.Timeout,
			ConsecutiveFailures: c.Bus.Breaker.ConsecutiveFailures,
		},
	}
}
