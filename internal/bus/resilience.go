package bus

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

// BreakerConfig configures the per-receiver circuit breakers.
type BreakerConfig struct {
	MaxRequests         uint32        // Trial deliveries allowed while half-open
	Timeout             time.Duration // How long the breaker stays open
	ConsecutiveFailures uint32        // Failures in a row that trip the breaker
}

// DefaultBreakerConfig returns 3 half-open trials, a 30s open period and a
// trip threshold of 5 consecutive failures.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		MaxRequests:         3,
		Timeout:             30 * time.Second,
		ConsecutiveFailures: 5,
	}
}

// breakerRegistry manages one circuit breaker per receiver.
type breakerRegistry struct {
	mu       sync.Mutex
	cfg      BreakerConfig
	breakers map[string]*gobreaker.CircuitBreaker
	logger   *zap.Logger

	// Separate lock: gobreaker fires OnStateChange from inside State()
	openMu   sync.Mutex
	openedAt map[string]time.Time
}

func newBreakerRegistry(cfg BreakerConfig, logger *zap.Logger) *breakerRegistry {
	return &breakerRegistry{
		cfg:      cfg,
		breakers: make(map[string]*gobreaker.CircuitBreaker),
		logger:   logger,
		openedAt: make(map[string]time.Time),
	}
}

// get returns the breaker for the receiver, creating it on first use.
func (r *breakerRegistry) get(receiverID string) *gobreaker.CircuitBreaker {
	r.mu.Lock()
	defer r.mu.Unlock()

	if cb, ok := r.breakers[receiverID]; ok {
		return cb
	}

	threshold := r.cfg.ConsecutiveFailures
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        receiverID,
		MaxRequests: r.cfg.MaxRequests,
		Timeout:     r.cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			if to == gobreaker.StateOpen {
				r.openMu.Lock()
				r.openedAt[name] = time.Now()
				r.openMu.Unlock()
			}
			r.logger.Warn("receiver circuit breaker changed state",
				zap.String("receiver_id", name),
				zap.Stringer("from", from),
				zap.Stringer("to", to),
			)
		},
		IsSuccessful: func(err error) bool {
			// Bus shutdown is not the receiver's fault
			return err == nil || errors.Is(err, context.Canceled)
		},
	})

	r.breakers[receiverID] = cb
	return cb
}

// forget drops the breaker of an unregistered receiver.
func (r *breakerRegistry) forget(receiverID string) {
	r.mu.Lock()
	delete(r.breakers, receiverID)
	r.mu.Unlock()

	r.openMu.Lock()
	delete(r.openedAt, receiverID)
	r.openMu.Unlock()
}

// reopenIn returns how long until an open breaker lets a trial delivery
// through. Zero means it may already do so.
func (r *breakerRegistry) reopenIn(receiverID string) time.Duration {
	r.openMu.Lock()
	opened, ok := r.openedAt[receiverID]
	r.openMu.Unlock()
	if !ok {
		return 0
	}
	if d := time.Until(opened.Add(r.cfg.Timeout)); d > 0 {
		return d
	}
	return 0
}

// state reports the breaker state for a receiver, closed if none exists yet.
func (r *breakerRegistry) state(receiverID string) gobreaker.State {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cb, ok := r.breakers[receiverID]; ok {
		return cb.State()
	}
	return gobreaker.StateClosed
}

// redeliveryPolicy returns the schedule for one message: the n-th retry waits
// Base * 2^n capped at MaxDelay, stopping after MaxDeliveryAttempts-1 retries.
func (c Config) redeliveryPolicy() backoff.BackOff {
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = 2 * c.BaseDelay
	if exp.InitialInterval > c.MaxDelay {
		exp.InitialInterval = c.MaxDelay
	}
	exp.MaxInterval = c.MaxDelay
	exp.Multiplier = 2
	exp.RandomizationFactor = 0
	exp.MaxElapsedTime = 0

	retries := c.MaxDeliveryAttempts - 1
	if retries < 0 {
		retries = 0
	}
	policy := backoff.WithMaxRetries(exp, uint64(retries))
	policy.Reset()
	return policy
}

// RetryDelay returns the wait before the next attempt of a message that has
// failed attempts times, and false once the message should be dead-lettered.
func (c Config) RetryDelay(attempts int) (time.Duration, bool) {
	policy := c.redeliveryPolicy()
	delay := backoff.Stop
	for i := 0; i < attempts; i++ {
		delay = policy.NextBackOff()
		if delay == backoff.Stop {
			return 0, false
		}
	}
	return delay, attempts > 0
}
