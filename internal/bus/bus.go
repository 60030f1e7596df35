package bus

import (
	"cmp"
	"container/heap"
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Receiver accepts delivered messages. Returning an error schedules a
// redelivery of the same message.
type Receiver interface {
	Deliver(ctx context.Context, msg Message) error
}

// ReceiverFunc adapts a function to the Receiver interface.
type ReceiverFunc func(ctx context.Context, msg Message) error

// Deliver calls f(ctx, msg).
func (f ReceiverFunc) Deliver(ctx context.Context, msg Message) error {
	return f(ctx, msg)
}

// Config controls delivery behavior.
type Config struct {
	BaseDelay           time.Duration // First redelivery delay
	MaxDelay            time.Duration // Cap on redelivery delay
	MaxDeliveryAttempts int           // Attempts before dead-lettering
	DeliveryTimeout     time.Duration // Per-attempt deadline
	Workers             int           // Concurrent deliveries across receivers
	Breaker             BreakerConfig
}

// DefaultConfig returns 1s base delay doubling up to 60s, 5 attempts,
// a 10s per-attempt timeout and 8 workers.
func DefaultConfig() Config {
	return Config{
		BaseDelay:           time.Second,
		MaxDelay:            60 * time.Second,
		MaxDeliveryAttempts: 5,
		DeliveryTimeout:     10 * time.Second,
		Workers:             8,
		Breaker:             DefaultBreakerConfig(),
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.BaseDelay <= 0 {
		c.BaseDelay = def.BaseDelay
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = def.MaxDelay
	}
	if c.MaxDeliveryAttempts <= 0 {
		c.MaxDeliveryAttempts = def.MaxDeliveryAttempts
	}
	if c.DeliveryTimeout <= 0 {
		c.DeliveryTimeout = def.DeliveryTimeout
	}
	if c.Workers <= 0 {
		c.Workers = def.Workers
	}
	if c.Breaker.MaxRequests == 0 {
		c.Breaker.MaxRequests = def.Breaker.MaxRequests
	}
	if c.Breaker.Timeout <= 0 {
		c.Breaker.Timeout = def.Breaker.Timeout
	}
	if c.Breaker.ConsecutiveFailures == 0 {
		c.Breaker.ConsecutiveFailures = def.Breaker.ConsecutiveFailures
	}
	return c
}

// Stats is a point-in-time view of the bus.
type Stats struct {
	Receivers    int
	Queued       int // Waiting for a first or next attempt
	InFlight     int
	Delivered    uint64
	Retried      uint64
	DeadLettered uint64
}

// Observer is notified of delivery outcomes. Implemented by the metrics collector.
type Observer interface {
	MessageDelivered(msgType string, attempts int)
	MessageRetried(msgType string)
	MessageDeadLettered(msgType string)
}

// Bus is an in-process message bus. Send may be called from any goroutine;
// deliveries happen on Run's worker pool, at most one at a time per receiver.
type Bus struct {
	cfg      Config
	logger   *zap.Logger
	breakers *breakerRegistry
	now      func() time.Time
	wake     chan struct{}

	mu          sync.Mutex
	receivers   map[string]Receiver
	queue       messageQueue
	inflight    map[string]bool // receiver id -> delivery in progress
	seq         uint64
	deadLetters []Message
	stats       Stats
	onFailure   func(*DeliveryFailure)
	observer    Observer
}

// New creates a bus. Deliveries start when Run is called.
func New(cfg Config, logger *zap.Logger) *Bus {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("component", "message_bus"))
	cfg = cfg.withDefaults()

	return &Bus{
		cfg:       cfg,
		logger:    logger,
		breakers:  newBreakerRegistry(cfg.Breaker, logger),
		now:       time.Now,
		wake:      make(chan struct{}, 1),
		receivers: make(map[string]Receiver),
		inflight:  make(map[string]bool),
	}
}

// SetClock overrides the time source. Intended for tests.
func (b *Bus) SetClock(now func() time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.now = now
}

// OnFailure sets the handler called for every dead-lettered message. The
// handler runs on a delivery worker and must not block for long.
func (b *Bus) OnFailure(fn func(*DeliveryFailure)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onFailure = fn
}

// SetObserver installs a delivery outcome observer.
func (b *Bus) SetObserver(o Observer) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.observer = o
}

// Register attaches a receiver under id.
func (b *Bus) Register(id string, r Receiver) error {
	if id == "" || id == Broadcast {
		return fmt.Errorf("invalid receiver id %q", id)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if _, exists := b.receivers[id]; exists {
		return fmt.Errorf("receiver %q: %w", id, ErrDuplicateReceiver)
	}
	b.receivers[id] = r
	b.logger.Debug("receiver registered", zap.String("receiver_id", id))
	b.signal()
	return nil
}

// Unregister detaches a receiver. Messages still queued for it fail their
// attempts until they are dead-lettered.
func (b *Bus) Unregister(id string) {
	b.mu.Lock()
	delete(b.receivers, id)
	b.mu.Unlock()

	b.breakers.forget(id)
	b.logger.Debug("receiver unregistered", zap.String("receiver_id", id))
}

// Send enqueues msg and returns its id. A Broadcast message is copied to every
// receiver registered now except the sender. Sending to an unknown receiver is
// not an error here; the attempts fail and the message is dead-lettered.
func (b *Bus) Send(msg Message) (string, error) {
	if msg.Type == "" {
		return "", errors.New("message type is empty")
	}
	if msg.ReceiverID == "" {
		return "", errors.New("message receiver is empty")
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = b.now()
	}
	msg.Status = StatusQueued
	msg.DeliveryAttempts = 0
	msg.LastError = ""
	msg.NextAttemptAt = msg.CreatedAt

	if msg.ReceiverID != Broadcast {
		b.enqueue(msg.Clone())
		b.signal()
		return msg.ID, nil
	}

	targets := make([]string, 0, len(b.receivers))
	for id := range b.receivers {
		if id != msg.SenderID {
			targets = append(targets, id)
		}
	}
	slices.Sort(targets)
	for _, id := range targets {
		cp := msg.Clone()
		cp.ReceiverID = id
		b.enqueue(cp)
	}
	b.logger.Debug("broadcast fanned out",
		zap.String("message_id", msg.ID),
		zap.String("type", msg.Type),
		zap.Int("receivers", len(targets)),
	)
	b.signal()
	return msg.ID, nil
}

func (b *Bus) enqueue(msg Message) {
	b.seq++
	heap.Push(&b.queue, &queued{msg: msg, seq: b.seq})
}

func (b *Bus) signal() {
	select {
	case b.wake <- struct{}{}:
	default:
	}
}

// Run delivers messages until ctx is cancelled. In-flight deliveries see the
// cancellation and their messages are returned to the queue.
func (b *Bus) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(b.cfg.Workers)

	b.logger.Info("message bus started", zap.Int("workers", b.cfg.Workers))
	defer b.logger.Info("message bus stopped")

	timer := time.NewTimer(time.Hour)
	defer timer.Stop()

	for {
		if ctx.Err() != nil {
			_ = g.Wait()
			return nil
		}

		msg, wait, ok := b.next()
		if ok {
			g.Go(func() error {
				b.deliver(gctx, msg)
				return nil
			})
			continue
		}

		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		if wait > 0 {
			timer.Reset(wait)
		}

		select {
		case <-ctx.Done():
			_ = g.Wait()
			return nil
		case <-b.wake:
		case <-timer.C:
		}
	}
}

// next pops the most urgent message that is due and whose receiver is idle.
// When none is available it returns how long until the earliest retry is due,
// or zero if only a wake signal can make progress.
func (b *Bus) next() (Message, time.Duration, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	var skipped []*queued
	var wait time.Duration
	defer func() {
		for _, q := range skipped {
			heap.Push(&b.queue, q)
		}
	}()

	for b.queue.Len() > 0 {
		q := heap.Pop(&b.queue).(*queued)
		if b.inflight[q.msg.ReceiverID] {
			skipped = append(skipped, q)
			continue
		}
		if q.msg.NextAttemptAt.After(now) {
			if d := q.msg.NextAttemptAt.Sub(now); wait == 0 || d < wait {
				wait = d
			}
			skipped = append(skipped, q)
			continue
		}
		b.inflight[q.msg.ReceiverID] = true
		return q.msg, 0, true
	}
	return Message{}, wait, false
}

func (b *Bus) deliver(ctx context.Context, msg Message) {
	b.mu.Lock()
	receiver, ok := b.receivers[msg.ReceiverID]
	b.mu.Unlock()

	var err error
	if !ok {
		err = fmt.Errorf("receiver %q: %w", msg.ReceiverID, ErrReceiverNotFound)
	} else {
		cb := b.breakers.get(msg.ReceiverID)
		dctx, cancel := context.WithTimeout(ctx, b.cfg.DeliveryTimeout)
		_, err = cb.Execute(func() (interface{}, error) {
			return nil, receiver.Deliver(dctx, msg.Clone())
		})
		cancel()
	}

	if err != nil && ctx.Err() != nil {
		// Shutting down: the attempt does not count
		b.requeue(msg)
		return
	}
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		// The receiver was never called, so hold the message until the
		// breaker admits a trial delivery instead of spending an attempt
		b.hold(msg, err, b.breakers.reopenIn(msg.ReceiverID))
		return
	}
	b.complete(msg, err)
}

// hold puts msg back on the queue without counting a delivery attempt.
func (b *Bus) hold(msg Message, err error, delay time.Duration) {
	if delay < b.cfg.BaseDelay {
		delay = b.cfg.BaseDelay
	}

	b.mu.Lock()
	delete(b.inflight, msg.ReceiverID)
	msg.LastError = err.Error()
	msg.NextAttemptAt = b.now().Add(delay)
	b.enqueue(msg)
	b.mu.Unlock()

	b.logger.Debug("receiver circuit open, holding message",
		zap.String("message_id", msg.ID),
		zap.String("receiver_id", msg.ReceiverID),
		zap.Duration("delay", delay),
	)
	b.signal()
}

func (b *Bus) requeue(msg Message) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.inflight, msg.ReceiverID)
	b.enqueue(msg)
}

func (b *Bus) complete(msg Message, err error) {
	b.mu.Lock()
	delete(b.inflight, msg.ReceiverID)
	msg.DeliveryAttempts++
	observer := b.observer

	if err == nil {
		msg.Status = StatusDelivered
		msg.LastError = ""
		b.stats.Delivered++
		b.mu.Unlock()

		if observer != nil {
			observer.MessageDelivered(msg.Type, msg.DeliveryAttempts)
		}
		b.signal()
		return
	}

	msg.LastError = err.Error()
	delay, retry := b.cfg.RetryDelay(msg.DeliveryAttempts)
	if retry {
		msg.Status = StatusFailed
		msg.NextAttemptAt = b.now().Add(delay)
		b.enqueue(msg)
		b.stats.Retried++
		b.mu.Unlock()

		b.logger.Info("delivery failed, will retry",
			zap.String("message_id", msg.ID),
			zap.String("type", msg.Type),
			zap.String("receiver_id", msg.ReceiverID),
			zap.Int("attempts", msg.DeliveryAttempts),
			zap.Duration("delay", delay),
			zap.Error(err),
		)
		if observer != nil {
			observer.MessageRetried(msg.Type)
		}
		b.signal()
		return
	}

	msg.Status = StatusDeadLettered
	b.deadLetters = append(b.deadLetters, msg.Clone())
	b.stats.DeadLettered++
	onFailure := b.onFailure
	b.mu.Unlock()

	b.logger.Warn("message dead-lettered",
		zap.String("message_id", msg.ID),
		zap.String("type", msg.Type),
		zap.String("receiver_id", msg.ReceiverID),
		zap.Int("attempts", msg.DeliveryAttempts),
		zap.Error(err),
	)
	if observer != nil {
		observer.MessageDeadLettered(msg.Type)
	}
	if onFailure != nil {
		onFailure(&DeliveryFailure{Message: msg, Err: err})
	}
	b.signal()
}

// DeadLetters returns copies of all dead-lettered messages in the order they
// were dead-lettered.
func (b *Bus) DeadLetters() []Message {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]Message, len(b.deadLetters))
	for i, msg := range b.deadLetters {
		out[i] = msg.Clone()
	}
	return out
}

// Pending returns copies of the queued messages, most urgent first.
func (b *Bus) Pending() []Message {
	b.mu.Lock()
	defer b.mu.Unlock()

	items := slices.Clone(b.queue)
	slices.SortFunc(items, compareQueued)
	out := make([]Message, len(items))
	for i, q := range items {
		out[i] = q.msg.Clone()
	}
	return out
}

// Stats returns current counters.
func (b *Bus) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()

	s := b.stats
	s.Receivers = len(b.receivers)
	s.Queued = b.queue.Len()
	s.InFlight = len(b.inflight)
	return s
}

// Receivers returns the registered receiver ids, sorted.
func (b *Bus) Receivers() []string {
	b.mu.Lock()
	defer b.mu.Unlock()

	ids := make([]string, 0, len(b.receivers))
	for id := range b.receivers {
		ids = append(ids, id)
	}
	slices.SortFunc(ids, strings.Compare)
	return ids
}

type queued struct {
	msg Message
	seq uint64
}

// messageQueue orders by priority, then creation time, then enqueue order.
type messageQueue []*queued

func (q messageQueue) Len() int { return len(q) }

func (q messageQueue) Less(i, j int) bool { return compareQueued(q[i], q[j]) < 0 }

func compareQueued(x, y *queued) int {
	if x.msg.Priority != y.msg.Priority {
		return cmp.Compare(x.msg.Priority, y.msg.Priority)
	}
	if c := x.msg.CreatedAt.Compare(y.msg.CreatedAt); c != 0 {
		return c
	}
	return cmp.Compare(x.seq, y.seq)
}

func (q messageQueue) Swap(i, j int) { q[i], q[j] = q[j], q[i] }

func (q *messageQueue) Push(x any) { *q = append(*q, x.(*queued)) }

func (q *messageQueue) Pop() any {
	old := *q
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*q = old[:n-1]
	return item
}
