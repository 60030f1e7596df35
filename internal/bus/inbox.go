package bus

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// DedupStore remembers which message ids a receiver already processed.
type DedupStore interface {
	// MarkSeen records key and reports whether this is the first time it was seen.
	MarkSeen(ctx context.Context, key string) (bool, error)
	// Forget removes key so a later redelivery is processed again.
	Forget(ctx context.Context, key string) error
}

// Handler processes a message exactly once per id, as far as the DedupStore remembers.
type Handler func(ctx context.Context, msg Message) error

// Inbox wraps a Handler with duplicate suppression and implements Receiver.
// A redelivered message whose id was already handled successfully is
// acknowledged without calling the handler again.
type Inbox struct {
	owner      string
	store      DedupStore
	handler    Handler
	logger     *zap.Logger
	duplicates atomic.Uint64
}

// NewInbox creates an inbox for the receiver owner. Keys are scoped by owner so
// one store can back many receivers.
func NewInbox(owner string, store DedupStore, handler Handler, logger *zap.Logger) *Inbox {
	if store == nil {
		store = NewMemoryDedup(0)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Inbox{
		owner:   owner,
		store:   store,
		handler: handler,
		logger:  logger.With(zap.String("component", "inbox"), zap.String("receiver_id", owner)),
	}
}

// Deliver implements Receiver.
func (i *Inbox) Deliver(ctx context.Context, msg Message) error {
	key := i.owner + ":" + msg.ID

	first, err := i.store.MarkSeen(ctx, key)
	if err != nil {
		return fmt.Errorf("dedup check for message %s: %w", msg.ID, err)
	}
	if !first {
		i.duplicates.Add(1)
		i.logger.Debug("duplicate message acknowledged", zap.String("message_id", msg.ID), zap.String("type", msg.Type))
		return nil
	}

	if err := i.handler(ctx, msg); err != nil {
		if ferr := i.store.Forget(context.WithoutCancel(ctx), key); ferr != nil {
			i.logger.Warn("failed to forget message after handler error",
				zap.String("message_id", msg.ID),
				zap.Error(ferr),
			)
		}
		return err
	}
	return nil
}

// Duplicates returns how many redeliveries were suppressed.
func (i *Inbox) Duplicates() uint64 {
	return i.duplicates.Load()
}

// MemoryDedup is an in-process DedupStore with optional expiry.
type MemoryDedup struct {
	mu   sync.Mutex
	ttl  time.Duration
	seen map[string]time.Time // key -> expiry, zero for never
	now  func() time.Time
}

// NewMemoryDedup creates a store. A ttl of zero keeps keys forever.
func NewMemoryDedup(ttl time.Duration) *MemoryDedup {
	return &MemoryDedup{
		ttl:  ttl,
		seen: make(map[string]time.Time),
		now:  time.Now,
	}
}

// MarkSeen implements DedupStore.
func (m *MemoryDedup) MarkSeen(_ context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	if expiry, ok := m.seen[key]; ok && (expiry.IsZero() || now.Before(expiry)) {
		return false, nil
	}

	var expiry time.Time
	if m.ttl > 0 {
		expiry = now.Add(m.ttl)
	}
	m.seen[key] = expiry
	return true, nil
}

// Forget implements DedupStore.
func (m *MemoryDedup) Forget(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.seen, key)
	return nil
}

// Purge drops expired keys and returns how many were removed.
func (m *MemoryDedup) Purge() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	removed := 0
	for key, expiry := range m.seen {
		if !expiry.IsZero() && !now.Before(expiry) {
			delete(m.seen, key)
			removed++
		}
	}
	return removed
}
