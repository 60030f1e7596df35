package bus

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestRedis(t *testing.T) (*miniredis.Miniredis, *RedisDedup) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	return mr, NewRedisDedup(client, "test:", time.Minute, nil)
}

func TestDedupStores(t *testing.T) {
	stores := map[string]func(t *testing.T) DedupStore{
		"memory": func(*testing.T) DedupStore { return NewMemoryDedup(0) },
		"redis": func(t *testing.T) DedupStore {
			_, store := setupTestRedis(t)
			return store
		},
	}

	for name, newStore := range stores {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			store := newStore(t)

			first, err := store.MarkSeen(ctx, "agent:m1")
			require.NoError(t, err)
			assert.True(t, first)

			first, err = store.MarkSeen(ctx, "agent:m1")
			require.NoError(t, err)
			assert.False(t, first)

			first, err = store.MarkSeen(ctx, "other:m1")
			require.NoError(t, err)
			assert.True(t, first, "keys are independent")

			require.NoError(t, store.Forget(ctx, "agent:m1"))
			first, err = store.MarkSeen(ctx, "agent:m1")
			require.NoError(t, err)
			assert.True(t, first, "forgotten keys are processed again")
		})
	}
}

func TestRedisDedupExpiry(t *testing.T) {
	mr, store := setupTestRedis(t)
	ctx := context.Background()

	require.NoError(t, store.Ping(ctx))

	_, err := store.MarkSeen(ctx, "agent:m1")
	require.NoError(t, err)
	assert.True(t, mr.Exists("test:agent:m1"))

	mr.FastForward(2 * time.Minute)
	first, err := store.MarkSeen(ctx, "agent:m1")
	require.NoError(t, err)
	assert.True(t, first)
}

func TestRedisDedupUnavailable(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	t.Cleanup(func() { _ = client.Close() })
	store := NewRedisDedup(client, "", 0, nil)
	mr.Close()

	inbox := NewInbox("agent", store, func(context.Context, Message) error { return nil }, nil)
	err = inbox.Deliver(context.Background(), Message{ID: "m1", Type: "t"})
	assert.Error(t, err, "an unreachable store fails the attempt so the bus retries it")
}

func TestMemoryDedupExpiry(t *testing.T) {
	store := NewMemoryDedup(time.Minute)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	store.now = func() time.Time { return now }
	ctx := context.Background()

	_, _ = store.MarkSeen(ctx, "a")
	_, _ = store.MarkSeen(ctx, "b")

	now = now.Add(30 * time.Second)
	first, _ := store.MarkSeen(ctx, "a")
	assert.False(t, first)

	now = now.Add(31 * time.Second)
	assert.Equal(t, 2, store.Purge())

	first, _ = store.MarkSeen(ctx, "a")
	assert.True(t, first)
}

func TestInboxForgetsFailedMessages(t *testing.T) {
	var handled []string
	fail := true
	inbox := NewInbox("agent", nil, func(_ context.Context, msg Message) error {
		handled = append(handled, msg.ID)
		if fail {
			return errors.New("not yet")
		}
		return nil
	}, nil)

	ctx := context.Background()
	msg := Message{ID: "m1", Type: TypeTaskAssign}

	require.Error(t, inbox.Deliver(ctx, msg))
	fail = false
	require.NoError(t, inbox.Deliver(ctx, msg))
	require.NoError(t, inbox.Deliver(ctx, msg))

	assert.Equal(t, []string{"m1", "m1"}, handled)
	assert.Equal(t, uint64(1), inbox.Duplicates())
}
