package gateway

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestIdempotencyStoreInMemoryRoundTrip(t *testing.T) {
	store := newIdempotencyStore(nil, time.Hour)
	ctx := context.Background()

	_, ok := store.lookup(ctx, "key-1")
	assert.False(t, ok)

	store.record(ctx, "key-1", "pid-1")
	pid, ok := store.lookup(ctx, "key-1")
	assert.True(t, ok)
	assert.Equal(t, "pid-1", pid)
}

func TestIdempotencyStoreEmptyKeyNeverMatches(t *testing.T) {
	store := newIdempotencyStore(nil, time.Hour)
	store.record(context.Background(), "", "pid-1")

	_, ok := store.lookup(context.Background(), "")
	assert.False(t, ok, "an empty idempotency key is never stored or matched")
}

func TestIdempotencyStoreExpiresAfterTTL(t *testing.T) {
	store := newIdempotencyStore(nil, 10*time.Millisecond)
	store.record(context.Background(), "key-1", "pid-1")

	time.Sleep(20 * time.Millisecond)
	_, ok := store.lookup(context.Background(), "key-1")
	assert.False(t, ok, "an entry past its ttl is no longer returned")
}

func TestIdempotencyStoreDefaultsTTLWhenNonPositive(t *testing.T) {
	store := newIdempotencyStore(nil, 0)
	assert.Equal(t, 24*time.Hour, store.ttl)
}

type fakeIdempotencyBackend struct {
	data map[string]string
}

func (b *fakeIdempotencyBackend) Set(ctx context.Context, key, pid string, ttl time.Duration) error {
	b.data[key] = pid
	return nil
}

func (b *fakeIdempotencyBackend) Get(ctx context.Context, key string) (string, error) {
	return b.data[key], nil
}

func TestIdempotencyStoreDelegatesToBackend(t *testing.T) {
	backend := &fakeIdempotencyBackend{data: make(map[string]string)}
	store := newIdempotencyStore(backend, time.Hour)

	store.record(context.Background(), "key-1", "pid-1")
	pid, ok := store.lookup(context.Background(), "key-1")
	assert.True(t, ok)
	assert.Equal(t, "pid-1", pid)
}
