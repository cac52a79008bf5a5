package gateway

import (
	"context"
	"sync"
	"time"
)

// idempotencyBackend is the persistence contract an idempotency store can
// delegate to; a Redis-backed implementation lets submit deduplication
// survive a gateway restart.
type idempotencyBackend interface {
	Set(ctx context.Context, key string, pid string, ttl time.Duration) error
	Get(ctx context.Context, key string) (string, error)
}

type idempotencyEntry struct {
	pid       string
	createdAt time.Time
}

// idempotencyStore deduplicates SubmitRequest calls carrying the same
// Idempotency-Key header within ttl, returning the PID the first call
// produced rather than admitting a second, identical request.
type idempotencyStore struct {
	backend idempotencyBackend
	ttl     time.Duration
	mu      sync.Mutex
	cache   map[string]idempotencyEntry
}

func newIdempotencyStore(backend idempotencyBackend, ttl time.Duration) *idempotencyStore {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &idempotencyStore{
		backend: backend,
		ttl:     ttl,
		cache:   make(map[string]idempotencyEntry),
	}
}

func (s *idempotencyStore) lookup(ctx context.Context, key string) (string, bool) {
	if key == "" {
		return "", false
	}
	if s.backend != nil {
		pid, err := s.backend.Get(ctx, key)
		if err != nil || pid == "" {
			return "", false
		}
		return pid, true
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.cache[key]
	if !ok {
		return "", false
	}
	if time.Since(entry.createdAt) > s.ttl {
		delete(s.cache, key)
		return "", false
	}
	return entry.pid, true
}

func (s *idempotencyStore) record(ctx context.Context, key, pid string) {
	if key == "" {
		return
	}
	if s.backend != nil {
		_ = s.backend.Set(ctx, key, pid, s.ttl)
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cache[key] = idempotencyEntry{pid: pid, createdAt: time.Now()}
}
