// Package ratelimit implements the composite limiter that guards the
// authentication endpoints: a per-IP daily budget plus two failure budgets,
// one per identifier and one per identifier and IP.
package ratelimit

import (
	"context"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2/expirable"
)

// Counter is a fixed-window counter store.
type Counter interface {
	// Incr adds one to key and returns the new count. The window starts at
	// the first hit and the key expires when it ends.
	Incr(ctx context.Context, key string, window time.Duration) (int64, error)
	// Decr takes back one hit from a key still in its window. Missing keys
	// are left alone.
	Decr(ctx context.Context, key string) error
}

type memEntry struct {
	count   int64
	resetAt time.Time
}

// MemoryCounter keeps counters in process memory. Use it for single-instance
// deployments and tests.
type MemoryCounter struct {
	mu      sync.Mutex
	entries *lru.LRU[string, *memEntry]
	now     func() time.Time
}

const (
	defaultMemoryEntries = 100_000
	maxWindow            = 24 * time.Hour
)

// NewMemoryCounter creates a counter holding at most size keys. Entries also
// leave the cache once the longest window has passed.
func NewMemoryCounter(size int) *MemoryCounter {
	if size <= 0 {
		size = defaultMemoryEntries
	}
	return &MemoryCounter{
		entries: lru.NewLRU[string, *memEntry](size, nil, maxWindow),
		now:     time.Now,
	}
}

func (m *MemoryCounter) Incr(ctx context.Context, key string, window time.Duration) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	e, ok := m.entries.Get(key)
	if !ok || !now.Before(e.resetAt) {
		e = &memEntry{resetAt: now.Add(window)}
		m.entries.Add(key, e)
	}
	e.count++
	return e.count, nil
}

func (m *MemoryCounter) Decr(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries.Peek(key)
	if !ok || !m.now().Before(e.resetAt) || e.count == 0 {
		return nil
	}
	e.count--
	return nil
}
