package ratelimit

import (
	"context"
	"sync"
	"time"
)

// MemoryLimiter is a process-local Limiter for development without Redis and
// for tests that need a controllable clock.
type MemoryLimiter struct {
	mu       sync.Mutex
	now      func() time.Time
	counters map[string]*memCounter
	blocks   map[string]time.Time
}

type memCounter struct {
	Counter
	expires time.Time
}

func NewMemoryLimiter(now func() time.Time) *MemoryLimiter {
	if now == nil {
		now = time.Now
	}
	return &MemoryLimiter{
		now:      now,
		counters: make(map[string]*memCounter),
		blocks:   make(map[string]time.Time),
	}
}

func (l *MemoryLimiter) Increment(_ context.Context, key string, window time.Duration) (Counter, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	c, ok := l.counters[key]
	if !ok || !now.Before(c.expires) {
		c = &memCounter{Counter: Counter{Since: now}, expires: now.Add(window)}
		l.counters[key] = c
	}
	c.Count++
	return c.Counter, nil
}

func (l *MemoryLimiter) Peek(_ context.Context, key string) (Counter, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	c, ok := l.counters[key]
	if !ok || !l.now().Before(c.expires) {
		return Counter{}, nil
	}
	return c.Counter, nil
}

func (l *MemoryLimiter) Block(_ context.Context, key string, ttl time.Duration) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.blocks[key] = l.now().Add(ttl)
	return nil
}

func (l *MemoryLimiter) BlockedFor(_ context.Context, key string) (time.Duration, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	until, ok := l.blocks[key]
	if !ok {
		return 0, nil
	}
	remaining := until.Sub(l.now())
	if remaining <= 0 {
		delete(l.blocks, key)
		return 0, nil
	}
	return remaining, nil
}
