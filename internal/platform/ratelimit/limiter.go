// Package ratelimit keeps sliding attempt counters and temporary blocks shared
// across API instances.
package ratelimit

import (
	"context"
	"time"
)

// Counter is the state of one fixed window: how many hits were recorded and
// when the window opened.
type Counter struct {
	Count int
	Since time.Time
}

// Limiter counts hits per key within a window and holds temporary blocks.
type Limiter interface {
	// Increment records a hit and returns the updated window. A fresh window
	// starts when the previous one has expired.
	Increment(ctx context.Context, key string, window time.Duration) (Counter, error)
	// Peek returns the current window without recording a hit.
	Peek(ctx context.Context, key string) (Counter, error)
	// Block marks key as blocked for ttl.
	Block(ctx context.Context, key string, ttl time.Duration) error
	// BlockedFor returns the remaining block time, or zero when not blocked.
	BlockedFor(ctx context.Context, key string) (time.Duration, error)
}
