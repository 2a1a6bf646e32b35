// Package dbtest provides an in-memory db.Transactor for service tests.
package dbtest

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/clinicflow/queue/internal/platform/db"
)

// Snapshotter is an in-memory store that can roll back to a saved state.
type Snapshotter interface {
	Snapshot() (restore func())
}

type txKey struct{}

// Tx serializes transactions with a single mutex and restores every
// participant when fn fails, mirroring commit and rollback. Like
// db.TxManager it re-runs a unit that fails with db.ErrLockConflict, up to
// the configured number of attempts.
type Tx struct {
	mu           sync.Mutex
	participants []Snapshotter
	maxAttempts  int

	countMu   sync.Mutex
	commits   int
	rollbacks int
}

func NewTx(participants ...Snapshotter) *Tx {
	return &Tx{participants: participants, maxAttempts: 1}
}

// SetMaxAttempts enables retries on db.ErrLockConflict.
func (t *Tx) SetMaxAttempts(n int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.maxAttempts = n
}

// Join adds stores created after the Tx.
func (t *Tx) Join(p ...Snapshotter) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.participants = append(t.participants, p...)
}

func (t *Tx) WithinTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if ctx.Value(txKey{}) != nil {
		return fn(ctx)
	}
	t.mu.Lock()
	attempts := t.maxAttempts
	t.mu.Unlock()

	policy := db.RetryPolicy{MaxAttempts: attempts, BaseDelay: time.Millisecond}
	return db.Retry(ctx, policy, zerolog.Nop(), func() error {
		return t.runOnce(ctx, fn)
	})
}

func (t *Tx) runOnce(ctx context.Context, fn func(ctx context.Context) error) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	restores := make([]func(), len(t.participants))
	for i, p := range t.participants {
		restores[i] = p.Snapshot()
	}

	if err := fn(context.WithValue(ctx, txKey{}, true)); err != nil {
		for i := len(restores) - 1; i >= 0; i-- {
			restores[i]()
		}
		t.count(false)
		return err
	}
	t.count(true)
	return nil
}

func (t *Tx) count(committed bool) {
	t.countMu.Lock()
	defer t.countMu.Unlock()
	if committed {
		t.commits++
	} else {
		t.rollbacks++
	}
}

// Counts reports committed and rolled back outermost transactions.
func (t *Tx) Counts() (commits, rollbacks int) {
	t.countMu.Lock()
	defer t.countMu.Unlock()
	return t.commits, t.rollbacks
}
