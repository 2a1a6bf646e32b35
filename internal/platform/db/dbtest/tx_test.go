package dbtest

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/clinicflow/queue/internal/platform/db"
)

type counterStore struct{ n int }

func (s *counterStore) Snapshot() func() {
	saved := s.n
	return func() { s.n = saved }
}

func TestTx_RollsBackOnError(t *testing.T) {
	s := &counterStore{}
	tx := NewTx(s)

	err := tx.WithinTx(context.Background(), func(ctx context.Context) error {
		s.n = 5
		return errors.New("boom")
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if s.n != 0 {
		t.Errorf("expected rollback to 0, got %d", s.n)
	}
	if c, r := tx.Counts(); c != 0 || r != 1 {
		t.Errorf("expected 0 commits 1 rollback, got %d/%d", c, r)
	}
}

func TestTx_NestedJoinsOuter(t *testing.T) {
	s := &counterStore{}
	tx := NewTx(s)

	err := tx.WithinTx(context.Background(), func(ctx context.Context) error {
		return tx.WithinTx(ctx, func(ctx context.Context) error {
			s.n = 3
			return nil
		})
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if s.n != 3 {
		t.Errorf("expected 3, got %d", s.n)
	}
	if c, _ := tx.Counts(); c != 1 {
		t.Errorf("expected one outer commit, got %d", c)
	}
}

func TestTx_RetriesLockConflicts(t *testing.T) {
	s := &counterStore{}
	tx := NewTx(s)
	tx.SetMaxAttempts(3)

	runs := 0
	err := tx.WithinTx(context.Background(), func(ctx context.Context) error {
		runs++
		s.n += 10
		if runs < 3 {
			return fmt.Errorf("%w: busy", db.ErrLockConflict)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if runs != 3 {
		t.Errorf("expected 3 runs, got %d", runs)
	}
	if s.n != 10 {
		t.Errorf("expected failed attempts rolled back, got %d", s.n)
	}
	if c, r := tx.Counts(); c != 1 || r != 2 {
		t.Errorf("expected 1 commit 2 rollbacks, got %d/%d", c, r)
	}
}

func TestTx_SingleAttemptByDefault(t *testing.T) {
	tx := NewTx(&counterStore{})
	runs := 0
	err := tx.WithinTx(context.Background(), func(ctx context.Context) error {
		runs++
		return db.ErrLockConflict
	})
	if !errors.Is(err, db.ErrLockConflict) {
		t.Fatalf("expected lock conflict, got %v", err)
	}
	if runs != 1 {
		t.Errorf("expected one run, got %d", runs)
	}
}
