package db

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/rs/zerolog"
)

func TestClassifyError(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		conflict bool
	}{
		{"lock not available", &pgconn.PgError{Code: "55P03"}, true},
		{"serialization failure", &pgconn.PgError{Code: "40001"}, true},
		{"deadlock", fmt.Errorf("update: %w", &pgconn.PgError{Code: "40P01"}), true},
		{"unique violation", &pgconn.PgError{Code: "23505"}, false},
		{"plain error", errors.New("boom"), false},
		{"already classified", fmt.Errorf("%w: x", ErrLockConflict), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := errors.Is(ClassifyError(tt.err), ErrLockConflict)
			if got != tt.conflict {
				t.Errorf("ClassifyError(%v) conflict = %v, want %v", tt.err, got, tt.conflict)
			}
		})
	}

	if ClassifyError(nil) != nil {
		t.Error("expected nil for nil error")
	}
}

func TestIsUniqueViolation(t *testing.T) {
	if !IsUniqueViolation(fmt.Errorf("insert: %w", &pgconn.PgError{Code: "23505"})) {
		t.Error("expected wrapped 23505 to be a unique violation")
	}
	if IsUniqueViolation(errors.New("nope")) {
		t.Error("expected plain error not to be a unique violation")
	}
}

func TestBackoff_Grows(t *testing.T) {
	base := 10 * time.Millisecond
	for attempt := 1; attempt <= 4; attempt++ {
		d := Backoff(base, attempt)
		min := base << (attempt - 1)
		max := min + min/2
		if d < min || d > max {
			t.Errorf("attempt %d: backoff %s outside [%s, %s]", attempt, d, min, max)
		}
	}
}

func TestTxFromContext_Nil(t *testing.T) {
	if tx := TxFromContext(context.Background()); tx != nil {
		t.Error("expected nil tx from empty context")
	}
	ctx := context.WithValue(context.Background(), txKey{}, "not-a-tx")
	if tx := TxFromContext(ctx); tx != nil {
		t.Error("expected nil when context value is wrong type")
	}
}

func TestNewTxManager_ClampsAttempts(t *testing.T) {
	m := NewTxManager(nil, 0, zerolog.Nop())
	if m.maxAttempts != 1 {
		t.Errorf("expected maxAttempts clamped to 1, got %d", m.maxAttempts)
	}
}

func TestClassifyError_KeepsPgError(t *testing.T) {
	err := ClassifyError(fmt.Errorf("select: %w", &pgconn.PgError{Code: "40001", Message: "could not serialize"}))
	if !errors.Is(err, ErrLockConflict) {
		t.Fatalf("expected lock conflict, got %v", err)
	}
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) || pgErr.Code != "40001" {
		t.Errorf("expected the Postgres error to stay in the chain, got %v", err)
	}
}

func TestRetry(t *testing.T) {
	conflict := fmt.Errorf("%w: row busy", ErrLockConflict)
	boom := errors.New("boom")

	tests := []struct {
		name     string
		attempts int
		failures []error
		wantErr  error
		wantRuns int
	}{
		{"succeeds first time", 3, nil, nil, 1},
		{"recovers after conflicts", 3, []error{conflict, conflict}, nil, 3},
		{"gives up after max attempts", 3, []error{conflict, conflict, conflict, conflict}, ErrLockConflict, 3},
		{"other errors are not retried", 3, []error{boom}, boom, 1},
		{"conflict then other error", 3, []error{conflict, boom}, boom, 2},
		{"zero attempts runs once", 0, []error{conflict}, ErrLockConflict, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			runs := 0
			err := Retry(context.Background(), RetryPolicy{MaxAttempts: tt.attempts, BaseDelay: time.Millisecond}, zerolog.Nop(), func() error {
				runs++
				if runs <= len(tt.failures) {
					return tt.failures[runs-1]
				}
				return nil
			})
			if tt.wantErr == nil && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
				t.Fatalf("expected %v, got %v", tt.wantErr, err)
			}
			if runs != tt.wantRuns {
				t.Errorf("expected %d runs, got %d", tt.wantRuns, runs)
			}
		})
	}
}

func TestRetry_BacksOffBetweenAttempts(t *testing.T) {
	var stamps []time.Time
	base := 20 * time.Millisecond
	_ = Retry(context.Background(), RetryPolicy{MaxAttempts: 3, BaseDelay: base}, zerolog.Nop(), func() error {
		stamps = append(stamps, time.Now())
		return ErrLockConflict
	})
	if len(stamps) != 3 {
		t.Fatalf("expected 3 attempts, got %d", len(stamps))
	}
	for i := 1; i < len(stamps); i++ {
		min := base << (i - 1)
		if gap := stamps[i].Sub(stamps[i-1]); gap < min {
			t.Errorf("attempt %d started %s after the previous one, want at least %s", i+1, gap, min)
		}
	}
}

func TestRetry_StopsWhenContextDone(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	runs := 0
	err := Retry(ctx, RetryPolicy{MaxAttempts: 5, BaseDelay: time.Hour}, zerolog.Nop(), func() error {
		runs++
		cancel()
		return ErrLockConflict
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if runs != 1 {
		t.Errorf("expected a single run, got %d", runs)
	}
}

// outerTx stands in for an open transaction; calling any method panics.
type outerTx struct{ pgx.Tx }

func TestTxManager_JoinsOuterTransaction(t *testing.T) {
	m := NewTxManager(nil, 3, zerolog.Nop())
	outer := outerTx{}
	ctx := context.WithValue(context.Background(), txKey{}, pgx.Tx(outer))

	runs := 0
	err := m.WithinTx(ctx, func(ctx context.Context) error {
		runs++
		if TxFromContext(ctx) != pgx.Tx(outer) {
			t.Error("expected the outer transaction in context")
		}
		return ErrLockConflict
	})
	if !errors.Is(err, ErrLockConflict) {
		t.Fatalf("expected the error to pass through, got %v", err)
	}
	if runs != 1 {
		t.Errorf("nested calls must not retry on their own, got %d runs", runs)
	}
}
