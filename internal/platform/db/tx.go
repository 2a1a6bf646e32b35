package db

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
)

// ErrLockConflict marks a transaction that lost a row lock or serialization
// race. The whole unit of work is safe to re-run.
var ErrLockConflict = errors.New("db: lock conflict")

// Postgres error codes treated as lock conflicts.
const (
	codeLockNotAvailable     = "55P03"
	codeSerializationFailure = "40001"
	codeDeadlockDetected     = "40P01"
	codeUniqueViolation      = "23505"
)

type txKey struct{}

// Querier is the subset of pgx shared by pools, pooled connections and
// transactions.
type Querier interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
}

// Transactor runs fn inside a single database transaction. Nested calls join
// the outer transaction.
type Transactor interface {
	WithinTx(ctx context.Context, fn func(ctx context.Context) error) error
}

// TxFromContext returns the transaction bound to ctx, if any.
func TxFromContext(ctx context.Context) pgx.Tx {
	tx, _ := ctx.Value(txKey{}).(pgx.Tx)
	return tx
}

// Conn picks the most specific handle for ctx: the open transaction, then the
// tenant-scoped connection, then the pool.
func Conn(ctx context.Context, pool *pgxpool.Pool) Querier {
	if tx := TxFromContext(ctx); tx != nil {
		return tx
	}
	if c := ConnFromContext(ctx); c != nil {
		return c
	}
	return pool
}

// TxManager implements Transactor on a pgx pool and retries the outermost
// transaction with exponential backoff when it fails with ErrLockConflict.
type TxManager struct {
	pool        *pgxpool.Pool
	maxAttempts int
	baseDelay   time.Duration
	logger      zerolog.Logger
}

func NewTxManager(pool *pgxpool.Pool, maxAttempts int, logger zerolog.Logger) *TxManager {
	if maxAttempts <= 0 {
		maxAttempts = 1
	}
	return &TxManager{
		pool:        pool,
		maxAttempts: maxAttempts,
		baseDelay:   20 * time.Millisecond,
		logger:      logger,
	}
}

func (m *TxManager) WithinTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if TxFromContext(ctx) != nil {
		return fn(ctx)
	}
	return Retry(ctx, RetryPolicy{MaxAttempts: m.maxAttempts, BaseDelay: m.baseDelay}, m.logger, func() error {
		return m.runOnce(ctx, fn)
	})
}

// RetryPolicy bounds how often Retry re-runs a unit of work.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
}

// Retry runs op until it succeeds, fails with an error other than
// ErrLockConflict, or uses up MaxAttempts. Attempts are spaced by Backoff.
func Retry(ctx context.Context, p RetryPolicy, logger zerolog.Logger, op func() error) error {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 1
	}
	var err error
	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		err = op()
		if err == nil || !errors.Is(err, ErrLockConflict) {
			return err
		}
		if attempt == p.MaxAttempts {
			break
		}
		delay := Backoff(p.BaseDelay, attempt)
		logger.Warn().Err(err).Int("attempt", attempt).Dur("backoff", delay).Msg("transaction lock conflict, retrying")
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return err
}

func (m *TxManager) runOnce(ctx context.Context, fn func(ctx context.Context) error) error {
	var (
		tx  pgx.Tx
		err error
	)
	if c := ConnFromContext(ctx); c != nil {
		tx, err = c.Begin(ctx)
	} else {
		tx, err = m.pool.Begin(ctx)
	}
	if err != nil {
		return fmt.Errorf("begin transaction: %w", ClassifyError(err))
	}
	defer tx.Rollback(ctx)

	if err := fn(context.WithValue(ctx, txKey{}, tx)); err != nil {
		return ClassifyError(err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit transaction: %w", ClassifyError(err))
	}
	return nil
}

// Backoff returns base*2^(attempt-1) plus up to 50% jitter.
func Backoff(base time.Duration, attempt int) time.Duration {
	d := base << (attempt - 1)
	return d + time.Duration(rand.Int63n(int64(d)/2+1))
}

// ClassifyError wraps Postgres lock, serialization and deadlock failures with
// ErrLockConflict so callers can decide to retry.
func ClassifyError(err error) error {
	if err == nil || errors.Is(err, ErrLockConflict) {
		return err
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case codeLockNotAvailable, codeSerializationFailure, codeDeadlockDetected:
			return fmt.Errorf("%w: %w", ErrLockConflict, err)
		}
	}
	return err
}

// IsUniqueViolation reports whether err is a Postgres unique constraint failure.
func IsUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == codeUniqueViolation
}
