package queue

import (
	"context"
	"time"

	"github.com/google/uuid"
)

type QueueRepository interface {
	// GetOrCreate returns the queue for q's key, inserting q when none exists.
	GetOrCreate(ctx context.Context, q *DailyQueue) (*DailyQueue, error)
	Find(ctx context.Context, key Key) (*DailyQueue, error)
	GetByID(ctx context.Context, id uuid.UUID) (*DailyQueue, error)
	// Lock reads the queue row FOR UPDATE. Must run inside a transaction.
	Lock(ctx context.Context, id uuid.UUID) (*DailyQueue, error)
	SetLastNumber(ctx context.Context, id uuid.UUID, n int) error
	// MarkOpened stamps the first reception opening and keeps it on repeats.
	MarkOpened(ctx context.Context, id uuid.UUID, at time.Time, by string) (*DailyQueue, error)
	ListByDay(ctx context.Context, day time.Time, limit, offset int) ([]*DailyQueue, int, error)
	DeleteBefore(ctx context.Context, day time.Time) (int64, error)
}

type EntryRepository interface {
	Create(ctx context.Context, e *Entry) error
	GetByID(ctx context.Context, id uuid.UUID) (*Entry, error)
	GetForUpdate(ctx context.Context, id uuid.UUID) (*Entry, error)
	Update(ctx context.Context, e *Entry) error
	MaxNumber(ctx context.Context, queueID uuid.UUID) (int, error)
	FindActiveByPhone(ctx context.Context, queueID uuid.UUID, phone string) (*Entry, error)
	FindActiveByVisit(ctx context.Context, queueID, visitID uuid.UUID) (*Entry, error)
	CountActive(ctx context.Context, queueID uuid.UUID, source Source) (int, error)
	ListByQueue(ctx context.Context, queueID uuid.UUID, statuses []EntryStatus, limit, offset int) ([]*Entry, int, error)
	ListActiveByVisit(ctx context.Context, visitID uuid.UUID) ([]*Entry, error)
}

type TokenRepository interface {
	Create(ctx context.Context, t *Token) error
	Get(ctx context.Context, token string) (*Token, error)
	Revoke(ctx context.Context, token string, at time.Time) error
	ListActive(ctx context.Context, specialistID *uuid.UUID, now time.Time, limit, offset int) ([]*Token, int, error)
	DeleteExpired(ctx context.Context, before time.Time) (int64, error)
}

type SessionRepository interface {
	Create(ctx context.Context, s *JoinSession) error
	Get(ctx context.Context, token string) (*JoinSession, error)
	GetForUpdate(ctx context.Context, token string) (*JoinSession, error)
	Update(ctx context.Context, s *JoinSession) error
	ExpirePending(ctx context.Context, now time.Time) (int64, error)
}

// SpecialistDirectory resolves display names for specialists.
type SpecialistDirectory interface {
	SpecialistName(ctx context.Context, id uuid.UUID) (string, error)
}
