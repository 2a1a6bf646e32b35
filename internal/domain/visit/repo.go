package visit

import (
	"context"
	"time"

	"github.com/google/uuid"
)

type Filter struct {
	Day    *time.Time
	Status *Status
}

type Repository interface {
	Create(ctx context.Context, v *Visit, lines []ServiceLine) error
	GetByID(ctx context.Context, id uuid.UUID) (*Visit, error)
	GetForUpdate(ctx context.Context, id uuid.UUID) (*Visit, error)
	GetByTokenHash(ctx context.Context, hash string) (*Visit, error)
	Update(ctx context.Context, v *Visit) error
	Lines(ctx context.Context, visitID uuid.UUID) ([]ServiceLine, error)
	// ListConfirmedForDay returns confirmed visits for day, earliest
	// confirmation first.
	ListConfirmedForDay(ctx context.Context, day time.Time) ([]*Visit, error)
	// ExpirePendingTokens moves pending visits whose token lapsed before now
	// to expired and clears the token.
	ExpirePendingTokens(ctx context.Context, now time.Time) (int64, error)
	List(ctx context.Context, f Filter, limit, offset int) ([]*Visit, int, error)
}

// ClinicalRecordChecker reports whether a visit has a finalized clinical
// record. Drafts do not count.
type ClinicalRecordChecker interface {
	HasFinalRecord(ctx context.Context, visitID uuid.UUID) (bool, error)
}
