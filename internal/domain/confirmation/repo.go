package confirmation

import (
	"context"

	"github.com/google/uuid"
)

type EventRepository interface {
	Append(ctx context.Context, e *SecurityEvent) error
	List(ctx context.Context, visitID *uuid.UUID, limit, offset int) ([]*SecurityEvent, int, error)
}

// SubjectResolver looks up the visit behind a confirmation token.
type SubjectResolver interface {
	ResolveToken(ctx context.Context, token string) (*Subject, error)
}
