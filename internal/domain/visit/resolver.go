package visit

import (
	"context"

	"github.com/clinicflow/queue/internal/domain/confirmation"
)

// TokenResolver lets the confirmation gate find the visit behind a raw
// token. Lookups go through the token hash.
type TokenResolver struct {
	visits Repository
}

func NewTokenResolver(visits Repository) *TokenResolver {
	return &TokenResolver{visits: visits}
}

func (r *TokenResolver) ResolveToken(ctx context.Context, token string) (*confirmation.Subject, error) {
	v, err := r.visits.GetByTokenHash(ctx, confirmation.HashToken(token))
	if err != nil {
		return nil, err
	}
	return subjectOf(v), nil
}

func subjectOf(v *Visit) *confirmation.Subject {
	s := &confirmation.Subject{
		VisitID:   v.ID,
		PatientID: v.PatientID,
		Status:    string(v.Status),
		CreatedAt: v.CreatedAt,
		ExpiresAt: v.ConfirmationExpiresAt,
		Phone:     v.Phone,
	}
	if v.TelegramID != nil {
		s.TelegramID = *v.TelegramID
	}
	return s
}
