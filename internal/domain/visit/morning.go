package visit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/clinicflow/queue/internal/domain/queue"
	"github.com/clinicflow/queue/internal/platform/apperr"
)

// AssignmentFailure is one visit the morning assignment could not queue.
type AssignmentFailure struct {
	VisitID uuid.UUID `json:"visit_id"`
	Code    string    `json:"code"`
	Error   string    `json:"error"`
}

// AssignmentReport summarizes one morning assignment run.
type AssignmentReport struct {
	Day       time.Time           `json:"day"`
	Processed int                 `json:"processed"`
	Assigned  int                 `json:"assigned"`
	Skipped   int                 `json:"skipped"`
	Failed    int                 `json:"failed"`
	Failures  []AssignmentFailure `json:"failures,omitempty"`
}

var errNotConfirmed = errors.New("visit is no longer confirmed")

// RunMorningAssignment queues every visit confirmed for today, earliest
// confirmation first, and opens it. Each visit commits on its own; a failure
// is reported and the run moves on. Visits already opened are not selected,
// so running it twice is harmless.
func (s *Service) RunMorningAssignment(ctx context.Context) (*AssignmentReport, error) {
	day := s.today()
	visits, err := s.visits.ListConfirmedForDay(ctx, day)
	if err != nil {
		return nil, fmt.Errorf("list confirmed visits: %w", err)
	}

	report := &AssignmentReport{Day: day}
	for _, listed := range visits {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		report.Processed++

		admitted, err := s.assignOne(ctx, listed.ID)
		switch {
		case errors.Is(err, errNotConfirmed):
			report.Skipped++
		case err != nil:
			report.Failed++
			code := "internal_error"
			var ae *apperr.Error
			if errors.As(err, &ae) && ae.Code != "" {
				code = ae.Code
			}
			report.Failures = append(report.Failures, AssignmentFailure{VisitID: listed.ID, Code: code, Error: err.Error()})
			s.logger.Error().Err(err).Str("visit_id", listed.ID.String()).Msg("morning assignment failed for visit")
		default:
			report.Assigned++
			s.notifyQueued(ctx, admitted)
		}
	}

	s.logger.Info().
		Time("day", day).
		Int("processed", report.Processed).
		Int("assigned", report.Assigned).
		Int("skipped", report.Skipped).
		Int("failed", report.Failed).
		Msg("morning assignment finished")
	return report, nil
}

func (s *Service) assignOne(ctx context.Context, id uuid.UUID) ([]*queue.AdmitResult, error) {
	var admitted []*queue.AdmitResult
	err := s.tx.WithinTx(ctx, func(ctx context.Context) error {
		v, err := s.visits.GetForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if v.Status != StatusConfirmed {
			return errNotConfirmed
		}
		admitted, err = s.admit(ctx, v, queue.SourceMorningAssignment)
		if err != nil {
			return err
		}
		v.Status = StatusOpen
		if err := s.visits.Update(ctx, v); err != nil {
			return fmt.Errorf("update visit: %w", err)
		}
		return nil
	})
	return admitted, err
}
