package queue

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/clinicflow/queue/internal/platform/apperr"
	"github.com/clinicflow/queue/internal/platform/db"
)

// Service exposes staff operations on daily queues and their entries.
type Service struct {
	queues      QueueRepository
	entries     EntryRepository
	registry    *Registry
	specialists SpecialistDirectory
	tx          db.Transactor
	notifier    Notifier
	loc         *time.Location
	logger      zerolog.Logger
	now         func() time.Time
}

func NewService(queues QueueRepository, entries EntryRepository, registry *Registry,
	specialists SpecialistDirectory, tx db.Transactor, notifier Notifier,
	loc *time.Location, logger zerolog.Logger) *Service {
	if loc == nil {
		loc = time.UTC
	}
	return &Service{
		queues:      queues,
		entries:     entries,
		registry:    registry,
		specialists: specialists,
		tx:          tx,
		notifier:    notifier,
		loc:         loc,
		logger:      logger,
		now:         time.Now,
	}
}

// SetClock overrides the time source.
func (s *Service) SetClock(now func() time.Time) {
	s.now = now
}

// Today returns the current clinic day.
func (s *Service) Today() time.Time {
	return DayOf(s.now(), s.loc)
}

func (s *Service) GetQueue(ctx context.Context, id uuid.UUID) (*DailyQueue, error) {
	return s.queues.GetByID(ctx, id)
}

func (s *Service) ListQueues(ctx context.Context, day time.Time, limit, offset int) ([]*DailyQueue, int, error) {
	if day.IsZero() {
		day = s.Today()
	}
	return s.queues.ListByDay(ctx, day, limit, offset)
}

// OpenQueue returns the queue for key, creating it if needed.
func (s *Service) OpenQueue(ctx context.Context, key Key) (*DailyQueue, error) {
	if key.Day.IsZero() {
		key.Day = s.Today()
	}
	return s.registry.GetOrCreate(ctx, key)
}

// OpenReception records that the desk started serving the queue. Online
// self-registration closes from then on. Repeated calls keep the first
// timestamp.
func (s *Service) OpenReception(ctx context.Context, queueID uuid.UUID, actor string) (*DailyQueue, error) {
	q, err := s.queues.MarkOpened(ctx, queueID, s.now().UTC(), actor)
	if err != nil {
		return nil, err
	}
	s.logger.Info().Str("queue_id", q.ID.String()).Str("opened_by", derefStr(q.OpenedBy)).Msg("reception opened")
	return q, nil
}

// DeskAdmission is a walk-in registered by the registrar.
type DeskAdmission struct {
	SpecialistID uuid.UUID  `json:"specialist_id"`
	Department   string     `json:"department"`
	Day          *time.Time `json:"day,omitempty"`
	PatientID    *uuid.UUID `json:"patient_id,omitempty"`
	PatientName  string     `json:"patient_name"`
	Phone        string     `json:"phone"`
	TelegramID   string     `json:"telegram_id"`
	ServiceID    *uuid.UUID `json:"service_id,omitempty"`
	VisitID      *uuid.UUID `json:"visit_id,omitempty"`
	Amount       int64      `json:"amount"`
}

// AdmitAtDesk admits a walk-in. The admission window does not apply, but an
// inactive queue refuses new entries and a phone already waiting in the queue
// gets its existing entry back.
func (s *Service) AdmitAtDesk(ctx context.Context, in DeskAdmission) (*AdmitResult, error) {
	if in.Amount < 0 {
		return nil, apperr.Validation("amount must not be negative")
	}
	day := s.Today()
	if in.Day != nil {
		day = DayOf(*in.Day, time.UTC)
	}
	phone := NormalizePhone(in.Phone)

	return s.registry.Admit(ctx, AdmitRequest{
		Key:         Key{Day: day, SpecialistID: in.SpecialistID, QueueTag: strings.TrimSpace(in.Department)},
		PatientID:   in.PatientID,
		PatientName: strings.TrimSpace(in.PatientName),
		Phone:       phone,
		TelegramID:  strPtr(strings.TrimSpace(in.TelegramID)),
		VisitID:     in.VisitID,
		ServiceID:   in.ServiceID,
		Amount:      in.Amount,
		Source:      SourceDesk,
		Priority:    PriorityNormal,
		Guard: func(ctx context.Context, q *DailyQueue) (*Entry, error) {
			if !q.Active {
				return nil, apperr.InvalidState("inactive", "queue is not active")
			}
			if phone == "" {
				return nil, nil
			}
			return s.entries.FindActiveByPhone(ctx, q.ID, phone)
		},
	})
}

func (s *Service) GetEntry(ctx context.Context, id uuid.UUID) (*Entry, error) {
	return s.entries.GetByID(ctx, id)
}

// ListEntries lists a queue in serving order: priority first, then number.
func (s *Service) ListEntries(ctx context.Context, queueID uuid.UUID, statuses []EntryStatus, limit, offset int) ([]*Entry, int, error) {
	return s.entries.ListByQueue(ctx, queueID, statuses, limit, offset)
}

// transition locks an entry, checks it is in one of from, and applies fn.
func (s *Service) transition(ctx context.Context, id uuid.UUID, from []EntryStatus, fn func(e *Entry, now time.Time)) (*Entry, error) {
	var out *Entry
	err := s.tx.WithinTx(ctx, func(ctx context.Context) error {
		e, err := s.entries.GetForUpdate(ctx, id)
		if err != nil {
			return err
		}
		allowed := false
		for _, st := range from {
			if e.Status == st {
				allowed = true
				break
			}
		}
		if !allowed {
			return apperr.InvalidState(string(e.Status), "entry is %s", e.Status)
		}
		fn(e, s.now().UTC())
		if err := s.entries.Update(ctx, e); err != nil {
			return fmt.Errorf("update entry: %w", err)
		}
		out = e
		return nil
	})
	return out, err
}

func (s *Service) CallEntry(ctx context.Context, id uuid.UUID) (*Entry, error) {
	return s.transition(ctx, id, []EntryStatus{StatusWaiting}, func(e *Entry, now time.Time) {
		e.Status = StatusCalled
		e.CalledAt = &now
	})
}

func (s *Service) ServeEntry(ctx context.Context, id uuid.UUID) (*Entry, error) {
	return s.transition(ctx, id, []EntryStatus{StatusCalled}, func(e *Entry, now time.Time) {
		e.Status = StatusServed
		e.FinishedAt = &now
	})
}

func (s *Service) MarkNoShow(ctx context.Context, id uuid.UUID) (*Entry, error) {
	return s.transition(ctx, id, []EntryStatus{StatusWaiting, StatusCalled}, func(e *Entry, now time.Time) {
		e.Status = StatusNoShow
		e.FinishedAt = &now
	})
}

// CancelEntry cancels an active entry. Cancelling again through the same
// path returns the entry unchanged so callers can retry follow-up work.
func (s *Service) CancelEntry(ctx context.Context, id uuid.UUID, reason string, via CancelVia) (*Entry, error) {
	var out *Entry
	err := s.tx.WithinTx(ctx, func(ctx context.Context) error {
		e, err := s.entries.GetForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if e.Status == StatusCancelled && e.CancelledVia != nil && *e.CancelledVia == via {
			out = e
			return nil
		}
		if !e.Status.Active() {
			return apperr.InvalidState(string(e.Status), "entry is %s", e.Status)
		}
		s.cancel(e, reason, via)
		if err := s.entries.Update(ctx, e); err != nil {
			return fmt.Errorf("update entry: %w", err)
		}
		out = e
		return nil
	})
	return out, err
}

func (s *Service) cancel(e *Entry, reason string, via CancelVia) {
	now := s.now().UTC()
	e.Status = StatusCancelled
	e.FinishedAt = &now
	e.IncompleteReason = strPtr(reason)
	e.CancelledVia = &via
}

// CancelVisitEntries cancels every active entry created for a visit and
// returns how many were cancelled.
func (s *Service) CancelVisitEntries(ctx context.Context, visitID uuid.UUID, reason string) (int, error) {
	var n int
	err := s.tx.WithinTx(ctx, func(ctx context.Context) error {
		entries, err := s.entries.ListActiveByVisit(ctx, visitID)
		if err != nil {
			return err
		}
		for _, listed := range entries {
			e, err := s.entries.GetForUpdate(ctx, listed.ID)
			if err != nil {
				return err
			}
			if !e.Status.Active() {
				continue
			}
			s.cancel(e, reason, CancelledByVisit)
			if err := s.entries.Update(ctx, e); err != nil {
				return fmt.Errorf("update entry: %w", err)
			}
			n++
		}
		return nil
	})
	return n, err
}

// Transfer is the outcome of moving an entry to a later day.
type Transfer struct {
	Original    *Entry      `json:"original"`
	Transferred *Entry      `json:"transferred"`
	Queue       *DailyQueue `json:"queue"`
}

// TransferEntry cancels an active entry and admits a copy with transfer
// priority into the same specialist's queue on the next day. The target day
// is always after the original queue's day.
func (s *Service) TransferEntry(ctx context.Context, id uuid.UUID, reason string) (*Transfer, error) {
	var out *Transfer
	err := s.tx.WithinTx(ctx, func(ctx context.Context) error {
		e, err := s.entries.GetForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if !e.Status.Active() {
			return apperr.InvalidState(string(e.Status), "entry is %s", e.Status)
		}
		src, err := s.queues.GetByID(ctx, e.QueueID)
		if err != nil {
			return err
		}

		target := s.Today().AddDate(0, 0, 1)
		if !target.After(src.Day) {
			target = src.Day.AddDate(0, 0, 1)
		}

		res, err := s.registry.Admit(ctx, AdmitRequest{
			Key:         Key{Day: target, SpecialistID: src.SpecialistID, QueueTag: src.QueueTag},
			PatientID:   e.PatientID,
			PatientName: e.PatientName,
			Phone:       e.Phone,
			TelegramID:  e.TelegramID,
			VisitID:     e.VisitID,
			ServiceID:   e.ServiceID,
			Amount:      e.Amount,
			Source:      SourceForceMajeureTransfer,
			Priority:    PriorityTransfer,
		})
		if err != nil {
			return err
		}

		s.cancel(e, reason, CancelledByTransfer)
		e.TransferredToID = &res.Entry.ID
		if err := s.entries.Update(ctx, e); err != nil {
			return fmt.Errorf("update entry: %w", err)
		}
		out = &Transfer{Original: e, Transferred: res.Entry, Queue: res.Queue}
		return nil
	})
	return out, err
}

// NotifyEntry sends a templated message for e in queue q. extra overrides
// the default placeholders.
func (s *Service) NotifyEntry(ctx context.Context, q *DailyQueue, e *Entry, templateKey string, extra map[string]string) {
	if s.notifier == nil {
		return
	}
	name, err := s.specialists.SpecialistName(ctx, q.SpecialistID)
	if err != nil {
		s.logger.Warn().Err(err).Str("specialist_id", q.SpecialistID.String()).Msg("resolve specialist for notification")
	}
	data := messageData(name, q.Day, e)
	for k, v := range extra {
		data[k] = v
	}
	s.notifier.Dispatch(ctx, contactOf(e), templateKey, data)
}

// PurgeBefore deletes queues, and their entries, older than retention days.
func (s *Service) PurgeBefore(ctx context.Context, retentionDays int) (int64, error) {
	if retentionDays <= 0 {
		return 0, apperr.Validation("retention must be positive")
	}
	cutoff := s.Today().AddDate(0, 0, -retentionDays)
	n, err := s.queues.DeleteBefore(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("purge queues: %w", err)
	}
	s.logger.Info().Int64("queues", n).Time("cutoff", cutoff).Msg("purged old queues")
	return n, nil
}
