package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/clinicflow/queue/internal/platform/apperr"
	"github.com/clinicflow/queue/internal/platform/db"
)

// Defaults seed the admission settings of newly created queues.
type Defaults struct {
	OnlineStartTime  string
	OnlineEndTime    string
	MaxOnlineEntries int
}

// AdmitRequest describes one patient to place in a daily queue.
type AdmitRequest struct {
	Key         Key
	PatientID   *uuid.UUID
	PatientName string
	Phone       string
	TelegramID  *string
	VisitID     *uuid.UUID
	ServiceID   *uuid.UUID
	Amount      int64
	Source      Source
	Priority    Priority

	// Guard runs after the queue row is locked and before a number is
	// allocated. Returning an entry reuses it instead of allocating;
	// returning an error aborts the admission.
	Guard func(ctx context.Context, q *DailyQueue) (*Entry, error)
}

// AdmitResult carries the admitted entry. Created is false when a Guard
// returned an existing entry.
type AdmitResult struct {
	Queue   *DailyQueue
	Entry   *Entry
	Created bool
}

// Registry owns daily queues and is the single place numbers are issued.
// Every admission path goes through Admit.
type Registry struct {
	queues   QueueRepository
	entries  EntryRepository
	tx       db.Transactor
	defaults Defaults
	logger   zerolog.Logger
	now      func() time.Time
}

func NewRegistry(queues QueueRepository, entries EntryRepository, tx db.Transactor, defaults Defaults, logger zerolog.Logger) *Registry {
	return &Registry{
		queues:   queues,
		entries:  entries,
		tx:       tx,
		defaults: defaults,
		logger:   logger,
		now:      time.Now,
	}
}

// SetClock overrides the time source.
func (r *Registry) SetClock(now func() time.Time) {
	r.now = now
}

// GetOrCreate returns the queue for key, creating it with the registry
// defaults on first use. Concurrent callers observe the same row.
func (r *Registry) GetOrCreate(ctx context.Context, key Key) (*DailyQueue, error) {
	if key.SpecialistID == uuid.Nil {
		return nil, apperr.Validation("specialist_id is required")
	}
	return r.queues.GetOrCreate(ctx, &DailyQueue{
		Day:              key.Day,
		SpecialistID:     key.SpecialistID,
		QueueTag:         key.QueueTag,
		Active:           true,
		OnlineStartTime:  r.defaults.OnlineStartTime,
		OnlineEndTime:    r.defaults.OnlineEndTime,
		MaxOnlineEntries: r.defaults.MaxOnlineEntries,
		// Tagged queues such as lab or procedures serve the whole clinic.
		IsClinicWide: key.QueueTag != "",
	})
}

// Preview returns the stored queue for key, or an unsaved queue carrying the
// registry defaults when none exists yet.
func (r *Registry) Preview(ctx context.Context, key Key) (*DailyQueue, bool, error) {
	q, err := r.queues.Find(ctx, key)
	if err == nil {
		return q, true, nil
	}
	if !errors.Is(err, apperr.ErrNotFound) {
		return nil, false, err
	}
	return &DailyQueue{
		Day:              key.Day,
		SpecialistID:     key.SpecialistID,
		QueueTag:         key.QueueTag,
		Active:           true,
		OnlineStartTime:  r.defaults.OnlineStartTime,
		OnlineEndTime:    r.defaults.OnlineEndTime,
		MaxOnlineEntries: r.defaults.MaxOnlineEntries,
		IsClinicWide:     key.QueueTag != "",
	}, false, nil
}

// allocate issues the next number for a queue the caller has locked. The
// number is one past both the high-water mark and any stored entry, so
// cancellations never cause reuse.
func (r *Registry) allocate(ctx context.Context, q *DailyQueue) (int, error) {
	maxNumber, err := r.entries.MaxNumber(ctx, q.ID)
	if err != nil {
		return 0, fmt.Errorf("read max number: %w", err)
	}
	next := q.LastNumber
	if maxNumber > next {
		next = maxNumber
	}
	next++
	if err := r.queues.SetLastNumber(ctx, q.ID, next); err != nil {
		return 0, fmt.Errorf("advance last number: %w", err)
	}
	q.LastNumber = next
	return next, nil
}

// Admit creates an entry in the queue named by req.Key inside one
// transaction: create-or-get the queue, lock it, run the guard, allocate and
// insert. Lock conflicts are retried by the transactor.
func (r *Registry) Admit(ctx context.Context, req AdmitRequest) (*AdmitResult, error) {
	if !req.Source.Valid() {
		return nil, apperr.Validation("unknown admission source %q", req.Source)
	}
	if req.PatientName == "" {
		return nil, apperr.Validation("patient_name is required")
	}
	if req.Priority == 0 {
		req.Priority = PriorityNormal
	}

	var res *AdmitResult
	err := r.tx.WithinTx(ctx, func(ctx context.Context) error {
		created, err := r.GetOrCreate(ctx, req.Key)
		if err != nil {
			return err
		}
		q, err := r.queues.Lock(ctx, created.ID)
		if err != nil {
			return err
		}

		if req.Guard != nil {
			existing, err := req.Guard(ctx, q)
			if err != nil {
				return err
			}
			if existing != nil {
				res = &AdmitResult{Queue: q, Entry: existing}
				return nil
			}
		}

		number, err := r.allocate(ctx, q)
		if err != nil {
			return err
		}

		now := r.now().UTC()
		e := &Entry{
			ID:          uuid.New(),
			QueueID:     q.ID,
			Number:      number,
			PatientID:   req.PatientID,
			PatientName: req.PatientName,
			Phone:       req.Phone,
			TelegramID:  req.TelegramID,
			VisitID:     req.VisitID,
			ServiceID:   req.ServiceID,
			Amount:      req.Amount,
			Source:      req.Source,
			Status:      StatusWaiting,
			Priority:    req.Priority,
			QueueTime:   now,
		}
		if err := r.entries.Create(ctx, e); err != nil {
			// A duplicate (queue_id, number) means the lock was bypassed;
			// surface it as a conflict so the whole unit is retried.
			if db.IsUniqueViolation(err) {
				return fmt.Errorf("%w: duplicate queue number %d: %w", db.ErrLockConflict, number, err)
			}
			return fmt.Errorf("insert entry: %w", err)
		}
		res = &AdmitResult{Queue: q, Entry: e, Created: true}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if res.Created {
		r.logger.Info().
			Str("queue_id", res.Queue.ID.String()).
			Str("entry_id", res.Entry.ID.String()).
			Int("number", res.Entry.Number).
			Str("source", string(res.Entry.Source)).
			Msg("queue entry admitted")
	}
	return res, nil
}
