package visit

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/clinicflow/queue/internal/domain/confirmation"
	"github.com/clinicflow/queue/internal/domain/queue"
	"github.com/clinicflow/queue/internal/platform/apperr"
	"github.com/clinicflow/queue/internal/platform/db"
	"github.com/clinicflow/queue/internal/platform/notification"
)

const (
	CodeVisitDatePassed        = "visit_date_passed"
	CodeClinicalRecordRequired = "clinical_record_required"
	CodeTokenMismatch          = "token_superseded"
)

type Config struct {
	TokenTTL      time.Duration
	PublicBaseURL string
	Location      *time.Location
}

// Service runs the visit state machine. Queue numbers for visits are only
// issued through the queue registry.
type Service struct {
	visits   Repository
	entries  queue.EntryRepository
	registry *queue.Registry
	queues   *queue.Service
	gate     *confirmation.Gate
	records  ClinicalRecordChecker
	tx       db.Transactor
	notifier queue.Notifier
	cfg      Config
	logger   zerolog.Logger
	now      func() time.Time
}

func NewService(visits Repository, entries queue.EntryRepository, registry *queue.Registry, queues *queue.Service,
	gate *confirmation.Gate, records ClinicalRecordChecker, tx db.Transactor, notifier queue.Notifier,
	cfg Config, logger zerolog.Logger) *Service {
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	cfg.PublicBaseURL = strings.TrimRight(cfg.PublicBaseURL, "/")
	return &Service{
		visits:   visits,
		entries:  entries,
		registry: registry,
		queues:   queues,
		gate:     gate,
		records:  records,
		tx:       tx,
		notifier: notifier,
		cfg:      cfg,
		logger:   logger,
		now:      time.Now,
	}
}

// SetClock overrides the time source.
func (s *Service) SetClock(now func() time.Time) {
	s.now = now
}

func (s *Service) today() time.Time {
	return queue.DayOf(s.now(), s.cfg.Location)
}

// NewServiceLine is one requested service of a new visit.
type NewServiceLine struct {
	ServiceID    uuid.UUID `json:"service_id"`
	SpecialistID uuid.UUID `json:"specialist_id"`
	Department   string    `json:"department"`
	Amount       int64     `json:"amount"`
}

type NewVisit struct {
	PatientID    uuid.UUID        `json:"patient_id"`
	DoctorID     uuid.UUID        `json:"doctor_id"`
	PatientName  string           `json:"patient_name"`
	Phone        string           `json:"phone"`
	TelegramID   string           `json:"telegram_id"`
	VisitDate    string           `json:"visit_date"`
	DiscountMode string           `json:"discount_mode"`
	Services     []NewServiceLine `json:"services"`
}

// Create books a visit in pending_confirmation. A visit without service
// lines is queued with its doctor.
func (s *Service) Create(ctx context.Context, in NewVisit) (*Visit, error) {
	name := strings.TrimSpace(in.PatientName)
	if name == "" {
		return nil, apperr.Validation("patient_name is required")
	}
	if in.DoctorID == uuid.Nil {
		return nil, apperr.Validation("doctor_id is required")
	}
	date, err := time.Parse("2006-01-02", in.VisitDate)
	if err != nil {
		return nil, apperr.Validation("visit_date must be YYYY-MM-DD")
	}
	if date.Before(s.today()) {
		return nil, apperr.Validation("visit_date must not be in the past")
	}

	lines := make([]ServiceLine, 0, len(in.Services))
	for _, l := range in.Services {
		if l.Amount < 0 {
			return nil, apperr.Validation("service amount must not be negative")
		}
		specialist := l.SpecialistID
		if specialist == uuid.Nil {
			specialist = in.DoctorID
		}
		lines = append(lines, ServiceLine{
			ServiceID:    l.ServiceID,
			SpecialistID: specialist,
			QueueTag:     strings.TrimSpace(l.Department),
			Amount:       l.Amount,
		})
	}

	v := &Visit{
		ID:           uuid.New(),
		PatientID:    in.PatientID,
		DoctorID:     in.DoctorID,
		PatientName:  name,
		Phone:        queue.NormalizePhone(in.Phone),
		VisitDate:    date,
		Status:       StatusPendingConfirmation,
		DiscountMode: strings.TrimSpace(in.DiscountMode),
	}
	if tg := strings.TrimSpace(in.TelegramID); tg != "" {
		v.TelegramID = &tg
	}
	if v.DiscountMode == "" {
		v.DiscountMode = "none"
	}

	err = s.tx.WithinTx(ctx, func(ctx context.Context) error {
		return s.visits.Create(ctx, v, lines)
	})
	if err != nil {
		return nil, fmt.Errorf("create visit: %w", err)
	}
	return v, nil
}

func (s *Service) Get(ctx context.Context, id uuid.UUID) (*Visit, error) {
	return s.visits.GetByID(ctx, id)
}

func (s *Service) List(ctx context.Context, f Filter, limit, offset int) ([]*Visit, int, error) {
	return s.visits.List(ctx, f, limit, offset)
}

// IssuedToken is a freshly generated confirmation token. The raw token is
// only ever returned here.
type IssuedToken struct {
	VisitID   uuid.UUID `json:"visit_id"`
	Token     string    `json:"token"`
	Link      string    `json:"link"`
	ExpiresAt time.Time `json:"expires_at"`
}

// IssueConfirmationToken replaces the visit's confirmation token and sends
// the new link to the patient. Issuance is rate limited per visit.
func (s *Service) IssueConfirmationToken(ctx context.Context, id uuid.UUID, channel, actor string) (*IssuedToken, error) {
	v, err := s.visits.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if v.Status != StatusPendingConfirmation {
		return nil, apperr.InvalidState(string(v.Status), "visit is %s", v.Status)
	}
	if err := s.gate.CheckTokenGeneration(ctx, id, actor); err != nil {
		return nil, err
	}

	token, err := queue.NewOpaqueToken()
	if err != nil {
		return nil, err
	}
	expires := s.now().Add(s.cfg.TokenTTL).UTC()

	err = s.tx.WithinTx(ctx, func(ctx context.Context) error {
		locked, err := s.visits.GetForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if locked.Status != StatusPendingConfirmation {
			return apperr.InvalidState(string(locked.Status), "visit is %s", locked.Status)
		}
		hash := confirmation.HashToken(token)
		locked.ConfirmationTokenHash = &hash
		locked.ConfirmationExpiresAt = &expires
		if channel = strings.TrimSpace(channel); channel != "" {
			locked.ConfirmationChannel = &channel
		}
		if err := s.visits.Update(ctx, locked); err != nil {
			return fmt.Errorf("update visit: %w", err)
		}
		v = locked
		return nil
	})
	if err != nil {
		return nil, err
	}

	issued := &IssuedToken{
		VisitID:   v.ID,
		Token:     token,
		Link:      s.cfg.PublicBaseURL + "/confirm/" + token,
		ExpiresAt: expires,
	}
	if s.notifier != nil {
		s.notifier.Dispatch(ctx, contactOf(v), notification.TemplateConfirmationRequired, map[string]string{
			"patient_name": v.PatientName,
			"day":          v.VisitDate.Format("2006-01-02"),
			"link":         issued.Link,
		})
	}
	s.logger.Info().Str("visit_id", v.ID.String()).Str("actor", actor).Msg("confirmation token issued")
	return issued, nil
}

// ConfirmResult is the visit after confirmation and the queue entries it
// received, one per distinct specialist and department.
type ConfirmResult struct {
	Visit   *Visit         `json:"visit"`
	Entries []*queue.Entry `json:"entries"`

	admitted []*queue.AdmitResult
}

// ConfirmByToken runs a patient confirmation through the security gate and
// advances the visit. Every attempt is recorded, successful or not.
func (s *Service) ConfirmByToken(ctx context.Context, a confirmation.Attempt) (*ConfirmResult, error) {
	subj, err := s.gate.Validate(ctx, a)
	if err != nil {
		s.gate.RecordAttempt(ctx, a, subj, err)
		return nil, err
	}

	hash := confirmation.HashToken(a.Token)
	res, err := s.confirm(ctx, subj.VisitID, string(a.Channel), "patient:"+string(a.Channel), func(v *Visit) error {
		if v.ConfirmationTokenHash == nil || *v.ConfirmationTokenHash != hash {
			return &apperr.Error{Kind: apperr.KindInvalidState, Code: CodeTokenMismatch, CurrentStatus: string(v.Status),
				Message: "confirmation token was replaced"}
		}
		if v.ConfirmationExpiresAt != nil && !s.now().Before(*v.ConfirmationExpiresAt) {
			return &apperr.Error{Kind: apperr.KindInvalidState, Code: confirmation.CodeTokenExpired, CurrentStatus: string(v.Status),
				Message: "confirmation token has expired"}
		}
		return nil
	})
	s.gate.RecordAttempt(ctx, a, subj, err)
	if err != nil {
		return nil, err
	}
	s.notifyConfirmed(ctx, res)
	return res, nil
}

// ConfirmByRegistrar confirms without a token. The visit must still be
// pending confirmation.
func (s *Service) ConfirmByRegistrar(ctx context.Context, id uuid.UUID, actor string) (*ConfirmResult, error) {
	res, err := s.confirm(ctx, id, string(confirmation.ChannelRegistrar), actor, nil)
	s.gate.RecordOverride(ctx, id, actor, err)
	if err != nil {
		return nil, err
	}
	s.notifyConfirmed(ctx, res)
	return res, nil
}

// confirm moves a pending visit to open when it is for today, admitting it
// to its queues, or to confirmed when it is for a later day.
func (s *Service) confirm(ctx context.Context, id uuid.UUID, channel, actor string, check func(v *Visit) error) (*ConfirmResult, error) {
	var res *ConfirmResult
	err := s.tx.WithinTx(ctx, func(ctx context.Context) error {
		v, err := s.visits.GetForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if v.Status != StatusPendingConfirmation {
			return apperr.InvalidState(string(v.Status), "visit is %s", v.Status)
		}
		if check != nil {
			if err := check(v); err != nil {
				return err
			}
		}

		now := s.now().UTC()
		today := s.today()
		if v.VisitDate.Before(today) {
			return &apperr.Error{Kind: apperr.KindInvalidState, Code: CodeVisitDatePassed, CurrentStatus: string(v.Status),
				Message: "visit date has passed"}
		}

		res = &ConfirmResult{Visit: v}
		if v.VisitDate.Equal(today) {
			admitted, err := s.admit(ctx, v, queue.SourceConfirmation)
			if err != nil {
				return err
			}
			res.admitted = admitted
			for _, a := range admitted {
				res.Entries = append(res.Entries, a.Entry)
			}
			v.Status = StatusOpen
		} else {
			v.Status = StatusConfirmed
		}

		v.ConfirmationChannel = &channel
		v.ConfirmedAt = &now
		v.ConfirmedBy = &actor
		if err := s.visits.Update(ctx, v); err != nil {
			return fmt.Errorf("update visit: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info().
		Str("visit_id", res.Visit.ID.String()).
		Str("status", string(res.Visit.Status)).
		Str("channel", channel).
		Int("entries", len(res.Entries)).
		Msg("visit confirmed")
	return res, nil
}

// queueTarget is one (specialist, department) pair a visit is admitted to.
type queueTarget struct {
	key       queue.Key
	serviceID *uuid.UUID
	amount    int64
}

// targets groups service lines by specialist and department, keeping the
// first service id and summing amounts.
func targets(v *Visit, lines []ServiceLine) []queueTarget {
	if len(lines) == 0 {
		return []queueTarget{{key: queue.Key{Day: v.VisitDate, SpecialistID: v.DoctorID}}}
	}
	var out []queueTarget
	index := make(map[queue.Key]int)
	for _, l := range lines {
		key := queue.Key{Day: v.VisitDate, SpecialistID: l.SpecialistID, QueueTag: l.QueueTag}
		if i, ok := index[key]; ok {
			out[i].amount += l.Amount
			continue
		}
		serviceID := l.ServiceID
		index[key] = len(out)
		out = append(out, queueTarget{key: key, serviceID: &serviceID, amount: l.Amount})
	}
	return out
}

// admit places the visit in each of its queues. A queue that already holds
// an active entry for the visit returns that entry.
func (s *Service) admit(ctx context.Context, v *Visit, source queue.Source) ([]*queue.AdmitResult, error) {
	lines, err := s.visits.Lines(ctx, v.ID)
	if err != nil {
		return nil, fmt.Errorf("load visit services: %w", err)
	}
	visitID := v.ID
	patientID := v.PatientID
	var out []*queue.AdmitResult
	for _, t := range targets(v, lines) {
		res, err := s.registry.Admit(ctx, queue.AdmitRequest{
			Key:         t.key,
			PatientID:   &patientID,
			PatientName: v.PatientName,
			Phone:       v.Phone,
			TelegramID:  v.TelegramID,
			VisitID:     &visitID,
			ServiceID:   t.serviceID,
			Amount:      t.amount,
			Source:      source,
			Priority:    queue.PriorityNormal,
			Guard: func(ctx context.Context, q *queue.DailyQueue) (*queue.Entry, error) {
				if !q.Active {
					return nil, apperr.InvalidState("inactive", "queue is not active")
				}
				return s.entries.FindActiveByVisit(ctx, q.ID, visitID)
			},
		})
		if err != nil {
			return nil, err
		}
		out = append(out, res)
	}
	return out, nil
}

func (s *Service) notifyConfirmed(ctx context.Context, res *ConfirmResult) {
	if s.notifier == nil {
		return
	}
	if res.Visit.Status == StatusConfirmed {
		s.notifier.Dispatch(ctx, contactOf(res.Visit), notification.TemplateVisitConfirmed, map[string]string{
			"patient_name": res.Visit.PatientName,
			"day":          res.Visit.VisitDate.Format("2006-01-02"),
		})
		return
	}
	s.notifyQueued(ctx, res.admitted)
}

func (s *Service) notifyQueued(ctx context.Context, admitted []*queue.AdmitResult) {
	for _, a := range admitted {
		if a.Created {
			s.queues.NotifyEntry(ctx, a.Queue, a.Entry, notification.TemplateVisitQueued, nil)
		}
	}
}

// transition locks the visit, checks it is in one of from and applies fn.
func (s *Service) transition(ctx context.Context, id uuid.UUID, from []Status, fn func(ctx context.Context, v *Visit) error) (*Visit, error) {
	var out *Visit
	err := s.tx.WithinTx(ctx, func(ctx context.Context) error {
		v, err := s.visits.GetForUpdate(ctx, id)
		if err != nil {
			return err
		}
		allowed := false
		for _, st := range from {
			if v.Status == st {
				allowed = true
				break
			}
		}
		if !allowed {
			return apperr.InvalidState(string(v.Status), "visit is %s", v.Status)
		}
		if err := fn(ctx, v); err != nil {
			return err
		}
		if err := s.visits.Update(ctx, v); err != nil {
			return fmt.Errorf("update visit: %w", err)
		}
		out = v
		return nil
	})
	return out, err
}

func (s *Service) Call(ctx context.Context, id uuid.UUID) (*Visit, error) {
	return s.transition(ctx, id, []Status{StatusOpen}, func(_ context.Context, v *Visit) error {
		v.Status = StatusCalled
		return nil
	})
}

func (s *Service) Pay(ctx context.Context, id uuid.UUID) (*Visit, error) {
	return s.transition(ctx, id, []Status{StatusOpen, StatusCalled}, func(_ context.Context, v *Visit) error {
		v.Status = StatusPaid
		return nil
	})
}

// Start begins the consultation. Visits already summoned or still queued may
// start without passing through paid.
func (s *Service) Start(ctx context.Context, id uuid.UUID) (*Visit, error) {
	return s.transition(ctx, id, []Status{StatusPaid, StatusCalled, StatusOpen}, func(_ context.Context, v *Visit) error {
		v.Status = StatusInVisit
		return nil
	})
}

// Complete closes the visit once a non-draft clinical record exists.
func (s *Service) Complete(ctx context.Context, id uuid.UUID) (*Visit, error) {
	return s.transition(ctx, id, []Status{StatusInVisit}, func(ctx context.Context, v *Visit) error {
		ok, err := s.records.HasFinalRecord(ctx, v.ID)
		if err != nil {
			return fmt.Errorf("check clinical record: %w", err)
		}
		if !ok {
			return &apperr.Error{Kind: apperr.KindInvalidState, Code: CodeClinicalRecordRequired, CurrentStatus: string(v.Status),
				Message: "a final clinical record is required"}
		}
		v.Status = StatusCompleted
		return nil
	})
}

// Cancel cancels the visit and its waiting queue entries together.
func (s *Service) Cancel(ctx context.Context, id uuid.UUID, reason string) (*Visit, error) {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		reason = "visit cancelled"
	}
	from := []Status{StatusPendingConfirmation, StatusConfirmed, StatusOpen}
	return s.transition(ctx, id, from, func(ctx context.Context, v *Visit) error {
		n, err := s.queues.CancelVisitEntries(ctx, v.ID, reason)
		if err != nil {
			return fmt.Errorf("cancel queue entries: %w", err)
		}
		v.Status = StatusCancelled
		v.CancelReason = &reason
		v.clearToken()
		s.logger.Info().Str("visit_id", v.ID.String()).Int("entries", n).Msg("visit cancelled")
		return nil
	})
}

// CleanupExpiredTokens expires pending visits whose confirmation token has
// lapsed. Running it again changes nothing.
func (s *Service) CleanupExpiredTokens(ctx context.Context) (int64, error) {
	n, err := s.visits.ExpirePendingTokens(ctx, s.now().UTC())
	if err != nil {
		return 0, fmt.Errorf("expire confirmation tokens: %w", err)
	}
	if n > 0 {
		s.logger.Info().Int64("visits", n).Msg("expired unconfirmed visits")
	}
	return n, nil
}

func contactOf(v *Visit) notification.Contact {
	c := notification.Contact{Phone: v.Phone}
	if v.TelegramID != nil {
		c.TelegramID = *v.TelegramID
	}
	return c
}
