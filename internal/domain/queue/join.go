package queue

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/clinicflow/queue/internal/platform/apperr"
	"github.com/clinicflow/queue/internal/platform/db"
	"github.com/clinicflow/queue/internal/platform/notification"
)

// Notifier delivers templated patient messages after commit.
type Notifier interface {
	Dispatch(ctx context.Context, contact notification.Contact, templateKey string, data map[string]string)
}

type JoinConfig struct {
	TokenTTL      time.Duration
	SessionTTL    time.Duration
	PublicBaseURL string
	Location      *time.Location
}

// IssueTokenRequest asks for a QR token for today's queue of a specialist.
type IssueTokenRequest struct {
	SpecialistID uuid.UUID `json:"specialist_id"`
	Department   string    `json:"department"`
	IssuedBy     string    `json:"-"`
}

type IssuedToken struct {
	*Token
	URL string `json:"url"`
}

// TokenInfo is the read-only view shown after a QR scan.
type TokenInfo struct {
	SpecialistID     uuid.UUID `json:"specialist_id"`
	SpecialistName   string    `json:"specialist_name"`
	Department       string    `json:"department"`
	Day              time.Time `json:"day"`
	ExpiresAt        time.Time `json:"expires_at"`
	QueueLength      int       `json:"queue_length"`
	OnlineEntries    int       `json:"online_entries"`
	MaxOnlineEntries int       `json:"max_online_entries"`
	OnlineStartTime  string    `json:"online_start_time"`
	OnlineEndTime    string    `json:"online_end_time"`
	Decision
}

// JoinDetails is the identity a patient submits to finish joining.
type JoinDetails struct {
	PatientName string `json:"patient_name"`
	Phone       string `json:"phone"`
	TelegramID  string `json:"telegram_id"`
}

type JoinResult struct {
	Session *JoinSession `json:"session"`
	Entry   *Entry       `json:"entry"`
	Created bool         `json:"created"`
}

// JoinService runs the QR self-registration flow: token issue, scan, session
// start and session completion.
type JoinService struct {
	tokens      TokenRepository
	sessions    SessionRepository
	entries     EntryRepository
	registry    *Registry
	policy      Policy
	specialists SpecialistDirectory
	tx          db.Transactor
	notifier    Notifier
	cfg         JoinConfig
	logger      zerolog.Logger
	now         func() time.Time
}

func NewJoinService(tokens TokenRepository, sessions SessionRepository, entries EntryRepository,
	registry *Registry, specialists SpecialistDirectory, tx db.Transactor, notifier Notifier,
	cfg JoinConfig, logger zerolog.Logger) *JoinService {
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	return &JoinService{
		tokens:      tokens,
		sessions:    sessions,
		entries:     entries,
		registry:    registry,
		policy:      NewPolicy(cfg.Location),
		specialists: specialists,
		tx:          tx,
		notifier:    notifier,
		cfg:         cfg,
		logger:      logger,
		now:         time.Now,
	}
}

// SetClock overrides the time source.
func (s *JoinService) SetClock(now func() time.Time) {
	s.now = now
}

func (s *JoinService) IssueToken(ctx context.Context, req IssueTokenRequest) (*IssuedToken, error) {
	if req.SpecialistID == uuid.Nil {
		return nil, apperr.Validation("specialist_id is required")
	}
	if _, err := s.specialists.SpecialistName(ctx, req.SpecialistID); err != nil {
		return nil, err
	}
	value, err := NewOpaqueToken()
	if err != nil {
		return nil, err
	}

	now := s.now()
	t := &Token{
		Token:        value,
		SpecialistID: req.SpecialistID,
		QueueTag:     strings.TrimSpace(req.Department),
		Day:          DayOf(now, s.cfg.Location),
		ExpiresAt:    now.Add(s.cfg.TokenTTL).UTC(),
		Active:       true,
		GeneratedBy:  req.IssuedBy,
	}
	if err := s.tokens.Create(ctx, t); err != nil {
		return nil, fmt.Errorf("create queue token: %w", err)
	}
	return &IssuedToken{Token: t, URL: s.joinURL(t.Token)}, nil
}

func (s *JoinService) joinURL(token string) string {
	return strings.TrimRight(s.cfg.PublicBaseURL, "/") + "/q/" + token
}

func (s *JoinService) RevokeToken(ctx context.Context, token string) error {
	return s.tokens.Revoke(ctx, token, s.now().UTC())
}

func (s *JoinService) ListTokens(ctx context.Context, specialistID *uuid.UUID, limit, offset int) ([]*Token, int, error) {
	return s.tokens.ListActive(ctx, specialistID, s.now().UTC(), limit, offset)
}

// validToken loads token and rejects revoked or expired ones. Both report
// not found so a scanner cannot tell them apart from unknown tokens.
func (s *JoinService) validToken(ctx context.Context, token string) (*Token, error) {
	t, err := s.tokens.Get(ctx, token)
	if err != nil {
		return nil, err
	}
	if !t.Active {
		return nil, &apperr.Error{Kind: apperr.KindNotFound, Code: "token_revoked", Message: "queue token is no longer active"}
	}
	if !s.now().Before(t.ExpiresAt) {
		return nil, &apperr.Error{Kind: apperr.KindNotFound, Code: "token_expired", Message: "queue token has expired"}
	}
	return t, nil
}

// InspectToken reports queue status for a scanned token without changing
// anything.
func (s *JoinService) InspectToken(ctx context.Context, token string) (*TokenInfo, error) {
	t, err := s.validToken(ctx, token)
	if err != nil {
		return nil, err
	}
	name, err := s.specialists.SpecialistName(ctx, t.SpecialistID)
	if err != nil {
		return nil, err
	}
	q, stored, err := s.registry.Preview(ctx, t.Key())
	if err != nil {
		return nil, err
	}

	var total, online int
	if stored {
		if total, err = s.entries.CountActive(ctx, q.ID, ""); err != nil {
			return nil, err
		}
		if online, err = s.entries.CountActive(ctx, q.ID, SourceOnline); err != nil {
			return nil, err
		}
	}

	return &TokenInfo{
		SpecialistID:     t.SpecialistID,
		SpecialistName:   name,
		Department:       t.QueueTag,
		Day:              t.Day,
		ExpiresAt:        t.ExpiresAt,
		QueueLength:      total,
		OnlineEntries:    online,
		MaxOnlineEntries: q.MaxOnlineEntries,
		OnlineStartTime:  q.OnlineStartTime,
		OnlineEndTime:    q.OnlineEndTime,
		Decision:         s.policy.CanJoin(q, online, s.now()),
	}, nil
}

// StartJoinSession checks the admission window for the token's queue and
// opens a short-lived session. No queue number is reserved.
func (s *JoinService) StartJoinSession(ctx context.Context, token string) (*JoinSession, error) {
	t, err := s.validToken(ctx, token)
	if err != nil {
		return nil, err
	}
	q, stored, err := s.registry.Preview(ctx, t.Key())
	if err != nil {
		return nil, err
	}
	online := 0
	if stored {
		if online, err = s.entries.CountActive(ctx, q.ID, SourceOnline); err != nil {
			return nil, err
		}
	}
	if d := s.policy.CanJoin(q, online, s.now()); !d.Allowed {
		return nil, apperr.WindowClosed(d.Reason, d.Retryable)
	}

	value, err := NewOpaqueToken()
	if err != nil {
		return nil, err
	}
	sess := &JoinSession{
		SessionToken: value,
		QRToken:      t.Token,
		Status:       SessionPending,
		ExpiresAt:    s.now().Add(s.cfg.SessionTTL).UTC(),
	}
	if err := s.sessions.Create(ctx, sess); err != nil {
		return nil, fmt.Errorf("create join session: %w", err)
	}
	return sess, nil
}

var errSessionExpired = &apperr.Error{Kind: apperr.KindInvalidState, Code: "session_expired", CurrentStatus: string(SessionExpired), Message: "join session has expired"}

// CompleteJoinSession admits the patient behind a pending session. A session
// that already joined returns its original entry. The window is checked again
// under the queue lock, then a patient already queued by phone gets their
// existing entry back.
func (s *JoinService) CompleteJoinSession(ctx context.Context, sessionToken string, in JoinDetails) (*JoinResult, error) {
	name := strings.TrimSpace(in.PatientName)
	phone := NormalizePhone(in.Phone)
	if name == "" {
		return nil, apperr.Validation("patient_name is required")
	}
	if len(phone) < 5 {
		return nil, apperr.Validation("phone is required")
	}
	telegramID := strPtr(strings.TrimSpace(in.TelegramID))

	var (
		result *JoinResult
		queue  *DailyQueue
	)
	err := s.tx.WithinTx(ctx, func(ctx context.Context) error {
		sess, err := s.sessions.GetForUpdate(ctx, sessionToken)
		if err != nil {
			return err
		}

		switch sess.Status {
		case SessionJoined:
			if sess.QueueEntryID == nil {
				return fmt.Errorf("joined session %s has no entry", sessionToken)
			}
			e, err := s.entries.GetByID(ctx, *sess.QueueEntryID)
			if err != nil {
				return err
			}
			result = &JoinResult{Session: sess, Entry: e}
			return nil
		case SessionExpired:
			return errSessionExpired
		}
		now := s.now()
		if !now.Before(sess.ExpiresAt) {
			return errSessionExpired
		}

		t, err := s.validToken(ctx, sess.QRToken)
		if err != nil {
			return err
		}

		res, err := s.registry.Admit(ctx, AdmitRequest{
			Key:         t.Key(),
			PatientName: name,
			Phone:       phone,
			TelegramID:  telegramID,
			Source:      SourceOnline,
			Priority:    PriorityNormal,
			Guard: func(ctx context.Context, q *DailyQueue) (*Entry, error) {
				// The window is checked before the duplicate lookup; the cap
				// after it, so a patient already counted gets their entry back.
				if d := s.policy.CanJoin(q, 0, now); !d.Allowed {
					return nil, apperr.WindowClosed(d.Reason, d.Retryable)
				}
				if existing, err := s.entries.FindActiveByPhone(ctx, q.ID, phone); err != nil || existing != nil {
					return existing, err
				}
				online, err := s.entries.CountActive(ctx, q.ID, SourceOnline)
				if err != nil {
					return nil, err
				}
				if d := s.policy.CanJoin(q, online, now); !d.Allowed {
					return nil, apperr.WindowClosed(d.Reason, d.Retryable)
				}
				return nil, nil
			},
		})
		if err != nil {
			return err
		}

		completed := now.UTC()
		sess.Status = SessionJoined
		sess.PatientName = &name
		sess.Phone = &phone
		sess.TelegramID = telegramID
		sess.QueueEntryID = &res.Entry.ID
		sess.CompletedAt = &completed
		if err := s.sessions.Update(ctx, sess); err != nil {
			return fmt.Errorf("update join session: %w", err)
		}
		queue = res.Queue
		result = &JoinResult{Session: sess, Entry: res.Entry, Created: res.Created}
		return nil
	})
	if err != nil {
		if errors.Is(err, errSessionExpired) {
			s.expireSession(ctx, sessionToken)
		}
		return nil, err
	}

	if result.Created {
		s.notifyJoined(ctx, queue, result.Entry)
	}
	return result, nil
}

// expireSession records expiry outside the failed transaction.
func (s *JoinService) expireSession(ctx context.Context, token string) {
	err := s.tx.WithinTx(ctx, func(ctx context.Context) error {
		sess, err := s.sessions.GetForUpdate(ctx, token)
		if err != nil {
			return err
		}
		if sess.Status != SessionPending {
			return nil
		}
		sess.Status = SessionExpired
		return s.sessions.Update(ctx, sess)
	})
	if err != nil {
		s.logger.Warn().Err(err).Msg("mark join session expired")
	}
}

func (s *JoinService) notifyJoined(ctx context.Context, q *DailyQueue, e *Entry) {
	if s.notifier == nil {
		return
	}
	name, err := s.specialists.SpecialistName(ctx, q.SpecialistID)
	if err != nil {
		s.logger.Warn().Err(err).Str("specialist_id", q.SpecialistID.String()).Msg("resolve specialist for notification")
	}
	s.notifier.Dispatch(ctx, contactOf(e), notification.TemplateQueueJoined, messageData(name, q.Day, e))
}

// ExpireSessions marks pending sessions past their deadline as expired.
func (s *JoinService) ExpireSessions(ctx context.Context) (int64, error) {
	return s.sessions.ExpirePending(ctx, s.now().UTC())
}

// PurgeExpiredTokens deletes QR tokens that expired before now.
func (s *JoinService) PurgeExpiredTokens(ctx context.Context) (int64, error) {
	return s.tokens.DeleteExpired(ctx, s.now().UTC())
}
