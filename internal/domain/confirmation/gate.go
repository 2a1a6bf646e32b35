package confirmation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/clinicflow/queue/internal/platform/apperr"
	"github.com/clinicflow/queue/internal/platform/ratelimit"
)

// StatusPendingConfirmation is the only visit status a token may advance.
const StatusPendingConfirmation = "pending_confirmation"

// Rejection codes.
const (
	CodeInvalidToken     = "invalid_token"
	CodeTokenExpired     = "token_expired"
	CodeTooManyAttempts  = "too_many_attempts"
	CodeTokenGenLimit    = "token_generation_limit"
	CodeBotUserAgent     = "bot_user_agent"
	CodeTooFast          = "confirmation_too_fast"
	CodeIdentityMismatch = "identity_mismatch"
)

type Config struct {
	MaxAttempts     int
	Window          time.Duration
	Cooldown        time.Duration
	TokenGenMax     int
	TokenGenWindow  time.Duration
	MinConfirmDelay time.Duration
}

// DefaultConfig is 5 attempts per 15 minutes with a 30 minute cooldown,
// 3 token generations per hour and a 60 second minimum delay.
var DefaultConfig = Config{
	MaxAttempts:     5,
	Window:          15 * time.Minute,
	Cooldown:        30 * time.Minute,
	TokenGenMax:     3,
	TokenGenWindow:  time.Hour,
	MinConfirmDelay: time.Minute,
}

// botMarkers are lowercase user-agent fragments of crawlers and link
// previewers that fetch confirmation links without a human.
var botMarkers = []string{
	"bot", "crawler", "spider", "slurp", "facebookexternalhit", "whatsapp",
	"preview", "curl", "wget", "python-requests", "httpclient", "headless",
}

// Gate decides whether a confirmation attempt may proceed and keeps the
// counters and audit trail that back that decision.
type Gate struct {
	resolver SubjectResolver
	limiter  ratelimit.Limiter
	events   EventRepository
	cfg      Config
	logger   zerolog.Logger
	now      func() time.Time
}

func NewGate(resolver SubjectResolver, limiter ratelimit.Limiter, events EventRepository, cfg Config, logger zerolog.Logger) *Gate {
	return &Gate{
		resolver: resolver,
		limiter:  limiter,
		events:   events,
		cfg:      cfg,
		logger:   logger,
		now:      time.Now,
	}
}

// SetClock overrides the time source.
func (g *Gate) SetClock(now func() time.Time) {
	g.now = now
}

// Validate runs the checks in order: the token resolves, it has not expired,
// the visit is pending confirmation, the caller is within rate limits, and
// the request does not look automated. It changes nothing; the caller must
// report the outcome through RecordAttempt. The resolved subject is returned
// even on rejection when the token matched a visit.
func (g *Gate) Validate(ctx context.Context, a Attempt) (*Subject, error) {
	if strings.TrimSpace(a.Token) == "" {
		return nil, &apperr.Error{Kind: apperr.KindNotFound, Code: CodeInvalidToken, Message: "confirmation token not found"}
	}
	subj, err := g.resolver.ResolveToken(ctx, a.Token)
	if err != nil {
		if errors.Is(err, apperr.ErrNotFound) {
			return nil, &apperr.Error{Kind: apperr.KindNotFound, Code: CodeInvalidToken, Message: "confirmation token not found"}
		}
		return nil, fmt.Errorf("resolve confirmation token: %w", err)
	}

	now := g.now()
	if subj.ExpiresAt != nil && !now.Before(*subj.ExpiresAt) {
		return subj, &apperr.Error{Kind: apperr.KindInvalidState, Code: CodeTokenExpired, CurrentStatus: subj.Status, Message: "confirmation token has expired"}
	}
	if subj.Status != StatusPendingConfirmation {
		return subj, apperr.InvalidState(subj.Status, "visit is %s", subj.Status)
	}

	for _, key := range g.attemptKeys(a, subj) {
		blocked, err := g.limiter.BlockedFor(ctx, key)
		if err != nil {
			return subj, fmt.Errorf("read block: %w", err)
		}
		if blocked > 0 {
			return subj, apperr.RateLimited(CodeTooManyAttempts)
		}
		c, err := g.limiter.Peek(ctx, key)
		if err != nil {
			return subj, fmt.Errorf("read counter: %w", err)
		}
		if c.Count >= g.cfg.MaxAttempts {
			return subj, apperr.RateLimited(CodeTooManyAttempts)
		}
	}

	if isBot(a.UserAgent) {
		return subj, apperr.Suspicious(CodeBotUserAgent)
	}
	if now.Sub(subj.CreatedAt) < g.cfg.MinConfirmDelay {
		return subj, apperr.Suspicious(CodeTooFast)
	}
	if !identityMatches(a, subj) {
		return subj, apperr.Suspicious(CodeIdentityMismatch)
	}
	return subj, nil
}

func isBot(userAgent string) bool {
	ua := strings.ToLower(strings.TrimSpace(userAgent))
	if ua == "" {
		return true
	}
	for _, m := range botMarkers {
		if strings.Contains(ua, m) {
			return true
		}
	}
	return false
}

// identityMatches compares the channel identity with the visit's contact
// when both sides carry one.
func identityMatches(a Attempt, subj *Subject) bool {
	id := strings.TrimSpace(a.Identity)
	if id == "" {
		return true
	}
	switch a.Channel {
	case ChannelTelegram:
		return subj.TelegramID == "" || subj.TelegramID == id
	case ChannelPhone:
		return subj.Phone == "" || digits(subj.Phone) == digits(id)
	}
	return true
}

func digits(s string) string {
	var b strings.Builder
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

func (g *Gate) attemptKeys(a Attempt, subj *Subject) []string {
	var keys []string
	if a.IP != "" {
		keys = append(keys, "confirm:ip:"+a.IP)
	}
	if subj != nil {
		keys = append(keys, "confirm:visit:"+subj.VisitID.String())
		if subj.PatientID != uuid.Nil {
			keys = append(keys, "confirm:patient:"+subj.PatientID.String())
		}
	}
	return keys
}

// RecordAttempt counts the attempt against every key it touches, blocking a
// key once it reaches the limit, and appends a security event. Successful
// attempts count too. outcome is nil on success.
func (g *Gate) RecordAttempt(ctx context.Context, a Attempt, subj *Subject, outcome error) {
	for _, key := range g.attemptKeys(a, subj) {
		c, err := g.limiter.Increment(ctx, key, g.cfg.Window)
		if err != nil {
			g.logger.Error().Err(err).Str("key", key).Msg("increment confirmation counter")
			continue
		}
		if c.Count >= g.cfg.MaxAttempts {
			if err := g.limiter.Block(ctx, key, g.cfg.Cooldown); err != nil {
				g.logger.Error().Err(err).Str("key", key).Msg("block confirmation key")
			}
		}
	}

	hash := HashToken(a.Token)
	ev := &SecurityEvent{
		EventType: EventConfirmationAttempt,
		TokenHash: &hash,
		Channel:   a.Channel,
		IP:        a.IP,
		UserAgent: a.UserAgent,
		Success:   outcome == nil,
		Reason:    reasonOf(outcome),
	}
	if subj != nil {
		ev.VisitID = &subj.VisitID
	}
	g.append(ctx, ev)

	if outcome != nil {
		g.logger.Warn().
			Str("token_hash", hash).
			Str("channel", string(a.Channel)).
			Str("ip", a.IP).
			Str("reason", ev.Reason).
			Msg("confirmation rejected")
	}
}

// CheckTokenGeneration counts a token issuance for the visit and refuses it
// past TokenGenMax per TokenGenWindow.
func (g *Gate) CheckTokenGeneration(ctx context.Context, visitID uuid.UUID, actor string) error {
	c, err := g.limiter.Increment(ctx, "tokengen:visit:"+visitID.String(), g.cfg.TokenGenWindow)
	if err != nil {
		return fmt.Errorf("count token generation: %w", err)
	}
	ev := &SecurityEvent{EventType: EventTokenGenerated, VisitID: &visitID, Actor: actor, Success: true}
	if c.Count > g.cfg.TokenGenMax {
		ev.EventType = EventTokenRefused
		ev.Success = false
		ev.Reason = CodeTokenGenLimit
		g.append(ctx, ev)
		return apperr.RateLimited(CodeTokenGenLimit)
	}
	g.append(ctx, ev)
	return nil
}

// RecordOverride logs a registrar confirming without a token.
func (g *Gate) RecordOverride(ctx context.Context, visitID uuid.UUID, actor string, outcome error) {
	g.append(ctx, &SecurityEvent{
		EventType: EventRegistrarOverride,
		VisitID:   &visitID,
		Channel:   ChannelRegistrar,
		Actor:     actor,
		Success:   outcome == nil,
		Reason:    reasonOf(outcome),
	})
}

// ListEvents pages through the security log, newest first.
func (g *Gate) ListEvents(ctx context.Context, visitID *uuid.UUID, limit, offset int) ([]*SecurityEvent, int, error) {
	return g.events.List(ctx, visitID, limit, offset)
}

func (g *Gate) append(ctx context.Context, ev *SecurityEvent) {
	if err := g.events.Append(ctx, ev); err != nil {
		g.logger.Error().Err(err).Str("event_type", string(ev.EventType)).Msg("append security event")
	}
}

func reasonOf(err error) string {
	if err == nil {
		return ""
	}
	var ae *apperr.Error
	if errors.As(err, &ae) && ae.Code != "" {
		return ae.Code
	}
	return "internal_error"
}
