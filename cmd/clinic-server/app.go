package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/clinicflow/queue/internal/config"
	"github.com/clinicflow/queue/internal/domain/confirmation"
	"github.com/clinicflow/queue/internal/domain/forcemajeure"
	"github.com/clinicflow/queue/internal/domain/queue"
	"github.com/clinicflow/queue/internal/domain/visit"
	"github.com/clinicflow/queue/internal/platform/db"
	"github.com/clinicflow/queue/internal/platform/notification"
	"github.com/clinicflow/queue/internal/platform/payment"
	"github.com/clinicflow/queue/internal/platform/ratelimit"
	"github.com/clinicflow/queue/internal/platform/scheduler"
)

const (
	jobMorningAssignment = "morning-assignment"
	jobCleanupTokens     = "cleanup-tokens"
	jobPurgeQueues       = "purge-queues"
)

// app holds the wired services shared by the HTTP server and the job
// commands.
type app struct {
	cfg    *config.Config
	logger zerolog.Logger
	pool   *pgxpool.Pool
	loc    *time.Location

	dispatcher *notification.Dispatcher
	throttle   ratelimit.Limiter
	closers    []func() error

	queues *queue.Service
	join   *queue.JoinService
	gate   *confirmation.Gate
	visits *visit.Service
	fm     *forcemajeure.Engine
}

func newLogger(env string) zerolog.Logger {
	if env == "development" {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}
	return zerolog.New(os.Stdout).With().Timestamp().Logger()
}

func newApp(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*app, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	loc, err := cfg.Location()
	if err != nil {
		return nil, err
	}

	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}
	a := &app{cfg: cfg, logger: logger, pool: pool, loc: loc}
	a.closers = append(a.closers, func() error { pool.Close(); return nil })

	// Notifications
	var notifier notification.Notifier
	if len(cfg.KafkaBrokers) > 0 {
		kn := notification.NewKafkaNotifier(cfg.KafkaBrokers, cfg.KafkaNotifyTopic)
		a.closers = append(a.closers, kn.Close)
		notifier = kn
		logger.Info().Strs("brokers", cfg.KafkaBrokers).Str("topic", cfg.KafkaNotifyTopic).Msg("notifications go to kafka")
	} else {
		notifier = notification.NewLogNotifier(logger)
		logger.Warn().Msg("KAFKA_BROKERS not set, notifications are only logged")
	}
	a.dispatcher = notification.NewDispatcher(notifier, notification.NewTemplateEngine(), logger)

	// Attempt counters and the HTTP throttle share one Redis connection.
	var limiter ratelimit.Limiter
	if cfg.RedisURL != "" {
		client, err := ratelimit.NewRedisClient(cfg.RedisURL)
		if err != nil {
			a.close()
			return nil, err
		}
		a.closers = append(a.closers, client.Close)
		limiter = ratelimit.NewRedisLimiter(client, "clinic:confirm:")
		a.throttle = ratelimit.NewRedisLimiter(client, "clinic:http:")
	} else {
		limiter = ratelimit.NewMemoryLimiter(time.Now)
		a.throttle = ratelimit.NewMemoryLimiter(time.Now)
		logger.Warn().Msg("REDIS_URL not set, rate limits are per process")
	}

	// Billing
	var payments payment.Client
	if cfg.PaymentAPIURL != "" {
		payments = payment.NewHTTPClient(cfg.PaymentAPIURL, cfg.PaymentAPIKey)
	} else {
		logger.Warn().Msg("PAYMENT_API_URL not set, force-majeure refunds will fail")
	}

	tx := db.NewTxManager(pool, cfg.AllocMaxAttempts, logger)
	queueRepo := queue.NewQueueRepoPG(pool)
	entryRepo := queue.NewEntryRepoPG(pool)
	specialists := queue.NewSpecialistDirectoryPG(pool)

	registry := queue.NewRegistry(queueRepo, entryRepo, tx, queue.Defaults{
		OnlineStartTime:  cfg.OnlineStartTime,
		OnlineEndTime:    cfg.OnlineEndTime,
		MaxOnlineEntries: cfg.MaxOnlineEntries,
	}, logger)
	a.queues = queue.NewService(queueRepo, entryRepo, registry, specialists, tx, a.dispatcher, loc, logger)
	a.join = queue.NewJoinService(queue.NewTokenRepoPG(pool), queue.NewSessionRepoPG(pool), entryRepo,
		registry, specialists, tx, a.dispatcher, queue.JoinConfig{
			TokenTTL:      cfg.QRTokenTTL,
			SessionTTL:    cfg.JoinSessionTTL,
			PublicBaseURL: cfg.PublicBaseURL,
			Location:      loc,
		}, logger)

	visitRepo := visit.NewVisitRepoPG(pool)
	a.gate = confirmation.NewGate(visit.NewTokenResolver(visitRepo), limiter, confirmation.NewEventRepoPG(pool),
		confirmation.Config{
			MaxAttempts:     cfg.ConfirmMaxAttempts,
			Window:          cfg.ConfirmWindow,
			Cooldown:        cfg.ConfirmCooldown,
			TokenGenMax:     cfg.TokenGenMax,
			TokenGenWindow:  cfg.TokenGenWindow,
			MinConfirmDelay: cfg.MinConfirmDelay,
		}, logger)
	a.visits = visit.NewService(visitRepo, entryRepo, registry, a.queues, a.gate,
		visit.NewClinicalRecordCheckerPG(pool), tx, a.dispatcher, visit.Config{
			TokenTTL:      cfg.ConfirmationTokenTTL,
			PublicBaseURL: cfg.PublicBaseURL,
			Location:      loc,
		}, logger)
	a.fm = forcemajeure.NewEngine(a.queues, payments, logger)

	return a, nil
}

// close flushes pending notifications and releases collaborators in reverse
// order of creation.
func (a *app) close() {
	if a.dispatcher != nil {
		a.dispatcher.Wait()
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.logger.Warn().Err(err).Msg("close")
		}
	}
}

// inTenant scopes fn to the clinic schema of tenant.
func (a *app) inTenant(tenant string, fn func(ctx context.Context) error) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		return db.WithTenant(ctx, a.pool, tenant, fn)
	}
}

func (a *app) jobs(tenant string) []scheduler.Job {
	return []scheduler.Job{
		{
			Name: jobMorningAssignment,
			Spec: a.cfg.MorningAssignmentCron,
			Run: a.inTenant(tenant, func(ctx context.Context) error {
				report, err := a.visits.RunMorningAssignment(ctx)
				if err != nil {
					return err
				}
				if report.Failed > 0 {
					a.logger.Warn().Int("failed", report.Failed).Msg("morning assignment finished with failures")
				}
				return nil
			}),
		},
		{
			Name: jobCleanupTokens,
			Spec: a.cfg.TokenCleanupCron,
			Run: a.inTenant(tenant, func(ctx context.Context) error {
				sessions, err := a.join.ExpireSessions(ctx)
				if err != nil {
					return fmt.Errorf("expire join sessions: %w", err)
				}
				tokens, err := a.join.PurgeExpiredTokens(ctx)
				if err != nil {
					return fmt.Errorf("purge qr tokens: %w", err)
				}
				visits, err := a.visits.CleanupExpiredTokens(ctx)
				if err != nil {
					return fmt.Errorf("expire confirmation tokens: %w", err)
				}
				a.logger.Debug().
					Int64("sessions", sessions).
					Int64("qr_tokens", tokens).
					Int64("visits_expired", visits).
					Msg("token cleanup")
				return nil
			}),
		},
		{
			Name: jobPurgeQueues,
			Spec: a.cfg.PurgeCron,
			Run: a.inTenant(tenant, func(ctx context.Context) error {
				_, err := a.queues.PurgeBefore(ctx, a.cfg.QueueRetentionDays)
				return err
			}),
		},
	}
}
