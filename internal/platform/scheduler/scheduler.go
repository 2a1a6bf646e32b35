// Package scheduler runs the clinic's periodic jobs on cron schedules.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// Job is a named unit of periodic work. Spec uses the six-field cron format
// with seconds.
type Job struct {
	Name string
	Spec string
	Run  func(ctx context.Context) error
}

// Runner wraps a cron.Cron. Overlapping runs of the same job are skipped.
type Runner struct {
	cron   *cron.Cron
	logger zerolog.Logger
	ctx    context.Context
	cancel context.CancelFunc

	mu   sync.Mutex
	jobs map[string]Job
}

func NewRunner(loc *time.Location, logger zerolog.Logger) *Runner {
	if loc == nil {
		loc = time.UTC
	}
	cl := cronLogger{logger: logger}
	ctx, cancel := context.WithCancel(context.Background())
	return &Runner{
		cron: cron.New(
			cron.WithSeconds(),
			cron.WithLocation(loc),
			cron.WithLogger(cl),
			cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
		),
		logger: logger,
		ctx:    ctx,
		cancel: cancel,
		jobs:   make(map[string]Job),
	}
}

// Register schedules job. An empty Spec disables it.
func (r *Runner) Register(job Job) error {
	if job.Spec == "" {
		r.logger.Info().Str("job", job.Name).Msg("job disabled")
		return nil
	}
	if _, err := r.cron.AddFunc(job.Spec, func() { r.execute(job) }); err != nil {
		return fmt.Errorf("schedule %s (%q): %w", job.Name, job.Spec, err)
	}
	r.mu.Lock()
	r.jobs[job.Name] = job
	r.mu.Unlock()
	return nil
}

// RunNow executes a registered job synchronously, outside its schedule.
func (r *Runner) RunNow(ctx context.Context, name string) error {
	r.mu.Lock()
	job, ok := r.jobs[name]
	r.mu.Unlock()
	if !ok {
		return fmt.Errorf("unknown job %q", name)
	}
	return job.Run(ctx)
}

func (r *Runner) execute(job Job) {
	start := time.Now()
	err := job.Run(r.ctx)
	evt := r.logger.Info()
	if err != nil {
		evt = r.logger.Error().Err(err)
	}
	evt.Str("job", job.Name).Dur("duration", time.Since(start)).Msg("job finished")
}

func (r *Runner) Start() {
	r.cron.Start()
	r.logger.Info().Int("jobs", len(r.cron.Entries())).Msg("scheduler started")
}

// Stop cancels running jobs and waits for them to return or ctx to expire.
func (r *Runner) Stop(ctx context.Context) error {
	r.cancel()
	done := r.cron.Stop()
	select {
	case <-done.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// cronLogger adapts zerolog to cron.Logger.
type cronLogger struct {
	logger zerolog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug().Fields(keysAndValues).Msg(msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error().Err(err).Fields(keysAndValues).Msg(msg)
}
