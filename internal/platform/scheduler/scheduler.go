// Package scheduler runs background maintenance jobs on cron schedules.
//
// Schedules accept the standard five fields, an optional leading seconds
// field, and descriptors such as "@every 30s" or "@hourly":
//
//	s := scheduler.New(scheduler.Config{Logger: log})
//	_, err := s.Add("@every 1m", scheduler.JobOptions{Name: "compact"}, db.CompactJob)
//	s.Start()
//	defer s.Stop(ctx)
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// JobFunc is one run of a job.
type JobFunc func(ctx context.Context) error

// JobID identifies a scheduled job.
type JobID = cron.EntryID

// OverlapPolicy decides what happens when a run is due while the previous
// one is still going.
type OverlapPolicy int

const (
	// SkipIfRunning drops the new run.
	SkipIfRunning OverlapPolicy = iota
	// DelayIfRunning starts the new run once the previous one finishes.
	DelayIfRunning
	// AllowOverlap runs both.
	AllowOverlap
)

// JobOptions configures one job.
type JobOptions struct {
	Name string
	// Timeout bounds one run; 0 means no limit.
	Timeout       time.Duration
	OverlapPolicy OverlapPolicy
}

// Hooks observe job runs.
type Hooks struct {
	OnJobFinish func(name string, d time.Duration, err error)
}

// Config configures a Scheduler.
type Config struct {
	Logger *slog.Logger
	Hooks  Hooks
}

var parser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// ParseSchedule reports whether spec is a valid schedule.
func ParseSchedule(spec string) error {
	_, err := parser.Parse(spec)
	return err
}

// cronLogger feeds cron's internal messages into slog.
type cronLogger struct {
	log *slog.Logger
}

func (l cronLogger) Info(msg string, kv ...any) {
	l.log.Debug(msg, kv...)
}

func (l cronLogger) Error(err error, msg string, kv ...any) {
	l.log.Error(msg, append([]any{"error", err}, kv...)...)
}

// Scheduler owns a cron runner and the context its jobs run under.
type Scheduler struct {
	cron   *cron.Cron
	log    *slog.Logger
	hooks  Hooks
	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	started bool
	stopped bool
}

// New creates a stopped scheduler.
func New(cfg Config) *Scheduler {
	log := cfg.Logger
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	log = log.With("component", "scheduler")
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		cron:   cron.New(cron.WithParser(parser), cron.WithLogger(cronLogger{log: log})),
		log:    log,
		hooks:  cfg.Hooks,
		ctx:    ctx,
		cancel: cancel,
	}
}

// Add schedules job.
func (s *Scheduler) Add(spec string, opts JobOptions, job JobFunc) (JobID, error) {
	if opts.Name == "" {
		opts.Name = "unnamed"
	}
	logger := cronLogger{log: s.log}
	var chain cron.Chain
	switch opts.OverlapPolicy {
	case SkipIfRunning:
		chain = cron.NewChain(cron.SkipIfStillRunning(logger))
	case DelayIfRunning:
		chain = cron.NewChain(cron.DelayIfStillRunning(logger))
	default:
		chain = cron.NewChain()
	}

	id, err := s.cron.AddJob(spec, chain.Then(cron.FuncJob(func() { s.run(opts, job) })))
	if err != nil {
		return 0, fmt.Errorf("schedule %s %q: %w", opts.Name, spec, err)
	}
	s.log.Info("job scheduled", "name", opts.Name, "schedule", spec, "id", id)
	return id, nil
}

// Remove unschedules a job. A run in progress completes.
func (s *Scheduler) Remove(id JobID) {
	s.cron.Remove(id)
}

// Jobs returns the number of scheduled jobs.
func (s *Scheduler) Jobs() int {
	return len(s.cron.Entries())
}

// Start begins running jobs. It is a no-op on a started or stopped scheduler.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started || s.stopped {
		return
	}
	s.started = true
	s.cron.Start()
}

// IsRunning reports whether Start was called and Stop was not.
func (s *Scheduler) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.started && !s.stopped
}

// Stop cancels running jobs' context and waits for them to return, or for
// ctx to end. Later calls return nil at once.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.stopped = true
	s.mu.Unlock()

	s.cancel()
	select {
	case <-s.cron.Stop().Done():
		s.log.Info("scheduler stopped")
		return nil
	case <-ctx.Done():
		s.log.Warn("scheduler stop deadline exceeded")
		return ctx.Err()
	}
}

func (s *Scheduler) run(opts JobOptions, job JobFunc) {
	ctx := s.ctx
	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	start := time.Now()
	var err error
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
		d := time.Since(start)
		if err != nil {
			s.log.Error("job failed", "name", opts.Name, "error", err, "duration", d)
		} else {
			s.log.Debug("job finished", "name", opts.Name, "duration", d)
		}
		if s.hooks.OnJobFinish != nil {
			s.hooks.OnJobFinish(opts.Name, d, err)
		}
	}()
	err = job(ctx)
}
