package reconcile

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/hearthly/hearth/internal/metrics"
)

// Job is a named periodic task.
type Job struct {
	Name string
	// Spec is a cron expression or descriptor such as "@every 30m".
	Spec string
	Run  func(ctx context.Context) error
}

// Scheduler runs jobs on cron schedules. A run that is still going when its
// next tick arrives skips that tick.
type Scheduler struct {
	cron   *cron.Cron
	logger *slog.Logger

	mu      sync.Mutex
	ctx     context.Context
	cancel  context.CancelFunc
	running bool
}

// NewScheduler creates a scheduler. Jobs are added with Add, then Start.
func NewScheduler(logger *slog.Logger) *Scheduler {
	cl := cronLogger{logger: logger}
	return &Scheduler{
		cron: cron.New(
			cron.WithLogger(cl),
			cron.WithChain(cron.SkipIfStillRunning(cl)),
		),
		logger: logger,
		ctx:    context.Background(),
	}
}

// Add registers a job. It fails on an invalid schedule.
func (s *Scheduler) Add(job Job) error {
	_, err := s.cron.AddFunc(job.Spec, func() { s.safeRun(job) })
	if err != nil {
		return fmt.Errorf("schedule %s (%q): %w", job.Name, job.Spec, err)
	}
	s.logger.Info("job scheduled", "job", job.Name, "schedule", job.Spec)
	return nil
}

// Start begins running jobs. Runs get a context derived from ctx, cancelled
// by Stop.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.running = true
	s.cron.Start()
}

// Running reports whether the scheduler has been started and not stopped.
func (s *Scheduler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Stop halts scheduling, cancels in-flight runs, and waits for them to
// return or ctx to end.
func (s *Scheduler) Stop(ctx context.Context) {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	cancel := s.cancel
	s.mu.Unlock()

	done := s.cron.Stop()
	cancel()
	select {
	case <-done.Done():
	case <-ctx.Done():
		s.logger.Warn("scheduler stop timed out")
	}
}

func (s *Scheduler) runContext() context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ctx
}

func (s *Scheduler) safeRun(job Job) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			metrics.ScheduledJobRuns.WithLabelValues(job.Name, "panic").Inc()
			s.logger.Error("panic in scheduled job", "job", job.Name, "panic", fmt.Sprint(r))
		}
	}()

	if err := job.Run(s.runContext()); err != nil {
		metrics.ScheduledJobRuns.WithLabelValues(job.Name, "error").Inc()
		s.logger.Warn("scheduled job failed", "job", job.Name, "error", err, "duration", time.Since(start))
		return
	}
	metrics.ScheduledJobRuns.WithLabelValues(job.Name, "ok").Inc()
	s.logger.Debug("scheduled job finished", "job", job.Name, "duration", time.Since(start))
}

// cronLogger adapts slog to cron's logger interface.
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.logger.Debug("cron: "+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.logger.Error("cron: "+msg, append(keysAndValues, "error", err)...)
}
