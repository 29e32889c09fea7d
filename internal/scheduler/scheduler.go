// Package scheduler runs operator-configured cron jobs alongside the
// gateway's per-tick stream bookkeeping: a periodic full multicast rejoin
// independent of the Stream Context's own rejoin-interval ticker, and
// periodic playlist refreshes, per SPEC_FULL.md's DOMAIN STACK mapping of
// github.com/robfig/cron/v3 onto this gateway.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// JobResult is the outcome of the job's most recent run, for the admin
// status surface.
type JobResult struct {
	Status   string // "completed", "failed", "skipped"
	Err      error
	Duration time.Duration
	RanAt    time.Time
}

// JobSpec describes one cron-scheduled unit of work.
type JobSpec struct {
	Name     string
	Schedule string // standard 5-field cron expression
	Run      func(ctx context.Context) error
}

// Job tracks one registered JobSpec's run state, guarding against
// overlapping executions the way a slow rejoin or playlist fetch
// shouldn't stack up if it runs longer than its own period.
type Job struct {
	Name string

	mu      sync.Mutex
	running bool
	last    *JobResult
}

// Running reports whether the job is currently executing.
func (j *Job) Running() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.running
}

// LastResult returns the outcome of the job's most recent run, or nil if
// it has never run.
func (j *Job) LastResult() *JobResult {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.last
}

// Scheduler drives N independent cron jobs, each single-flight: a job
// still running when its next trigger fires is skipped rather than
// stacked.
type Scheduler struct {
	cron   *cron.Cron
	logger *slog.Logger
	jobs   []*Job
}

// New builds a Scheduler with one cron entry per spec.
func New(specs []JobSpec, logger *slog.Logger) (*Scheduler, error) {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Scheduler{
		logger: logger,
		cron:   cron.New(cron.WithLogger(cron.VerbosePrintfLogger(slog.NewLogLogger(logger.Handler(), slog.LevelDebug)))),
	}

	for _, spec := range specs {
		job := &Job{Name: spec.Name}
		s.jobs = append(s.jobs, job)

		specRef := spec
		jobRef := job
		if _, err := s.cron.AddFunc(specRef.Schedule, func() {
			s.execute(jobRef, specRef)
		}); err != nil {
			return nil, fmt.Errorf("scheduling job %q: %w", spec.Name, err)
		}
		logger.Info("scheduler: registered job", "job", spec.Name, "schedule", spec.Schedule)
	}

	return s, nil
}

// Start begins running registered jobs on their schedules.
func (s *Scheduler) Start() {
	s.logger.Info("scheduler: started", "jobs", len(s.jobs))
	s.cron.Start()
}

// Stop halts the scheduler, waiting for in-flight jobs until ctx expires.
func (s *Scheduler) Stop(ctx context.Context) {
	stopCtx := s.cron.Stop()
	select {
	case <-stopCtx.Done():
		s.logger.Info("scheduler: stopped gracefully")
	case <-ctx.Done():
		s.logger.Warn("scheduler: stop timed out with jobs still running")
	}
}

// Jobs returns the registered jobs, for status reporting.
func (s *Scheduler) Jobs() []*Job { return s.jobs }

func (s *Scheduler) execute(job *Job, spec JobSpec) {
	jobLogger := s.logger.With("job", spec.Name)

	job.mu.Lock()
	if job.running {
		job.mu.Unlock()
		jobLogger.Warn("scheduler: previous run still in progress, skipping")
		job.mu.Lock()
		job.last = &JobResult{Status: "skipped", RanAt: time.Now()}
		job.mu.Unlock()
		return
	}
	job.running = true
	job.mu.Unlock()

	defer func() {
		job.mu.Lock()
		job.running = false
		job.mu.Unlock()
	}()

	start := time.Now()
	err := spec.Run(context.Background())
	result := &JobResult{Duration: time.Since(start), RanAt: start, Err: err}
	if err != nil {
		result.Status = "failed"
		jobLogger.Error("scheduler: job failed", "error", err, "duration", result.Duration)
	} else {
		result.Status = "completed"
		jobLogger.Debug("scheduler: job completed", "duration", result.Duration)
	}

	job.mu.Lock()
	job.last = result
	job.mu.Unlock()
}
