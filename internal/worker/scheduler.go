package worker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/robfig/cron/v3"

	"github.com/matrix-engine/internal/logging"
)

// Job is one unit of background work run on a schedule
type Job interface {
	Name() string
	Run(ctx context.Context) error
}

// JobStatus is the last known state of a scheduled job
type JobStatus struct {
	Name      string        `json:"name"`
	Schedule  string        `json:"schedule"`
	Runs      int64         `json:"runs"`
	Failures  int64         `json:"failures"`
	LastRun   time.Time     `json:"lastRun"`
	LastError string        `json:"lastError,omitempty"`
	Duration  time.Duration `json:"lastDuration"`
}

// Scheduler runs jobs on cron schedules. A job never overlaps with itself.
type Scheduler struct {
	cron    *cron.Cron
	clock   clockwork.Clock
	timeout time.Duration
	logger  *logging.Logger

	mu      sync.RWMutex
	running bool
	ctx     context.Context
	cancel  context.CancelFunc
	status  map[string]*JobStatus
	jobs    map[string]Job
}

// NewScheduler creates a scheduler. timeout bounds a single job run.
func NewScheduler(clock clockwork.Clock, timeout time.Duration) *Scheduler {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	return &Scheduler{
		cron: cron.New(
			cron.WithLocation(time.UTC),
			cron.WithChain(cron.Recover(cron.DiscardLogger), cron.SkipIfStillRunning(cron.DiscardLogger)),
		),
		clock:   clock,
		timeout: timeout,
		logger:  logging.Named("scheduler"),
		status:  make(map[string]*JobStatus),
		jobs:    make(map[string]Job),
	}
}

// Add registers job under a cron spec ("@every 1m", "*/5 * * * *").
func (s *Scheduler) Add(spec string, job Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.status[job.Name()]; ok {
		return fmt.Errorf("job %s already scheduled", job.Name())
	}
	if _, err := s.cron.AddFunc(spec, func() { s.RunNow(job) }); err != nil {
		return fmt.Errorf("invalid schedule %q for job %s: %w", spec, job.Name(), err)
	}
	s.status[job.Name()] = &JobStatus{Name: job.Name(), Schedule: spec}
	s.jobs[job.Name()] = job
	return nil
}

// Start begins firing scheduled jobs. Jobs run under ctx until Stop.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return fmt.Errorf("scheduler is already running")
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.running = true
	s.cron.Start()
	s.logger.WithField("jobs", len(s.status)).Info("Scheduler started")
	return nil
}

// Stop stops scheduling and waits for running jobs until ctx is done.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	s.mu.Unlock()

	done := s.cron.Stop()
	select {
	case <-done.Done():
		s.cancel()
		s.logger.Info("Scheduler stopped")
		return nil
	case <-ctx.Done():
		s.cancel()
		return fmt.Errorf("timeout waiting for jobs to finish: %w", ctx.Err())
	}
}

// RunNow executes job once, outside of its schedule, and records the run.
func (s *Scheduler) RunNow(job Job) {
	s.mu.RLock()
	parent := s.ctx
	s.mu.RUnlock()
	if parent == nil {
		parent = context.Background()
	}

	ctx, cancel := context.WithTimeout(parent, s.timeout)
	defer cancel()

	start := s.clock.Now()
	err := job.Run(ctx)
	elapsed := s.clock.Since(start)

	s.mu.Lock()
	st, ok := s.status[job.Name()]
	if !ok {
		st = &JobStatus{Name: job.Name()}
		s.status[job.Name()] = st
	}
	st.Runs++
	st.LastRun = start.UTC()
	st.Duration = elapsed
	st.LastError = ""
	if err != nil {
		st.Failures++
		st.LastError = err.Error()
	}
	s.mu.Unlock()

	log := s.logger.WithFields(map[string]interface{}{"job": job.Name(), "duration": elapsed.String()})
	if err != nil {
		log.WithError(err).Error("Job failed")
		return
	}
	log.Debug("Job completed")
}

// RunByName runs a registered job once. It reports false for unknown names.
func (s *Scheduler) RunByName(name string) bool {
	s.mu.RLock()
	job, ok := s.jobs[name]
	s.mu.RUnlock()
	if !ok {
		return false
	}
	s.RunNow(job)
	return true
}

// GetStatus returns a snapshot of every job's status.
func (s *Scheduler) GetStatus() []JobStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]JobStatus, 0, len(s.status))
	for _, st := range s.status {
		out = append(out, *st)
	}
	return out
}

// IsRunning reports whether the scheduler has been started.
func (s *Scheduler) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}
