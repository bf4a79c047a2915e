package cron

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"github.com/0xPuncker/withings-sync-server/pkg/types"
	"github.com/0xPuncker/withings-sync-server/pkg/utils"
	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
)

const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
	OutcomeSkipped = "skipped"

	defaultHistorySize = 100
	maxTickInterval    = time.Minute
	outputTailSize     = 512
)

// Executor runs a single job invocation.
type Executor interface {
	Execute(ctx context.Context, job types.Job, scheduledAt time.Time) (*types.RunResult, error)
}

// Validator is implemented by executors that can reject a job at registration.
type Validator interface {
	Validate(job types.Job) error
}

// Recorder receives run outcomes, e.g. for metrics.
type Recorder interface {
	ObserveRun(job, outcome string, duration time.Duration)
}

type Option func(*Scheduler)

func WithClock(clock Clock) Option {
	return func(s *Scheduler) { s.clock = clock }
}

func WithRecorder(recorder Recorder) Option {
	return func(s *Scheduler) { s.recorder = recorder }
}

type entry struct {
	job      types.Job
	schedule cron.Schedule
	timeout  time.Duration
	next     time.Time
	prev     time.Time
	state    runState
}

type runState struct {
	mu      sync.Mutex
	running bool
}

func (s *runState) tryStart() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return false
	}
	s.running = true
	return true
}

func (s *runState) finish() {
	s.mu.Lock()
	s.running = false
	s.mu.Unlock()
}

func (s *runState) isRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

type Scheduler struct {
	logger   *logrus.Logger
	parser   cron.Parser
	clock    Clock
	executor Executor
	recorder Recorder

	mu      sync.RWMutex
	jobs    map[string]*entry
	order   []string
	started bool

	maxConcurrent  int
	activeJobs     int
	activeJobsLock sync.Mutex

	historySize int
	hmu         sync.Mutex
	history     []HistoryItem

	wg sync.WaitGroup
}

func NewScheduler(logger *logrus.Logger, config types.JobConfig, executor Executor, opts ...Option) *Scheduler {
	historySize := config.HistorySize
	if historySize <= 0 {
		historySize = defaultHistorySize
	}

	s := &Scheduler{
		logger:        logger,
		parser:        cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		clock:         realClock{},
		executor:      executor,
		jobs:          make(map[string]*entry),
		maxConcurrent: config.MaxConcurrent,
		historySize:   historySize,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// RegisterJob adds a job to the schedule. Disabled jobs are skipped.
func (s *Scheduler) RegisterJob(job types.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.registerLocked(job)
}

// LoadPredefinedJobs replaces the whole schedule with jobs.
func (s *Scheduler) LoadPredefinedJobs(jobs []types.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Clear existing jobs
	s.jobs = make(map[string]*entry)
	s.order = nil

	for _, job := range jobs {
		if err := s.registerLocked(job); err != nil {
			return err
		}
	}

	return nil
}

func (s *Scheduler) registerLocked(job types.Job) error {
	if !job.Enabled {
		s.logger.Infof("Skipping disabled job: %s", job.Name)
		return nil
	}

	if strings.TrimSpace(job.Name) == "" {
		return &ScheduleConfigError{Job: job.Name, Schedule: job.Schedule, Err: errors.New("job name is required")}
	}
	if _, exists := s.jobs[job.Name]; exists {
		return &ScheduleConfigError{Job: job.Name, Schedule: job.Schedule, Err: errors.New("job already registered")}
	}
	if strings.TrimSpace(job.Command) == "" {
		return &ScheduleConfigError{Job: job.Name, Schedule: job.Schedule, Err: errors.New("command is required")}
	}

	schedule, err := s.parser.Parse(job.Schedule)
	if err != nil {
		return &ScheduleConfigError{Job: job.Name, Schedule: job.Schedule, Err: err}
	}

	var timeout time.Duration
	if job.Timeout != "" {
		timeout, err = time.ParseDuration(job.Timeout)
		if err != nil || timeout <= 0 {
			return &ScheduleConfigError{Job: job.Name, Schedule: job.Schedule, Err: fmt.Errorf("invalid timeout %q", job.Timeout)}
		}
	}

	if v, ok := s.executor.(Validator); ok {
		if err := v.Validate(job); err != nil {
			return &ScheduleConfigError{Job: job.Name, Schedule: job.Schedule, Err: err}
		}
	}

	// Next(t) is strictly after t, so step back a second to let the
	// current minute count as the first activation.
	now := s.clock.Now()
	e := &entry{
		job:      job,
		schedule: schedule,
		timeout:  timeout,
		next:     schedule.Next(now.Add(-time.Second)),
	}
	s.jobs[job.Name] = e
	s.order = append(s.order, job.Name)

	s.logger.WithFields(logrus.Fields{
		"job_name":    job.Name,
		"schedule":    job.Schedule,
		"command":     job.Command,
		"log_path":    job.LogPath,
		"next_run":    e.next.Format(time.RFC3339),
		"description": job.Description,
	}).Info("Job scheduled successfully")

	return nil
}

// Tick triggers every job whose next activation is not after now. It never
// waits for the commands it starts.
func (s *Scheduler) Tick(ctx context.Context, now time.Time) {
	type due struct {
		entry *entry
		at    time.Time
	}

	s.mu.Lock()
	var triggered []due
	for _, name := range s.order {
		e := s.jobs[name]
		if e.next.After(now) {
			continue
		}
		triggered = append(triggered, due{entry: e, at: e.next})
		e.prev = e.next
		e.next = e.schedule.Next(now)
	}
	s.mu.Unlock()

	for _, d := range triggered {
		s.trigger(ctx, d.entry, d.at)
	}
}

func (s *Scheduler) trigger(ctx context.Context, e *entry, at time.Time) {
	if !e.state.tryStart() {
		s.logger.WithFields(logrus.Fields{
			"job_name":     e.job.Name,
			"scheduled_at": at.Format(time.RFC3339),
		}).Warn("Previous run still in progress, skipping trigger")
		s.skip(e, at, "previous run still in progress")
		return
	}

	if !s.acquireSlot() {
		e.state.finish()
		s.logger.Warnf("Max concurrent jobs reached, skipping job: %s", e.job.Name)
		s.skip(e, at, "max concurrent jobs reached")
		return
	}

	s.wg.Add(1)
	go s.execute(ctx, e, at, s.clock.Now(), s.timeoutFor(e, at))
}

func (s *Scheduler) execute(ctx context.Context, e *entry, at, started time.Time, timeout time.Duration) {
	defer s.wg.Done()
	defer s.releaseSlot()
	defer e.state.finish()

	begin := time.Now()
	item := HistoryItem{Job: e.job.Name, ScheduledAt: at, Started: started, ExitCode: -1}

	defer func() {
		if r := recover(); r != nil {
			item.Duration = time.Since(begin)
			item.Error = fmt.Sprintf("panic: %v", r)
			s.logger.WithFields(logrus.Fields{
				"job_name": e.job.Name,
				"panic":    fmt.Sprint(r),
				"stack":    string(debug.Stack()),
			}).Error("Job execution panicked")
			s.observe(e.job.Name, OutcomeFailure, item.Duration)
			s.record(item)
		}
	}()

	s.logger.WithFields(logrus.Fields{
		"job_name":     e.job.Name,
		"schedule":     e.job.Schedule,
		"scheduled_at": at.Format(time.RFC3339),
		"timeout":      timeout.String(),
		"active_jobs":  s.ActiveJobs(),
	}).Info("Starting job execution")

	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	result, err := s.executor.Execute(runCtx, e.job, at)
	item.Duration = time.Since(begin)
	if result != nil {
		item.RunID = result.RunID
		item.ExitCode = result.ExitCode
		item.Duration = result.Duration
	}

	fields := logrus.Fields{
		"job_name":  e.job.Name,
		"run_id":    item.RunID,
		"exit_code": item.ExitCode,
		"duration":  utils.FormatDuration(item.Duration),
	}

	if err != nil {
		item.Error = err.Error()
		fields["error"] = err.Error()
		if result != nil && len(result.Output) > 0 {
			fields["output_tail"] = tail(result.Output, outputTailSize)
		}
		s.logger.WithFields(fields).Error("Job execution failed")
		s.observe(e.job.Name, OutcomeFailure, item.Duration)
	} else {
		item.ExitCode = 0
		s.logger.WithFields(fields).Info("Job execution completed successfully")
		s.observe(e.job.Name, OutcomeSuccess, item.Duration)
	}

	s.record(item)
}

// timeoutFor caps the run at the gap until the job's following activation so
// a hung command cannot outlive its own schedule.
func (s *Scheduler) timeoutFor(e *entry, at time.Time) time.Duration {
	interval := e.schedule.Next(at).Sub(at)
	if interval <= 0 {
		interval = maxTickInterval
	}
	if e.timeout > 0 && e.timeout < interval {
		return e.timeout
	}
	return interval
}

func (s *Scheduler) skip(e *entry, at time.Time, reason string) {
	s.observe(e.job.Name, OutcomeSkipped, 0)
	s.record(HistoryItem{
		Job:         e.job.Name,
		ScheduledAt: at,
		Started:     s.clock.Now(),
		ExitCode:    -1,
		Skipped:     true,
		Error:       reason,
	})
}

func (s *Scheduler) observe(job, outcome string, d time.Duration) {
	if s.recorder != nil {
		s.recorder.ObserveRun(job, outcome, d)
	}
}

func (s *Scheduler) acquireSlot() bool {
	s.activeJobsLock.Lock()
	defer s.activeJobsLock.Unlock()
	if s.maxConcurrent > 0 && s.activeJobs >= s.maxConcurrent {
		return false
	}
	s.activeJobs++
	return true
}

func (s *Scheduler) releaseSlot() {
	s.activeJobsLock.Lock()
	s.activeJobs--
	s.activeJobsLock.Unlock()
}

// ActiveJobs is the number of executions currently in flight.
func (s *Scheduler) ActiveJobs() int {
	s.activeJobsLock.Lock()
	defer s.activeJobsLock.Unlock()
	return s.activeJobs
}

// Run drives the schedule until ctx is cancelled. It returns once the
// executions started by it have exited.
func (s *Scheduler) Run(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return fmt.Errorf("scheduler already started")
	}
	s.started = true
	jobs := len(s.jobs)
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.started = false
		s.mu.Unlock()
	}()

	s.logger.WithField("jobs", jobs).Info("Scheduler started...")

	s.Tick(ctx, s.clock.Now())
	for {
		wait := s.untilNext(s.clock.Now())

		select {
		case <-ctx.Done():
			s.logger.Info("Scheduler stopping, waiting for running jobs")
			s.Wait()
			s.logger.Info("Scheduler stopped")
			return nil
		case now := <-s.clock.After(wait):
			s.Tick(ctx, now)
		}
	}
}

func (s *Scheduler) untilNext(now time.Time) time.Duration {
	s.mu.RLock()
	defer s.mu.RUnlock()

	wait := maxTickInterval
	for _, e := range s.jobs {
		if d := e.next.Sub(now); d < wait {
			wait = d
		}
	}
	if wait < 0 {
		wait = 0
	}
	return wait
}

// Wait blocks until all in-flight executions have finished.
func (s *Scheduler) Wait() {
	s.wg.Wait()
}

func (s *Scheduler) isStarted() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.started
}

func tail(b []byte, n int) string {
	if len(b) > n {
		b = b[len(b)-n:]
	}
	return strings.TrimSpace(string(b))
}
