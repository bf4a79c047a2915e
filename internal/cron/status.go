package cron

import (
	"fmt"
	"time"
)

// HistoryItem records one trigger, executed or skipped.
type HistoryItem struct {
	RunID       string        `json:"run_id,omitempty"`
	Job         string        `json:"job"`
	ScheduledAt time.Time     `json:"scheduled_at"`
	Started     time.Time     `json:"started"`
	Duration    time.Duration `json:"duration"`
	ExitCode    int           `json:"exit_code"`
	Error       string        `json:"error,omitempty"`
	Skipped     bool          `json:"skipped,omitempty"`
}

type JobStatus struct {
	Name        string    `json:"name"`
	Schedule    string    `json:"schedule"`
	Command     string    `json:"command"`
	Args        []string  `json:"args"`
	LogPath     string    `json:"log_path"`
	Description string    `json:"description"`
	Running     bool      `json:"running"`
	Next        time.Time `json:"next"`
	Prev        time.Time `json:"prev,omitempty"`
}

// ListJobs returns the registered jobs in registration order.
func (s *Scheduler) ListJobs() []JobStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()

	jobs := make([]JobStatus, 0, len(s.order))
	for _, name := range s.order {
		jobs = append(jobs, s.statusLocked(s.jobs[name]))
	}

	return jobs
}

func (s *Scheduler) GetJobStatus(name string) (JobStatus, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, exists := s.jobs[name]
	if !exists {
		return JobStatus{}, fmt.Errorf("job %s not found", name)
	}

	return s.statusLocked(e), nil
}

func (s *Scheduler) statusLocked(e *entry) JobStatus {
	return JobStatus{
		Name:        e.job.Name,
		Schedule:    e.job.Schedule,
		Command:     e.job.Command,
		Args:        append([]string(nil), e.job.Args...),
		LogPath:     e.job.LogPath,
		Description: e.job.Description,
		Running:     e.state.isRunning(),
		Next:        e.next,
		Prev:        e.prev,
	}
}

// History returns the most recent triggers, oldest first.
func (s *Scheduler) History() []HistoryItem {
	s.hmu.Lock()
	defer s.hmu.Unlock()
	return append([]HistoryItem(nil), s.history...)
}

func (s *Scheduler) record(item HistoryItem) {
	s.hmu.Lock()
	defer s.hmu.Unlock()

	s.history = append(s.history, item)
	if len(s.history) > s.historySize {
		s.history = s.history[len(s.history)-s.historySize:]
	}
}
