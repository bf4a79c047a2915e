package types

import "time"

// RunResult describes a single finished execution of a job
type RunResult struct {
	RunID       string        `json:"run_id"`
	Job         string        `json:"job"`
	ScheduledAt time.Time     `json:"scheduled_at"`
	Started     time.Time     `json:"started"`
	Duration    time.Duration `json:"duration"`
	ExitCode    int           `json:"exit_code"`
	Output      []byte        `json:"-"`
}
