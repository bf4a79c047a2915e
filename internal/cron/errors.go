package cron

import "fmt"

// ScheduleConfigError means a job definition can never be scheduled. It is
// fatal at startup.
type ScheduleConfigError struct {
	Job      string
	Schedule string
	Err      error
}

func (e *ScheduleConfigError) Error() string {
	return fmt.Sprintf("failed to schedule job %s (%q): %v", e.Job, e.Schedule, e.Err)
}

func (e *ScheduleConfigError) Unwrap() error {
	return e.Err
}
