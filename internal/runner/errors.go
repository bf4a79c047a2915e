package runner

import "fmt"

// ExecutionError is returned when the command could not be started or exited
// with a non-zero status.
type ExecutionError struct {
	Job      string
	RunID    string
	ExitCode int
	Output   []byte
	Err      error
}

func (e *ExecutionError) Error() string {
	if e.ExitCode < 0 {
		return fmt.Sprintf("job %s failed: %v", e.Job, e.Err)
	}
	return fmt.Sprintf("job %s exited with code %d: %v", e.Job, e.ExitCode, e.Err)
}

func (e *ExecutionError) Unwrap() error {
	return e.Err
}
