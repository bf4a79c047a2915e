package runner

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"time"

	"github.com/0xPuncker/withings-sync-server/pkg/types"
	"github.com/0xPuncker/withings-sync-server/pkg/utils"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

const logTimestampFormat = "2006-01-02 15:04:05"

// Runner executes job commands and appends their output to the job log.
type Runner struct {
	logger *logrus.Logger

	// waitDelay bounds how long Wait blocks on output pipes after the
	// process was killed; children of a killed shell may keep them open.
	waitDelay time.Duration

	mu    sync.Mutex
	sinks map[string]*logSink
}

type logSink struct {
	mu     sync.Mutex
	file   *os.File
	logger *logrus.Logger
}

func New(logger *logrus.Logger) *Runner {
	return &Runner{
		logger:    logger,
		waitDelay: 2 * time.Second,
		sinks:     make(map[string]*logSink),
	}
}

// Validate checks that the job can be executed at all.
func (r *Runner) Validate(job types.Job) error {
	if job.Command == "" {
		return errors.New("command is required")
	}
	return ValidateArgs(job.Args)
}

// Execute runs the job's command once and blocks until it exits or ctx is done.
// The returned result is non-nil whenever the command was attempted.
func (r *Runner) Execute(ctx context.Context, job types.Job, scheduledAt time.Time) (*types.RunResult, error) {
	result := &types.RunResult{
		RunID:       uuid.NewString(),
		Job:         job.Name,
		ScheduledAt: scheduledAt,
		Started:     time.Now(),
		ExitCode:    -1,
	}

	args, err := ExpandArgs(job.Args, scheduledAt)
	if err != nil {
		r.finish(job, result, err)
		return result, &ExecutionError{Job: job.Name, RunID: result.RunID, ExitCode: -1, Err: err}
	}

	var output bytes.Buffer
	cmd := exec.CommandContext(ctx, job.Command, args...)
	cmd.Stdout = &output
	cmd.Stderr = &output
	cmd.WaitDelay = r.waitDelay

	runErr := cmd.Run()
	result.Output = output.Bytes()
	result.ExitCode = exitCode(cmd, runErr)

	if runErr != nil && ctx.Err() != nil {
		runErr = fmt.Errorf("%w: %v", ctx.Err(), runErr)
	}

	r.finish(job, result, runErr)

	if runErr != nil {
		return result, &ExecutionError{
			Job:      job.Name,
			RunID:    result.RunID,
			ExitCode: result.ExitCode,
			Output:   result.Output,
			Err:      runErr,
		}
	}

	return result, nil
}

// Close closes every open job log.
func (r *Runner) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var errs []error
	for path, sink := range r.sinks {
		if err := sink.file.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", path, err))
		}
		delete(r.sinks, path)
	}
	return errors.Join(errs...)
}

func (r *Runner) finish(job types.Job, result *types.RunResult, runErr error) {
	result.Duration = time.Since(result.Started)

	if job.LogPath == "" {
		return
	}

	if err := r.appendLog(job.LogPath, result, runErr); err != nil {
		r.logger.WithFields(logrus.Fields{
			"job_name": job.Name,
			"log_path": job.LogPath,
			"error":    err.Error(),
		}).Error("Failed to write job log")
	}
}

// appendLog writes one run as a contiguous block: a start record, one record
// per output line and a completion record.
func (r *Runner) appendLog(path string, result *types.RunResult, runErr error) error {
	sink, err := r.sink(path)
	if err != nil {
		return err
	}

	sink.mu.Lock()
	defer sink.mu.Unlock()

	entry := sink.logger.WithFields(logrus.Fields{
		"job":    result.Job,
		"run_id": result.RunID,
	})

	entry.WithTime(result.Started).
		WithField("scheduled_at", result.ScheduledAt.Format(time.RFC3339)).
		Info("Job execution started")

	for _, line := range bytes.Split(bytes.TrimRight(result.Output, "\n"), []byte("\n")) {
		if len(line) == 0 {
			continue
		}
		entry.WithField("stream", "output").Info(string(bytes.TrimRight(line, "\r")))
	}

	done := entry.WithFields(logrus.Fields{
		"exit_code": result.ExitCode,
		"duration":  utils.FormatDuration(result.Duration),
	})
	if runErr != nil {
		done.WithField("error", runErr.Error()).Error("Job execution failed")
	} else {
		done.Info("Job execution completed")
	}

	return nil
}

func (r *Runner) sink(path string) (*logSink, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if sink, ok := r.sinks[path]; ok {
		return sink, nil
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open job log: %w", err)
	}

	logger := logrus.New()
	logger.SetOutput(file)
	logger.SetLevel(logrus.InfoLevel)
	logger.SetFormatter(&logrus.TextFormatter{
		DisableColors:   true,
		FullTimestamp:   true,
		TimestampFormat: logTimestampFormat,
	})

	sink := &logSink{file: file, logger: logger}
	r.sinks[path] = sink
	return sink, nil
}

func exitCode(cmd *exec.Cmd, err error) int {
	if err == nil {
		return 0
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}

	if cmd.ProcessState != nil {
		return cmd.ProcessState.ExitCode()
	}

	return -1
}
