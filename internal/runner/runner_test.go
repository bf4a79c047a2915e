package runner

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/0xPuncker/withings-sync-server/internal/logging"
	"github.com/0xPuncker/withings-sync-server/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func shellJob(t *testing.T, script string, args ...string) types.Job {
	t.Helper()
	return types.Job{
		Name:    "test-job",
		Command: "/bin/sh",
		Args:    append([]string{"-c", script, "sh"}, args...),
		LogPath: filepath.Join(t.TempDir(), "test-job.log"),
		Enabled: true,
	}
}

func readLog(t *testing.T, path string) string {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	return string(data)
}

func TestExecuteSuccess(t *testing.T) {
	r := New(logging.Discard())
	defer r.Close()
	job := shellJob(t, "echo first; echo second >&2")

	result, err := r.Execute(context.Background(), job, time.Now())
	require.NoError(t, err)

	assert.Equal(t, 0, result.ExitCode)
	assert.NotEmpty(t, result.RunID)
	assert.Contains(t, string(result.Output), "first")
	assert.Contains(t, string(result.Output), "second")

	content := readLog(t, job.LogPath)
	assert.Contains(t, content, "Job execution started")
	assert.Contains(t, content, "msg=first")
	assert.Contains(t, content, "msg=second")
	assert.Contains(t, content, "Job execution completed")
	assert.Contains(t, content, "exit_code=0")
	assert.Contains(t, content, "run_id="+result.RunID)
}

func TestExecuteNonZeroExit(t *testing.T) {
	r := New(logging.Discard())
	defer r.Close()
	job := shellJob(t, "echo boom >&2; exit 3")

	result, err := r.Execute(context.Background(), job, time.Now())
	require.Error(t, err)

	var execErr *ExecutionError
	require.True(t, errors.As(err, &execErr))
	assert.Equal(t, 3, execErr.ExitCode)
	assert.Equal(t, "test-job", execErr.Job)
	assert.Contains(t, string(execErr.Output), "boom")
	assert.Equal(t, 3, result.ExitCode)

	content := readLog(t, job.LogPath)
	assert.Contains(t, content, "Job execution failed")
	assert.Contains(t, content, "exit_code=3")
	assert.Contains(t, content, "msg=boom")
}

func TestExecuteSpawnFailure(t *testing.T) {
	r := New(logging.Discard())
	defer r.Close()
	job := types.Job{
		Name:    "missing",
		Command: "definitely-not-an-installed-command",
		LogPath: filepath.Join(t.TempDir(), "missing.log"),
	}

	result, err := r.Execute(context.Background(), job, time.Now())
	require.Error(t, err)

	var execErr *ExecutionError
	require.True(t, errors.As(err, &execErr))
	assert.Equal(t, -1, execErr.ExitCode)
	assert.Equal(t, -1, result.ExitCode)
	assert.Contains(t, readLog(t, job.LogPath), "Job execution failed")
}

func TestExecuteTimeout(t *testing.T) {
	r := New(logging.Discard())
	defer r.Close()
	job := shellJob(t, "sleep 30")

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := r.Execute(ctx, job, time.Now())

	require.Error(t, err)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
	assert.Less(t, time.Since(start), 10*time.Second)
}

func TestExecuteExpandsArgs(t *testing.T) {
	r := New(logging.Discard())
	defer r.Close()
	job := shellJob(t, `echo "$1 $2"`, "{{ daysAgo 1 }}", "{{ today }}")
	at := time.Date(2024, time.March, 2, 10, 0, 0, 0, time.UTC)

	result, err := r.Execute(context.Background(), job, at)
	require.NoError(t, err)

	assert.Equal(t, "2024-03-01 2024-03-02\n", string(result.Output))
}

func TestExecuteAppendsAcrossRuns(t *testing.T) {
	r := New(logging.Discard())
	defer r.Close()
	job := shellJob(t, "echo run")
	require.NoError(t, os.WriteFile(job.LogPath, []byte("existing content\n"), 0o644))

	for i := 0; i < 3; i++ {
		_, err := r.Execute(context.Background(), job, time.Now())
		require.NoError(t, err)
	}

	content := readLog(t, job.LogPath)
	assert.True(t, strings.HasPrefix(content, "existing content\n"))
	assert.Equal(t, 3, strings.Count(content, "Job execution started"))
	assert.Equal(t, 3, strings.Count(content, "Job execution completed"))
}

func TestExecuteWithoutLogPath(t *testing.T) {
	r := New(logging.Discard())
	defer r.Close()
	job := shellJob(t, "echo quiet")
	job.LogPath = ""

	result, err := r.Execute(context.Background(), job, time.Now())
	require.NoError(t, err)
	assert.Equal(t, "quiet\n", string(result.Output))
}

func TestValidate(t *testing.T) {
	r := New(logging.Discard())

	assert.NoError(t, r.Validate(types.Job{Command: "sync", Args: []string{"--fromdate", "{{ daysAgo 7 }}"}}))
	assert.Error(t, r.Validate(types.Job{}))
	assert.Error(t, r.Validate(types.Job{Command: "sync", Args: []string{"{{ daysAgo }"}}))
	assert.Error(t, r.Validate(types.Job{Command: "sync", Args: []string{"{{ yesterday }}"}}))
}

func TestExpandArgs(t *testing.T) {
	at := time.Date(2024, time.January, 10, 8, 30, 0, 0, time.UTC)

	args, err := ExpandArgs([]string{"--to-json", "{{ today }}", "{{ daysAgo 10 }}", `out-{{ now "150405" }}.json`}, at)
	require.NoError(t, err)

	assert.Equal(t, []string{"--to-json", "2024-01-10", "2023-12-31", "out-083000.json"}, args)
}
