package main

import (
	"context"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/0xPuncker/withings-sync-server/internal/config"
	"github.com/0xPuncker/withings-sync-server/internal/cron"
	"github.com/0xPuncker/withings-sync-server/internal/logging"
	"github.com/0xPuncker/withings-sync-server/internal/testutil"
	"github.com/0xPuncker/withings-sync-server/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const writeScript = `printf '{"synced_at":"%s"}' "$1" > "$2"`

func testAppConfig(t *testing.T) *config.Config {
	t.Helper()

	cfg := config.DefaultConfig()
	cfg.Server.BindAddress = "127.0.0.1"
	cfg.Server.Port = "0"
	cfg.Server.ServeDirectory = t.TempDir()
	cfg.Server.BasePath = "/wt"
	cfg.Server.ListingCacheTTL = ""
	cfg.Logging.File = ""
	return cfg
}

func syncJob(cfg *config.Config) types.Job {
	return types.Job{
		Name:     "withings-sync",
		Schedule: "*/5 * * * *",
		Command:  "/bin/sh",
		Args: []string{
			"-c", writeScript, "sh",
			`{{ now "15:04" }}`,
			filepath.Join(cfg.Server.ServeDirectory, "out.json"),
		},
		LogPath: filepath.Join(cfg.Server.ServeDirectory, "withings-sync.log"),
		Timeout: "30s",
		Enabled: true,
	}
}

func get(t *testing.T, a *app, target string) (int, string) {
	t.Helper()

	req := httptest.NewRequest(http.MethodGet, target, nil)
	rr := httptest.NewRecorder()
	a.files.Handler().ServeHTTP(rr, req)
	return rr.Code, rr.Body.String()
}

func TestSyncedFileIsServed(t *testing.T) {
	cfg := testAppConfig(t)
	cfg.Jobs.Predefined = []types.Job{syncJob(cfg)}

	clock := testutil.NewFakeClock(time.Date(2024, 1, 1, 12, 1, 0, 0, time.UTC))
	a, err := newApp(cfg, logging.Discard(), cron.WithClock(clock))
	require.NoError(t, err)
	require.NoError(t, a.start())
	t.Cleanup(func() { shutdown(a) })

	code, _ := get(t, a, "/wt/out.json")
	assert.Equal(t, http.StatusNotFound, code)

	for i := 0; i < 10; i++ {
		clock.Advance(time.Minute)
		a.scheduler.Tick(context.Background(), clock.Now())
		a.scheduler.Wait()
	}

	history := a.scheduler.History()
	require.Len(t, history, 2)
	assert.Equal(t, "12:05", history[0].ScheduledAt.Format("15:04"))
	assert.Equal(t, "12:10", history[1].ScheduledAt.Format("15:04"))
	for _, item := range history {
		assert.Equal(t, 0, item.ExitCode)
		assert.Empty(t, item.Error)
	}

	code, body := get(t, a, "/wt/out.json")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, `{"synced_at":"12:10"}`, body)

	logData, err := os.ReadFile(filepath.Join(cfg.Server.ServeDirectory, "withings-sync.log"))
	require.NoError(t, err)
	assert.Equal(t, 2, strings.Count(string(logData), "Job execution completed"))
}

func TestFailingJobDoesNotStopServing(t *testing.T) {
	cfg := testAppConfig(t)
	testutil.WriteTree(t, cfg.Server.ServeDirectory, map[string]string{"previous.json": "{}"})
	logPath := filepath.Join(cfg.Server.ServeDirectory, "broken.log")
	cfg.Jobs.Predefined = []types.Job{{
		Name:     "broken",
		Schedule: "* * * * *",
		Command:  "/bin/sh",
		Args:     []string{"-c", "echo token expired >&2; exit 3"},
		LogPath:  logPath,
		Enabled:  true,
	}}

	clock := testutil.NewFakeClock(time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC))
	a, err := newApp(cfg, logging.Discard(), cron.WithClock(clock))
	require.NoError(t, err)
	require.NoError(t, a.start())
	t.Cleanup(func() { shutdown(a) })

	for i := 0; i < 3; i++ {
		a.scheduler.Tick(context.Background(), clock.Now())
		a.scheduler.Wait()
		clock.Advance(time.Minute)
	}

	history := a.scheduler.History()
	require.Len(t, history, 3)
	for _, item := range history {
		assert.Equal(t, 3, item.ExitCode)
		assert.NotEmpty(t, item.Error)
	}

	logData, err := os.ReadFile(logPath)
	require.NoError(t, err)
	assert.Equal(t, 3, strings.Count(string(logData), "Job execution failed"))
	assert.Equal(t, 3, strings.Count(string(logData), "token expired"))

	// The next trigger still fires after the failures.
	a.scheduler.Tick(context.Background(), clock.Now())
	a.scheduler.Wait()
	assert.Len(t, a.scheduler.History(), 4)

	code, body := get(t, a, "/wt/previous.json")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "{}", body)
}

func TestInvalidScheduleFailsStart(t *testing.T) {
	cfg := testAppConfig(t)
	job := syncJob(cfg)
	job.Schedule = "not a schedule"
	cfg.Jobs.Predefined = []types.Job{job}

	a, err := newApp(cfg, logging.Discard())
	require.NoError(t, err)

	err = a.start()
	t.Cleanup(func() { shutdown(a) })

	var schedErr *cron.ScheduleConfigError
	require.ErrorAs(t, err, &schedErr)
	assert.Equal(t, "withings-sync", schedErr.Job)
}

func TestMetricsListener(t *testing.T) {
	cfg := testAppConfig(t)
	cfg.Metrics.Address = "127.0.0.1:0"
	testutil.WriteTree(t, cfg.Server.ServeDirectory, map[string]string{"out.json": "{}"})

	a, err := newApp(cfg, logging.Discard())
	require.NoError(t, err)
	require.NoError(t, a.start())
	t.Cleanup(func() { shutdown(a) })
	require.NotNil(t, a.metricsServer)

	code, _ := get(t, a, "/wt/out.json")
	require.Equal(t, http.StatusOK, code)

	resp, err := http.Get("http://" + a.metricsServer.Addr + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `fileserver_requests_total{code="200",method="GET"} 1`)
}

func TestBindFailureIsNotFatal(t *testing.T) {
	first := testAppConfig(t)
	a1, err := newApp(first, logging.Discard())
	require.NoError(t, err)
	require.NoError(t, a1.start())
	t.Cleanup(func() { shutdown(a1) })

	_, port, err := net.SplitHostPort(a1.files.Addr())
	require.NoError(t, err)

	second := testAppConfig(t)
	second.Server.Port = port
	second.Jobs.Predefined = []types.Job{syncJob(second)}
	a2, err := newApp(second, logging.Discard())
	require.NoError(t, err)

	require.NoError(t, a2.start())
	t.Cleanup(func() { shutdown(a2) })
	assert.Len(t, a2.scheduler.ListJobs(), 1)
}

func TestInvalidPortIsNotFatal(t *testing.T) {
	for _, port := range []string{"70000", "http"} {
		t.Run(port, func(t *testing.T) {
			cfg := testAppConfig(t)
			cfg.Server.Port = port
			cfg.Jobs.Predefined = []types.Job{syncJob(cfg)}

			clock := testutil.NewFakeClock(time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC))
			a, err := newApp(cfg, logging.Discard(), cron.WithClock(clock))
			require.NoError(t, err)
			require.NoError(t, a.start())
			t.Cleanup(func() { shutdown(a) })

			jobs := a.scheduler.ListJobs()
			require.Len(t, jobs, 1)
			assert.Equal(t, "withings-sync", jobs[0].Name)

			a.scheduler.Tick(context.Background(), clock.Now())
			a.scheduler.Wait()

			data, err := os.ReadFile(filepath.Join(cfg.Server.ServeDirectory, "out.json"))
			require.NoError(t, err)
			assert.Equal(t, `{"synced_at":"12:00"}`, string(data))
		})
	}
}
