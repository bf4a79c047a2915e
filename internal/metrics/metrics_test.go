package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/0xPuncker/withings-sync-server/internal/logging"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestObserveRun(t *testing.T) {
	m := New()

	m.ObserveRun("sync", "success", 2*time.Second)
	m.ObserveRun("sync", "failure", time.Second)
	m.ObserveRun("sync", "failure", time.Second)
	m.ObserveRun("sync", "skipped", 0)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.jobRuns.WithLabelValues("sync", "success")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.jobRuns.WithLabelValues("sync", "failure")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.jobRuns.WithLabelValues("sync", "skipped")))
	assert.Equal(t, 1, testutil.CollectAndCount(m.jobDuration))
}

func TestObserveRequest(t *testing.T) {
	m := New()

	m.ObserveRequest(http.MethodGet, http.StatusOK)
	m.ObserveRequest(http.MethodGet, http.StatusForbidden)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.requests.WithLabelValues("GET", "403")))
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics

	assert.NotPanics(t, func() {
		m.ObserveRun("sync", "success", time.Second)
		m.ObserveRequest(http.MethodGet, http.StatusOK)
	})
}

func TestHandlerExposesMetrics(t *testing.T) {
	m := New()
	m.ObserveRun("sync", "success", time.Second)

	rr := httptest.NewRecorder()
	m.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), `sync_job_runs_total{job="sync",outcome="success"} 1`)
}

func TestServe(t *testing.T) {
	m := New()

	srv, err := m.Serve("127.0.0.1:0", logging.Discard())
	require.NoError(t, err)
	defer srv.Close()

	resp, err := http.Get("http://" + srv.Addr + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "go_goroutines")
}

func TestServeRoutesOnlyMetrics(t *testing.T) {
	m := New()

	srv, err := m.Serve("127.0.0.1:0", logging.Discard())
	require.NoError(t, err)
	defer srv.Close()

	resp, err := http.Get("http://" + srv.Addr + "/other")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, err = http.Post("http://"+srv.Addr+"/metrics", "text/plain", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestServeBindError(t *testing.T) {
	m := New()

	_, err := m.Serve("256.0.0.1:0", logging.Discard())
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "metrics listener"))
}
