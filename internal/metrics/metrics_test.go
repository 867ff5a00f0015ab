package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetrics_TracksAttemptsAndStatuses(t *testing.T) {
	t.Parallel()
	m := New()

	m.SetPoolSize(4)
	m.AttemptStarted(2)
	m.AttemptStarted(1)
	m.AttemptFinished(2, 3*time.Second)
	m.JobFinished("succeeded")
	m.JobFinished("failed")
	m.JobFinished("failed")

	assert.Equal(t, 4.0, testutil.ToFloat64(m.poolSize))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.attemptsTotal))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.jobsRunning))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.devicesLeased))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.jobsTotal.WithLabelValues("succeeded")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.jobsTotal.WithLabelValues("failed")))
}

func TestMetrics_NilIsNoop(t *testing.T) {
	t.Parallel()
	var m *Metrics

	assert.NotPanics(t, func() {
		m.SetPoolSize(1)
		m.SetPending(1)
		m.AttemptStarted(1)
		m.AttemptFinished(1, time.Second)
		m.JobFinished("failed")
	})
	assert.Nil(t, m.Registry())
}

func TestMetrics_Handler(t *testing.T) {
	t.Parallel()
	m := New()
	m.JobFinished("cancelled")

	srv := httptest.NewServer(m.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), `gpugrid_jobs_total{status="cancelled"} 1`)
	assert.Contains(t, string(body), "gpugrid_pool_devices")
}
