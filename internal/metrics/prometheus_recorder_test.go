package metrics

import (
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	prom "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPrometheusRecorderCounts(t *testing.T) {
	reg := prom.NewRegistry()
	pr := NewPrometheusRecorder(reg)

	pr.IncTargetOutcome(OutcomeBuilt)
	pr.IncTargetOutcome(OutcomeBuilt)
	pr.IncTargetOutcome(OutcomeCacheHit)
	pr.ObserveTargetDuration(3 * time.Second)
	pr.ObserveSnapshotDuration(time.Second, true)
	pr.ObserveRunDuration(time.Minute, 2)
	pr.SetBuildConcurrency(4)

	assert.Equal(t, 2.0, testutil.ToFloat64(pr.targetOutcomes.WithLabelValues(string(OutcomeBuilt))))
	assert.Equal(t, 1.0, testutil.ToFloat64(pr.targetOutcomes.WithLabelValues(string(OutcomeCacheHit))))
	assert.Equal(t, 1.0, testutil.ToFloat64(pr.runsTotal))
	assert.Equal(t, 2.0, testutil.ToFloat64(pr.lastRunBuilt))
	assert.Equal(t, 4.0, testutil.ToFloat64(pr.concurrency))
}

func TestNilRecorderIsSafe(t *testing.T) {
	var pr *PrometheusRecorder
	assert.NotPanics(t, func() {
		pr.IncTargetOutcome(OutcomeFailure)
		pr.ObserveRunDuration(time.Second, 0)
	})

	var r Recorder = NoopRecorder{}
	assert.NotPanics(t, func() { r.IncTargetOutcome(OutcomeTimeout) })
}

func TestHTTPHandler(t *testing.T) {
	reg := prom.NewRegistry()
	NewPrometheusRecorder(reg).IncTargetOutcome(OutcomeBuilt)

	rec := httptest.NewRecorder()
	HTTPHandler(reg).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `marlinbuild_target_outcomes_total{outcome="built"} 1`)
}

func TestWriteTextfile(t *testing.T) {
	reg := prom.NewRegistry()
	NewPrometheusRecorder(reg).ObserveRunDuration(time.Second, 3)

	path := filepath.Join(t.TempDir(), "marlinbuild.prom")
	require.NoError(t, WriteTextfile(path, reg))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "marlinbuild_last_run_built_targets 3")
}
