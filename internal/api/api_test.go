package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marlinbuild/builder/internal/config"
	"github.com/marlinbuild/builder/internal/db"
	"github.com/marlinbuild/builder/internal/matrix"
	"github.com/marlinbuild/builder/internal/metrics"
	"github.com/marlinbuild/builder/internal/models"
	"github.com/marlinbuild/builder/internal/store"
)

type testServer struct {
	server   *Server
	db       *db.DB
	store    *store.Store
	enqueued int
}

func newTestServer(t *testing.T, maxPending int) *testServer {
	t.Helper()
	root := t.TempDir()

	database, err := db.NewDB(filepath.Join(root, "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })

	st := store.New(filepath.Join(root, "output"))
	m := matrix.New(map[string]map[string]map[string]string{
		"Acme": {"Widget": {"MOTHERBOARD": "BOARD_RAMPS_14_EFB"}},
	})

	reg := prometheus.NewRegistry()
	metrics.NewPrometheusRecorder(reg).SetBuildConcurrency(2)

	ts := &testServer{db: database, store: st}
	ts.server = NewServer(database, &config.Config{MaxPendingRuns: maxPending}, st,
		func() (*matrix.Matrix, error) { return m, nil },
		Options{Registry: reg, OnEnqueue: func() { ts.enqueued++ }})
	return ts
}

func (ts *testServer) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	ts.server.Handler().ServeHTTP(w, req)
	return w
}

func TestHealth(t *testing.T) {
	ts := newTestServer(t, 10)
	w := ts.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "healthy")
}

func TestCreateRunAndStatus(t *testing.T) {
	ts := newTestServer(t, 10)

	w := ts.do(t, http.MethodPost, "/api/v1/runs", models.RunRequest{Channel: "nightly"})
	require.Equal(t, http.StatusAccepted, w.Code)

	var run models.Run
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &run))
	assert.NotEmpty(t, run.ID)
	assert.Equal(t, "nightly", run.RequestedRef)
	assert.Equal(t, models.RunStatusPending, run.Status)
	assert.Equal(t, 1, run.QueuePosition)
	assert.Equal(t, 1, ts.enqueued)

	// an identical request returns the queued run
	w = ts.do(t, http.MethodPost, "/api/v1/runs", models.RunRequest{Channel: "nightly", Ref: "nightly"})
	require.Equal(t, http.StatusAccepted, w.Code)
	var again models.Run
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &again))
	assert.Equal(t, run.ID, again.ID)
	assert.Equal(t, 1, ts.enqueued)

	w = ts.do(t, http.MethodGet, "/api/v1/runs/"+run.ID, nil)
	require.Equal(t, http.StatusAccepted, w.Code)

	require.NoError(t, ts.db.FailRun(run.ID, "upstream unreachable"))
	w = ts.do(t, http.MethodGet, "/api/v1/runs/"+run.ID, nil)
	require.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Contains(t, w.Body.String(), "upstream unreachable")

	w = ts.do(t, http.MethodGet, "/api/v1/runs", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var runs []models.Run
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &runs))
	assert.Len(t, runs, 1)
}

func TestCreateRunValidation(t *testing.T) {
	ts := newTestServer(t, 10)

	w := ts.do(t, http.MethodPost, "/api/v1/runs", map[string]string{"ref": "v2.1.2"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = ts.do(t, http.MethodPost, "/api/v1/runs", models.RunRequest{Channel: "../etc"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = ts.do(t, http.MethodPost, "/api/v1/runs", models.RunRequest{Channel: "nightly", Ref: "feature/x"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "feature/x")

	n, err := ts.db.GetQueueLength()
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestCreateRunQueueFull(t *testing.T) {
	ts := newTestServer(t, 1)

	w := ts.do(t, http.MethodPost, "/api/v1/runs", models.RunRequest{Channel: "stable"})
	require.Equal(t, http.StatusAccepted, w.Code)

	w = ts.do(t, http.MethodPost, "/api/v1/runs", models.RunRequest{Channel: "nightly"})
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
}

func TestRunNotFound(t *testing.T) {
	ts := newTestServer(t, 10)
	w := ts.do(t, http.MethodGet, "/api/v1/runs/missing", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestTargetBuilds(t *testing.T) {
	ts := newTestServer(t, 10)
	dir := filepath.Join(ts.store.Root(), "acme", "widget")
	for _, r := range []*models.BuildRecord{
		{Channel: "nightly", VersionString: "nightly-1111111", Timestamp: 30},
		{Channel: "stable", VersionString: "stable-2222222", Timestamp: 10},
		{Channel: "stable", VersionString: "stable-3333333", Timestamp: 20},
	} {
		require.NoError(t, ts.store.Append(dir, r))
	}

	w := ts.do(t, http.MethodGet, "/api/v1/builds/ACME/widget", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var body struct {
		Manufacturer string               `json:"manufacturer"`
		Channels     []store.ChannelGroup `json:"channels"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "Acme", body.Manufacturer)
	require.Len(t, body.Channels, 2)
	assert.Equal(t, "stable", body.Channels[0].Channel)
	assert.Equal(t, "stable-3333333", body.Channels[0].Records[0].VersionString)
	assert.Equal(t, "nightly", body.Channels[1].Channel)

	w = ts.do(t, http.MethodGet, "/api/v1/builds/acme/gadget", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestManufacturers(t *testing.T) {
	ts := newTestServer(t, 10)
	w := ts.do(t, http.MethodGet, "/api/v1/manufacturers", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"name":"Widget"`)
}

func TestStatsEndpoints(t *testing.T) {
	ts := newTestServer(t, 10)
	target := models.Target{Manufacturer: "Acme", Printer: "Widget"}
	require.NoError(t, ts.db.RecordEvent("run-1", models.EventTypeBuildCompleted, target, "stable-abc1234", 40))
	require.NoError(t, ts.db.RecordEvent("run-1", models.EventTypeFailure, target, "stable-abc1234", 5))

	w := ts.do(t, http.MethodGet, "/api/v1/stats", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"queue_length":0`)

	w = ts.do(t, http.MethodGet, "/api/v1/target-stats?days=7", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var stats []db.TargetStats
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &stats))
	require.Len(t, stats, 1)
	assert.Equal(t, 1, stats[0].Built)
	assert.Equal(t, 1, stats[0].Failed)

	w = ts.do(t, http.MethodGet, "/api/v1/builds-per-day", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = ts.do(t, http.MethodGet, "/api/v1/builds-by-version?weeks=4", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "stable-abc1234")
}

func TestMetricsAndStaticSite(t *testing.T) {
	ts := newTestServer(t, 10)
	require.NoError(t, os.MkdirAll(ts.store.Root(), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(ts.store.Root(), "index.html"), []byte("<h1>Firmware</h1>"), 0o644))

	w := ts.do(t, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "marlinbuild_build_concurrency 2")

	w = ts.do(t, http.MethodGet, "/firmware/", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "Firmware")

	w = ts.do(t, http.MethodGet, "/", nil)
	assert.Equal(t, http.StatusFound, w.Code)
}
