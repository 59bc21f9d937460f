package db

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marlinbuild/builder/internal/models"
)

func newTestDB(t *testing.T) *DB {
	t.Helper()
	database, err := NewDB(filepath.Join(t.TempDir(), "data", "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })
	return database
}

func TestMigrationsAreIdempotent(t *testing.T) {
	database := newTestDB(t)
	require.NoError(t, database.runMigrations())
}

func TestRunLifecycle(t *testing.T) {
	database := newTestDB(t)

	run := models.NewRun("run-1", models.RunRequest{Channel: "stable", Manufacturer: "Acme", ForceRenderPages: true})
	require.NoError(t, database.CreateRun(run))

	got, err := database.GetRun("run-1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, models.RunStatusPending, got.Status)
	assert.Equal(t, "stable", got.RequestedRef)
	assert.Equal(t, "Acme", got.Manufacturer)
	assert.True(t, got.ForceRenderPages)
	assert.Nil(t, got.StartedAt)

	require.NoError(t, database.StartRun("run-1", "worker-1"))
	got, err = database.GetRun("run-1")
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusBuilding, got.Status)
	assert.Equal(t, "worker-1", got.WorkerID)
	require.NotNil(t, got.StartedAt)

	require.NoError(t, database.CompleteRun("run-1", "stable-abc1234", 3))
	got, err = database.GetRun("run-1")
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusCompleted, got.Status)
	assert.Equal(t, "stable-abc1234", got.VersionString)
	assert.Equal(t, 3, got.Built)
	require.NotNil(t, got.FinishedAt)
}

func TestGetRunMissing(t *testing.T) {
	got, err := newTestDB(t).GetRun("nope")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestQueueOrdering(t *testing.T) {
	database := newTestDB(t)
	base := time.Now().UTC()

	for i, id := range []string{"a", "b", "c"} {
		run := models.NewRun(id, models.RunRequest{Channel: "stable"})
		run.CreatedAt = base.Add(time.Duration(i) * time.Second)
		require.NoError(t, database.CreateRun(run))
	}

	n, err := database.GetQueueLength()
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	pos, err := database.GetQueuePosition("c")
	require.NoError(t, err)
	assert.Equal(t, 3, pos)

	require.NoError(t, database.StartRun("a", "w"))
	pos, err = database.GetQueuePosition("c")
	require.NoError(t, err)
	assert.Equal(t, 2, pos)

	pending, err := database.GetPendingRuns()
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, "b", pending[0].ID)
	assert.Equal(t, "c", pending[1].ID)

	active, err := database.FindActiveRun("stable", "stable")
	require.NoError(t, err)
	require.NotNil(t, active)
	assert.Equal(t, "a", active.ID)

	recent, err := database.ListRuns(2)
	require.NoError(t, err)
	require.Len(t, recent, 2)
	assert.Equal(t, "c", recent[0].ID)
}

func TestResetInterruptedRuns(t *testing.T) {
	database := newTestDB(t)
	require.NoError(t, database.CreateRun(models.NewRun("r", models.RunRequest{Channel: "stable"})))
	require.NoError(t, database.StartRun("r", "w1"))

	n, err := database.ResetInterruptedRuns("w1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	got, err := database.GetRun("r")
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusFailed, got.Status)
}

func TestEventStats(t *testing.T) {
	database := newTestDB(t)
	widget := models.Target{Manufacturer: "Acme", Printer: "Widget"}
	gizmo := models.Target{Manufacturer: "Acme", Printer: "Gizmo"}

	require.NoError(t, database.RecordEvent("r", models.EventTypeBuildCompleted, widget, "stable-abc1234", 60))
	require.NoError(t, database.RecordEvent("r", models.EventTypeBuildCompleted, widget, "stable-def5678", 120))
	require.NoError(t, database.RecordEvent("r", models.EventTypeFailure, gizmo, "stable-abc1234", 10))
	require.NoError(t, database.RecordEvent("r", models.EventTypeCacheHit, widget, "stable-abc1234", 0))

	perDay, err := database.GetBuildStatsPerDay(7)
	require.NoError(t, err)
	today := time.Now().UTC().Format("2006-01-02")
	require.Contains(t, perDay, today)
	assert.Equal(t, 2, perDay[today]["build_completed"])
	assert.Equal(t, 1, perDay[today]["failure"])

	byVersion, err := database.GetBuildStatsByVersion(4)
	require.NoError(t, err)
	assert.Equal(t, 1, byVersion["stable-abc1234"]["build_completed"])
	assert.Equal(t, 1, byVersion["stable-def5678"]["build_completed"])

	targets, err := database.GetTargetStats(7)
	require.NoError(t, err)
	require.Len(t, targets, 2)
	assert.Equal(t, "Gizmo", targets[0].Printer)
	assert.Equal(t, 1, targets[0].Failed)
	assert.Equal(t, "Widget", targets[1].Printer)
	assert.Equal(t, 2, targets[1].Built)
	assert.Equal(t, 1, targets[1].CacheHits)
	assert.InDelta(t, 90.0, targets[1].AvgBuildSeconds, 0.01)

	require.NoError(t, database.CleanOldStats(30))
	perDay, err = database.GetBuildStatsPerDay(7)
	require.NoError(t, err)
	assert.Len(t, perDay, 1)
}
