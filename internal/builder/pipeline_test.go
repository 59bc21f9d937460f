package builder

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marlinbuild/builder/internal/matrix"
	"github.com/marlinbuild/builder/internal/models"
	"github.com/marlinbuild/builder/internal/snapshot"
	"github.com/marlinbuild/builder/internal/testutil"
)

type fakeRenderer struct {
	renders int
	err     error
}

func (f *fakeRenderer) Render(m *matrix.Matrix) error {
	f.renders++
	return f.err
}

type fakeTracker struct {
	mu     sync.Mutex
	runs   map[string]*models.Run
	starts int
}

func newFakeTracker() *fakeTracker {
	return &fakeTracker{runs: map[string]*models.Run{}}
}

func (f *fakeTracker) CreateRun(run *models.Run) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.runs[run.ID] = run
	return nil
}

func (f *fakeTracker) StartRun(id, workerID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.starts++
	if r, ok := f.runs[id]; ok {
		r.Status = models.RunStatusBuilding
		r.WorkerID = workerID
	}
	return nil
}

func (f *fakeTracker) CompleteRun(id, versionString string, built int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if r, ok := f.runs[id]; ok {
		r.Status = models.RunStatusCompleted
		r.VersionString = versionString
		r.Built = built
	}
	return nil
}

func (f *fakeTracker) FailRun(id, errorMessage string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if r, ok := f.runs[id]; ok {
		r.Status = models.RunStatusFailed
		r.ErrorMessage = errorMessage
	}
	return nil
}

type pipelineFixture struct {
	*fixture
	upstream *testutil.Upstream
	work     string
	renderer *fakeRenderer
	tracker  *fakeTracker
	pipeline *Pipeline
}

func newPipelineFixture(t *testing.T) *pipelineFixture {
	t.Helper()
	f := newFixture(t)
	up := testutil.NewUpstream(t, treeFiles)
	up.Branch("stable")

	work := filepath.Join(f.root, "work")
	resolver := snapshot.NewResolver(snapshot.NewMirror(filepath.Join(f.root, "marlin"), up.Dir), work, time.Minute)
	renderer := &fakeRenderer{}
	tracker := newFakeTracker()

	return &pipelineFixture{
		fixture:  f,
		upstream: up,
		work:     work,
		renderer: renderer,
		tracker:  tracker,
		pipeline: NewPipeline(resolver, f.orchestrator(Options{}), renderer, tracker, nil, "worker-1"),
	}
}

func TestPipelineEndToEnd(t *testing.T) {
	p := newPipelineFixture(t)
	short := p.upstream.HeadShort()

	summary, err := p.pipeline.Execute(context.Background(), "", models.RunRequest{Channel: "stable"}, acmeMatrix())
	require.NoError(t, err)
	assert.NotEmpty(t, summary.RunID)
	assert.Equal(t, "stable-"+short, summary.VersionString)
	assert.Equal(t, 1, summary.Built)
	assert.True(t, summary.Rendered)
	assert.Equal(t, 1, p.renderer.renders)

	dir := filepath.Join(p.output, "acme", "widget")
	artifact := filepath.Join(dir, "stable-"+short+".hex")
	require.FileExists(t, artifact)

	records, err := p.store.ListAll(dir)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, sha(t, artifact), records[0].SHA256)
	assert.Equal(t, short, records[0].CommitShort)

	// the snapshot archive is removed at the end of the run
	entries, err := os.ReadDir(p.work)
	require.NoError(t, err)
	assert.Empty(t, entries)

	run := p.tracker.runs[summary.RunID]
	require.NotNil(t, run)
	assert.Equal(t, models.RunStatusCompleted, run.Status)
	assert.Equal(t, "worker-1", run.WorkerID)
	assert.Equal(t, 1, run.Built)
}

func TestPipelineSkipsRenderWithoutBuilds(t *testing.T) {
	p := newPipelineFixture(t)

	_, err := p.pipeline.Execute(context.Background(), "", models.RunRequest{Channel: "stable"}, acmeMatrix())
	require.NoError(t, err)
	require.Equal(t, 1, p.renderer.renders)

	summary, err := p.pipeline.Execute(context.Background(), "", models.RunRequest{Channel: "stable"}, acmeMatrix())
	require.NoError(t, err)
	assert.Equal(t, 0, summary.Built)
	assert.False(t, summary.Rendered)
	assert.Equal(t, 1, p.renderer.renders)

	summary, err = p.pipeline.Execute(context.Background(), "", models.RunRequest{Channel: "stable", ForceRenderPages: true}, acmeMatrix())
	require.NoError(t, err)
	assert.True(t, summary.Rendered)
	assert.Equal(t, 2, p.renderer.renders)
}

func TestPipelinePagesOnly(t *testing.T) {
	p := newPipelineFixture(t)

	summary, err := p.pipeline.Execute(context.Background(), "", models.RunRequest{Channel: "stable", PagesOnly: true}, acmeMatrix())
	require.NoError(t, err)
	assert.True(t, summary.Rendered)
	assert.Equal(t, 0, p.runner.calls())
	assert.Equal(t, 1, p.renderer.renders)
	assert.NoDirExists(t, filepath.Join(p.root, "marlin"))
}

func TestPipelineSourceUnavailable(t *testing.T) {
	p := newPipelineFixture(t)

	summary, err := p.pipeline.Execute(context.Background(), "", models.RunRequest{Channel: "stable", Ref: "no-such-ref"}, acmeMatrix())
	require.Error(t, err)
	assert.ErrorIs(t, err, snapshot.ErrSourceUnavailable)
	assert.Equal(t, 0, p.runner.calls())
	assert.Equal(t, 0, p.renderer.renders)

	run := p.tracker.runs[summary.RunID]
	require.NotNil(t, run)
	assert.Equal(t, models.RunStatusFailed, run.Status)
	assert.Contains(t, run.ErrorMessage, "no-such-ref")
}

func TestPipelineRenderFailure(t *testing.T) {
	p := newPipelineFixture(t)
	p.renderer.err = errors.New("record corruption")

	summary, err := p.pipeline.Execute(context.Background(), "", models.RunRequest{Channel: "stable"}, acmeMatrix())
	require.Error(t, err)
	assert.Equal(t, 1, summary.Built)
	assert.Equal(t, models.RunStatusFailed, p.tracker.runs[summary.RunID].Status)
}

func TestPipelineUsesGivenRunID(t *testing.T) {
	p := newPipelineFixture(t)
	require.NoError(t, p.tracker.CreateRun(&models.Run{ID: "queued-run", Channel: "stable", Status: models.RunStatusPending}))

	summary, err := p.pipeline.Execute(context.Background(), "queued-run", models.RunRequest{Channel: "stable"}, acmeMatrix())
	require.NoError(t, err)
	assert.Equal(t, "queued-run", summary.RunID)
	assert.Len(t, p.tracker.runs, 1)
	assert.Equal(t, models.RunStatusCompleted, p.tracker.runs["queued-run"].Status)
	assert.Equal(t, "queued-run", p.events.events[0].runID)
}
