package builder

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/marlinbuild/builder/internal/logging"
	"github.com/marlinbuild/builder/internal/matrix"
	"github.com/marlinbuild/builder/internal/metrics"
	"github.com/marlinbuild/builder/internal/models"
)

// SnapshotResolver produces and releases run snapshots
type SnapshotResolver interface {
	Resolve(ctx context.Context, channel, ref string) (*models.Snapshot, error)
	Release(s *models.Snapshot)
}

// Renderer regenerates the published pages from the record store
type Renderer interface {
	Render(m *matrix.Matrix) error
}

// RunTracker persists run lifecycle state
type RunTracker interface {
	CreateRun(run *models.Run) error
	StartRun(id, workerID string) error
	CompleteRun(id, versionString string, built int) error
	FailRun(id, errorMessage string) error
}

// Pipeline wraps one full run: resolve, orchestrate, release, render.
// Runs are serialized so the mirror is never shared.
type Pipeline struct {
	resolver     SnapshotResolver
	orchestrator *Orchestrator
	renderer     Renderer
	tracker      RunTracker
	metrics      metrics.Recorder
	workerID     string

	mu sync.Mutex
}

// NewPipeline creates a pipeline. tracker may be nil.
func NewPipeline(resolver SnapshotResolver, orchestrator *Orchestrator, renderer Renderer, tracker RunTracker, rec metrics.Recorder, workerID string) *Pipeline {
	if rec == nil {
		rec = metrics.NoopRecorder{}
	}
	return &Pipeline{
		resolver:     resolver,
		orchestrator: orchestrator,
		renderer:     renderer,
		tracker:      tracker,
		metrics:      rec,
		workerID:     workerID,
	}
}

// Execute performs one run over m. An empty runID allocates a new run.
// Pages are rendered when at least one target was built or when forced;
// a pages-only request skips snapshot resolution and all builds.
func (p *Pipeline) Execute(ctx context.Context, runID string, req models.RunRequest, m *matrix.Matrix) (*models.RunSummary, error) {
	req.Normalize()

	p.mu.Lock()
	defer p.mu.Unlock()

	if runID == "" {
		runID = uuid.New().String()
		if p.tracker != nil {
			if err := p.tracker.CreateRun(models.NewRun(runID, req)); err != nil {
				return nil, fmt.Errorf("failed to create run: %w", err)
			}
		}
	}
	p.track(func(t RunTracker) error { return t.StartRun(runID, p.workerID) })

	log := slog.With(slog.String("run_id", runID), slog.String("channel", req.Channel), slog.String("ref", req.Ref))
	start := time.Now()
	summary := &models.RunSummary{RunID: runID}

	if req.PagesOnly {
		log.Info("Rendering pages only")
		if err := p.renderer.Render(m); err != nil {
			return summary, p.fail(runID, fmt.Errorf("failed to render pages: %w", err))
		}
		summary.Rendered = true
		summary.Duration = time.Since(start)
		p.track(func(t RunTracker) error { return t.CompleteRun(runID, "", 0) })
		return summary, nil
	}

	resolveStart := time.Now()
	snap, err := p.resolver.Resolve(ctx, req.Channel, req.Ref)
	p.metrics.ObserveSnapshotDuration(time.Since(resolveStart), err == nil)
	if err != nil {
		return summary, p.fail(runID, fmt.Errorf("failed to resolve snapshot: %w", err))
	}
	defer p.resolver.Release(snap)
	summary.VersionString = snap.VersionString

	filter := matrix.Filter{Manufacturer: req.Manufacturer, Printer: req.Printer}
	built, err := p.orchestrator.Run(WithRunID(ctx, runID), m, snap, filter)
	summary.Built = built
	if err != nil {
		return summary, p.fail(runID, err)
	}

	if built > 0 || req.ForceRenderPages {
		log.Info("Rendering static pages", slog.Int("built", built))
		if err := p.renderer.Render(m); err != nil {
			return summary, p.fail(runID, fmt.Errorf("failed to render pages: %w", err))
		}
		summary.Rendered = true
	}

	summary.Duration = time.Since(start)
	p.metrics.ObserveRunDuration(summary.Duration, built)
	p.track(func(t RunTracker) error { return t.CompleteRun(runID, snap.VersionString, built) })

	log.Info("Run completed",
		slog.String("version", snap.VersionString),
		slog.Int("built", built),
		slog.Bool("rendered", summary.Rendered),
		slog.Duration("duration", summary.Duration))

	return summary, nil
}

func (p *Pipeline) fail(runID string, err error) error {
	slog.Error("Run failed", slog.String("run_id", runID), logging.Error(err))
	p.track(func(t RunTracker) error { return t.FailRun(runID, err.Error()) })
	return err
}

func (p *Pipeline) track(fn func(RunTracker) error) {
	if p.tracker == nil {
		return
	}
	if err := fn(p.tracker); err != nil {
		slog.Warn("Failed to update run state", logging.Error(err))
	}
}
