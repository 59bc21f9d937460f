// Package builder walks the build matrix against a resolved snapshot,
// running the toolchain once per target and recording each success.
package builder

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/marlinbuild/builder/internal/config"
	"github.com/marlinbuild/builder/internal/fsutil"
	"github.com/marlinbuild/builder/internal/logging"
	"github.com/marlinbuild/builder/internal/matrix"
	"github.com/marlinbuild/builder/internal/metrics"
	"github.com/marlinbuild/builder/internal/models"
	"github.com/marlinbuild/builder/internal/store"
	"github.com/marlinbuild/builder/internal/toolchain"
)

// ErrArtifactIO reports a failure copying, hashing or recording a built
// artifact. No record is written for the target.
var ErrArtifactIO = errors.New("artifact io failure")

const (
	artifactExt = ".hex"
	logExt      = ".txt"
	recordExt   = ".json"
)

// LayoutSelector picks the in-tree configuration paths for a channel
type LayoutSelector interface {
	Layout(channel string) (config.SourceLayout, error)
}

// EventRecorder receives per-target outcomes for statistics
type EventRecorder interface {
	RecordEvent(runID string, eventType models.StatEventType, target models.Target, version string, durationSecs int) error
}

// Publisher mirrors the files of a finished build somewhere else
type Publisher interface {
	Publish(ctx context.Context, files []string) error
}

// Options configures an Orchestrator
type Options struct {
	Runner  toolchain.Runner
	Layout  toolchain.Layout
	Layouts LayoutSelector
	Store   *store.Store

	// ConfBase resolves relative external overlay paths
	ConfBase string
	// Timeout bounds each toolchain invocation; zero means unbounded
	Timeout time.Duration
	// Concurrency is the number of targets built at once
	Concurrency int

	Events    EventRecorder
	Metrics   metrics.Recorder
	Publisher Publisher
}

// Orchestrator builds every matching target of a matrix for one snapshot
type Orchestrator struct {
	runner      toolchain.Runner
	layout      toolchain.Layout
	layouts     LayoutSelector
	store       *store.Store
	confBase    string
	timeout     time.Duration
	concurrency int
	events      EventRecorder
	metrics     metrics.Recorder
	publisher   Publisher
}

// NewOrchestrator creates an orchestrator
func NewOrchestrator(opts Options) *Orchestrator {
	o := &Orchestrator{
		runner:      opts.Runner,
		layout:      opts.Layout,
		layouts:     opts.Layouts,
		store:       opts.Store,
		confBase:    opts.ConfBase,
		timeout:     opts.Timeout,
		concurrency: opts.Concurrency,
		events:      opts.Events,
		metrics:     opts.Metrics,
		publisher:   opts.Publisher,
	}
	if o.layouts == nil {
		o.layouts = &config.Config{}
	}
	if o.layout.EnvOutputDir == "" {
		o.layout.EnvOutputDir = ".pioenvs"
	}
	if o.layout.ArtifactName == "" {
		o.layout.ArtifactName = "firmware.hex"
	}
	if o.concurrency < 1 {
		o.concurrency = 1
	}
	if o.metrics == nil {
		o.metrics = metrics.NoopRecorder{}
	}
	return o
}

type runIDKey struct{}

// WithRunID attaches a run ID to ctx for event recording
func WithRunID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, runIDKey{}, id)
}

// RunID returns the run ID attached to ctx, if any
func RunID(ctx context.Context) string {
	id, _ := ctx.Value(runIDKey{}).(string)
	return id
}

// Run builds the targets of m that pass filter against snapshot s and
// returns the number of successful builds. Per-target failures are logged
// and never abort the run; an error is only returned when ctx is done.
func (o *Orchestrator) Run(ctx context.Context, m *matrix.Matrix, s *models.Snapshot, filter matrix.Filter) (int, error) {
	layout, err := o.layouts.Layout(s.Channel)
	if err != nil {
		return 0, fmt.Errorf("failed to select source layout: %w", err)
	}

	targets := m.Targets()
	o.metrics.SetBuildConcurrency(o.concurrency)

	slog.Info("Starting build run",
		slog.String("version", s.VersionString),
		slog.String("layout", layout.Name),
		slog.Int("targets", len(targets)),
		slog.Int("concurrency", o.concurrency))

	var built atomic.Int64

	if o.concurrency == 1 {
		for _, t := range targets {
			if err := ctx.Err(); err != nil {
				return int(built.Load()), fmt.Errorf("run interrupted: %w", err)
			}
			if o.buildTarget(ctx, s, layout, filter, t) {
				built.Add(1)
			}
		}
		return int(built.Load()), nil
	}

	work := make(chan models.Target)
	var wg sync.WaitGroup
	for i := 0; i < o.concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for t := range work {
				if o.buildTarget(ctx, s, layout, filter, t) {
					built.Add(1)
				}
			}
		}()
	}

	var runErr error
feed:
	for _, t := range targets {
		select {
		case work <- t:
		case <-ctx.Done():
			runErr = fmt.Errorf("run interrupted: %w", ctx.Err())
			break feed
		}
	}
	close(work)
	wg.Wait()

	return int(built.Load()), runErr
}

// buildTarget performs the per-target steps and reports whether a new
// artifact and record were produced.
func (o *Orchestrator) buildTarget(ctx context.Context, s *models.Snapshot, layout config.SourceLayout, filter matrix.Filter, t models.Target) bool {
	log := slog.With(logging.Target(t.Manufacturer, t.Printer), slog.String("version", s.VersionString))

	if !filter.Match(t) {
		log.Debug("Target filtered out")
		o.outcome(ctx, s, t, models.EventTypeSkippedFilter, metrics.OutcomeSkippedFilter, 0)
		return false
	}

	if t.Overlay.Marlin2Only && !s.IsMarlin2() {
		log.Info("Not building target for 1.x series, marked as 2.x only")
		o.outcome(ctx, s, t, models.EventTypeSkippedGate, metrics.OutcomeSkippedGate, 0)
		return false
	}

	dir := o.store.TargetDir(t)
	base := filepath.Join(dir, s.VersionString)
	artifactPath := base + artifactExt

	exists, err := fsutil.Exists(artifactPath)
	if err != nil {
		log.Error("Failed to check for existing artifact", logging.Error(err))
		return false
	}
	if exists {
		log.Info("Target already built")
		o.outcome(ctx, s, t, models.EventTypeCacheHit, metrics.OutcomeCacheHit, 0)
		return false
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		log.Error("Failed to create output directory", logging.Error(err))
		return false
	}

	scratch, err := os.MkdirTemp("", "marlinbuild-")
	if err != nil {
		log.Error("Failed to create scratch directory", logging.Error(err))
		return false
	}
	defer func() {
		if err := os.RemoveAll(scratch); err != nil {
			log.Warn("Failed to remove scratch directory", slog.String("dir", scratch), logging.Error(err))
		}
	}()

	log.Info("Building target", slog.String("scratch", scratch), slog.String("env", t.Overlay.Env))

	if err := fsutil.ExtractTar(s.ArchivePath, scratch); err != nil {
		log.Error("Failed to extract snapshot", logging.Error(err))
		o.outcome(ctx, s, t, models.EventTypeFailure, metrics.OutcomeFailure, 0)
		return false
	}

	if err := o.applyOverlay(scratch, layout, t.Overlay); err != nil {
		log.Error("Failed to apply configuration overlay", logging.Error(err))
		o.outcome(ctx, s, t, models.EventTypeFailure, metrics.OutcomeFailure, 0)
		return false
	}

	job := toolchain.Job{Dir: scratch, Env: t.Overlay.Env}
	logPath := base + logExt
	start := time.Now()
	err = o.invoke(ctx, job, logPath)
	duration := time.Since(start)
	o.metrics.ObserveTargetDuration(duration)

	if err != nil {
		if errors.Is(err, toolchain.ErrToolchainTimeout) {
			log.Error("Build timed out", slog.Duration("timeout", o.timeout), slog.String("log", logPath), logging.Error(err))
			o.outcome(ctx, s, t, models.EventTypeTimeout, metrics.OutcomeTimeout, duration)
		} else {
			log.Error("Build failed", slog.String("log", logPath), logging.Error(err))
			o.outcome(ctx, s, t, models.EventTypeFailure, metrics.OutcomeFailure, duration)
		}
		return false
	}

	record, err := o.collect(job, artifactPath, s, t)
	if err != nil {
		log.Error("Failed to store artifact", logging.Error(err))
		o.outcome(ctx, s, t, models.EventTypeFailure, metrics.OutcomeArtifactError, duration)
		return false
	}

	if err := o.store.Append(dir, record); err != nil {
		// An artifact must never sit next to a record that does not describe it
		removeArtifact(artifactPath)
		if errors.Is(err, store.ErrRecordExists) {
			log.Warn("Build record already present, discarding the new artifact", logging.Error(err))
		} else {
			log.Error("Failed to write build record", logging.Error(fmt.Errorf("%w: %w", ErrArtifactIO, err)))
		}
		o.outcome(ctx, s, t, models.EventTypeFailure, metrics.OutcomeArtifactError, duration)
		return false
	}

	log.Info("Build completed", slog.String("artifact", artifactPath), slog.String("sha256", record.SHA256), slog.Duration("duration", duration))
	o.outcome(ctx, s, t, models.EventTypeBuildCompleted, metrics.OutcomeBuilt, duration)

	if o.publisher != nil {
		files := []string{artifactPath, logPath, base + recordExt}
		if err := o.publisher.Publish(ctx, files); err != nil {
			log.Warn("Failed to publish build", logging.Error(err))
		}
	}

	return true
}

// applyOverlay copies the selected configuration set into the tree's
// configuration directory. upstream_conf wins over conf.
func (o *Orchestrator) applyOverlay(scratch string, layout config.SourceLayout, overlay models.Overlay) error {
	var src string
	switch {
	case overlay.UpstreamConf != "":
		src = filepath.Join(scratch, filepath.FromSlash(layout.ExamplesDir), filepath.FromSlash(overlay.UpstreamConf))
	case overlay.Conf != "":
		src = overlay.Conf
		if !filepath.IsAbs(src) {
			src = filepath.Join(o.confBase, src)
		}
	default:
		return nil
	}

	dst := filepath.Join(scratch, filepath.FromSlash(layout.ConfigDir))
	n, err := fsutil.CopyFiles(src, dst)
	if err != nil {
		return fmt.Errorf("failed to copy overlay from %s: %w", src, err)
	}
	slog.Debug("Applied configuration overlay", slog.String("source", src), slog.Int("files", n))
	return nil
}

// invoke runs the toolchain with its combined output going to logPath
func (o *Orchestrator) invoke(ctx context.Context, job toolchain.Job, logPath string) error {
	logFile, err := os.Create(logPath)
	if err != nil {
		return fmt.Errorf("%w: failed to create build log: %w", toolchain.ErrToolchainFailure, err)
	}
	defer logFile.Close()

	if o.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.timeout)
		defer cancel()
	}

	runErr := o.runner.Build(ctx, job, logFile)
	if runErr != nil {
		fmt.Fprintf(logFile, "\n# %v\n", runErr)
	}
	return runErr
}

// collect copies the artifact out of the tree and hashes it
func (o *Orchestrator) collect(job toolchain.Job, artifactPath string, s *models.Snapshot, t models.Target) (*models.BuildRecord, error) {
	if err := fsutil.CopyFile(o.layout.ArtifactPath(job), artifactPath); err != nil {
		removeArtifact(artifactPath)
		return nil, fmt.Errorf("%w: %w", ErrArtifactIO, err)
	}

	sum, err := fsutil.SHA256File(artifactPath)
	if err != nil {
		removeArtifact(artifactPath)
		return nil, fmt.Errorf("%w: %w", ErrArtifactIO, err)
	}

	record := models.NewBuildRecord(s, t)
	record.Timestamp = time.Now().Unix()
	record.SHA256 = sum
	return record, nil
}

func (o *Orchestrator) outcome(ctx context.Context, s *models.Snapshot, t models.Target, event models.StatEventType, outcome metrics.Outcome, d time.Duration) {
	o.metrics.IncTargetOutcome(outcome)
	if o.events == nil {
		return
	}
	if err := o.events.RecordEvent(RunID(ctx), event, t, s.VersionString, int(d.Seconds())); err != nil {
		slog.Warn("Failed to record build event", slog.String("event", string(event)), logging.Error(err))
	}
}

func removeArtifact(path string) {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		slog.Warn("Failed to remove partial artifact", slog.String("artifact", path), logging.Error(err))
	}
}
