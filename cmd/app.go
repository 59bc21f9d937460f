package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/marlinbuild/builder/internal/builder"
	"github.com/marlinbuild/builder/internal/config"
	"github.com/marlinbuild/builder/internal/db"
	"github.com/marlinbuild/builder/internal/logging"
	"github.com/marlinbuild/builder/internal/matrix"
	"github.com/marlinbuild/builder/internal/metrics"
	"github.com/marlinbuild/builder/internal/publish"
	"github.com/marlinbuild/builder/internal/site"
	"github.com/marlinbuild/builder/internal/snapshot"
	"github.com/marlinbuild/builder/internal/store"
	"github.com/marlinbuild/builder/internal/toolchain"
)

// app holds the wired components shared by the build and serve commands
type app struct {
	cfg      *config.Config
	db       *db.DB
	store    *store.Store
	registry *prometheus.Registry
	pipeline *builder.Pipeline
}

func newApp(ctx context.Context, configPath string) (*app, error) {
	// Load configuration
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	logging.Setup(logging.Config{Level: cfg.LogLevel, Format: cfg.LogFormat})

	slog.Info("Starting Marlin build farm",
		slog.String("database", cfg.DatabasePath),
		slog.String("output", cfg.OutputPath),
		slog.String("upstream", cfg.UpstreamURL),
		slog.String("runtime", cfg.ToolchainRuntime))

	// Initialize database
	database, err := db.NewDB(cfg.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	a := &app{
		cfg:      cfg,
		db:       database,
		store:    store.New(cfg.OutputPath),
		registry: prometheus.NewRegistry(),
	}
	a.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	recorder := metrics.NewPrometheusRecorder(a.registry)

	runner, err := toolchain.NewRunner(toolchain.Options{
		Runtime:    cfg.ToolchainRuntime,
		Command:    cfg.ToolchainCommand,
		Image:      cfg.ToolchainImage,
		SocketPath: cfg.ContainerSocketPath,
	})
	if err != nil {
		database.Close()
		return nil, fmt.Errorf("failed to initialize toolchain: %w", err)
	}

	renderer, err := site.NewRenderer(a.store)
	if err != nil {
		database.Close()
		return nil, fmt.Errorf("failed to initialize site renderer: %w", err)
	}

	opts := builder.Options{
		Runner:      runner,
		Layout:      toolchain.Layout{EnvOutputDir: cfg.EnvOutputDir, ArtifactName: cfg.ArtifactName},
		Layouts:     cfg,
		Store:       a.store,
		ConfBase:    cfg.WorkPath,
		Timeout:     time.Duration(cfg.ToolchainTimeoutSeconds) * time.Second,
		Concurrency: cfg.BuildConcurrency,
		Events:      database,
		Metrics:     recorder,
	}

	if cfg.S3Endpoint != "" {
		uploader, err := publish.NewUploader(publish.Config{
			Endpoint:  cfg.S3Endpoint,
			AccessKey: cfg.S3AccessKey,
			SecretKey: cfg.S3SecretKey,
			Bucket:    cfg.S3Bucket,
			Prefix:    cfg.S3Prefix,
			UseSSL:    cfg.S3UseSSL,
		}, cfg.OutputPath)
		if err != nil {
			database.Close()
			return nil, fmt.Errorf("failed to initialize publisher: %w", err)
		}
		if err := uploader.EnsureBucket(ctx); err != nil {
			database.Close()
			return nil, err
		}
		opts.Publisher = uploader
	}

	resolver := snapshot.NewResolver(
		snapshot.NewMirror(cfg.MirrorPath, cfg.UpstreamURL),
		cfg.WorkPath,
		time.Duration(cfg.VCSTimeoutSeconds)*time.Second,
	)

	a.pipeline = builder.NewPipeline(resolver, builder.NewOrchestrator(opts), renderer, database, recorder, cfg.WorkerID)
	return a, nil
}

func (a *app) loadMatrix() (*matrix.Matrix, error) {
	return matrix.LoadDir(a.cfg.ConfigsPath)
}

func (a *app) Close() {
	if err := a.db.Close(); err != nil {
		slog.Warn("Failed to close database", logging.Error(err))
	}
}
