package main

import (
	"context"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"
	"time"

	"github.com/marlinbuild/builder/internal/api"
	"github.com/marlinbuild/builder/internal/logging"
	"github.com/marlinbuild/builder/internal/queue"
)

// ServeCmd runs the long-lived service
type ServeCmd struct{}

func (c *ServeCmd) Run(cli *CLI) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	a, err := newApp(ctx, cli.Config)
	if err != nil {
		return err
	}
	defer a.Close()

	// Runs left building by a crashed process never finish on their own
	if n, err := a.db.ResetInterruptedRuns(a.cfg.WorkerID); err != nil {
		return err
	} else if n > 0 {
		slog.Warn("Marked interrupted runs as failed", slog.Int64("count", n))
	}

	worker := queue.NewWorker(a.db, a.pipeline, a.loadMatrix, a.cfg.WorkerID,
		time.Duration(a.cfg.WorkerPollSeconds)*time.Second)

	scheduler, err := queue.NewScheduler(a.db, a.cfg.MaxPendingRuns, worker.Wake)
	if err != nil {
		return err
	}
	for _, s := range a.cfg.Schedules {
		if _, err := scheduler.ScheduleRun(s); err != nil {
			return err
		}
	}
	if _, err := scheduler.ScheduleEvery("stats-cleanup", 24*time.Hour, func() {
		if err := a.db.CleanOldStats(a.cfg.StatsRetentionDays); err != nil {
			slog.Error("Failed to clean old stats", logging.Error(err))
		}
	}); err != nil {
		return err
	}
	scheduler.Start()

	workerDone := make(chan struct{})
	go func() {
		worker.Start(ctx)
		close(workerDone)
	}()

	server := api.NewServer(a.db, a.cfg, a.store, a.loadMatrix, api.Options{
		Registry:  a.registry,
		OnEnqueue: worker.Wake,
	})

	errCh := make(chan error, 1)
	go func() {
		slog.Info("Starting HTTP server", slog.String("host", a.cfg.ServerHost), slog.Int("port", a.cfg.ServerPort))
		errCh <- server.Start()
	}()

	select {
	case err = <-errCh:
		if err != nil {
			err = fmt.Errorf("failed to start server: %w", err)
		}
		cancel()
	case <-ctx.Done():
		slog.Info("Received shutdown signal, shutting down gracefully")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if serr := server.Shutdown(shutdownCtx); serr != nil {
		slog.Warn("Failed to shut down HTTP server", logging.Error(serr))
	}
	if serr := scheduler.Stop(); serr != nil {
		slog.Warn("Failed to stop scheduler", logging.Error(serr))
	}
	<-workerDone

	return err
}
