package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/marlinbuild/builder/internal/logging"
	"github.com/marlinbuild/builder/internal/matrix"
	"github.com/marlinbuild/builder/internal/models"
)

// ErrQueueFull is returned when the pending run limit is reached
var ErrQueueFull = errors.New("queue is full")

// RunStore is the persistence the queue needs
type RunStore interface {
	CreateRun(run *models.Run) error
	GetPendingRuns() ([]*models.Run, error)
	FindActiveRun(channel, ref string) (*models.Run, error)
	GetQueueLength() (int, error)
	FailRun(id, errorMessage string) error
}

// Executor performs a queued run
type Executor interface {
	Execute(ctx context.Context, runID string, req models.RunRequest, m *matrix.Matrix) (*models.RunSummary, error)
}

// MatrixLoader returns the current build matrix. It is called for every
// run so configuration edits apply without a restart.
type MatrixLoader func() (*matrix.Matrix, error)

// Worker processes runs from the queue one at a time
type Worker struct {
	store        RunStore
	executor     Executor
	loadMatrix   MatrixLoader
	workerID     string
	pollInterval time.Duration
	wakeCh       chan struct{}
	stopCh       chan struct{}
}

// NewWorker creates a new worker instance
func NewWorker(store RunStore, executor Executor, loadMatrix MatrixLoader, workerID string, pollInterval time.Duration) *Worker {
	return &Worker{
		store:        store,
		executor:     executor,
		loadMatrix:   loadMatrix,
		workerID:     workerID,
		pollInterval: pollInterval,
		wakeCh:       make(chan struct{}, 1),
		stopCh:       make(chan struct{}),
	}
}

// Start begins processing runs from the queue
func (w *Worker) Start(ctx context.Context) {
	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()

	slog.Info("Worker started", slog.String("worker_id", w.workerID), slog.Duration("poll_interval", w.pollInterval))

	// Process immediately on start
	w.processRuns(ctx)

	for {
		select {
		case <-ctx.Done():
			slog.Info("Worker shutting down")
			return
		case <-w.stopCh:
			slog.Info("Worker stopped")
			return
		case <-ticker.C:
			w.processRuns(ctx)
		case <-w.wakeCh:
			w.processRuns(ctx)
		}
	}
}

// Stop signals the worker to stop
func (w *Worker) Stop() {
	close(w.stopCh)
}

// Wake asks the worker to look at the queue now instead of at the next tick
func (w *Worker) Wake() {
	select {
	case w.wakeCh <- struct{}{}:
	default:
	}
}

// processRuns drains pending runs in queue order
func (w *Worker) processRuns(ctx context.Context) {
	runs, err := w.store.GetPendingRuns()
	if err != nil {
		slog.Error("Failed to get pending runs", logging.Error(err))
		return
	}

	if len(runs) == 0 {
		return
	}

	slog.Info("Found pending runs", slog.Int("count", len(runs)))

	for _, run := range runs {
		if ctx.Err() != nil {
			return
		}
		w.processRun(ctx, run)
	}
}

// processRun executes a single queued run
func (w *Worker) processRun(ctx context.Context, run *models.Run) {
	log := slog.With(slog.String("run_id", run.ID), slog.String("channel", run.Channel), slog.String("ref", run.RequestedRef))
	log.Info("Processing run")

	m, err := w.loadMatrix()
	if err != nil {
		log.Error("Failed to load build matrix", logging.Error(err))
		if err := w.store.FailRun(run.ID, fmt.Sprintf("failed to load build matrix: %v", err)); err != nil {
			log.Error("Failed to mark run as failed", logging.Error(err))
		}
		return
	}

	summary, err := w.executor.Execute(ctx, run.ID, run.Request(), m)
	if err != nil {
		// the executor records the failure on the run itself
		log.Error("Run failed", logging.Error(err))
		return
	}

	log.Info("Run finished",
		slog.String("version", summary.VersionString),
		slog.Int("built", summary.Built),
		slog.Duration("duration", summary.Duration))
}

// Enqueue adds a run for req unless an identical one is already pending or
// building. It returns the run and whether it was newly created.
func Enqueue(store RunStore, req models.RunRequest, maxPending int) (*models.Run, bool, error) {
	req.Normalize()
	if err := req.Validate(); err != nil {
		return nil, false, err
	}

	existing, err := store.FindActiveRun(req.Channel, req.Ref)
	if err != nil {
		return nil, false, fmt.Errorf("failed to check existing run: %w", err)
	}
	if existing != nil && existing.Request() == req {
		return existing, false, nil
	}

	queueLen, err := store.GetQueueLength()
	if err != nil {
		return nil, false, fmt.Errorf("failed to get queue length: %w", err)
	}
	if maxPending > 0 && queueLen >= maxPending {
		return nil, false, ErrQueueFull
	}

	run := models.NewRun(uuid.New().String(), req)
	if err := store.CreateRun(run); err != nil {
		return nil, false, fmt.Errorf("failed to create run: %w", err)
	}
	run.QueuePosition = queueLen + 1

	slog.Info("Enqueued run",
		slog.String("run_id", run.ID),
		slog.String("channel", run.Channel),
		slog.String("ref", run.RequestedRef),
		slog.Int("position", run.QueuePosition))

	return run, true, nil
}
