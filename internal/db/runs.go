package db

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/marlinbuild/builder/internal/models"
)

const runColumns = `id, channel, requested_ref, manufacturer, printer, pages_only, force_render_pages,
		version_string, status, built, created_at, started_at, finished_at, error_message, worker_id`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (*models.Run, error) {
	var run models.Run
	var startedAt, finishedAt sql.NullTime

	err := row.Scan(
		&run.ID,
		&run.Channel,
		&run.RequestedRef,
		&run.Manufacturer,
		&run.Printer,
		&run.PagesOnly,
		&run.ForceRenderPages,
		&run.VersionString,
		&run.Status,
		&run.Built,
		&run.CreatedAt,
		&startedAt,
		&finishedAt,
		&run.ErrorMessage,
		&run.WorkerID,
	)
	if err != nil {
		return nil, err
	}

	if startedAt.Valid {
		run.StartedAt = &startedAt.Time
	}
	if finishedAt.Valid {
		run.FinishedAt = &finishedAt.Time
	}

	return &run, nil
}

// CreateRun inserts a new run
func (db *DB) CreateRun(run *models.Run) error {
	if run.CreatedAt.IsZero() {
		run.CreatedAt = time.Now().UTC()
	}
	if run.Status == "" {
		run.Status = models.RunStatusPending
	}

	query := `
		INSERT INTO runs (id, channel, requested_ref, manufacturer, printer, pages_only,
			force_render_pages, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := db.Exec(query,
		run.ID,
		run.Channel,
		run.RequestedRef,
		run.Manufacturer,
		run.Printer,
		run.PagesOnly,
		run.ForceRenderPages,
		run.Status,
		run.CreatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert run: %w", err)
	}

	return nil
}

// GetRun retrieves a run by ID, returning nil when it does not exist
func (db *DB) GetRun(id string) (*models.Run, error) {
	query := `SELECT ` + runColumns + ` FROM runs WHERE id = ?`

	run, err := scanRun(db.QueryRow(query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query run: %w", err)
	}

	return run, nil
}

// GetPendingRuns retrieves pending runs in the order they were queued
func (db *DB) GetPendingRuns() ([]*models.Run, error) {
	return db.queryRuns(`SELECT `+runColumns+` FROM runs WHERE status = ? ORDER BY created_at ASC, id ASC`, models.RunStatusPending)
}

// ListRuns returns the most recent runs, newest first
func (db *DB) ListRuns(limit int) ([]*models.Run, error) {
	return db.queryRuns(`SELECT `+runColumns+` FROM runs ORDER BY created_at DESC, id DESC LIMIT ?`, limit)
}

func (db *DB) queryRuns(query string, args ...any) ([]*models.Run, error) {
	rows, err := db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query runs: %w", err)
	}
	defer rows.Close()

	var runs []*models.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run row: %w", err)
		}
		runs = append(runs, run)
	}

	return runs, rows.Err()
}

// StartRun marks a run as building
func (db *DB) StartRun(id, workerID string) error {
	query := `
		UPDATE runs
		SET status = ?, started_at = ?, worker_id = ?
		WHERE id = ?
	`

	_, err := db.Exec(query, models.RunStatusBuilding, time.Now().UTC(), workerID, id)
	return err
}

// CompleteRun marks a run as completed
func (db *DB) CompleteRun(id, versionString string, built int) error {
	query := `
		UPDATE runs
		SET status = ?, finished_at = ?, version_string = ?, built = ?
		WHERE id = ?
	`

	_, err := db.Exec(query, models.RunStatusCompleted, time.Now().UTC(), versionString, built, id)
	return err
}

// FailRun marks a run as failed
func (db *DB) FailRun(id, errorMessage string) error {
	query := `
		UPDATE runs
		SET status = ?, finished_at = ?, error_message = ?
		WHERE id = ?
	`

	_, err := db.Exec(query, models.RunStatusFailed, time.Now().UTC(), errorMessage, id)
	return err
}

// GetQueueLength returns the number of pending runs
func (db *DB) GetQueueLength() (int, error) {
	var count int
	err := db.QueryRow("SELECT COUNT(*) FROM runs WHERE status = ?", models.RunStatusPending).Scan(&count)
	return count, err
}

// GetQueuePosition returns the position of a pending run in the queue
func (db *DB) GetQueuePosition(id string) (int, error) {
	run, err := db.GetRun(id)
	if err != nil {
		return 0, err
	}
	if run == nil {
		return 0, fmt.Errorf("run not found")
	}

	var position int
	query := `
		SELECT COUNT(*) + 1
		FROM runs
		WHERE status = ? AND (created_at < ? OR (created_at = ? AND id < ?))
	`
	err = db.QueryRow(query, models.RunStatusPending, run.CreatedAt.UTC(), run.CreatedAt.UTC(), run.ID).Scan(&position)
	return position, err
}

// FindActiveRun returns a pending or building run for the same channel and
// ref, if any
func (db *DB) FindActiveRun(channel, ref string) (*models.Run, error) {
	query := `SELECT ` + runColumns + ` FROM runs
		WHERE channel = ? AND requested_ref = ? AND status IN (?, ?)
		ORDER BY created_at ASC LIMIT 1`

	run, err := scanRun(db.QueryRow(query, channel, ref, models.RunStatusPending, models.RunStatusBuilding))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query active run: %w", err)
	}
	return run, nil
}

// ResetInterruptedRuns fails runs left building by a previous process
func (db *DB) ResetInterruptedRuns(workerID string) (int64, error) {
	result, err := db.Exec(`
		UPDATE runs
		SET status = ?, finished_at = ?, error_message = ?
		WHERE status = ? AND worker_id = ?
	`, models.RunStatusFailed, time.Now().UTC(), "interrupted by restart", models.RunStatusBuilding, workerID)
	if err != nil {
		return 0, fmt.Errorf("failed to reset interrupted runs: %w", err)
	}
	return result.RowsAffected()
}
