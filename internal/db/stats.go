package db

import (
	"fmt"
	"time"

	"github.com/marlinbuild/builder/internal/models"
)

// RecordBuildStat records a statistical event
func (db *DB) RecordBuildStat(stat *models.BuildStat) error {
	query := `
		INSERT INTO build_events (run_id, timestamp, event_type, manufacturer, printer, version_string, duration_seconds)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`

	_, err := db.Exec(query,
		stat.RunID,
		stat.Timestamp.UTC(),
		stat.EventType,
		stat.Manufacturer,
		stat.Printer,
		stat.VersionString,
		stat.DurationSecs,
	)

	if err != nil {
		return fmt.Errorf("failed to insert build event: %w", err)
	}

	return nil
}

// RecordEvent is a convenience function to record a per-target event
func (db *DB) RecordEvent(runID string, eventType models.StatEventType, target models.Target, version string, durationSecs int) error {
	stat := &models.BuildStat{
		RunID:         runID,
		Timestamp:     time.Now(),
		EventType:     eventType,
		Manufacturer:  target.Manufacturer,
		Printer:       target.Printer,
		VersionString: version,
		DurationSecs:  durationSecs,
	}
	return db.RecordBuildStat(stat)
}

// GetBuildStatsPerDay returns event counts grouped by day
func (db *DB) GetBuildStatsPerDay(days int) (map[string]map[string]int, error) {
	query := `
		SELECT DATE(timestamp) as day, event_type, COUNT(*) as count
		FROM build_events
		WHERE timestamp >= datetime('now', '-' || ? || ' days')
		GROUP BY day, event_type
		ORDER BY day DESC
	`

	rows, err := db.Query(query, days)
	if err != nil {
		return nil, fmt.Errorf("failed to query build stats: %w", err)
	}
	defer rows.Close()

	stats := make(map[string]map[string]int)
	for rows.Next() {
		var day, eventType string
		var count int

		if err := rows.Scan(&day, &eventType, &count); err != nil {
			return nil, fmt.Errorf("failed to scan stat row: %w", err)
		}

		if stats[day] == nil {
			stats[day] = make(map[string]int)
		}
		stats[day][eventType] = count
	}

	return stats, rows.Err()
}

// GetBuildStatsByVersion returns event counts grouped by version string
func (db *DB) GetBuildStatsByVersion(weeks int) (map[string]map[string]int, error) {
	query := `
		SELECT version_string, event_type, COUNT(*) as count
		FROM build_events
		WHERE timestamp >= datetime('now', '-' || ? || ' days')
			AND version_string != ''
		GROUP BY version_string, event_type
		ORDER BY version_string
	`

	rows, err := db.Query(query, weeks*7)
	if err != nil {
		return nil, fmt.Errorf("failed to query build stats by version: %w", err)
	}
	defer rows.Close()

	stats := make(map[string]map[string]int)
	for rows.Next() {
		var version, eventType string
		var count int

		if err := rows.Scan(&version, &eventType, &count); err != nil {
			return nil, fmt.Errorf("failed to scan stat row: %w", err)
		}

		if stats[version] == nil {
			stats[version] = make(map[string]int)
		}
		stats[version][eventType] = count
	}

	return stats, rows.Err()
}

// TargetStats summarizes the outcomes of one target
type TargetStats struct {
	Manufacturer    string  `json:"manufacturer"`
	Printer         string  `json:"printer"`
	Built           int     `json:"built"`
	Failed          int     `json:"failed"`
	TimedOut        int     `json:"timed_out"`
	CacheHits       int     `json:"cache_hits"`
	AvgBuildSeconds float64 `json:"avg_build_seconds"`
}

// GetTargetStats returns per-target outcome counts, most failures first
func (db *DB) GetTargetStats(days int) ([]*TargetStats, error) {
	query := `
		SELECT
			manufacturer,
			printer,
			SUM(CASE WHEN event_type = 'build_completed' THEN 1 ELSE 0 END) as built,
			SUM(CASE WHEN event_type = 'failure' THEN 1 ELSE 0 END) as failed,
			SUM(CASE WHEN event_type = 'timeout' THEN 1 ELSE 0 END) as timed_out,
			SUM(CASE WHEN event_type = 'cache_hit' THEN 1 ELSE 0 END) as cache_hits,
			COALESCE(AVG(CASE WHEN event_type = 'build_completed' THEN duration_seconds END), 0) as avg_build
		FROM build_events
		WHERE timestamp >= datetime('now', '-' || ? || ' days')
			AND event_type != 'skipped_filter'
		GROUP BY manufacturer, printer
		ORDER BY failed + timed_out DESC, manufacturer, printer
	`

	rows, err := db.Query(query, days)
	if err != nil {
		return nil, fmt.Errorf("failed to query target stats: %w", err)
	}
	defer rows.Close()

	var stats []*TargetStats
	for rows.Next() {
		var s TargetStats
		if err := rows.Scan(&s.Manufacturer, &s.Printer, &s.Built, &s.Failed, &s.TimedOut, &s.CacheHits, &s.AvgBuildSeconds); err != nil {
			return nil, fmt.Errorf("failed to scan target stat row: %w", err)
		}
		stats = append(stats, &s)
	}

	return stats, rows.Err()
}

// CleanOldStats removes events older than the specified number of days
func (db *DB) CleanOldStats(daysToKeep int) error {
	query := `DELETE FROM build_events WHERE timestamp < datetime('now', '-' || ? || ' days')`
	_, err := db.Exec(query, daysToKeep)
	return err
}
