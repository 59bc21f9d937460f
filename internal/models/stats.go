package models

import "time"

// StatEventType represents different types of per-target build events
type StatEventType string

const (
	EventTypeSkippedFilter  StatEventType = "skipped_filter"
	EventTypeSkippedGate    StatEventType = "skipped_gate"
	EventTypeCacheHit       StatEventType = "cache_hit"
	EventTypeFailure        StatEventType = "failure"
	EventTypeTimeout        StatEventType = "timeout"
	EventTypeBuildCompleted StatEventType = "build_completed"
)

// BuildStat represents a statistical event
type BuildStat struct {
	ID            int64         `json:"id" db:"id"`
	RunID         string        `json:"run_id" db:"run_id"`
	Timestamp     time.Time     `json:"timestamp" db:"timestamp"`
	EventType     StatEventType `json:"event_type" db:"event_type"`
	Manufacturer  string        `json:"manufacturer" db:"manufacturer"`
	Printer       string        `json:"printer" db:"printer"`
	VersionString string        `json:"version_string,omitempty" db:"version_string"`
	DurationSecs  int           `json:"duration_seconds,omitempty" db:"duration_seconds"`
}
