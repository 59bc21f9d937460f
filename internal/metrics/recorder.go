// Package metrics exposes build farm observability hooks with a Prometheus
// implementation.
package metrics

import "time"

// Outcome labels the result of one target build
type Outcome string

const (
	OutcomeBuilt         Outcome = "built"
	OutcomeCacheHit      Outcome = "cache_hit"
	OutcomeSkippedFilter Outcome = "skipped_filter"
	OutcomeSkippedGate   Outcome = "skipped_gate"
	OutcomeFailure       Outcome = "failure"
	OutcomeTimeout       Outcome = "timeout"
	OutcomeArtifactError Outcome = "artifact_error"
)

// Recorder defines the hooks the orchestrator and pipeline call. The
// NoopRecorder is used when metrics are not configured.
type Recorder interface {
	IncTargetOutcome(outcome Outcome)
	ObserveTargetDuration(d time.Duration)
	ObserveSnapshotDuration(d time.Duration, success bool)
	ObserveRunDuration(d time.Duration, built int)
	SetBuildConcurrency(n int)
}

// NoopRecorder is a Recorder that does nothing
type NoopRecorder struct{}

func (NoopRecorder) IncTargetOutcome(Outcome)                    {}
func (NoopRecorder) ObserveTargetDuration(time.Duration)         {}
func (NoopRecorder) ObserveSnapshotDuration(time.Duration, bool) {}
func (NoopRecorder) ObserveRunDuration(time.Duration, int)       {}
func (NoopRecorder) SetBuildConcurrency(int)                     {}
