package models

import (
	"fmt"
	"strings"
	"time"
)

// RunStatus represents the status of an orchestrator run
type RunStatus string

const (
	RunStatusPending   RunStatus = "pending"
	RunStatusBuilding  RunStatus = "building"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
)

// RunRequest describes one orchestrator run: a channel/ref snapshot built
// over the (optionally filtered) matrix.
type RunRequest struct {
	Channel          string `json:"channel" binding:"required"`
	Ref              string `json:"ref"`
	Manufacturer     string `json:"manufacturer,omitempty"`
	Printer          string `json:"printer,omitempty"`
	PagesOnly        bool   `json:"pages_only,omitempty"`
	ForceRenderPages bool   `json:"force_render_pages,omitempty"`
}

// Normalize fills in the ref from the channel when it was omitted
func (r *RunRequest) Normalize() {
	if r.Ref == "" {
		r.Ref = r.Channel
	}
}

// Validate rejects channels and refs that cannot become part of an artifact
// file name
func (r RunRequest) Validate() error {
	if r.Channel == "" {
		return fmt.Errorf("channel is required")
	}
	for field, v := range map[string]string{"channel": r.Channel, "ref": r.Ref} {
		if strings.ContainsAny(v, `/\`) || v == "." || v == ".." {
			return fmt.Errorf("invalid %s %q: must not contain path separators", field, v)
		}
	}
	return nil
}

// Run represents a single orchestrator run
type Run struct {
	ID               string     `json:"id" db:"id"`
	Channel          string     `json:"channel" db:"channel"`
	RequestedRef     string     `json:"requested_ref" db:"requested_ref"`
	Manufacturer     string     `json:"manufacturer,omitempty" db:"manufacturer"`
	Printer          string     `json:"printer,omitempty" db:"printer"`
	PagesOnly        bool       `json:"pages_only,omitempty" db:"pages_only"`
	ForceRenderPages bool       `json:"force_render_pages,omitempty" db:"force_render_pages"`
	VersionString    string     `json:"version_string,omitempty" db:"version_string"`
	Status           RunStatus  `json:"status" db:"status"`
	Built            int        `json:"built" db:"built"`
	CreatedAt        time.Time  `json:"created_at" db:"created_at"`
	StartedAt        *time.Time `json:"started_at,omitempty" db:"started_at"`
	FinishedAt       *time.Time `json:"finished_at,omitempty" db:"finished_at"`
	ErrorMessage     string     `json:"error_message,omitempty" db:"error_message"`
	WorkerID         string     `json:"worker_id,omitempty" db:"worker_id"`
	QueuePosition    int        `json:"queue_position,omitempty" db:"-"`
}

// NewRun creates a pending run for req
func NewRun(id string, req RunRequest) *Run {
	req.Normalize()
	return &Run{
		ID:               id,
		Channel:          req.Channel,
		RequestedRef:     req.Ref,
		Manufacturer:     req.Manufacturer,
		Printer:          req.Printer,
		PagesOnly:        req.PagesOnly,
		ForceRenderPages: req.ForceRenderPages,
		Status:           RunStatusPending,
		CreatedAt:        time.Now().UTC(),
	}
}

// Request reconstructs the request a run was created from
func (r *Run) Request() RunRequest {
	return RunRequest{
		Channel:          r.Channel,
		Ref:              r.RequestedRef,
		Manufacturer:     r.Manufacturer,
		Printer:          r.Printer,
		PagesOnly:        r.PagesOnly,
		ForceRenderPages: r.ForceRenderPages,
	}
}

// RunSummary is returned by the pipeline once a run has finished
type RunSummary struct {
	RunID         string        `json:"run_id"`
	VersionString string        `json:"version_string,omitempty"`
	Built         int           `json:"built"`
	Rendered      bool          `json:"rendered"`
	Duration      time.Duration `json:"duration"`
}
