package orchestrator

import (
	"fmt"
	"time"

	"github.com/johndauphine/aep-harvest/internal/stages"
)

// RunResult is the outcome of one Run (one browser session).
type RunResult struct {
	RunID           string               `json:"run_id"`
	HarvestID       string               `json:"harvest_id"`
	Attempt         int                  `json:"attempt"`
	Status          string               `json:"status"`
	StartedAt       time.Time            `json:"started_at"`
	CompletedAt     time.Time            `json:"completed_at"`
	DurationSeconds float64              `json:"duration_seconds"`
	Filters         *stages.FilterReport `json:"filters,omitempty"`
	Outcomes        []*stages.Outcome    `json:"groupings"`
	Saved           int                  `json:"saved"`
	Skipped         int                  `json:"skipped"`
	Failed          int                  `json:"failed"`
	Bytes           int64                `json:"bytes"`
	Error           string               `json:"error,omitempty"`
}

func (r *RunResult) failureSummaries() []string {
	var out []string
	for _, o := range r.Outcomes {
		if o.Status == stages.StatusFailed || o.Status == stages.StatusHung {
			out = append(out, fmt.Sprintf("%s (%s): %s", o.Grouping, o.Stage, o.Error))
		}
	}
	return out
}

// HarvestResult summarizes a harvest across restarts, for --output-json.
type HarvestResult struct {
	HarvestID       string     `json:"harvest_id"`
	Status          string     `json:"status"`
	Restarts        int        `json:"restarts"`
	StartedAt       time.Time  `json:"started_at"`
	CompletedAt     time.Time  `json:"completed_at"`
	DurationSeconds float64    `json:"duration_seconds"`
	LastRun         *RunResult `json:"last_run,omitempty"`
	Error           string     `json:"error,omitempty"`
}

// StatusResult is the machine-readable form of the status command.
type StatusResult struct {
	RunID             string           `json:"run_id"`
	HarvestID         string           `json:"harvest_id"`
	Attempt           int              `json:"attempt"`
	Status            string           `json:"status"`
	StartedAt         time.Time        `json:"started_at"`
	CompletedAt       *time.Time       `json:"completed_at,omitempty"`
	GroupingsTotal    int              `json:"groupings_total"`
	GroupingsComplete int              `json:"groupings_complete"`
	GroupingsFailed   int              `json:"groupings_failed"`
	ProgressPercent   float64          `json:"progress_percent"`
	Groupings         []GroupingStatus `json:"groupings"`
	Error             string           `json:"error,omitempty"`
}

// GroupingStatus is one grouping line of a StatusResult.
type GroupingStatus struct {
	Grouping  string  `json:"grouping"`
	Status    string  `json:"status"`
	Stage     string  `json:"stage,omitempty"`
	Path      string  `json:"path,omitempty"`
	Bytes     int64   `json:"bytes,omitempty"`
	Seconds   float64 `json:"seconds"`
	Error     string  `json:"error,omitempty"`
	Published string  `json:"published,omitempty"`
}
