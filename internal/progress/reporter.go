package progress

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/johndauphine/aep-harvest/internal/logging"
)

// Phases reported in ProgressUpdate.Phase.
const (
	PhaseStarting   = "starting"
	PhaseFilters    = "filters"
	PhaseGrouping   = "grouping"
	PhaseRestarting = "restarting"
	PhaseComplete   = "complete"
	PhaseFailed     = "failed"
)

// ProgressUpdate is one JSON progress line for schedulers and wrappers.
type ProgressUpdate struct {
	Timestamp         string  `json:"timestamp"`
	Phase             string  `json:"phase"`
	RunID             string  `json:"run_id,omitempty"`
	Attempt           int     `json:"attempt"`
	GroupingsComplete int     `json:"groupings_complete"`
	GroupingsFailed   int     `json:"groupings_failed,omitempty"`
	GroupingsTotal    int     `json:"groupings_total"`
	CurrentGrouping   string  `json:"current_grouping,omitempty"`
	Stage             string  `json:"stage,omitempty"`
	ProgressPct       float64 `json:"progress_pct"`
	ElapsedSeconds    float64 `json:"elapsed_seconds"`
}

// Reporter defines the interface for progress reporting.
type Reporter interface {
	// Report emits a progress update (may be throttled)
	Report(update ProgressUpdate)
	// ReportImmediate emits a progress update immediately, bypassing throttling
	ReportImmediate(update ProgressUpdate)
	// Close cleans up any resources
	Close()
}

// JSONReporter outputs JSON progress updates to a writer (typically stderr).
type JSONReporter struct {
	writer     io.Writer
	mu         sync.Mutex
	interval   time.Duration
	lastReport time.Time
	closed     bool
}

// NewJSONReporter creates a new JSON progress reporter.
// interval specifies the minimum time between throttled updates.
func NewJSONReporter(writer io.Writer, interval time.Duration) *JSONReporter {
	if writer == nil {
		writer = os.Stderr
	}
	return &JSONReporter{
		writer:   writer,
		interval: interval,
	}
}

// Report emits an update unless one was written within the interval.
func (r *JSONReporter) Report(update ProgressUpdate) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return
	}
	now := time.Now()
	if r.interval > 0 && now.Sub(r.lastReport) < r.interval {
		return
	}
	r.write(update, now)
}

// ReportImmediate emits an update regardless of throttling.
// Use for phase transitions and grouping completions.
func (r *JSONReporter) ReportImmediate(update ProgressUpdate) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return
	}
	r.write(update, time.Now())
}

func (r *JSONReporter) write(update ProgressUpdate, now time.Time) {
	if update.Timestamp == "" {
		update.Timestamp = now.Format(time.RFC3339)
	}
	if update.GroupingsTotal > 0 && update.ProgressPct == 0 {
		update.ProgressPct = float64(update.GroupingsComplete) * 100 / float64(update.GroupingsTotal)
	}

	data, err := json.Marshal(update)
	if err != nil {
		logging.Warn("Failed to marshal progress update: %v", err)
		return
	}
	fmt.Fprintln(r.writer, string(data))
	r.lastReport = now
}

// Close marks the reporter as closed.
func (r *JSONReporter) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
}

// NullReporter is a no-op reporter for when progress reporting is disabled.
type NullReporter struct{}

// Report does nothing.
func (r *NullReporter) Report(update ProgressUpdate) {}

// ReportImmediate does nothing.
func (r *NullReporter) ReportImmediate(update ProgressUpdate) {}

// Close does nothing.
func (r *NullReporter) Close() {}
