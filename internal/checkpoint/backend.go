package checkpoint

import (
	"fmt"
	"time"
)

// Run statuses.
const (
	RunRunning   = "running"
	RunSuccess   = "success"   // every grouping saved
	RunPartial   = "partial"   // finished, some groupings failed
	RunHung      = "hung"      // ended by a hang; the supervisor restarts it
	RunFailed    = "failed"    // navigation or session failure
	RunCancelled = "cancelled" // interrupted
)

// Backend persists run history. Implementations are SQLite (full history) and a
// YAML file (recent runs only, for hosts where SQLite is impractical).
//
// History is informational: it is never used to resume a Run.
type Backend interface {
	CreateRun(run *Run) error
	CompleteRun(id, status, errorMsg string) error
	RecordGrouping(rec *GroupingRecord) error

	GetRunByID(id string) (*Run, error)
	GetLastRun() (*Run, error)
	GetAllRuns(limit int) ([]Run, error)
	GetGroupings(runID string) ([]GroupingRecord, error)

	// LastSuccess returns the most recent successful record for a slug, or nil.
	LastSuccess(slug string) (*GroupingRecord, error)

	// CleanupOldRuns deletes finished runs completed before now-retention.
	CleanupOldRuns(retention time.Duration) (int, error)

	Close() error
}

// Run is one attempt to harvest every grouping with a single browser session.
// Attempts restarted by the supervisor share a HarvestID.
type Run struct {
	ID          string     `json:"id" yaml:"id"`
	HarvestID   string     `json:"harvest_id" yaml:"harvest_id"`
	Attempt     int        `json:"attempt" yaml:"attempt"`
	StartedAt   time.Time  `json:"started_at" yaml:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty" yaml:"completed_at,omitempty"`
	Status      string     `json:"status" yaml:"status"`
	Error       string     `json:"error,omitempty" yaml:"error,omitempty"`
	PortalURL   string     `json:"portal_url" yaml:"portal_url"`
	OutputDir   string     `json:"output_dir" yaml:"output_dir"`
	Groupings   int        `json:"groupings" yaml:"groupings"`
	ConfigHash  string     `json:"config_hash,omitempty" yaml:"config_hash,omitempty"`
}

// GroupingRecord is the stored outcome of one grouping within a Run.
type GroupingRecord struct {
	RunID     string        `json:"run_id" yaml:"-"`
	Grouping  string        `json:"grouping" yaml:"grouping"`
	Slug      string        `json:"slug" yaml:"slug"`
	Position  int           `json:"position" yaml:"position"`
	Status    string        `json:"status" yaml:"status"`
	Stage     string        `json:"stage,omitempty" yaml:"stage,omitempty"`
	Path      string        `json:"path,omitempty" yaml:"path,omitempty"`
	Bytes     int64         `json:"bytes,omitempty" yaml:"bytes,omitempty"`
	StartedAt time.Time     `json:"started_at" yaml:"started_at"`
	Duration  time.Duration `json:"duration" yaml:"duration"`
	Error     string        `json:"error,omitempty" yaml:"error,omitempty"`
	Warnings  []string      `json:"warnings,omitempty" yaml:"warnings,omitempty"`
	Published string        `json:"published,omitempty" yaml:"published,omitempty"` // object URL once uploaded
}

// Ensure both backends satisfy the interface
var (
	_ Backend = (*State)(nil)
	_ Backend = (*FileState)(nil)
)

// Open returns the backend selected by name: "file" uses stateFile, anything
// else the SQLite database in dataDir.
func Open(backend, dataDir, stateFile string) (Backend, error) {
	if backend == "file" {
		if stateFile == "" {
			return nil, fmt.Errorf("state file path is required for the file backend")
		}
		return NewFileState(stateFile)
	}
	return New(dataDir)
}
