package checkpoint

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

// maxFileRuns bounds the history kept in a state file.
const maxFileRuns = 20

// FileState implements Backend using a single YAML file holding recent runs.
// Suited to cron hosts and containers where a SQLite file is impractical.
type FileState struct {
	path  string
	mu    sync.RWMutex
	state *fileStateData
}

// fileStateData is the YAML structure for the state file.
type fileStateData struct {
	Runs []fileRun `yaml:"runs"`
}

type fileRun struct {
	Run       `yaml:",inline"`
	Groupings []GroupingRecord `yaml:"groupings,omitempty"`
}

// NewFileState creates a file-based state manager, loading the file if it exists.
func NewFileState(path string) (*FileState, error) {
	fs := &FileState{
		path:  path,
		state: &fileStateData{},
	}

	data, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("reading state file: %w", err)
	}
	if err == nil {
		if err := yaml.Unmarshal(data, fs.state); err != nil {
			return nil, fmt.Errorf("parsing state file: %w", err)
		}
	}

	return fs, nil
}

// save writes the state atomically via a temp file in the same directory.
func (fs *FileState) save() error {
	data, err := yaml.Marshal(fs.state)
	if err != nil {
		return fmt.Errorf("marshaling state: %w", err)
	}
	if dir := filepath.Dir(fs.path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("creating state dir: %w", err)
		}
	}
	tmp := fs.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return fmt.Errorf("writing state file: %w", err)
	}
	if err := os.Rename(tmp, fs.path); err != nil {
		return fmt.Errorf("replacing state file: %w", err)
	}
	return nil
}

func (fs *FileState) find(id string) *fileRun {
	for i := range fs.state.Runs {
		if fs.state.Runs[i].ID == id {
			return &fs.state.Runs[i]
		}
	}
	return nil
}

// CreateRun appends a running Run, dropping the oldest beyond the cap.
func (fs *FileState) CreateRun(r *Run) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	if r.StartedAt.IsZero() {
		r.StartedAt = time.Now()
	}
	r.Status = RunRunning
	if fs.find(r.ID) != nil {
		return fmt.Errorf("run %s already exists", r.ID)
	}

	fs.state.Runs = append(fs.state.Runs, fileRun{Run: *r})
	if n := len(fs.state.Runs); n > maxFileRuns {
		fs.state.Runs = fs.state.Runs[n-maxFileRuns:]
	}
	return fs.save()
}

// CompleteRun marks the run as complete.
func (fs *FileState) CompleteRun(id, status, errorMsg string) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	run := fs.find(id)
	if run == nil {
		return fmt.Errorf("run not found: %s", id)
	}
	now := time.Now()
	run.Status = status
	run.CompletedAt = &now
	run.Error = errorMsg
	return fs.save()
}

// RecordGrouping upserts a grouping record within its run.
func (fs *FileState) RecordGrouping(rec *GroupingRecord) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	run := fs.find(rec.RunID)
	if run == nil {
		return fmt.Errorf("run not found: %s", rec.RunID)
	}
	for i := range run.Groupings {
		if run.Groupings[i].Slug == rec.Slug {
			run.Groupings[i] = *rec
			return fs.save()
		}
	}
	run.Groupings = append(run.Groupings, *rec)
	return fs.save()
}

// GetRunByID returns a run or an error if it does not exist.
func (fs *FileState) GetRunByID(id string) (*Run, error) {
	fs.mu.RLock()
	defer fs.mu.RUnlock()

	run := fs.find(id)
	if run == nil {
		return nil, fmt.Errorf("run not found: %s", id)
	}
	r := run.Run
	return &r, nil
}

// GetLastRun returns the most recently started run, or nil.
func (fs *FileState) GetLastRun() (*Run, error) {
	runs, err := fs.GetAllRuns(1)
	if err != nil || len(runs) == 0 {
		return nil, err
	}
	return &runs[0], nil
}

// GetAllRuns returns the newest runs first.
func (fs *FileState) GetAllRuns(limit int) ([]Run, error) {
	fs.mu.RLock()
	defer fs.mu.RUnlock()

	runs := make([]Run, 0, len(fs.state.Runs))
	for _, fr := range fs.state.Runs {
		runs = append(runs, fr.Run)
	}
	sort.SliceStable(runs, func(i, j int) bool {
		return runs[i].StartedAt.After(runs[j].StartedAt)
	})
	if limit > 0 && len(runs) > limit {
		runs = runs[:limit]
	}
	return runs, nil
}

// GetGroupings returns a run's grouping records in processing order.
func (fs *FileState) GetGroupings(runID string) ([]GroupingRecord, error) {
	fs.mu.RLock()
	defer fs.mu.RUnlock()

	run := fs.find(runID)
	if run == nil {
		return nil, fmt.Errorf("run not found: %s", runID)
	}
	recs := make([]GroupingRecord, len(run.Groupings))
	for i, g := range run.Groupings {
		g.RunID = runID
		recs[i] = g
	}
	sort.SliceStable(recs, func(i, j int) bool { return recs[i].Position < recs[j].Position })
	return recs, nil
}

// LastSuccess returns the newest successful record for slug, or nil.
func (fs *FileState) LastSuccess(slug string) (*GroupingRecord, error) {
	fs.mu.RLock()
	defer fs.mu.RUnlock()

	var best *GroupingRecord
	for _, run := range fs.state.Runs {
		for _, g := range run.Groupings {
			if g.Slug != slug || g.Status != "success" {
				continue
			}
			if best == nil || g.StartedAt.After(best.StartedAt) {
				g := g
				g.RunID = run.ID
				best = &g
			}
		}
	}
	return best, nil
}

// CleanupOldRuns drops finished runs completed before now-retention.
func (fs *FileState) CleanupOldRuns(retention time.Duration) (int, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	cutoff := time.Now().Add(-retention)
	kept := fs.state.Runs[:0]
	removed := 0
	for _, run := range fs.state.Runs {
		if run.Status != RunRunning && run.CompletedAt != nil && run.CompletedAt.Before(cutoff) {
			removed++
			continue
		}
		kept = append(kept, run)
	}
	fs.state.Runs = kept
	if removed == 0 {
		return 0, nil
	}
	return removed, fs.save()
}

// Close is a no-op; every change is already on disk.
func (fs *FileState) Close() error {
	return nil
}
