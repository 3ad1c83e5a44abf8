package checkpoint

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// timestamps are stored as sortable UTC text with millisecond precision
const timeLayout = "2006-01-02 15:04:05.000"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	t, _ := time.ParseInLocation(timeLayout, s, time.UTC)
	return t
}

// State keeps run history in SQLite
type State struct {
	db *sql.DB
}

// New opens (creating if needed) harvest.db in dataDir.
func New(dataDir string) (*State, error) {
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("creating data dir: %w", err)
	}

	dbPath := filepath.Join(dataDir, "harvest.db")
	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("opening state database: %w", err)
	}

	s := &State{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrating state schema: %w", err)
	}

	return s, nil
}

func (s *State) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS runs (
		id TEXT PRIMARY KEY,
		harvest_id TEXT NOT NULL,
		attempt INTEGER NOT NULL DEFAULT 0,
		started_at TEXT NOT NULL,
		completed_at TEXT,
		status TEXT NOT NULL DEFAULT 'running',
		error_message TEXT,
		portal_url TEXT NOT NULL,
		output_dir TEXT NOT NULL,
		groupings INTEGER NOT NULL DEFAULT 0,
		config_hash TEXT
	);

	CREATE TABLE IF NOT EXISTS groupings (
		run_id TEXT NOT NULL REFERENCES runs(id),
		slug TEXT NOT NULL,
		grouping TEXT NOT NULL,
		position INTEGER NOT NULL,
		status TEXT NOT NULL,
		stage TEXT,
		path TEXT,
		bytes INTEGER DEFAULT 0,
		started_at TEXT NOT NULL,
		duration_ms INTEGER DEFAULT 0,
		error_message TEXT,
		warnings TEXT,
		published TEXT,
		PRIMARY KEY (run_id, slug)
	);

	CREATE INDEX IF NOT EXISTS idx_runs_started ON runs(started_at);
	CREATE INDEX IF NOT EXISTS idx_groupings_slug_status ON groupings(slug, status);
	`

	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database connection
func (s *State) Close() error {
	return s.db.Close()
}

// CreateRun inserts a new running Run.
func (s *State) CreateRun(r *Run) error {
	if r.StartedAt.IsZero() {
		r.StartedAt = time.Now()
	}
	r.Status = RunRunning
	_, err := s.db.Exec(`
		INSERT INTO runs (id, harvest_id, attempt, started_at, status, portal_url, output_dir, groupings, config_hash)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, r.ID, r.HarvestID, r.Attempt, formatTime(r.StartedAt), r.Status, r.PortalURL, r.OutputDir, r.Groupings, r.ConfigHash)
	if err != nil {
		return fmt.Errorf("creating run %s: %w", r.ID, err)
	}
	return nil
}

// CompleteRun sets the final status of a run
func (s *State) CompleteRun(id, status, errorMsg string) error {
	res, err := s.db.Exec(`
		UPDATE runs SET status = ?, completed_at = ?, error_message = ?
		WHERE id = ?
	`, status, formatTime(time.Now()), errorMsg, id)
	if err != nil {
		return fmt.Errorf("completing run %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("run not found: %s", id)
	}
	return nil
}

// RecordGrouping upserts the outcome of one grouping.
func (s *State) RecordGrouping(rec *GroupingRecord) error {
	var warnings string
	if len(rec.Warnings) > 0 {
		data, _ := json.Marshal(rec.Warnings)
		warnings = string(data)
	}
	_, err := s.db.Exec(`
		INSERT INTO groupings (run_id, slug, grouping, position, status, stage, path, bytes, started_at, duration_ms, error_message, warnings, published)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(run_id, slug) DO UPDATE SET
			status = excluded.status,
			stage = excluded.stage,
			path = excluded.path,
			bytes = excluded.bytes,
			duration_ms = excluded.duration_ms,
			error_message = excluded.error_message,
			warnings = excluded.warnings,
			published = excluded.published
	`, rec.RunID, rec.Slug, rec.Grouping, rec.Position, rec.Status, rec.Stage, rec.Path, rec.Bytes,
		formatTime(rec.StartedAt), rec.Duration.Milliseconds(), rec.Error, warnings, rec.Published)
	if err != nil {
		return fmt.Errorf("recording grouping %s: %w", rec.Slug, err)
	}
	return nil
}

const runColumns = `id, harvest_id, attempt, started_at, completed_at, status, error_message, portal_url, output_dir, groupings, config_hash`

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(row scanner) (*Run, error) {
	var r Run
	var startedAt string
	var completedAt, errMsg, hash sql.NullString
	if err := row.Scan(&r.ID, &r.HarvestID, &r.Attempt, &startedAt, &completedAt, &r.Status, &errMsg,
		&r.PortalURL, &r.OutputDir, &r.Groupings, &hash); err != nil {
		return nil, err
	}
	r.StartedAt = parseTime(startedAt)
	if completedAt.Valid {
		t := parseTime(completedAt.String)
		r.CompletedAt = &t
	}
	r.Error = errMsg.String
	r.ConfigHash = hash.String
	return &r, nil
}

// GetRunByID returns a run or an error if it does not exist.
func (s *State) GetRunByID(id string) (*Run, error) {
	r, err := scanRun(s.db.QueryRow(`SELECT `+runColumns+` FROM runs WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("run not found: %s", id)
	}
	return r, err
}

// GetLastRun returns the most recently started run, or nil if there is none.
func (s *State) GetLastRun() (*Run, error) {
	r, err := scanRun(s.db.QueryRow(`SELECT ` + runColumns + ` FROM runs ORDER BY started_at DESC LIMIT 1`))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return r, err
}

// GetAllRuns returns the newest runs first.
func (s *State) GetAllRuns(limit int) ([]Run, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.Query(`SELECT `+runColumns+` FROM runs ORDER BY started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, *r)
	}
	return runs, rows.Err()
}

const groupingColumns = `run_id, slug, grouping, position, status, stage, path, bytes, started_at, duration_ms, error_message, warnings, published`

func scanGrouping(row scanner) (*GroupingRecord, error) {
	var g GroupingRecord
	var startedAt string
	var durationMS int64
	var stage, path, errMsg, warnings, published sql.NullString
	if err := row.Scan(&g.RunID, &g.Slug, &g.Grouping, &g.Position, &g.Status, &stage, &path, &g.Bytes,
		&startedAt, &durationMS, &errMsg, &warnings, &published); err != nil {
		return nil, err
	}
	g.StartedAt = parseTime(startedAt)
	g.Duration = time.Duration(durationMS) * time.Millisecond
	g.Stage = stage.String
	g.Path = path.String
	g.Error = errMsg.String
	g.Published = published.String
	if warnings.String != "" {
		_ = json.Unmarshal([]byte(warnings.String), &g.Warnings)
	}
	return &g, nil
}

// GetGroupings returns a run's grouping records in processing order.
func (s *State) GetGroupings(runID string) ([]GroupingRecord, error) {
	rows, err := s.db.Query(`SELECT `+groupingColumns+` FROM groupings WHERE run_id = ? ORDER BY position`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recs []GroupingRecord
	for rows.Next() {
		g, err := scanGrouping(rows)
		if err != nil {
			return nil, err
		}
		recs = append(recs, *g)
	}
	return recs, rows.Err()
}

// LastSuccess returns the newest successful record for slug across all runs.
func (s *State) LastSuccess(slug string) (*GroupingRecord, error) {
	g, err := scanGrouping(s.db.QueryRow(`
		SELECT `+groupingColumns+` FROM groupings
		WHERE slug = ? AND status = 'success'
		ORDER BY started_at DESC LIMIT 1
	`, slug))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return g, err
}

// CleanupOldRuns removes finished runs (and their groupings) older than retention.
// Running runs are never removed.
func (s *State) CleanupOldRuns(retention time.Duration) (int, error) {
	cutoff := formatTime(time.Now().Add(-retention))

	tx, err := s.db.Begin()
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`
		DELETE FROM groupings WHERE run_id IN (
			SELECT id FROM runs WHERE status != 'running' AND completed_at IS NOT NULL AND completed_at < ?
		)
	`, cutoff); err != nil {
		return 0, fmt.Errorf("deleting old groupings: %w", err)
	}
	res, err := tx.Exec(`
		DELETE FROM runs WHERE status != 'running' AND completed_at IS NOT NULL AND completed_at < ?
	`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("deleting old runs: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), tx.Commit()
}
