package orchestrator

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/johndauphine/aep-harvest/internal/checkpoint"
)

const timeFormat = "2006-01-02 15:04:05"

// ShowStatus prints the most recent run and its groupings.
func (o *Orchestrator) ShowStatus() error {
	st, err := o.GetStatusResult()
	if err != nil {
		return err
	}
	if st == nil {
		fmt.Fprintln(o.out, "No harvest runs recorded")
		return nil
	}

	fmt.Fprintf(o.out, "Run: %s (harvest %s, attempt %d)\n", st.RunID, st.HarvestID, st.Attempt)
	fmt.Fprintf(o.out, "Status: %s\n", st.Status)
	fmt.Fprintf(o.out, "Started: %s\n", st.StartedAt.Local().Format(timeFormat))
	fmt.Fprintf(o.out, "Groupings: %d/%d complete, %d failed (%.0f%%)\n",
		st.GroupingsComplete, st.GroupingsTotal, st.GroupingsFailed, st.ProgressPercent)
	if st.Error != "" {
		fmt.Fprintf(o.out, "Error: %s\n", st.Error)
	}
	if len(st.Groupings) > 0 {
		fmt.Fprintln(o.out)
		o.printGroupings(st.Groupings)
	}
	return nil
}

func (o *Orchestrator) printGroupings(groupings []GroupingStatus) {
	fmt.Fprintf(o.out, "%-22s %-10s %-14s %10s %8s  %s\n", "Grouping", "Status", "Stage", "Bytes", "Time", "Error")
	fmt.Fprintln(o.out, strings.Repeat("-", 90))
	for _, g := range groupings {
		icon := " "
		switch g.Status {
		case "success":
			icon = "✓"
		case "skipped":
			icon = "-"
		case "failed", "hung":
			icon = "✗"
		}
		fmt.Fprintf(o.out, "%-22s %s %-8s %-14s %10d %7.1fs  %s\n",
			truncate(g.Grouping, 22), icon, g.Status, g.Stage, g.Bytes, g.Seconds, truncate(g.Error, 40))
	}
}

// GetStatusResult builds a StatusResult for the most recent run, or nil when
// nothing has run yet.
func (o *Orchestrator) GetStatusResult() (*StatusResult, error) {
	run, err := o.state.GetLastRun()
	if err != nil {
		return nil, fmt.Errorf("reading run history: %w", err)
	}
	if run == nil {
		return nil, nil
	}
	return o.buildStatus(run)
}

// GetRunStatus builds a StatusResult for a specific run.
func (o *Orchestrator) GetRunStatus(runID string) (*StatusResult, error) {
	run, err := o.state.GetRunByID(runID)
	if err != nil {
		return nil, err
	}
	return o.buildStatus(run)
}

func (o *Orchestrator) buildStatus(run *checkpoint.Run) (*StatusResult, error) {
	recs, err := o.state.GetGroupings(run.ID)
	if err != nil {
		return nil, fmt.Errorf("reading groupings of run %s: %w", run.ID, err)
	}
	return statusFromRecords(run, recs), nil
}

func statusFromRecords(run *checkpoint.Run, recs []checkpoint.GroupingRecord) *StatusResult {
	st := &StatusResult{
		RunID:          run.ID,
		HarvestID:      run.HarvestID,
		Attempt:        run.Attempt,
		Status:         run.Status,
		StartedAt:      run.StartedAt,
		CompletedAt:    run.CompletedAt,
		GroupingsTotal: run.Groupings,
		Error:          run.Error,
		Groupings:      make([]GroupingStatus, 0, len(recs)),
	}
	for _, r := range recs {
		switch r.Status {
		case "success", "skipped":
			st.GroupingsComplete++
		default:
			st.GroupingsFailed++
		}
		st.Groupings = append(st.Groupings, GroupingStatus{
			Grouping:  r.Grouping,
			Status:    r.Status,
			Stage:     r.Stage,
			Path:      r.Path,
			Bytes:     r.Bytes,
			Seconds:   r.Duration.Seconds(),
			Error:     r.Error,
			Published: r.Published,
		})
	}
	if st.GroupingsTotal > 0 {
		st.ProgressPercent = float64(st.GroupingsComplete+st.GroupingsFailed) / float64(st.GroupingsTotal) * 100
	}
	return st
}

// ShowHistory lists recent runs, newest first.
func (o *Orchestrator) ShowHistory(limit int) error {
	runs, err := o.state.GetAllRuns(limit)
	if err != nil {
		return err
	}
	if len(runs) == 0 {
		fmt.Fprintln(o.out, "No harvest history")
		return nil
	}

	fmt.Fprintf(o.out, "%-10s %-10s %-8s %-20s %-20s %-10s\n", "ID", "Harvest", "Attempt", "Started", "Completed", "Status")
	fmt.Fprintln(o.out, strings.Repeat("-", 84))
	for _, r := range runs {
		completed := "-"
		if r.CompletedAt != nil {
			completed = r.CompletedAt.Local().Format(timeFormat)
		}
		fmt.Fprintf(o.out, "%-10s %-10s %-8d %-20s %-20s %-10s\n",
			r.ID, r.HarvestID, r.Attempt, r.StartedAt.Local().Format(timeFormat), completed, r.Status)
		if r.Error != "" {
			fmt.Fprintf(o.out, "           Error: %s\n", truncate(r.Error, 70))
		}
	}

	fmt.Fprintln(o.out, "\nUse 'history --run <ID>' to view a run's groupings")
	return nil
}

// ShowRunDetails prints one run with every grouping record.
func (o *Orchestrator) ShowRunDetails(runID string, asJSON bool) error {
	st, err := o.GetRunStatus(runID)
	if err != nil {
		return fmt.Errorf("getting run: %w", err)
	}
	if asJSON {
		data, err := json.MarshalIndent(st, "", "  ")
		if err != nil {
			return err
		}
		fmt.Fprintln(o.out, string(data))
		return nil
	}

	fmt.Fprintf(o.out, "Run ID:      %s\n", st.RunID)
	fmt.Fprintf(o.out, "Harvest:     %s (attempt %d)\n", st.HarvestID, st.Attempt)
	fmt.Fprintf(o.out, "Status:      %s\n", st.Status)
	if st.Error != "" {
		fmt.Fprintf(o.out, "Error:       %s\n", st.Error)
	}
	fmt.Fprintf(o.out, "Started:     %s\n", st.StartedAt.Local().Format(timeFormat))
	if st.CompletedAt != nil {
		fmt.Fprintf(o.out, "Completed:   %s\n", st.CompletedAt.Local().Format(timeFormat))
		fmt.Fprintf(o.out, "Duration:    %s\n", st.CompletedAt.Sub(st.StartedAt).Round(time.Second))
	}
	fmt.Fprintln(o.out)
	o.printGroupings(st.Groupings)
	for _, g := range st.Groupings {
		if g.Published != "" {
			fmt.Fprintf(o.out, "%s published to %s\n", g.Grouping, g.Published)
		}
	}
	return nil
}

// CleanupHistory drops finished runs older than retention.
func (o *Orchestrator) CleanupHistory(retention time.Duration) (int, error) {
	return o.state.CleanupOldRuns(retention)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
