package stages

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/johndauphine/aep-harvest/internal/artifact"
	"github.com/johndauphine/aep-harvest/internal/driver"
	"github.com/johndauphine/aep-harvest/internal/logging"
	"github.com/johndauphine/aep-harvest/internal/readiness"
)

// Status is the final state of one grouping in a Run.
type Status string

const (
	StatusSuccess Status = "success"
	StatusSkipped Status = "skipped"
	StatusFailed  Status = "failed"
	StatusHung    Status = "hung"
)

// Outcome records what happened to one grouping.
type Outcome struct {
	Grouping  string        `json:"grouping"`
	Slug      string        `json:"slug"`
	Index     int           `json:"index"`
	Cold      bool          `json:"cold"`
	Status    Status        `json:"status"`
	Stage     Stage         `json:"stage,omitempty"` // where it stopped, if not successful
	Path      string        `json:"path,omitempty"`
	Bytes     int64         `json:"bytes,omitempty"`
	StartedAt time.Time     `json:"started_at"`
	Duration  time.Duration `json:"duration"`
	Error     string        `json:"error,omitempty"`
	Warnings  []string      `json:"warnings,omitempty"`
}

// NewOutcome starts an outcome record for grouping at pos.
func NewOutcome(grouping string, pos Position) *Outcome {
	return &Outcome{
		Grouping:  grouping,
		Slug:      artifact.Slug(grouping),
		Index:     pos.Index,
		Cold:      pos.Cold,
		StartedAt: time.Now(),
	}
}

// Fail marks the outcome failed at the stage carried by err, if any.
func (o *Outcome) Fail(err error) {
	o.Status = StatusFailed
	o.Error = err.Error()
	var se *StageError
	if errors.As(err, &se) {
		o.Stage = se.Stage
	}
	if errors.Is(err, ErrHang) {
		o.Status = StatusHung
	}
	o.Duration = since(o.StartedAt)
}

// ApplyAndDownload runs the apply-and-download sequence for the grouping currently
// shown on the page and fills in out. The returned error is non-nil only for a hang
// (wrapping ErrHang) or cancellation; any other failure ends the grouping and is
// recorded in out.
func (r *Runner) ApplyAndDownload(ctx context.Context, out *Outcome) error {
	grouping := out.Grouping

	if r.detector.Await(ctx, r.timing.LoaderTimeout) == readiness.SignalCancelled {
		return ctx.Err()
	}

	if err := r.selectThemes(ctx, grouping, out.Slug); err != nil {
		return r.abort(ctx, out, err)
	}

	if err := r.apply(grouping); err != nil {
		return r.abort(ctx, out, err)
	}

	if r.detector.Await(ctx, r.timing.LoaderTimeout) == readiness.SignalCancelled {
		return ctx.Err()
	}
	// The loader can clear before the table and export link are re-rendered.
	if err := readiness.Sleep(ctx, r.timing.RenderBuffer); err != nil {
		return err
	}

	button := r.drv.Locate(r.sel.DownloadButton)
	if err := r.checkDownloadControl(grouping, button); err != nil {
		out.Fail(err)
		return err
	}

	timeout := r.timing.DownloadTimeout
	if out.Cold {
		timeout = r.timing.FirstDownloadTimeout
	}
	logging.Info("Downloading %s (timeout %v)", grouping, timeout)

	dl, err := r.drv.ExpectDownload(timeout, button.DispatchClick)
	if err != nil {
		return r.abort(ctx, out, stageErr(grouping, StageDownload, err))
	}
	// An interrupted run keeps nothing from the grouping it was on.
	if err := ctx.Err(); err != nil {
		out.Fail(err)
		return err
	}
	if tmp, err := dl.Path(); err == nil {
		logging.Debug("Download for %s staged at %s (suggested name %q)", grouping, tmp, dl.SuggestedFilename())
	}

	if err := r.save(dl, out); err != nil {
		return r.abort(ctx, out, err)
	}

	out.Status = StatusSuccess
	out.Stage = ""
	out.Duration = since(out.StartedAt)
	logging.Info("Saved %s (%d bytes) in %v", out.Path, out.Bytes, out.Duration)
	return nil
}

// abort records a grouping-ending failure. Cancellation takes precedence.
func (r *Runner) abort(ctx context.Context, out *Outcome, err error) error {
	if ctx.Err() != nil {
		out.Fail(ctx.Err())
		return ctx.Err()
	}
	out.Fail(err)
	logging.Error("Grouping %s failed: %v", out.Grouping, err)
	return nil
}

func (r *Runner) selectThemes(ctx context.Context, grouping, slug string) error {
	label := r.locate(r.sel.ThemesSelectAll, slug)
	if err := label.ScrollIntoView(); err != nil {
		return stageErr(grouping, StageThemes, fmt.Errorf("scrolling to themes: %w", err))
	}
	if err := r.click(label); err != nil {
		return stageErr(grouping, StageThemes, fmt.Errorf("selecting all themes: %w", err))
	}
	if err := readiness.Sleep(ctx, r.timing.ThemesSettle); err != nil {
		return err
	}
	return nil
}

func (r *Runner) apply(grouping string) error {
	button := r.drv.Locate(r.sel.ApplyButton)
	if err := button.WaitFor(driver.StateVisible, r.timing.ApplyTimeout); err != nil {
		return stageErr(grouping, StageApply, fmt.Errorf("waiting for apply button: %w", err))
	}
	if err := button.ScrollIntoView(); err != nil {
		return stageErr(grouping, StageApply, fmt.Errorf("scrolling to apply button: %w", err))
	}
	if err := r.click(button); err != nil {
		return stageErr(grouping, StageApply, fmt.Errorf("clicking apply: %w", err))
	}
	logging.Info("Applied filters for %s", grouping)
	return nil
}

// checkDownloadControl detects the hang: after apply the export link must be both
// enabled and visible. Anything else, including an unreadable state, is a hang.
func (r *Runner) checkDownloadControl(grouping string, button driver.Element) error {
	if err := button.ScrollIntoView(); err != nil {
		logging.Debug("Scrolling to download control: %v", err)
	}

	enabled, err := button.IsEnabled()
	if err != nil {
		return stageErr(grouping, StageDownloadCheck, fmt.Errorf("%w: reading enabled state: %v", ErrHang, err))
	}
	visible, err := button.IsVisible()
	if err != nil {
		return stageErr(grouping, StageDownloadCheck, fmt.Errorf("%w: reading visibility: %v", ErrHang, err))
	}
	if !enabled || !visible {
		return stageErr(grouping, StageDownloadCheck,
			fmt.Errorf("%w (enabled=%v, visible=%v)", ErrHang, enabled, visible))
	}
	return nil
}

// save moves the download into place and checks it. The file only appears under
// its final name once fully written.
func (r *Runner) save(dl driver.Download, out *Outcome) error {
	if err := artifact.EnsureDir(r.output.Dir); err != nil {
		return stageErr(out.Grouping, StageSave, err)
	}
	path := artifact.Path(r.output.Dir, out.Grouping, r.output.Extension)
	partial := path + ".part"

	if err := dl.SaveAs(partial); err != nil {
		os.Remove(partial)
		return stageErr(out.Grouping, StageSave, fmt.Errorf("saving download: %w", err))
	}
	if _, err := artifact.Stat(partial); err != nil {
		os.Remove(partial)
		return stageErr(out.Grouping, StageSave, err)
	}
	if err := os.Rename(partial, path); err != nil {
		os.Remove(partial)
		return stageErr(out.Grouping, StageSave, fmt.Errorf("moving download into place: %w", err))
	}

	info, err := artifact.Stat(path)
	if err != nil {
		return stageErr(out.Grouping, StageSave, err)
	}
	out.Path = info.Path
	out.Bytes = info.Size

	if r.output.VerifyWorkbook {
		out.Warnings = append(out.Warnings, r.verify(path)...)
	}
	return nil
}

// verify checks the workbook layout. Problems are diagnostics only; the file is kept.
func (r *Runner) verify(path string) []string {
	report, err := artifact.VerifyWorkbook(path, r.output.RequiredColumns)
	if err != nil {
		msg := fmt.Sprintf("workbook unreadable: %v", err)
		logging.Warn("%s: %s", path, msg)
		return []string{msg}
	}
	if !report.OK() {
		msg := fmt.Sprintf("no sheet has columns %v (sheets: %v)", report.MissingColumns, report.Sheets)
		logging.Warn("%s: %s", path, msg)
		return []string{msg}
	}
	logging.Debug("%s: columns found on %v, %d year columns", path, report.MatchedSheets, report.YearColumns)
	return nil
}
