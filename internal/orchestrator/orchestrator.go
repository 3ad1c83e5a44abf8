package orchestrator

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/johndauphine/aep-harvest/internal/artifact"
	"github.com/johndauphine/aep-harvest/internal/checkpoint"
	"github.com/johndauphine/aep-harvest/internal/config"
	"github.com/johndauphine/aep-harvest/internal/driver"
	"github.com/johndauphine/aep-harvest/internal/logging"
	"github.com/johndauphine/aep-harvest/internal/notify"
	"github.com/johndauphine/aep-harvest/internal/progress"
	"github.com/johndauphine/aep-harvest/internal/publish"
	"github.com/johndauphine/aep-harvest/internal/readiness"
	"github.com/johndauphine/aep-harvest/internal/stages"
	"github.com/johndauphine/aep-harvest/internal/supervisor"
)

// Options overrides the collaborators New would otherwise build from config.
type Options struct {
	State     checkpoint.Backend
	Notifier  notify.Provider
	Publisher publish.Publisher
	Reporter  progress.Reporter
	Tracker   *progress.Tracker
	Out       io.Writer // status and history output, stdout by default
	HarvestID string    // reused across process replacement
}

// Orchestrator coordinates a harvest: one Run per browser session, restarted
// by the supervisor when the portal hangs.
type Orchestrator struct {
	config     *config.Config
	state      checkpoint.Backend
	notifier   notify.Provider
	publisher  publish.Publisher
	reporter   progress.Reporter
	tracker    *progress.Tracker
	out        io.Writer
	harvestID  string
	configHash string
}

// New creates an orchestrator, opening the state backend and notifier from cfg
// unless opts supplies them.
func New(cfg *config.Config, opts Options) (*Orchestrator, error) {
	state := opts.State
	if state == nil {
		var err error
		state, err = checkpoint.Open(cfg.State.Backend, cfg.State.DataDir, cfg.State.StateFile)
		if err != nil {
			return nil, fmt.Errorf("creating state manager: %w", err)
		}
	}

	notifier := opts.Notifier
	if notifier == nil {
		notifier = notify.New(&cfg.Slack)
	}

	publisher := opts.Publisher
	if publisher == nil {
		var err error
		publisher, err = publish.New(cfg.Publish)
		if err != nil {
			state.Close()
			return nil, err
		}
	}

	reporter := opts.Reporter
	if reporter == nil {
		reporter = &progress.NullReporter{}
	}

	out := opts.Out
	if out == nil {
		out = os.Stdout
	}

	harvestID := opts.HarvestID
	if harvestID == "" {
		harvestID = uuid.New().String()[:8]
	}

	return &Orchestrator{
		config:     cfg,
		state:      state,
		notifier:   notifier,
		publisher:  publisher,
		reporter:   reporter,
		tracker:    opts.Tracker,
		out:        out,
		harvestID:  harvestID,
		configHash: computeConfigHash(cfg),
	}, nil
}

// Close releases the state backend.
func (o *Orchestrator) Close() {
	o.reporter.Close()
	if err := o.state.Close(); err != nil {
		logging.Warn("Closing state: %v", err)
	}
}

// HarvestID identifies this harvest across all of its Runs.
func (o *Orchestrator) HarvestID() string {
	return o.harvestID
}

// Harvest runs the whole harvest under sup, restarting from the first grouping
// on every hang, and returns the result of the last Run.
func (o *Orchestrator) Harvest(ctx context.Context, sup *supervisor.Supervisor) (*HarvestResult, error) {
	start := time.Now()
	release, err := artifact.Lock(o.config.Output.Dir)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := release(); err != nil {
			logging.Warn("Releasing output lock: %v", err)
		}
	}()

	if sup.Restarts() == 0 {
		o.notify(o.notifier.HarvestStarted(o.harvestID, o.config.Portal.URL, len(o.config.Portal.Groupings)))
	}

	sup.HarvestID = o.harvestID
	sup.Notifier = o.notifier
	sup.OnRestart = func(restart int, reason error) {
		o.reporter.ReportImmediate(progress.ProgressUpdate{
			Phase:          progress.PhaseRestarting,
			RunID:          o.harvestID,
			Attempt:        restart,
			GroupingsTotal: len(o.config.Portal.Groupings),
		})
		if o.tracker != nil {
			o.tracker.Reset()
		}
	}

	var last *RunResult
	restarts, err := sup.Run(ctx, func(ctx context.Context, drv driver.Driver, attempt int) error {
		res, err := o.Run(ctx, drv, attempt)
		if res != nil {
			last = res
		}
		return err
	})

	result := &HarvestResult{
		HarvestID:       o.harvestID,
		Restarts:        restarts,
		StartedAt:       start,
		CompletedAt:     time.Now(),
		DurationSeconds: time.Since(start).Seconds(),
		LastRun:         last,
	}
	duration := time.Since(start)

	switch {
	case err != nil:
		result.Status = checkpoint.RunFailed
		if errors.Is(err, context.Canceled) {
			result.Status = checkpoint.RunCancelled
		}
		result.Error = err.Error()
		o.notify(o.notifier.HarvestFailed(o.harvestID, err, duration))
		o.reportFinal(progress.PhaseFailed, last, start)
	case last != nil && last.Failed > 0:
		result.Status = checkpoint.RunPartial
		o.notify(o.notifier.HarvestCompletedWithErrors(o.harvestID, start, duration,
			last.Saved, last.Failed, last.failureSummaries()))
		o.reportFinal(progress.PhaseComplete, last, start)
	default:
		result.Status = checkpoint.RunSuccess
		var saved int
		var bytes int64
		if last != nil {
			saved, bytes = last.Saved, last.Bytes
		}
		o.notify(o.notifier.HarvestCompleted(o.harvestID, start, duration, saved, bytes, restarts))
		o.reportFinal(progress.PhaseComplete, last, start)
	}

	if o.tracker != nil {
		o.tracker.Finish()
	}
	return result, err
}

// Run performs one attempt on a fresh session: navigate, settle, select the
// filters once, then switch, apply and download each grouping in order.
// Grouping failures are recorded in the result. The error is non-nil only for
// a hang (wrapping stages.ErrHang), a navigation failure or cancellation.
func (o *Orchestrator) Run(ctx context.Context, drv driver.Driver, attempt int) (*RunResult, error) {
	groupings := o.config.Portal.Groupings
	result := &RunResult{
		RunID:     uuid.New().String()[:8],
		HarvestID: o.harvestID,
		Attempt:   attempt,
		StartedAt: time.Now(),
	}
	logging.SetRun(o.harvestID, result.RunID)
	logging.Info("Starting run %s (harvest %s, attempt %d)", result.RunID, o.harvestID, attempt)

	if err := o.state.CreateRun(&checkpoint.Run{
		ID:         result.RunID,
		HarvestID:  o.harvestID,
		Attempt:    attempt,
		StartedAt:  result.StartedAt,
		PortalURL:  o.config.Portal.URL,
		OutputDir:  o.config.Output.Dir,
		Groupings:  len(groupings),
		ConfigHash: o.configHash,
	}); err != nil {
		logging.SetRun(o.harvestID, "")
		return nil, fmt.Errorf("creating run: %w", err)
	}

	o.report(result, progress.PhaseStarting, "", "")

	logging.Info("Navigating to %s", o.config.Portal.URL)
	if err := drv.Navigate(o.config.Portal.URL, o.config.Timing.NavigationTimeout); err != nil {
		err = fmt.Errorf("navigating to %s: %w", o.config.Portal.URL, err)
		return o.finish(result, err)
	}
	if err := readiness.Sleep(ctx, o.config.Timing.InitialSettle); err != nil {
		return o.finish(result, err)
	}

	runner := stages.New(drv, o.config)

	o.report(result, progress.PhaseFilters, "", string(stages.StageFilters))
	filters, err := runner.SelectFilters(ctx, o.config.Portal.Filters)
	result.Filters = filters
	if err != nil {
		return o.finish(result, err)
	}
	if runner.Detector().Await(ctx, o.config.Timing.LoaderTimeout) == readiness.SignalCancelled {
		return o.finish(result, ctx.Err())
	}

	cold := true
	for i, grouping := range groupings {
		if err := ctx.Err(); err != nil {
			return o.finish(result, err)
		}
		pos := stages.Position{Index: i, Total: len(groupings), Cold: cold}
		out := stages.NewOutcome(grouping, pos)

		if o.tracker != nil {
			o.tracker.StartGrouping(grouping)
		}
		o.report(result, progress.PhaseGrouping, grouping, string(stages.StageSwitch))

		if o.config.Output.SkipExisting {
			path := artifact.Path(o.config.Output.Dir, grouping, o.config.Output.Extension)
			if artifact.Exists(path) {
				if prev := o.lastSuccess(out.Slug); prev != nil {
					logging.Info("Skipping %s: %s already exists (saved by run %s at %s)",
						grouping, path, prev.RunID, prev.StartedAt.Format("2006-01-02 15:04"))
				} else {
					logging.Info("Skipping %s: %s already exists", grouping, path)
				}
				out.Status = stages.StatusSkipped
				out.Path = path
				o.record(ctx, result, out)
				continue
			}
		}

		if err := runner.Switch(ctx, grouping, pos); err != nil {
			if ctx.Err() != nil {
				return o.finish(result, ctx.Err())
			}
			logging.Error("Grouping %s failed: %v", grouping, err)
			out.Fail(err)
			o.record(ctx, result, out)
			continue
		}

		if o.tracker != nil {
			o.tracker.SetStage("applying")
		}
		err := runner.ApplyAndDownload(ctx, out)
		cold = false
		if err != nil && out.Status == "" {
			out.Fail(err)
		}
		o.record(ctx, result, out)
		if err != nil {
			if errors.Is(err, stages.ErrHang) {
				logging.Warn("Portal hung on %s, no file written for it in this run", grouping)
			}
			return o.finish(result, err)
		}
	}

	return o.finish(result, nil)
}

// lastSuccess returns the newest successful record for slug, or nil when
// there is none or history cannot be read.
func (o *Orchestrator) lastSuccess(slug string) *checkpoint.GroupingRecord {
	prev, err := o.state.LastSuccess(slug)
	if err != nil {
		logging.Debug("Looking up last download of %s: %v", slug, err)
		return nil
	}
	return prev
}

// record stores an outcome, publishes its artifact and advances progress.
func (o *Orchestrator) record(ctx context.Context, result *RunResult, out *stages.Outcome) {
	rec := &checkpoint.GroupingRecord{
		RunID:     result.RunID,
		Grouping:  out.Grouping,
		Slug:      out.Slug,
		Position:  out.Index,
		Status:    string(out.Status),
		Stage:     string(out.Stage),
		Path:      out.Path,
		Bytes:     out.Bytes,
		StartedAt: out.StartedAt,
		Duration:  out.Duration,
		Error:     out.Error,
		Warnings:  out.Warnings,
	}

	switch out.Status {
	case stages.StatusSuccess:
		result.Saved++
		result.Bytes += out.Bytes
		if loc, err := o.publisher.Publish(ctx, out.Path); err != nil {
			logging.Warn("Publishing %s: %v", out.Path, err)
			out.Warnings = append(out.Warnings, err.Error())
			rec.Warnings = out.Warnings
		} else if loc != "" {
			logging.Info("Published %s to %s", out.Path, loc)
			rec.Published = loc
		}
	case stages.StatusSkipped:
		result.Skipped++
	default:
		result.Failed++
		if ctx.Err() == nil {
			o.notify(o.notifier.GroupingFailed(result.RunID, out.Grouping, string(out.Stage), errors.New(out.Error)))
		}
	}
	result.Outcomes = append(result.Outcomes, out)

	if err := o.state.RecordGrouping(rec); err != nil {
		logging.Warn("Recording grouping %s: %v", out.Grouping, err)
	}
	if o.tracker != nil {
		o.tracker.EndGrouping(out.Status != stages.StatusFailed && out.Status != stages.StatusHung)
	}
	o.report(result, progress.PhaseGrouping, out.Grouping, string(out.Status))
}

// finish closes the run record with a status derived from err and the outcomes.
func (o *Orchestrator) finish(result *RunResult, err error) (*RunResult, error) {
	result.CompletedAt = time.Now()
	result.DurationSeconds = result.CompletedAt.Sub(result.StartedAt).Seconds()

	switch {
	case err == nil && result.Failed == 0:
		result.Status = checkpoint.RunSuccess
	case err == nil:
		result.Status = checkpoint.RunPartial
	case errors.Is(err, stages.ErrHang):
		result.Status = checkpoint.RunHung
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		result.Status = checkpoint.RunCancelled
	default:
		result.Status = checkpoint.RunFailed
	}
	if err != nil {
		result.Error = err.Error()
	}

	if cerr := o.state.CompleteRun(result.RunID, result.Status, result.Error); cerr != nil {
		logging.Warn("Completing run %s: %v", result.RunID, cerr)
	}
	logging.Info("Run %s %s: %d saved, %d skipped, %d failed in %s", result.RunID, result.Status,
		result.Saved, result.Skipped, result.Failed, result.CompletedAt.Sub(result.StartedAt).Round(time.Second))
	logging.SetRun(o.harvestID, "")
	return result, err
}

func (o *Orchestrator) report(result *RunResult, phase, grouping, stage string) {
	total := len(o.config.Portal.Groupings)
	done := result.Saved + result.Skipped + result.Failed
	update := progress.ProgressUpdate{
		Phase:             phase,
		RunID:             result.RunID,
		Attempt:           result.Attempt,
		GroupingsComplete: result.Saved + result.Skipped,
		GroupingsFailed:   result.Failed,
		GroupingsTotal:    total,
		CurrentGrouping:   grouping,
		Stage:             stage,
		ElapsedSeconds:    time.Since(result.StartedAt).Seconds(),
	}
	if total > 0 {
		update.ProgressPct = float64(done) / float64(total) * 100
	}
	if phase == progress.PhaseStarting || phase == progress.PhaseFilters {
		o.reporter.ReportImmediate(update)
		return
	}
	o.reporter.Report(update)
}

func (o *Orchestrator) reportFinal(phase string, last *RunResult, start time.Time) {
	update := progress.ProgressUpdate{
		Phase:          phase,
		RunID:          o.harvestID,
		GroupingsTotal: len(o.config.Portal.Groupings),
		ElapsedSeconds: time.Since(start).Seconds(),
	}
	if last != nil {
		update.RunID = last.RunID
		update.Attempt = last.Attempt
		update.GroupingsComplete = last.Saved + last.Skipped
		update.GroupingsFailed = last.Failed
		if update.GroupingsTotal > 0 {
			update.ProgressPct = float64(last.Saved+last.Skipped+last.Failed) / float64(update.GroupingsTotal) * 100
		}
	}
	o.reporter.ReportImmediate(update)
}

func (o *Orchestrator) notify(err error) {
	if err != nil {
		logging.Warn("Notification failed: %v", err)
	}
}

// computeConfigHash fingerprints the sanitized config so history can tell
// runs with different settings apart. Secrets do not affect it.
func computeConfigHash(cfg *config.Config) string {
	data, err := json.Marshal(cfg.Sanitized())
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:8])
}
