package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/johndauphine/aep-harvest/internal/artifact"
	"github.com/johndauphine/aep-harvest/internal/config"
	"github.com/johndauphine/aep-harvest/internal/driver"
	"github.com/johndauphine/aep-harvest/internal/logging"
	"github.com/johndauphine/aep-harvest/internal/readiness"
)

// SelectorCheck reports whether one page control was found.
type SelectorCheck struct {
	Name     string `json:"name"`
	Selector string `json:"selector"`
	Found    bool   `json:"found"`
}

// CheckResult is the outcome of a portal health check.
type CheckResult struct {
	Timestamp string          `json:"timestamp"`
	PortalURL string          `json:"portal_url"`
	Reachable bool            `json:"reachable"`
	LatencyMs int64           `json:"latency_ms"`
	Selectors []SelectorCheck `json:"selectors"`
	Healthy   bool            `json:"healthy"`
	Error     string          `json:"error,omitempty"`
}

// Check opens a session, loads the portal and confirms the controls a harvest
// relies on are on the page. Nothing is clicked.
func Check(ctx context.Context, cfg *config.Config, opener driver.Opener) (*CheckResult, error) {
	res := &CheckResult{
		Timestamp: time.Now().Format(time.RFC3339),
		PortalURL: cfg.Portal.URL,
	}

	drv, err := opener.Open(ctx)
	if err != nil {
		return nil, fmt.Errorf("opening browser session: %w", err)
	}
	defer drv.Close()
	stop := context.AfterFunc(ctx, func() { drv.Close() })
	defer stop()

	start := time.Now()
	if err := drv.Navigate(cfg.Portal.URL, cfg.Timing.NavigationTimeout); err != nil {
		res.Error = err.Error()
		res.LatencyMs = time.Since(start).Milliseconds()
		return res, nil
	}
	res.Reachable = true
	res.LatencyMs = time.Since(start).Milliseconds()

	if err := readiness.Sleep(ctx, cfg.Timing.InitialSettle); err != nil {
		return nil, err
	}

	sel := cfg.Portal.Selectors
	controls := []SelectorCheck{
		{Name: "grouping", Selector: sel.GroupingArrow},
		{Name: "apply", Selector: sel.ApplyButton},
		{Name: "download", Selector: sel.DownloadButton},
	}
	for _, f := range cfg.Portal.Filters {
		controls = append(controls, SelectorCheck{
			Name:     "filter " + f,
			Selector: fmt.Sprintf(sel.FilterDropdown, f),
		})
	}
	if len(cfg.Portal.Groupings) > 0 {
		g := cfg.Portal.Groupings[0]
		controls = append(controls, SelectorCheck{
			Name:     "themes " + g,
			Selector: fmt.Sprintf(sel.ThemesSelectAll, artifact.Slug(g)),
		})
	}

	res.Healthy = true
	for _, c := range controls {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		err := drv.Locate(c.Selector).WaitFor(driver.StateAttached, cfg.Timing.ClickTimeout)
		c.Found = err == nil
		if !c.Found {
			logging.Warn("Check: %s (%s) not found: %v", c.Name, c.Selector, err)
			res.Healthy = false
		}
		res.Selectors = append(res.Selectors, c)
	}
	return res, nil
}

// PlannedGrouping describes what a harvest would do for one grouping.
type PlannedGrouping struct {
	Index           int           `json:"index"`
	Grouping        string        `json:"grouping"`
	Path            string        `json:"path"`
	Exists          bool          `json:"exists"`
	SavedByRun      string        `json:"saved_by_run,omitempty"` // last run that downloaded it
	SavedAt         *time.Time    `json:"saved_at,omitempty"`
	Skip            bool          `json:"skip"`
	Switch          bool          `json:"switch"`
	DownloadTimeout time.Duration `json:"download_timeout"`
}

// PlanResult is a dry run of the harvest: no browser is started.
type PlanResult struct {
	PortalURL   string            `json:"portal_url"`
	Filters     []string          `json:"filters"`
	Groupings   []PlannedGrouping `json:"groupings"`
	RestartMode string            `json:"restart_mode"`
	MaxRestarts int               `json:"max_restarts"`
}

// Plan computes the order, target paths and download timeouts of a harvest.
// Artifacts already on disk are traced to the run that last saved them.
func (o *Orchestrator) Plan() *PlanResult {
	cfg := o.config
	res := &PlanResult{
		PortalURL:   cfg.Portal.URL,
		Filters:     cfg.Portal.Filters,
		RestartMode: cfg.Restart.Mode,
		MaxRestarts: cfg.Restart.MaxRestarts,
	}
	cold := true
	for i, g := range cfg.Portal.Groupings {
		path := artifact.Path(cfg.Output.Dir, g, cfg.Output.Extension)
		p := PlannedGrouping{
			Index:    i,
			Grouping: g,
			Path:     path,
			Exists:   artifact.Exists(path),
			Switch:   i > 0,
		}
		if p.Exists {
			if prev := o.lastSuccess(artifact.Slug(g)); prev != nil {
				at := prev.StartedAt
				p.SavedByRun = prev.RunID
				p.SavedAt = &at
			}
		}
		p.Skip = p.Exists && cfg.Output.SkipExisting
		if !p.Skip {
			p.DownloadTimeout = cfg.Timing.DownloadTimeout
			if cold {
				p.DownloadTimeout = cfg.Timing.FirstDownloadTimeout
				cold = false
			}
		}
		res.Groupings = append(res.Groupings, p)
	}
	return res
}
