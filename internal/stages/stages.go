// Package stages drives the portal page through filter selection, grouping
// switches and the apply-and-download sequence for one grouping at a time.
package stages

import (
	"fmt"
	"time"

	"github.com/johndauphine/aep-harvest/internal/config"
	"github.com/johndauphine/aep-harvest/internal/driver"
	"github.com/johndauphine/aep-harvest/internal/readiness"
)

// Position locates a grouping within the Run.
type Position struct {
	// Index in the configured grouping list. Index 0 is what the page shows on load.
	Index int
	Total int
	// Cold marks the first grouping processed in this session; its server-side
	// export is the slowest and gets the long download timeout.
	Cold bool
}

// Runner executes stages against one driver session.
type Runner struct {
	drv      driver.Driver
	sel      config.SelectorConfig
	timing   config.TimingConfig
	output   config.OutputConfig
	detector *readiness.Detector
}

// New returns a Runner bound to drv.
func New(drv driver.Driver, cfg *config.Config) *Runner {
	return &Runner{
		drv:      drv,
		sel:      cfg.Portal.Selectors,
		timing:   cfg.Timing,
		output:   cfg.Output,
		detector: readiness.NewDetector(drv, cfg.Portal.Selectors.Loaders, cfg.Timing.PollInterval),
	}
}

// Detector exposes the loader watcher so the orchestrator can wait between stages.
func (r *Runner) Detector() *readiness.Detector {
	return r.detector
}

func (r *Runner) locate(template, arg string) driver.Element {
	return r.drv.Locate(fmt.Sprintf(template, arg))
}

func (r *Runner) click(el driver.Element) error {
	return el.Click(driver.ClickOptions{Timeout: r.timing.ClickTimeout})
}

func since(start time.Time) time.Duration {
	return time.Since(start).Round(time.Millisecond)
}
