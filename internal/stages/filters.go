package stages

import (
	"context"
	"fmt"
	"time"

	"github.com/johndauphine/aep-harvest/internal/driver"
	"github.com/johndauphine/aep-harvest/internal/logging"
	"github.com/johndauphine/aep-harvest/internal/readiness"
)

// FilterReport lists which filter categories were fully selected.
type FilterReport struct {
	Selected []string          `json:"selected"`
	Failed   map[string]string `json:"failed,omitempty"`
	Duration time.Duration     `json:"duration"`
}

// OK reports whether every category was selected.
func (r *FilterReport) OK() bool {
	return len(r.Failed) == 0
}

// SelectFilters opens each category dropdown, ticks its select-all box and closes it again.
// A category that fails is logged and skipped; only cancellation returns an error.
func (r *Runner) SelectFilters(ctx context.Context, categories []string) (*FilterReport, error) {
	start := time.Now()
	report := &FilterReport{Failed: make(map[string]string)}

	for _, name := range categories {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		if err := r.selectAll(ctx, name); err != nil {
			if ctx.Err() != nil {
				return report, ctx.Err()
			}
			logging.Warn("Filter %s: %v", name, err)
			report.Failed[name] = err.Error()
			continue
		}
		logging.Info("Filter %s: all selected", name)
		report.Selected = append(report.Selected, name)
	}

	report.Duration = since(start)
	return report, nil
}

func (r *Runner) selectAll(ctx context.Context, name string) error {
	label := r.locate(r.sel.FilterDropdown, name)
	if err := label.ScrollIntoView(); err != nil {
		return fmt.Errorf("scrolling to dropdown: %w", err)
	}
	if err := r.click(label); err != nil {
		return fmt.Errorf("opening dropdown: %w", err)
	}

	box := r.locate(r.sel.FilterSelectAll, name)
	if err := box.WaitFor(driver.StateAttached, r.timing.FilterOpenTimeout); err != nil {
		return fmt.Errorf("waiting for select-all: %w", err)
	}
	// The checkbox is styled over by its label, so a normal click is intercepted.
	if err := box.Click(driver.ClickOptions{Force: true, Timeout: r.timing.ClickTimeout}); err != nil {
		return fmt.Errorf("ticking select-all: %w", err)
	}
	if err := readiness.Sleep(ctx, r.timing.FilterSettle); err != nil {
		return err
	}

	if err := r.click(label); err != nil {
		return fmt.Errorf("closing dropdown: %w", err)
	}
	return nil
}
