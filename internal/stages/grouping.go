package stages

import (
	"context"
	"fmt"

	"github.com/johndauphine/aep-harvest/internal/driver"
	"github.com/johndauphine/aep-harvest/internal/logging"
	"github.com/johndauphine/aep-harvest/internal/readiness"
)

// Switch selects grouping in the page's combo box. The grouping at index 0 is
// already shown after navigation, so nothing is clicked for it.
func (r *Runner) Switch(ctx context.Context, grouping string, pos Position) error {
	if pos.Index == 0 {
		logging.Debug("Grouping %s is the page default, not switching", grouping)
		return nil
	}

	arrow := r.drv.Locate(r.sel.GroupingArrow)
	if err := r.click(arrow); err != nil {
		return stageErr(grouping, StageSwitch, fmt.Errorf("opening grouping list: %w", err))
	}

	list := r.drv.Locate(r.sel.GroupingOptions)
	if err := list.WaitFor(driver.StateVisible, r.timing.GroupingListTimeout); err != nil {
		return stageErr(grouping, StageSwitch, fmt.Errorf("waiting for grouping list: %w", err))
	}

	option := r.locate(r.sel.GroupingOption, grouping)
	if err := r.click(option); err != nil {
		return stageErr(grouping, StageSwitch, fmt.Errorf("choosing option: %w", err))
	}

	if err := readiness.Sleep(ctx, r.timing.GroupingSettle); err != nil {
		return err
	}
	logging.Info("Switched to grouping %s", grouping)
	return nil
}
