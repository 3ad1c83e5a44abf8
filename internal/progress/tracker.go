package progress

import (
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/johndauphine/aep-harvest/internal/logging"
	"github.com/schollz/progressbar/v3"
	"golang.org/x/term"
)

// IsTerminal reports whether f is attached to a terminal.
func IsTerminal(f *os.File) bool {
	return term.IsTerminal(int(f.Fd()))
}

// Tracker draws a progress bar counting finished groupings
type Tracker struct {
	bar       *progressbar.ProgressBar
	startTime time.Time

	mu      sync.Mutex
	done    int
	failed  int
	current string
}

// New creates a tracker rendering to w for total groupings.
func New(w io.Writer, total int) *Tracker {
	if w == nil {
		w = os.Stderr
	}
	return &Tracker{
		startTime: time.Now(),
		bar: progressbar.NewOptions(
			total,
			progressbar.OptionSetWriter(w),
			progressbar.OptionSetDescription("Harvesting"),
			progressbar.OptionShowCount(),
			progressbar.OptionSetWidth(30),
			progressbar.OptionThrottle(100*time.Millisecond),
			progressbar.OptionSetItsString("groupings"),
			progressbar.OptionSpinnerType(14),
			progressbar.OptionSetElapsedTime(true),
			progressbar.OptionSetRenderBlankState(true),
		),
	}
}

// Reset restarts the bar for a new attempt; finished artifacts are reprocessed.
func (t *Tracker) Reset() {
	t.mu.Lock()
	t.done, t.failed, t.current = 0, 0, ""
	t.mu.Unlock()
	t.bar.Reset()
	t.bar.Describe("Harvesting (restarted)")
}

// StartGrouping shows the grouping being processed.
func (t *Tracker) StartGrouping(name string) {
	t.mu.Lock()
	t.current = name
	t.mu.Unlock()
	t.bar.Describe(fmt.Sprintf("Harvesting %s", name))
	t.bar.RenderBlank()
}

// SetStage refines the description with the current step.
func (t *Tracker) SetStage(stage string) {
	t.mu.Lock()
	name := t.current
	t.mu.Unlock()
	if name == "" {
		t.bar.Describe(stage)
		return
	}
	t.bar.Describe(fmt.Sprintf("%s: %s", name, stage))
}

// EndGrouping advances the bar whether or not the grouping succeeded.
func (t *Tracker) EndGrouping(ok bool) {
	t.mu.Lock()
	t.done++
	if !ok {
		t.failed++
	}
	t.current = ""
	t.mu.Unlock()
	t.bar.Add(1)
}

// Done returns finished and failed grouping counts.
func (t *Tracker) Done() (done, failed int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.done, t.failed
}

// Finish completes the bar and logs a summary line
func (t *Tracker) Finish() {
	t.bar.Finish()
	done, failed := t.Done()
	fmt.Fprintln(os.Stderr)
	logging.Info("Harvest finished: %d groupings processed (%d failed) in %s",
		done, failed, time.Since(t.startTime).Round(time.Second))
}
