// Package readiness decides when the portal has finished a server round-trip.
// Every wait here is bounded and none of them fail: when the deadline passes the
// caller proceeds as if the page were ready.
package readiness

import (
	"context"
	"errors"
	"time"

	"github.com/johndauphine/aep-harvest/internal/driver"
	"github.com/johndauphine/aep-harvest/internal/logging"
)

// ErrTimeout is returned by Until when the condition never held.
var ErrTimeout = errors.New("readiness timeout")

// Until polls cond every interval until it returns true, timeout elapses or ctx is done.
// A predicate error counts as "not yet" and is never returned.
func Until(ctx context.Context, timeout, interval time.Duration, cond func() (bool, error)) error {
	if interval <= 0 {
		interval = 250 * time.Millisecond
	}
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if ok, err := cond(); err == nil && ok {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline.C:
			return ErrTimeout
		case <-ticker.C:
		}
	}
}

// Sleep pauses for d or until ctx is done.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Signal is the outcome of waiting for the loading indicator.
type Signal int

const (
	// SignalClear means no loading indicator is visible.
	SignalClear Signal = iota
	// SignalTimeout means an indicator stayed visible for the whole wait; callers proceed.
	SignalTimeout
	// SignalCancelled means the context ended the wait.
	SignalCancelled
)

func (s Signal) String() string {
	switch s {
	case SignalClear:
		return "clear"
	case SignalTimeout:
		return "timeout"
	case SignalCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Detector watches the portal's loading indicators.
type Detector struct {
	drv      driver.Driver
	loaders  []string
	interval time.Duration
}

// NewDetector returns a Detector polling the given loader selectors.
func NewDetector(drv driver.Driver, loaders []string, interval time.Duration) *Detector {
	return &Detector{drv: drv, loaders: loaders, interval: interval}
}

// Await blocks until no loader selector matches a visible element, or timeout.
// A page with no loader element at all is clear immediately.
func (d *Detector) Await(ctx context.Context, timeout time.Duration) Signal {
	start := time.Now()
	err := Until(ctx, timeout, d.interval, d.clear)
	switch {
	case err == nil:
		logging.Debug("Loading indicator clear after %v", time.Since(start).Round(time.Millisecond))
		return SignalClear
	case errors.Is(err, ErrTimeout):
		logging.Warn("Loading indicator still visible after %v, proceeding", timeout)
		return SignalTimeout
	default:
		return SignalCancelled
	}
}

func (d *Detector) clear() (bool, error) {
	for _, sel := range d.loaders {
		visible, err := d.drv.Locate(sel).IsVisible()
		if err != nil {
			return false, err
		}
		if visible {
			return false, nil
		}
	}
	return true, nil
}
