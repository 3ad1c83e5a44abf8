// Package fake provides a scripted in-memory Driver for exercising the harvest
// stages without a browser. Selectors are absent unless scripted, and every
// interaction is recorded for assertions.
package fake

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/johndauphine/aep-harvest/internal/driver"
)

// ErrClosed is returned by a download that was still pending when the session closed.
var ErrClosed = errors.New("fake: session closed")

// Behavior scripts how the element behind one selector responds.
type Behavior struct {
	// Delay is how long the element takes to attach and become visible.
	// A WaitFor with a shorter timeout fails with driver.ErrTimeout.
	Delay time.Duration

	// VisiblePolls makes IsVisible report true for this many calls and false after.
	// Zero means visible for as long as the element is present.
	VisiblePolls int

	Hidden   bool  // attached but never visible
	Disabled bool  // IsEnabled reports false
	ClickErr error // returned by Click and DispatchClick
	StateErr error // returned by IsEnabled and IsVisible
}

// Call is one recorded interaction.
type Call struct {
	Op       string
	Selector string
	Timeout  time.Duration
	Force    bool
}

// DownloadFunc produces the payload for the n-th download (0-based).
type DownloadFunc func(n int, timeout time.Duration) ([]byte, error)

// Driver is a scripted driver.Driver.
type Driver struct {
	mu        sync.Mutex
	present   map[string]*Behavior
	polls     map[string]int
	calls     []Call
	downloads int
	closed    bool

	// NavigateErr fails Navigate.
	NavigateErr error
	// OnDownload produces download payloads. Nil yields a small fixed payload.
	OnDownload DownloadFunc
	// OnClick runs after every successful Click or DispatchClick, letting tests
	// change the page in response (a loader appearing after apply, for example).
	OnClick func(d *Driver, selector string)
	// TempDir holds download payloads before SaveAs. Defaults to os.TempDir().
	TempDir string
}

// New returns a driver on which no selector matches anything.
func New() *Driver {
	return &Driver{
		present: make(map[string]*Behavior),
		polls:   make(map[string]int),
	}
}

// Present marks selectors as present, visible and enabled.
func (d *Driver) Present(selectors ...string) *Driver {
	for _, s := range selectors {
		d.On(s, Behavior{})
	}
	return d
}

// On scripts the behavior of one selector, resetting its poll counter.
func (d *Driver) On(selector string, b Behavior) *Driver {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.present[selector] = &b
	d.polls[selector] = 0
	return d
}

// Remove makes a selector absent again.
func (d *Driver) Remove(selector string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.present, selector)
}

// Calls returns a copy of the recorded interactions.
func (d *Driver) Calls() []Call {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]Call, len(d.calls))
	copy(out, d.calls)
	return out
}

// Count returns how many recorded calls match op and, when non-empty, selector.
func (d *Driver) Count(op, selector string) int {
	n := 0
	for _, c := range d.Calls() {
		if c.Op == op && (selector == "" || c.Selector == selector) {
			n++
		}
	}
	return n
}

// Closed reports whether Close was called.
func (d *Driver) Closed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.closed
}

func (d *Driver) record(c Call) {
	d.mu.Lock()
	d.calls = append(d.calls, c)
	d.mu.Unlock()
}

func (d *Driver) behavior(selector string) (*Behavior, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	b, ok := d.present[selector]
	return b, ok
}

func (d *Driver) Navigate(url string, timeout time.Duration) error {
	d.record(Call{Op: "navigate", Selector: url, Timeout: timeout})
	return d.NavigateErr
}

func (d *Driver) Locate(selector string) driver.Element {
	return &element{d: d, selector: selector}
}

func (d *Driver) ExpectDownload(timeout time.Duration, trigger func() error) (driver.Download, error) {
	d.record(Call{Op: "expect_download", Timeout: timeout})
	if err := trigger(); err != nil {
		return nil, err
	}

	d.mu.Lock()
	n := d.downloads
	d.downloads++
	d.mu.Unlock()

	payload := []byte("PK\x03\x04 fake workbook")
	if d.OnDownload != nil {
		p, err := d.OnDownload(n, timeout)
		if err != nil {
			return nil, err
		}
		payload = p
	}
	if d.Closed() {
		return nil, ErrClosed
	}

	f, err := os.CreateTemp(d.TempDir, "fake-download-*")
	if err != nil {
		return nil, err
	}
	defer f.Close()
	if _, err := f.Write(payload); err != nil {
		return nil, err
	}
	return &download{path: f.Name(), name: fmt.Sprintf("download-%d.xlsx", n)}, nil
}

func (d *Driver) Close() error {
	d.record(Call{Op: "close"})
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()
	return nil
}

type element struct {
	d        *Driver
	selector string
}

func (e *element) Selector() string { return e.selector }

func (e *element) missing() error {
	return fmt.Errorf("%w: no element matches %q", driver.ErrTimeout, e.selector)
}

func (e *element) Click(opts driver.ClickOptions) error {
	e.d.record(Call{Op: "click", Selector: e.selector, Timeout: opts.Timeout, Force: opts.Force})
	b, ok := e.d.behavior(e.selector)
	if !ok {
		return e.missing()
	}
	if b.ClickErr != nil {
		return b.ClickErr
	}
	if !opts.Force && (b.Hidden || b.Disabled) {
		return fmt.Errorf("%w: %q is not actionable", driver.ErrTimeout, e.selector)
	}
	if e.d.OnClick != nil {
		e.d.OnClick(e.d, e.selector)
	}
	return nil
}

func (e *element) DispatchClick() error {
	e.d.record(Call{Op: "dispatch_click", Selector: e.selector})
	b, ok := e.d.behavior(e.selector)
	if !ok {
		return e.missing()
	}
	if b.ClickErr != nil {
		return b.ClickErr
	}
	if e.d.OnClick != nil {
		e.d.OnClick(e.d, e.selector)
	}
	return nil
}

func (e *element) ScrollIntoView() error {
	e.d.record(Call{Op: "scroll", Selector: e.selector})
	if _, ok := e.d.behavior(e.selector); !ok {
		return e.missing()
	}
	return nil
}

// WaitFor sleeps for the scripted delay, bounded by timeout, like a real wait.
func (e *element) WaitFor(state driver.State, timeout time.Duration) error {
	e.d.record(Call{Op: "wait_for", Selector: e.selector, Timeout: timeout})
	b, ok := e.d.behavior(e.selector)

	switch state {
	case driver.StateDetached:
		if !ok {
			return nil
		}
		return fmt.Errorf("%w: %q still attached", driver.ErrTimeout, e.selector)
	case driver.StateHidden:
		if !ok || b.Hidden {
			return nil
		}
		return fmt.Errorf("%w: %q still visible", driver.ErrTimeout, e.selector)
	}

	if !ok {
		time.Sleep(timeout)
		return e.missing()
	}
	if b.Delay > timeout {
		time.Sleep(timeout)
		return fmt.Errorf("%w: %q not ready after %v", driver.ErrTimeout, e.selector, timeout)
	}
	time.Sleep(b.Delay)
	if state == driver.StateVisible && b.Hidden {
		return fmt.Errorf("%w: %q never visible", driver.ErrTimeout, e.selector)
	}
	return nil
}

func (e *element) IsEnabled() (bool, error) {
	e.d.record(Call{Op: "is_enabled", Selector: e.selector})
	b, ok := e.d.behavior(e.selector)
	if !ok {
		return false, nil
	}
	if b.StateErr != nil {
		return false, b.StateErr
	}
	return !b.Disabled, nil
}

func (e *element) IsVisible() (bool, error) {
	e.d.record(Call{Op: "is_visible", Selector: e.selector})
	b, ok := e.d.behavior(e.selector)
	if !ok {
		return false, nil
	}
	if b.StateErr != nil {
		return false, b.StateErr
	}
	if b.Hidden {
		return false, nil
	}
	if b.VisiblePolls == 0 {
		return true, nil
	}

	e.d.mu.Lock()
	defer e.d.mu.Unlock()
	e.d.polls[e.selector]++
	return e.d.polls[e.selector] <= b.VisiblePolls, nil
}

type download struct {
	path string
	name string
}

func (dl *download) Path() (string, error) { return dl.path, nil }

func (dl *download) SuggestedFilename() string { return dl.name }

func (dl *download) SaveAs(path string) error {
	data, err := os.ReadFile(dl.path)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

// Opener hands out a freshly scripted Driver per Open call.
type Opener struct {
	mu     sync.Mutex
	script func(n int) *Driver
	opened []*Driver

	// OpenErr fails every Open.
	OpenErr error
}

// NewOpener returns an Opener that builds the n-th session (0-based) with script.
func NewOpener(script func(n int) *Driver) *Opener {
	return &Opener{script: script}
}

func (o *Opener) Open(ctx context.Context) (driver.Driver, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if o.OpenErr != nil {
		return nil, o.OpenErr
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	d := o.script(len(o.opened))
	o.opened = append(o.opened, d)
	return d, nil
}

// Opened returns every session handed out so far.
func (o *Opener) Opened() []*Driver {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]*Driver, len(o.opened))
	copy(out, o.opened)
	return out
}
