// Package driver abstracts the remote browser session the harvester steers.
// Each engine (chromium, firefox, webkit) registers an Engine that launches a
// Driver; the stages only ever talk to the Driver, Element and Download interfaces.
package driver

import (
	"context"
	"errors"
	"time"
)

// ErrTimeout is returned (wrapped) when a bounded driver wait expires.
var ErrTimeout = errors.New("driver timeout")

// State is an element state that WaitFor can block on.
type State string

const (
	StateAttached State = "attached"
	StateDetached State = "detached"
	StateVisible  State = "visible"
	StateHidden   State = "hidden"
)

// ClickOptions control a simulated pointer click.
type ClickOptions struct {
	// Force skips actionability checks (overlays, animations).
	Force   bool
	Timeout time.Duration
}

// Driver is one open browser page.
type Driver interface {
	// Navigate loads url and returns once the DOM content has loaded.
	Navigate(url string, timeout time.Duration) error

	// Locate returns the first element matching selector. Resolution is lazy:
	// a selector with no match only fails when acted upon.
	Locate(selector string) Element

	// ExpectDownload runs trigger and waits for the download it starts.
	ExpectDownload(timeout time.Duration, trigger func() error) (Download, error)

	// Close releases the page, the browser and the engine process.
	Close() error
}

// Element is a lazily resolved handle on the first match of a selector.
type Element interface {
	Selector() string
	Click(opts ClickOptions) error

	// DispatchClick runs el.click() inside the page. Unlike Click it is not
	// intercepted by overlays sitting above the element.
	DispatchClick() error

	ScrollIntoView() error
	WaitFor(state State, timeout time.Duration) error

	// IsEnabled and IsVisible read the current state without waiting.
	IsEnabled() (bool, error)
	IsVisible() (bool, error)
}

// Download is a completed browser download held in a temporary location.
type Download interface {
	Path() (string, error)
	SaveAs(path string) error
	SuggestedFilename() string
}

// LaunchOptions configures a new browser session.
type LaunchOptions struct {
	Headless       bool
	SlowMo         time.Duration
	ExecutablePath string
	InstallDriver  bool
}

// Engine launches sessions for one browser type.
//
// To add an engine, implement the interface and register it from init():
//
//	func init() {
//	    driver.Register(&myEngine{})
//	}
type Engine interface {
	Name() string
	Aliases() []string
	Launch(ctx context.Context, opts LaunchOptions) (Driver, error)
}

// Opener opens a fresh session on demand. The restart supervisor opens one per attempt.
type Opener interface {
	Open(ctx context.Context) (Driver, error)
}

// OpenerFunc adapts a function to Opener.
type OpenerFunc func(ctx context.Context) (Driver, error)

// Open calls f(ctx).
func (f OpenerFunc) Open(ctx context.Context) (Driver, error) {
	return f(ctx)
}

// NewOpener binds an engine name and launch options into an Opener.
func NewOpener(engine string, opts LaunchOptions) (Opener, error) {
	e, err := Get(engine)
	if err != nil {
		return nil, err
	}
	return OpenerFunc(func(ctx context.Context) (Driver, error) {
		return e.Launch(ctx, opts)
	}), nil
}
