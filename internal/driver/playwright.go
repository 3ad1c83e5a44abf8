package driver

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/johndauphine/aep-harvest/internal/logging"
	"github.com/playwright-community/playwright-go"
)

func init() {
	Register(&playwrightEngine{name: "chromium", aliases: []string{"chrome"}})
	Register(&playwrightEngine{name: "firefox"})
	Register(&playwrightEngine{name: "webkit", aliases: []string{"safari"}})
}

// Install downloads the playwright driver and the named browsers.
func Install(browsers []string, verbose bool) error {
	if err := playwright.Install(&playwright.RunOptions{
		Browsers: browsers,
		Verbose:  verbose,
	}); err != nil {
		return fmt.Errorf("installing playwright driver: %w", err)
	}
	return nil
}

type playwrightEngine struct {
	name    string
	aliases []string
}

func (e *playwrightEngine) Name() string      { return e.name }
func (e *playwrightEngine) Aliases() []string { return e.aliases }

func (e *playwrightEngine) browserType(pw *playwright.Playwright) playwright.BrowserType {
	switch e.name {
	case "firefox":
		return pw.Firefox
	case "webkit":
		return pw.WebKit
	default:
		return pw.Chromium
	}
}

// Launch starts the playwright driver, one browser and one page that accepts downloads.
func (e *playwrightEngine) Launch(ctx context.Context, opts LaunchOptions) (Driver, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if opts.InstallDriver {
		if err := Install([]string{e.name}, false); err != nil {
			logging.Warn("Driver install failed, trying existing installation: %v", err)
		}
	}

	pw, err := playwright.Run()
	if err != nil {
		return nil, fmt.Errorf("starting playwright: %w", err)
	}

	launch := playwright.BrowserTypeLaunchOptions{
		Headless: playwright.Bool(opts.Headless),
		SlowMo:   playwright.Float(float64(opts.SlowMo.Milliseconds())),
	}
	if opts.ExecutablePath != "" {
		launch.ExecutablePath = playwright.String(opts.ExecutablePath)
	}

	browser, err := e.browserType(pw).Launch(launch)
	if err != nil {
		pw.Stop()
		return nil, fmt.Errorf("launching %s: %w", e.name, err)
	}

	page, err := browser.NewPage(playwright.BrowserNewPageOptions{
		AcceptDownloads: playwright.Bool(true),
	})
	if err != nil {
		browser.Close()
		pw.Stop()
		return nil, fmt.Errorf("opening page: %w", err)
	}

	logging.Debug("Launched %s (headless=%v, slow_mo=%v)", e.name, opts.Headless, opts.SlowMo)
	return &playwrightDriver{pw: pw, browser: browser, page: page}, nil
}

type playwrightDriver struct {
	pw      *playwright.Playwright
	browser playwright.Browser
	page    playwright.Page

	closeOnce sync.Once
	closeErr  error
}

func ms(d time.Duration) *float64 {
	return playwright.Float(float64(d.Milliseconds()))
}

// translate maps playwright timeouts onto ErrTimeout so callers need not import playwright.
func translate(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, playwright.ErrTimeout) {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	return err
}

func (d *playwrightDriver) Navigate(url string, timeout time.Duration) error {
	_, err := d.page.Goto(url, playwright.PageGotoOptions{
		WaitUntil: playwright.WaitUntilStateDomcontentloaded,
		Timeout:   ms(timeout),
	})
	return translate(err)
}

func (d *playwrightDriver) Locate(selector string) Element {
	return &playwrightElement{selector: selector, loc: d.page.Locator(selector).First()}
}

func (d *playwrightDriver) ExpectDownload(timeout time.Duration, trigger func() error) (Download, error) {
	dl, err := d.page.ExpectDownload(trigger, playwright.PageExpectDownloadOptions{
		Timeout: ms(timeout),
	})
	if err != nil {
		return nil, translate(err)
	}
	return dl, nil
}

// Close shuts the browser before the driver process; both are attempted.
// Close shuts the browser and the driver process. Only the first call acts.
func (d *playwrightDriver) Close() error {
	d.closeOnce.Do(func() {
		var errs []error
		if err := d.browser.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing browser: %w", err))
		}
		if err := d.pw.Stop(); err != nil {
			errs = append(errs, fmt.Errorf("stopping playwright: %w", err))
		}
		d.closeErr = errors.Join(errs...)
	})
	return d.closeErr
}

type playwrightElement struct {
	selector string
	loc      playwright.Locator
}

func (e *playwrightElement) Selector() string { return e.selector }

func (e *playwrightElement) Click(opts ClickOptions) error {
	o := playwright.LocatorClickOptions{Force: playwright.Bool(opts.Force)}
	if opts.Timeout > 0 {
		o.Timeout = ms(opts.Timeout)
	}
	return translate(e.loc.Click(o))
}

func (e *playwrightElement) DispatchClick() error {
	_, err := e.loc.Evaluate("el => el.click()", nil)
	return translate(err)
}

func (e *playwrightElement) ScrollIntoView() error {
	return translate(e.loc.ScrollIntoViewIfNeeded())
}

func (e *playwrightElement) WaitFor(state State, timeout time.Duration) error {
	return translate(e.loc.WaitFor(playwright.LocatorWaitForOptions{
		State:   waitState(state),
		Timeout: ms(timeout),
	}))
}

func waitState(s State) *playwright.WaitForSelectorState {
	switch s {
	case StateAttached:
		return playwright.WaitForSelectorStateAttached
	case StateDetached:
		return playwright.WaitForSelectorStateDetached
	case StateHidden:
		return playwright.WaitForSelectorStateHidden
	default:
		return playwright.WaitForSelectorStateVisible
	}
}

func (e *playwrightElement) IsEnabled() (bool, error) {
	ok, err := e.loc.IsEnabled()
	return ok, translate(err)
}

func (e *playwrightElement) IsVisible() (bool, error) {
	ok, err := e.loc.IsVisible()
	return ok, translate(err)
}
