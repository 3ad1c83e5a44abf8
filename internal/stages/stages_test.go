package stages

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/johndauphine/aep-harvest/internal/config"
	"github.com/johndauphine/aep-harvest/internal/driver"
	"github.com/johndauphine/aep-harvest/internal/driver/fake"
	"github.com/johndauphine/aep-harvest/internal/logging"
)

// testConfig returns the default portal layout with millisecond timings.
func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Output.Dir = t.TempDir()
	cfg.Output.VerifyWorkbook = false

	tm := &cfg.Timing
	tm.NavigationTimeout = 50 * time.Millisecond
	tm.InitialSettle = time.Millisecond
	tm.LoaderTimeout = 20 * time.Millisecond
	tm.PollInterval = time.Millisecond
	tm.FilterOpenTimeout = 10 * time.Millisecond
	tm.FilterSettle = time.Millisecond
	tm.GroupingListTimeout = 10 * time.Millisecond
	tm.GroupingSettle = time.Millisecond
	tm.ClickTimeout = 10 * time.Millisecond
	tm.ThemesSettle = time.Millisecond
	tm.ApplyTimeout = 10 * time.Millisecond
	tm.RenderBuffer = time.Millisecond
	tm.FirstDownloadTimeout = 10 * time.Minute
	tm.DownloadTimeout = 5 * time.Minute
	return cfg
}

// healthyPage scripts a portal where every control the harvest touches is present.
func healthyPage(cfg *config.Config) *fake.Driver {
	s := cfg.Portal.Selectors
	d := fake.New()
	for _, f := range cfg.Portal.Filters {
		d.Present(fmt.Sprintf(s.FilterDropdown, f))
		// the real checkbox is covered by its label
		d.On(fmt.Sprintf(s.FilterSelectAll, f), fake.Behavior{Hidden: true})
	}
	d.Present(s.GroupingArrow, s.GroupingOptions, s.ApplyButton, s.DownloadButton)
	for _, g := range cfg.Portal.Groupings {
		d.Present(fmt.Sprintf(s.GroupingOption, g))
		d.Present(fmt.Sprintf(s.ThemesSelectAll, slugOf(g)))
	}
	return d
}

func slugOf(g string) string {
	return NewOutcome(g, Position{}).Slug
}

func TestSelectFilters(t *testing.T) {
	cfg := testConfig(t)
	d := healthyPage(cfg)

	report, err := New(d, cfg).SelectFilters(context.Background(), cfg.Portal.Filters)
	if err != nil {
		t.Fatalf("SelectFilters: %v", err)
	}
	if !report.OK() || len(report.Selected) != 3 {
		t.Fatalf("report = %+v, want 3 selected", report)
	}

	for _, f := range cfg.Portal.Filters {
		label := fmt.Sprintf(cfg.Portal.Selectors.FilterDropdown, f)
		if n := d.Count("click", label); n != 2 {
			t.Errorf("%s: label clicked %d times, want 2 (open and close)", f, n)
		}
		box := fmt.Sprintf(cfg.Portal.Selectors.FilterSelectAll, f)
		clicks := 0
		for _, c := range d.Calls() {
			if c.Op == "click" && c.Selector == box {
				clicks++
				if !c.Force {
					t.Errorf("%s: select-all click must be forced", f)
				}
			}
		}
		if clicks != 1 {
			t.Errorf("%s: select-all clicked %d times, want 1", f, clicks)
		}
	}
}

func TestSelectFiltersContinuesAfterFailure(t *testing.T) {
	cfg := testConfig(t)
	d := healthyPage(cfg)
	d.Remove(fmt.Sprintf(cfg.Portal.Selectors.FilterSelectAll, "Region"))

	report, err := New(d, cfg).SelectFilters(context.Background(), cfg.Portal.Filters)
	if err != nil {
		t.Fatalf("SelectFilters: %v", err)
	}
	if report.OK() {
		t.Fatal("expected a failed category")
	}
	if _, ok := report.Failed["Region"]; !ok {
		t.Errorf("Failed = %v, want Region", report.Failed)
	}
	if len(report.Selected) != 2 || report.Selected[0] != "Year" || report.Selected[1] != "Country" {
		t.Errorf("Selected = %v, want [Year Country]", report.Selected)
	}
}

func TestSelectFiltersCancelled(t *testing.T) {
	cfg := testConfig(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := New(healthyPage(cfg), cfg).SelectFilters(ctx, cfg.Portal.Filters); !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
}

func TestSwitch(t *testing.T) {
	cfg := testConfig(t)

	t.Run("page default is not switched", func(t *testing.T) {
		d := healthyPage(cfg)
		if err := New(d, cfg).Switch(context.Background(), "Electricity", Position{Index: 0}); err != nil {
			t.Fatal(err)
		}
		if len(d.Calls()) != 0 {
			t.Errorf("expected no interactions, got %+v", d.Calls())
		}
	})

	t.Run("switch to second grouping", func(t *testing.T) {
		d := healthyPage(cfg)
		if err := New(d, cfg).Switch(context.Background(), "Energy", Position{Index: 1}); err != nil {
			t.Fatal(err)
		}
		option := fmt.Sprintf(cfg.Portal.Selectors.GroupingOption, "Energy")
		if d.Count("click", cfg.Portal.Selectors.GroupingArrow) != 1 || d.Count("click", option) != 1 {
			t.Errorf("calls = %+v", d.Calls())
		}
	})

	t.Run("missing option", func(t *testing.T) {
		d := healthyPage(cfg)
		d.Remove(fmt.Sprintf(cfg.Portal.Selectors.GroupingOption, "Energy"))
		err := New(d, cfg).Switch(context.Background(), "Energy", Position{Index: 1})
		var se *StageError
		if !errors.As(err, &se) || se.Stage != StageSwitch || se.Grouping != "Energy" {
			t.Errorf("err = %v, want switch StageError", err)
		}
	})

	t.Run("list never opens", func(t *testing.T) {
		d := healthyPage(cfg)
		d.On(cfg.Portal.Selectors.GroupingOptions, fake.Behavior{Delay: time.Second})
		err := New(d, cfg).Switch(context.Background(), "Energy", Position{Index: 1})
		if !errors.Is(err, driver.ErrTimeout) {
			t.Errorf("err = %v, want ErrTimeout", err)
		}
	})
}

func TestApplyAndDownloadSuccess(t *testing.T) {
	cfg := testConfig(t)
	d := healthyPage(cfg)

	out := NewOutcome("Social and Economic", Position{Index: 2, Cold: true})
	if err := New(d, cfg).ApplyAndDownload(context.Background(), out); err != nil {
		t.Fatalf("ApplyAndDownload: %v", err)
	}

	want := filepath.Join(cfg.Output.Dir, "social_and_economic.xlsx")
	if out.Status != StatusSuccess || out.Path != want || out.Bytes == 0 {
		t.Errorf("outcome = %+v", out)
	}
	if _, err := os.Stat(want); err != nil {
		t.Errorf("artifact not written: %v", err)
	}
	if _, err := os.Stat(want + ".part"); !os.IsNotExist(err) {
		t.Error("partial file left behind")
	}
	if n := d.Count("click", cfg.Portal.Selectors.ApplyButton); n != 1 {
		t.Errorf("apply clicked %d times, want 1", n)
	}
	if n := d.Count("dispatch_click", cfg.Portal.Selectors.DownloadButton); n != 1 {
		t.Errorf("download dispatched %d times, want 1", n)
	}
}

func TestApplyAndDownloadLogsStagedDownload(t *testing.T) {
	var buf bytes.Buffer
	logging.SetOutput(&buf)
	logging.SetLevel(logging.LevelDebug)
	t.Cleanup(func() {
		logging.SetOutput(nil)
		logging.SetLevel(logging.LevelInfo)
	})

	cfg := testConfig(t)
	d := healthyPage(cfg)
	d.TempDir = t.TempDir()
	out := NewOutcome("Energy", Position{Index: 1})
	if err := New(d, cfg).ApplyAndDownload(context.Background(), out); err != nil {
		t.Fatalf("ApplyAndDownload: %v", err)
	}

	logs := buf.String()
	if !strings.Contains(logs, "Download for Energy staged at "+d.TempDir) {
		t.Errorf("temporary download path not logged:\n%s", logs)
	}
	if !strings.Contains(logs, `suggested name "download-0.xlsx"`) {
		t.Errorf("suggested file name not logged:\n%s", logs)
	}
}

func TestApplyAndDownloadCancelledDuringDownload(t *testing.T) {
	cfg := testConfig(t)
	d := healthyPage(cfg)
	ctx, cancel := context.WithCancel(context.Background())
	d.OnDownload = func(int, time.Duration) ([]byte, error) {
		cancel()
		return []byte("PK\x03\x04 late workbook"), nil
	}

	out := NewOutcome("Electricity", Position{Cold: true})
	err := New(d, cfg).ApplyAndDownload(ctx, out)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if out.Status == StatusSuccess || out.Path != "" {
		t.Errorf("outcome = %+v, want not saved", out)
	}
	entries, err := os.ReadDir(cfg.Output.Dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 0 {
		t.Errorf("output dir has %d entries, want none", len(entries))
	}
}

func TestApplyAndDownloadSessionClosedDuringDownload(t *testing.T) {
	cfg := testConfig(t)
	d := healthyPage(cfg)
	ctx, cancel := context.WithCancel(context.Background())
	d.OnDownload = func(int, time.Duration) ([]byte, error) {
		cancel()
		d.Close()
		return []byte("PK\x03\x04"), nil
	}

	out := NewOutcome("Electricity", Position{Cold: true})
	if err := New(d, cfg).ApplyAndDownload(ctx, out); !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if _, err := os.Stat(filepath.Join(cfg.Output.Dir, "electricity.xlsx")); !os.IsNotExist(err) {
		t.Error("artifact written for a cancelled grouping")
	}
}

func TestApplyAndDownloadTimeouts(t *testing.T) {
	cfg := testConfig(t)
	for _, tt := range []struct {
		cold bool
		want time.Duration
	}{
		{true, 10 * time.Minute},
		{false, 5 * time.Minute},
	} {
		d := healthyPage(cfg)
		out := NewOutcome("Energy", Position{Index: 1, Cold: tt.cold})
		if err := New(d, cfg).ApplyAndDownload(context.Background(), out); err != nil {
			t.Fatal(err)
		}
		for _, c := range d.Calls() {
			if c.Op == "expect_download" && c.Timeout != tt.want {
				t.Errorf("cold=%v: download timeout = %v, want %v", tt.cold, c.Timeout, tt.want)
			}
		}
	}
}

func TestApplyAndDownloadHang(t *testing.T) {
	cfg := testConfig(t)
	tests := []struct {
		name     string
		behavior fake.Behavior
		remove   bool
	}{
		{"disabled", fake.Behavior{Disabled: true}, false},
		{"hidden", fake.Behavior{Hidden: true}, false},
		{"state unreadable", fake.Behavior{StateErr: errors.New("target closed")}, false},
		{"missing", fake.Behavior{}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := healthyPage(cfg)
			if tt.remove {
				d.Remove(cfg.Portal.Selectors.DownloadButton)
			} else {
				d.On(cfg.Portal.Selectors.DownloadButton, tt.behavior)
			}

			out := NewOutcome("Energy", Position{Index: 1})
			err := New(d, cfg).ApplyAndDownload(context.Background(), out)
			if !errors.Is(err, ErrHang) {
				t.Fatalf("err = %v, want ErrHang", err)
			}
			if out.Status != StatusHung || out.Stage != StageDownloadCheck {
				t.Errorf("outcome = %+v", out)
			}
			if d.Count("expect_download", "") != 0 {
				t.Error("no download may be attempted after a hang")
			}
			if _, err := os.Stat(filepath.Join(cfg.Output.Dir, "energy.xlsx")); !os.IsNotExist(err) {
				t.Error("hung grouping must not write a file")
			}
		})
	}
}

func TestApplyAndDownloadGroupingFailures(t *testing.T) {
	cfg := testConfig(t)
	tests := []struct {
		name   string
		script func(d *fake.Driver)
		stage  Stage
	}{
		{
			"themes missing",
			func(d *fake.Driver) { d.Remove(fmt.Sprintf(cfg.Portal.Selectors.ThemesSelectAll, "electricity")) },
			StageThemes,
		},
		{
			"apply never appears",
			func(d *fake.Driver) { d.Remove(cfg.Portal.Selectors.ApplyButton) },
			StageApply,
		},
		{
			"download times out",
			func(d *fake.Driver) {
				d.OnDownload = func(int, time.Duration) ([]byte, error) {
					return nil, fmt.Errorf("%w: no download event", driver.ErrTimeout)
				}
			},
			StageDownload,
		},
		{
			"empty download",
			func(d *fake.Driver) {
				d.OnDownload = func(int, time.Duration) ([]byte, error) { return nil, nil }
			},
			StageSave,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := healthyPage(cfg)
			tt.script(d)

			out := NewOutcome("Electricity", Position{Index: 0, Cold: true})
			if err := New(d, cfg).ApplyAndDownload(context.Background(), out); err != nil {
				t.Fatalf("grouping failure must not escalate, got %v", err)
			}
			if out.Status != StatusFailed || out.Stage != tt.stage || out.Error == "" {
				t.Errorf("outcome = %+v, want failed at %s", out, tt.stage)
			}
			if _, err := os.Stat(filepath.Join(cfg.Output.Dir, "electricity.xlsx")); !os.IsNotExist(err) {
				t.Error("failed grouping must not leave an artifact")
			}
		})
	}
}

func TestApplyAndDownloadWaitsForLoader(t *testing.T) {
	cfg := testConfig(t)
	cfg.Timing.LoaderTimeout = time.Second
	d := healthyPage(cfg)
	d.OnClick = func(d *fake.Driver, selector string) {
		if selector == cfg.Portal.Selectors.ApplyButton {
			d.On(".ajax-loader", fake.Behavior{VisiblePolls: 5})
		}
	}

	out := NewOutcome("Energy", Position{Index: 1})
	if err := New(d, cfg).ApplyAndDownload(context.Background(), out); err != nil {
		t.Fatal(err)
	}
	if n := d.Count("is_visible", ".ajax-loader"); n < 6 {
		t.Errorf("loader polled %d times, expected to wait until it cleared", n)
	}
	if out.Status != StatusSuccess {
		t.Errorf("status = %s", out.Status)
	}
}

func TestApplyAndDownloadWorkbookWarning(t *testing.T) {
	cfg := testConfig(t)
	cfg.Output.VerifyWorkbook = true
	d := healthyPage(cfg)

	out := NewOutcome("Energy", Position{Index: 1})
	if err := New(d, cfg).ApplyAndDownload(context.Background(), out); err != nil {
		t.Fatal(err)
	}
	if out.Status != StatusSuccess {
		t.Fatalf("layout problems are diagnostics only, status = %s", out.Status)
	}
	if len(out.Warnings) != 1 {
		t.Errorf("warnings = %v, want one", out.Warnings)
	}
}

func TestStageError(t *testing.T) {
	inner := errors.New("boom")
	err := fmt.Errorf("run: %w", stageErr("Energy", StageApply, inner))

	var se *StageError
	if !errors.As(err, &se) {
		t.Fatal("expected StageError")
	}
	if se.Error() != "Energy: apply: boom" {
		t.Errorf("Error() = %q", se.Error())
	}
	if !errors.Is(err, inner) {
		t.Error("StageError should unwrap to the cause")
	}
}
