package config

import (
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	if cfg.Portal.URL != DefaultPortalURL {
		t.Errorf("URL = %q, want %q", cfg.Portal.URL, DefaultPortalURL)
	}
	wantGroupings := []string{"Electricity", "Energy", "Social and Economic"}
	if strings.Join(cfg.Portal.Groupings, "|") != strings.Join(wantGroupings, "|") {
		t.Errorf("Groupings = %v, want %v", cfg.Portal.Groupings, wantGroupings)
	}
	if strings.Join(cfg.Portal.Filters, "|") != "Year|Region|Country" {
		t.Errorf("Filters = %v", cfg.Portal.Filters)
	}
	if cfg.Timing.FirstDownloadTimeout != 10*time.Minute {
		t.Errorf("FirstDownloadTimeout = %v, want 10m", cfg.Timing.FirstDownloadTimeout)
	}
	if cfg.Timing.DownloadTimeout != 5*time.Minute {
		t.Errorf("DownloadTimeout = %v, want 5m", cfg.Timing.DownloadTimeout)
	}
	if cfg.Timing.LoaderTimeout != 120*time.Second {
		t.Errorf("LoaderTimeout = %v, want 120s", cfg.Timing.LoaderTimeout)
	}
	if cfg.Browser.SlowMo != 300*time.Millisecond {
		t.Errorf("SlowMo = %v, want 300ms", cfg.Browser.SlowMo)
	}
	if !cfg.Output.VerifyWorkbook {
		t.Error("VerifyWorkbook should default to true")
	}
	if cfg.Output.SkipExisting {
		t.Error("SkipExisting should default to false")
	}
	if cfg.Restart.Mode != "loop" || cfg.Restart.MaxRestarts != 5 || cfg.Restart.Backoff != 5*time.Second {
		t.Errorf("Restart = %+v, want loop/5/5s", cfg.Restart)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config should validate: %v", err)
	}
}

func TestLoadBytesDurationsAndOverrides(t *testing.T) {
	yaml := `
portal:
  groupings: [Energy, Electricity]
browser:
  headless: true
  slow_mo: 0s
timing:
  first_download_timeout: 15m
  poll_interval: 100ms
output:
  dir: /tmp/out
  extension: xlsx
  verify_workbook: false
restart:
  mode: exec
  max_restarts: 2
  backoff: 5s
`
	cfg, err := LoadBytes([]byte(yaml))
	if err != nil {
		t.Fatalf("LoadBytes: %v", err)
	}

	if cfg.Portal.Groupings[0] != "Energy" || len(cfg.Portal.Groupings) != 2 {
		t.Errorf("Groupings = %v", cfg.Portal.Groupings)
	}
	if !cfg.Browser.Headless {
		t.Error("Headless should be true")
	}
	if cfg.Timing.FirstDownloadTimeout != 15*time.Minute {
		t.Errorf("FirstDownloadTimeout = %v", cfg.Timing.FirstDownloadTimeout)
	}
	if cfg.Timing.PollInterval != 100*time.Millisecond {
		t.Errorf("PollInterval = %v", cfg.Timing.PollInterval)
	}
	// unset timings still get defaults
	if cfg.Timing.DownloadTimeout != 5*time.Minute {
		t.Errorf("DownloadTimeout = %v", cfg.Timing.DownloadTimeout)
	}
	if cfg.Output.Extension != ".xlsx" {
		t.Errorf("Extension = %q, want .xlsx", cfg.Output.Extension)
	}
	if cfg.Output.VerifyWorkbook {
		t.Error("explicit verify_workbook: false should be honored")
	}
	if cfg.Restart.Mode != "exec" || cfg.Restart.MaxRestarts != 2 || cfg.Restart.Backoff != 5*time.Second {
		t.Errorf("Restart = %+v", cfg.Restart)
	}
}

func TestLoadBytesExpandsEnv(t *testing.T) {
	t.Setenv("AEP_TEST_BUCKET", "energy-data")
	t.Setenv("AEP_TEST_SECRET", "s3cr3t")

	cfg, err := LoadBytes([]byte(`
publish:
  enabled: true
  endpoint: minio.local:9000
  bucket: ${AEP_TEST_BUCKET}
  secret_key: ${AEP_TEST_SECRET}
`))
	if err != nil {
		t.Fatalf("LoadBytes: %v", err)
	}
	if cfg.Publish.Bucket != "energy-data" {
		t.Errorf("Bucket = %q", cfg.Publish.Bucket)
	}
	if cfg.Publish.SecretKey != "s3cr3t" {
		t.Errorf("SecretKey = %q", cfg.Publish.SecretKey)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"valid default", func(c *Config) {}, ""},
		{"non-http url", func(c *Config) { c.Portal.URL = "ftp://portal" }, "http(s)"},
		{"empty grouping", func(c *Config) { c.Portal.Groupings = []string{"Energy", " "} }, "empty"},
		{
			"slug collision",
			func(c *Config) { c.Portal.Groupings = []string{"Social Economic", "social_economic"} },
			"same file name",
		},
		{
			"missing placeholder",
			func(c *Config) { c.Portal.Selectors.FilterDropdown = "a.custom-dropdown-label" },
			"filter_dropdown",
		},
		{
			"two placeholders",
			func(c *Config) { c.Portal.Selectors.ThemesSelectAll = "#%s label %s" },
			"themes_select_all",
		},
		{"bad restart mode", func(c *Config) { c.Restart.Mode = "fork" }, "restart.mode"},
		{"negative restarts", func(c *Config) { c.Restart.MaxRestarts = -1 }, "max_restarts"},
		{"bad backend", func(c *Config) { c.State.Backend = "redis" }, "state.backend"},
		{"file backend without file", func(c *Config) { c.State.Backend = "file" }, "state_file"},
		{
			"publish without bucket",
			func(c *Config) {
				c.Publish.Enabled = true
				c.Publish.Endpoint = "localhost:9000"
			},
			"bucket",
		},
		{
			"publish endpoint with scheme",
			func(c *Config) {
				c.Publish.Enabled = true
				c.Publish.Endpoint = "https://s3.amazonaws.com"
				c.Publish.Bucket = "b"
			},
			"scheme",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil {
				t.Fatalf("expected error containing %q", tt.wantErr)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error %q should contain %q", err, tt.wantErr)
			}
		})
	}
}

func TestSanitized(t *testing.T) {
	cfg := Default()
	cfg.Publish.AccessKey = "AKIA"
	cfg.Publish.SecretKey = "secret"
	cfg.Slack.WebhookURL = "https://hooks.slack.com/services/x"

	s := cfg.Sanitized()
	for name, v := range map[string]string{
		"access_key":  s.Publish.AccessKey,
		"secret_key":  s.Publish.SecretKey,
		"webhook_url": s.Slack.WebhookURL,
	} {
		if v != "[REDACTED]" {
			t.Errorf("%s = %q, want [REDACTED]", name, v)
		}
	}
	if cfg.Publish.SecretKey != "secret" {
		t.Error("Sanitized must not modify the original")
	}
}

func TestExpandTilde(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skip("no home dir")
	}
	tests := []struct {
		in, want string
	}{
		{"", ""},
		{"~", home},
		{"~/datasets", filepath.Join(home, "datasets")},
		{"/abs/path", "/abs/path"},
		{"rel/~/path", "rel/~/path"},
	}
	for _, tt := range tests {
		if got := expandTilde(tt.in); got != tt.want {
			t.Errorf("expandTilde(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestPermissionWarning(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("mode bits not meaningful on windows")
	}
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte("slack:\n  webhook_url: https://hooks.slack.com/x\n"), 0644); err != nil {
		t.Fatal(err)
	}
	cfg, err := LoadWithOptions(path, LoadOptions{SuppressWarnings: true})
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	warning := cfg.permissionWarning(path)
	if !strings.Contains(warning, "slack.webhook_url") {
		t.Errorf("expected webhook field in warning, got %q", warning)
	}

	if err := os.Chmod(path, 0600); err != nil {
		t.Fatal(err)
	}
	if w := cfg.permissionWarning(path); w != "" {
		t.Errorf("0600 file should not warn, got %q", w)
	}

	// world-readable but nothing secret in it
	if w := Default().permissionWarning(path); w != "" {
		t.Errorf("config without secrets should not warn, got %q", w)
	}
}
