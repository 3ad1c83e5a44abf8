package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/johndauphine/aep-harvest/internal/artifact"
	"gopkg.in/yaml.v3"
)

// DefaultPortalURL is the database page of the Africa Energy Portal.
const DefaultPortalURL = "https://africa-energy-portal.org/database"

// expandTilde expands ~ or ~/ at the start of a path to the user's home directory
func expandTilde(path string) string {
	if path == "" {
		return path
	}
	if path == "~" {
		home, _ := os.UserHomeDir()
		return home
	}
	if strings.HasPrefix(path, "~/") {
		home, _ := os.UserHomeDir()
		return filepath.Join(home, path[2:])
	}
	return path
}

// Config holds all configuration for the harvester
type Config struct {
	Portal  PortalConfig  `yaml:"portal"`
	Browser BrowserConfig `yaml:"browser"`
	Timing  TimingConfig  `yaml:"timing"`
	Output  OutputConfig  `yaml:"output"`
	Restart RestartConfig `yaml:"restart"`
	State   StateConfig   `yaml:"state"`
	Publish PublishConfig `yaml:"publish"`
	Slack   SlackConfig   `yaml:"slack"`
}

// PortalConfig describes the remote page and the sequence driven through it.
type PortalConfig struct {
	URL       string         `yaml:"url"`
	Groupings []string       `yaml:"groupings"` // processed in order; the first is the page default
	Filters   []string       `yaml:"filters"`   // categories selected once per run
	Selectors SelectorConfig `yaml:"selectors"`
}

// SelectorConfig holds the CSS selectors used to drive the page.
// Entries containing %s are formatted with a filter name, grouping label or grouping slug.
type SelectorConfig struct {
	Loaders         []string `yaml:"loaders"`
	FilterDropdown  string   `yaml:"filter_dropdown"`   // %s = filter name
	FilterSelectAll string   `yaml:"filter_select_all"` // %s = filter name
	GroupingArrow   string   `yaml:"grouping_arrow"`
	GroupingOptions string   `yaml:"grouping_options"`
	GroupingOption  string   `yaml:"grouping_option"`   // %s = grouping label
	ThemesSelectAll string   `yaml:"themes_select_all"` // %s = grouping slug
	ApplyButton     string   `yaml:"apply_button"`
	DownloadButton  string   `yaml:"download_button"`
}

// BrowserConfig holds Chromium launch settings
type BrowserConfig struct {
	Engine         string        `yaml:"engine"` // chromium (default), firefox or webkit
	Headless       bool          `yaml:"headless"`
	SlowMo         time.Duration `yaml:"slow_mo"`
	ExecutablePath string        `yaml:"executable_path"` // optional system Chromium
	InstallDriver  bool          `yaml:"install_driver"`  // install the playwright driver before launch
}

// TimingConfig holds every bounded wait used while driving the page.
type TimingConfig struct {
	NavigationTimeout    time.Duration `yaml:"navigation_timeout"`
	InitialSettle        time.Duration `yaml:"initial_settle"`
	LoaderTimeout        time.Duration `yaml:"loader_timeout"`
	PollInterval         time.Duration `yaml:"poll_interval"`
	FilterOpenTimeout    time.Duration `yaml:"filter_open_timeout"`
	FilterSettle         time.Duration `yaml:"filter_settle"`
	GroupingListTimeout  time.Duration `yaml:"grouping_list_timeout"`
	GroupingSettle       time.Duration `yaml:"grouping_settle"`
	ClickTimeout         time.Duration `yaml:"click_timeout"`
	ThemesSettle         time.Duration `yaml:"themes_settle"`
	ApplyTimeout         time.Duration `yaml:"apply_timeout"`
	RenderBuffer         time.Duration `yaml:"render_buffer"`
	FirstDownloadTimeout time.Duration `yaml:"first_download_timeout"` // cold data, largest payload
	DownloadTimeout      time.Duration `yaml:"download_timeout"`
}

// OutputConfig controls where and how artifacts are written.
type OutputConfig struct {
	Dir             string   `yaml:"dir"`
	Extension       string   `yaml:"extension"`
	SkipExisting    bool     `yaml:"skip_existing"` // skip groupings whose artifact is already on disk
	VerifyWorkbook  bool     `yaml:"verify_workbook"`
	RequiredColumns []string `yaml:"required_columns"`
}

// RestartConfig controls recovery from UI hangs.
type RestartConfig struct {
	Mode        string        `yaml:"mode"` // "loop" (default) or "exec"
	MaxRestarts int           `yaml:"max_restarts"`
	Backoff     time.Duration `yaml:"backoff"`
}

// StateConfig selects where run history is recorded.
type StateConfig struct {
	Backend   string `yaml:"backend"` // "sqlite" (default) or "file"
	DataDir   string `yaml:"data_dir"`
	StateFile string `yaml:"state_file"`
}

// PublishConfig holds optional S3-compatible upload settings
type PublishConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Endpoint  string `yaml:"endpoint"` // host:port, no scheme
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	Region    string `yaml:"region"`
	UseSSL    bool   `yaml:"use_ssl"`
	Bucket    string `yaml:"bucket"`
	Prefix    string `yaml:"prefix"`
}

// SlackConfig holds Slack notification settings
type SlackConfig struct {
	WebhookURL string `yaml:"webhook_url"`
	Channel    string `yaml:"channel"`
	Username   string `yaml:"username"`
	Enabled    bool   `yaml:"enabled"`
}

// LoadOptions controls configuration loading behavior.
type LoadOptions struct {
	SuppressWarnings bool
}

// Default returns the built-in configuration: the portal URL and grouping list
// the harvester was written for, with every timing at its production value.
func Default() *Config {
	cfg := &Config{
		Browser: BrowserConfig{SlowMo: 300 * time.Millisecond},
		Output:  OutputConfig{VerifyWorkbook: true},
	}
	cfg.applyDefaults()
	return cfg
}

// Load reads configuration from a YAML file.
func Load(path string) (*Config, error) {
	return LoadWithOptions(path, LoadOptions{})
}

// LoadWithOptions reads configuration from a YAML file with options.
func LoadWithOptions(path string, opts LoadOptions) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg, err := LoadBytes(data)
	if err != nil {
		return nil, err
	}

	if !opts.SuppressWarnings {
		if warning := cfg.permissionWarning(path); warning != "" {
			fmt.Fprint(os.Stderr, warning)
		}
	}
	return cfg, nil
}

// permissionWarning is non-empty when the file holds secrets and others can read it.
func (c *Config) permissionWarning(path string) string {
	secrets := c.secretFields()
	if len(secrets) == 0 {
		return ""
	}
	how := exposure(path)
	if how == "" {
		return ""
	}
	return fmt.Sprintf(
		"WARNING: Config file '%s' is readable by other users (%s)\n"+
			"         It contains: %s\n"+
			"         Run: %s\n\n",
		path, how, strings.Join(secrets, ", "), permissionFix(path),
	)
}

func (c *Config) secretFields() []string {
	var fields []string
	if c.Publish.AccessKey != "" {
		fields = append(fields, "publish.access_key")
	}
	if c.Publish.SecretKey != "" {
		fields = append(fields, "publish.secret_key")
	}
	if c.Slack.WebhookURL != "" {
		fields = append(fields, "slack.webhook_url")
	}
	return fields
}

// LoadBytes reads configuration from YAML bytes.
func LoadBytes(data []byte) (*Config, error) {
	expanded := os.ExpandEnv(string(data))

	cfg := Config{
		Browser: BrowserConfig{SlowMo: 300 * time.Millisecond},
		Output:  OutputConfig{VerifyWorkbook: true},
	}
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &cfg, nil
}

// DefaultDataDir returns the default data directory for state storage.
func DefaultDataDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	dir := filepath.Join(home, ".aep-harvest")
	if err := os.MkdirAll(dir, 0700); err != nil {
		return "", err
	}
	return dir, nil
}

func setDuration(d *time.Duration, def time.Duration) {
	if *d == 0 {
		*d = def
	}
}

func (c *Config) applyDefaults() {
	if c.Portal.URL == "" {
		c.Portal.URL = DefaultPortalURL
	}
	if len(c.Portal.Groupings) == 0 {
		c.Portal.Groupings = []string{"Electricity", "Energy", "Social and Economic"}
	}
	if len(c.Portal.Filters) == 0 {
		c.Portal.Filters = []string{"Year", "Region", "Country"}
	}

	if c.Browser.Engine == "" {
		c.Browser.Engine = "chromium"
	}

	s := &c.Portal.Selectors
	if len(s.Loaders) == 0 {
		s.Loaders = []string{".loader", ".ajax-loader", ".spinner", ".loading"}
	}
	if s.FilterDropdown == "" {
		s.FilterDropdown = "a.custom-dropdown-label:has-text('Select %s')"
	}
	if s.FilterSelectAll == "" {
		s.FilterSelectAll = "input.custom-dropdown-select-all[data-name='%s']"
	}
	if s.GroupingArrow == "" {
		s.GroupingArrow = "span.select2-selection__arrow"
	}
	if s.GroupingOptions == "" {
		s.GroupingOptions = "ul.select2-results__options"
	}
	if s.GroupingOption == "" {
		s.GroupingOption = "li.select2-results__option:has-text('%s')"
	}
	if s.ThemesSelectAll == "" {
		s.ThemesSelectAll = "#%s label:has-text('SELECT ALL THEMES')"
	}
	if s.ApplyButton == "" {
		s.ApplyButton = "a.floating-apply-btn"
	}
	if s.DownloadButton == "" {
		s.DownloadButton = "a.download-btn.download-btn-1"
	}

	t := &c.Timing
	setDuration(&t.NavigationTimeout, 120*time.Second)
	setDuration(&t.InitialSettle, 8*time.Second)
	setDuration(&t.LoaderTimeout, 120*time.Second)
	setDuration(&t.PollInterval, 250*time.Millisecond)
	setDuration(&t.FilterOpenTimeout, 15*time.Second)
	setDuration(&t.FilterSettle, time.Second)
	setDuration(&t.GroupingListTimeout, 10*time.Second)
	setDuration(&t.GroupingSettle, 3*time.Second)
	setDuration(&t.ClickTimeout, 30*time.Second)
	setDuration(&t.ThemesSettle, 2*time.Second)
	setDuration(&t.ApplyTimeout, 20*time.Second)
	setDuration(&t.RenderBuffer, 10*time.Second)
	setDuration(&t.FirstDownloadTimeout, 10*time.Minute)
	setDuration(&t.DownloadTimeout, 5*time.Minute)

	if c.Output.Dir == "" {
		c.Output.Dir = "datasets"
	} else {
		c.Output.Dir = expandTilde(c.Output.Dir)
	}
	if c.Output.Extension == "" {
		c.Output.Extension = ".xlsx"
	}
	if !strings.HasPrefix(c.Output.Extension, ".") {
		c.Output.Extension = "." + c.Output.Extension
	}
	if len(c.Output.RequiredColumns) == 0 {
		c.Output.RequiredColumns = []string{"Country", "Indicator"}
	}

	if c.Restart.Mode == "" {
		c.Restart.Mode = "loop"
	}
	if c.Restart.MaxRestarts == 0 {
		c.Restart.MaxRestarts = 5
	}
	setDuration(&c.Restart.Backoff, 5*time.Second)

	if c.State.Backend == "" {
		c.State.Backend = "sqlite"
	}
	if c.State.DataDir == "" {
		home, _ := os.UserHomeDir()
		c.State.DataDir = filepath.Join(home, ".aep-harvest")
	} else {
		c.State.DataDir = expandTilde(c.State.DataDir)
	}
	if c.State.StateFile != "" {
		c.State.StateFile = expandTilde(c.State.StateFile)
	}

	if c.Publish.Region == "" {
		c.Publish.Region = "us-east-1"
	}
}

// Validate reports the first configuration problem found.
func (c *Config) Validate() error {
	if c.Portal.URL == "" {
		return fmt.Errorf("portal.url is required")
	}
	if !strings.HasPrefix(c.Portal.URL, "http://") && !strings.HasPrefix(c.Portal.URL, "https://") {
		return fmt.Errorf("portal.url must be an http(s) URL, got '%s'", c.Portal.URL)
	}

	seen := make(map[string]string)
	for _, g := range c.Portal.Groupings {
		if strings.TrimSpace(g) == "" {
			return fmt.Errorf("portal.groupings must not contain empty names")
		}
		// Artifacts are keyed by slug, so two groupings must never share one.
		slug := artifact.Slug(g)
		if prev, ok := seen[slug]; ok {
			return fmt.Errorf("portal.groupings '%s' and '%s' map to the same file name", prev, g)
		}
		seen[slug] = g
	}

	for _, sel := range []struct{ name, value string }{
		{"filter_dropdown", c.Portal.Selectors.FilterDropdown},
		{"filter_select_all", c.Portal.Selectors.FilterSelectAll},
		{"grouping_option", c.Portal.Selectors.GroupingOption},
		{"themes_select_all", c.Portal.Selectors.ThemesSelectAll},
	} {
		if strings.Count(sel.value, "%s") != 1 {
			return fmt.Errorf("portal.selectors.%s must contain exactly one %%s placeholder", sel.name)
		}
	}

	if c.Restart.Mode != "loop" && c.Restart.Mode != "exec" {
		return fmt.Errorf("restart.mode must be 'loop' or 'exec', got '%s'", c.Restart.Mode)
	}
	if c.Restart.MaxRestarts < 0 {
		return fmt.Errorf("restart.max_restarts must not be negative")
	}

	if c.State.Backend != "sqlite" && c.State.Backend != "file" {
		return fmt.Errorf("state.backend must be 'sqlite' or 'file', got '%s'", c.State.Backend)
	}
	if c.State.Backend == "file" && c.State.StateFile == "" {
		return fmt.Errorf("state.state_file is required when state.backend is 'file'")
	}

	if c.Publish.Enabled {
		if c.Publish.Endpoint == "" {
			return fmt.Errorf("publish.endpoint is required when publishing is enabled")
		}
		if strings.Contains(c.Publish.Endpoint, "://") {
			return fmt.Errorf("publish.endpoint must not include scheme: %q", c.Publish.Endpoint)
		}
		if c.Publish.Bucket == "" {
			return fmt.Errorf("publish.bucket is required when publishing is enabled")
		}
	}
	return nil
}

// Sanitized returns a copy of the config with sensitive fields redacted
func (c *Config) Sanitized() *Config {
	sanitized := *c // shallow copy

	if sanitized.Publish.AccessKey != "" {
		sanitized.Publish.AccessKey = "[REDACTED]"
	}
	if sanitized.Publish.SecretKey != "" {
		sanitized.Publish.SecretKey = "[REDACTED]"
	}
	if sanitized.Slack.WebhookURL != "" {
		sanitized.Slack.WebhookURL = "[REDACTED]"
	}

	return &sanitized
}
