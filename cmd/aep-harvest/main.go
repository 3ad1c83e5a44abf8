package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/johndauphine/aep-harvest/internal/config"
	"github.com/johndauphine/aep-harvest/internal/driver"
	"github.com/johndauphine/aep-harvest/internal/exitcodes"
	"github.com/johndauphine/aep-harvest/internal/logging"
	"github.com/johndauphine/aep-harvest/internal/orchestrator"
	"github.com/johndauphine/aep-harvest/internal/progress"
	"github.com/johndauphine/aep-harvest/internal/supervisor"
	"github.com/johndauphine/aep-harvest/internal/tui"
	"github.com/urfave/cli/v2"
)

var version = "dev"

// logFile is the --log-file target, closed in After.
var logFile *os.File

func runFlags() []cli.Flag {
	return []cli.Flag{
		&cli.BoolFlag{
			Name:  "headless",
			Usage: "Run the browser without a window",
		},
		&cli.StringFlag{
			Name:  "output-dir",
			Usage: "Directory for the downloaded workbooks (default: datasets)",
		},
		&cli.IntFlag{
			Name:  "max-restarts",
			Usage: "Restarts allowed when the portal hangs (0 disables restarting)",
		},
		&cli.StringFlag{
			Name:  "restart-mode",
			Usage: "How to restart after a hang: loop (fresh session) or exec (replace the process)",
		},
		&cli.BoolFlag{
			Name:  "skip-existing",
			Usage: "Skip groupings whose workbook is already on disk",
		},
		&cli.BoolFlag{
			Name:  "output-json",
			Usage: "Output JSON result to stdout on completion (logs go to stderr)",
		},
		&cli.StringFlag{
			Name:  "output-file",
			Usage: "Write JSON result to file on completion",
		},
		&cli.BoolFlag{
			Name:  "progress-json",
			Usage: "Emit JSON progress lines on stderr instead of a progress bar",
		},
	}
}

func main() {
	app := &cli.App{
		Name:    "aep-harvest",
		Usage:   "Download the Africa Energy Portal datasets as Excel workbooks",
		Version: version,
		Flags: append([]cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Value:   "config.yaml",
				Usage:   "Path to configuration file (built-in defaults if absent)",
			},
			&cli.StringFlag{
				Name:  "state-file",
				Usage: "Use YAML state file instead of SQLite (for cron/headless)",
			},
			&cli.StringFlag{
				Name:  "log-format",
				Value: "text",
				Usage: "Log format: text or json",
			},
			&cli.StringFlag{
				Name:  "verbosity",
				Value: "info",
				Usage: "Log verbosity level (debug, info, warn, error)",
			},
			&cli.StringFlag{
				Name:  "log-file",
				Usage: "Also append log output to this file",
			},
		}, runFlags()...),
		Before: func(c *cli.Context) error {
			level, err := logging.ParseLevel(c.String("verbosity"))
			if err != nil {
				return exitcodes.NewExitError(err, exitcodes.ConfigError)
			}
			logging.SetLevel(level)

			if c.String("log-format") == "json" {
				logging.SetFormat("json")
			}

			// Keep stdout clean for machine-readable results
			if c.Bool("output-json") || c.String("output-file") != "" {
				logging.SetOutput(os.Stderr)
			}

			if path := c.String("log-file"); path != "" {
				f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
				if err != nil {
					return exitcodes.NewExitError(fmt.Errorf("opening log file: %w", err), exitcodes.IOError)
				}
				logFile = f
				logging.SetOutput(io.MultiWriter(logging.Output(), f))
			}
			return nil
		},
		After: func(c *cli.Context) error {
			if logFile != nil {
				logging.SetOutput(nil)
				return logFile.Close()
			}
			return nil
		},
		Action: func(c *cli.Context) error {
			if c.NArg() == 0 {
				return runHarvest(c)
			}
			return cli.ShowAppHelp(c)
		},
		Commands: []*cli.Command{
			{
				Name:   "run",
				Usage:  "Harvest every grouping (default command)",
				Before: func(c *cli.Context) error {
					if c.Bool("output-json") || c.String("output-file") != "" {
						if logFile != nil {
							logging.SetOutput(io.MultiWriter(os.Stderr, logFile))
						} else {
							logging.SetOutput(os.Stderr)
						}
					}
					return nil
				},
				Action: runHarvest,
				Flags:  runFlags(),
			},
			{
				Name:   "status",
				Usage:  "Show status of the current/last run",
				Action: showStatus,
				Flags: []cli.Flag{
					&cli.BoolFlag{
						Name:  "json",
						Usage: "Output status as JSON",
					},
				},
			},
			{
				Name:  "history",
				Usage: "List past runs, or view details of a specific run",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:  "run",
						Usage: "Show details for a specific run ID",
					},
					&cli.BoolFlag{
						Name:  "json",
						Usage: "Output run details as JSON (with --run)",
					},
					&cli.IntFlag{
						Name:  "limit",
						Value: 20,
						Usage: "Number of runs to list",
					},
					&cli.DurationFlag{
						Name:  "prune",
						Usage: "Delete finished runs older than this (e.g. 720h) before listing",
					},
				},
				Action: showHistory,
			},
			{
				Name:   "verify",
				Usage:  "Check the workbooks on disk have the expected layout",
				Action: verifyArtifacts,
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:  "output-dir",
						Usage: "Directory holding the workbooks",
					},
					&cli.BoolFlag{
						Name:  "json",
						Usage: "Output the report as JSON",
					},
				},
			},
			{
				Name:   "watch",
				Usage:  "Live dashboard of the running harvest",
				Action: watchHarvest,
				Flags: []cli.Flag{
					&cli.DurationFlag{
						Name:  "interval",
						Value: 2 * time.Second,
						Usage: "Refresh interval",
					},
				},
			},
			{
				Name:   "check",
				Usage:  "Load the portal and confirm the controls the harvest uses are present",
				Action: checkPortal,
				Flags: []cli.Flag{
					&cli.BoolFlag{
						Name:  "headless",
						Value: true,
						Usage: "Run the browser without a window",
					},
					&cli.BoolFlag{
						Name:  "json",
						Usage: "Output the result as JSON",
					},
				},
			},
			{
				Name:   "plan",
				Usage:  "Show what a run would do without starting a browser",
				Action: showPlan,
				Flags: []cli.Flag{
					&cli.BoolFlag{
						Name:  "skip-existing",
						Usage: "Plan as if --skip-existing were given",
					},
					&cli.BoolFlag{
						Name:  "json",
						Usage: "Output the plan as JSON",
					},
				},
			},
			{
				Name:   "install",
				Usage:  "Install the playwright driver and browser",
				Action: installBrowsers,
				Flags: []cli.Flag{
					&cli.StringSliceFlag{
						Name:  "browser",
						Usage: "Browsers to install, any of " + strings.Join(driver.Available(), ", ") + " (default: the configured engine)",
					},
				},
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		code := exitcodes.FromError(err)
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		fmt.Fprintln(os.Stderr, exitcodes.Summary(code))
		os.Exit(code)
	}
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case <-sigCh:
			fmt.Fprintln(os.Stderr, "\nInterrupted. Closing the browser...")
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, func() {
		signal.Stop(sigCh)
		cancel()
	}
}

func runHarvest(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}

	if c.IsSet("headless") {
		cfg.Browser.Headless = c.Bool("headless")
	}
	if c.IsSet("output-dir") {
		cfg.Output.Dir = c.String("output-dir")
	}
	if c.IsSet("max-restarts") {
		cfg.Restart.MaxRestarts = c.Int("max-restarts")
	}
	if c.IsSet("restart-mode") {
		cfg.Restart.Mode = c.String("restart-mode")
	}
	if c.IsSet("skip-existing") {
		cfg.Output.SkipExisting = c.Bool("skip-existing")
	}
	if err := cfg.Validate(); err != nil {
		return exitcodes.NewExitError(fmt.Errorf("invalid config: %w", err), exitcodes.ConfigError)
	}

	opener, err := newOpener(cfg, cfg.Browser.Headless)
	if err != nil {
		return err
	}

	opts := orchestrator.Options{
		HarvestID: os.Getenv(supervisor.HarvestEnv),
	}
	jsonOut := c.Bool("output-json") || c.String("output-file") != ""
	switch {
	case c.Bool("progress-json"):
		opts.Reporter = progress.NewJSONReporter(os.Stderr, 2*time.Second)
	case !jsonOut && progress.IsTerminal(os.Stderr):
		opts.Tracker = progress.New(os.Stderr, len(cfg.Portal.Groupings))
	}

	orch, err := orchestrator.New(cfg, opts)
	if err != nil {
		return exitcodes.NewExitError(err, exitcodes.StateError)
	}
	defer orch.Close()

	ctx, cancel := signalContext()
	defer cancel()

	sup := supervisor.New(opener, cfg.Restart)
	result, runErr := orch.Harvest(ctx, sup)

	if jsonOut && result != nil {
		if err := outputJSON(c, result); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: failed to output JSON: %v\n", err)
		}
	}

	switch {
	case runErr == nil:
		return nil
	case errors.Is(runErr, supervisor.ErrRestartsExhausted):
		return exitcodes.NewExitError(runErr, exitcodes.RestartsExhausted)
	case errors.Is(runErr, context.Canceled):
		return exitcodes.NewExitError(runErr, exitcodes.Cancelled)
	}
	return runErr
}

func newOpener(cfg *config.Config, headless bool) (driver.Opener, error) {
	opener, err := driver.NewOpener(cfg.Browser.Engine, driver.LaunchOptions{
		Headless:       headless,
		SlowMo:         cfg.Browser.SlowMo,
		ExecutablePath: cfg.Browser.ExecutablePath,
		InstallDriver:  cfg.Browser.InstallDriver,
	})
	if err != nil {
		return nil, exitcodes.NewExitError(err, exitcodes.ConfigError)
	}
	return opener, nil
}

func showStatus(c *cli.Context) error {
	orch, err := openOrchestrator(c)
	if err != nil {
		return err
	}
	defer orch.Close()

	if c.Bool("json") {
		result, err := orch.GetStatusResult()
		if err != nil {
			return err
		}
		if result == nil {
			result = &orchestrator.StatusResult{Status: "no_runs"}
		}
		data, err := json.MarshalIndent(result, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to marshal status: %w", err)
		}
		fmt.Println(string(data))
		return nil
	}

	return orch.ShowStatus()
}

func showHistory(c *cli.Context) error {
	orch, err := openOrchestrator(c)
	if err != nil {
		return err
	}
	defer orch.Close()

	if retention := c.Duration("prune"); retention > 0 {
		n, err := orch.CleanupHistory(retention)
		if err != nil {
			return fmt.Errorf("pruning history: %w", err)
		}
		logging.Info("Pruned %d runs older than %s", n, retention)
	}

	if runID := c.String("run"); runID != "" {
		return orch.ShowRunDetails(runID, c.Bool("json"))
	}
	return orch.ShowHistory(c.Int("limit"))
}

func verifyArtifacts(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	if c.IsSet("output-dir") {
		cfg.Output.Dir = c.String("output-dir")
	}

	result := orchestrator.Verify(cfg)
	if c.Bool("json") {
		data, err := json.MarshalIndent(result, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(data))
	} else {
		result.Print(os.Stdout)
	}
	if !result.OK {
		return exitcodes.NewExitError(errors.New("artifact verification failed"), exitcodes.VerifyError)
	}
	return nil
}

func watchHarvest(c *cli.Context) error {
	orch, err := openOrchestrator(c)
	if err != nil {
		return err
	}
	defer orch.Close()

	// The dashboard owns the terminal; keep log lines from tearing it.
	logging.SetOutput(io.Discard)
	return tui.Run("aep-harvest watch", orch.GetStatusResult, c.Duration("interval"))
}

func checkPortal(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	opener, err := newOpener(cfg, c.Bool("headless"))
	if err != nil {
		return err
	}

	ctx, cancel := signalContext()
	defer cancel()

	result, err := orchestrator.Check(ctx, cfg, opener)
	if err != nil {
		return err
	}

	if c.Bool("json") {
		data, err := json.MarshalIndent(result, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(data))
	} else {
		fmt.Printf("Portal:    %s\n", result.PortalURL)
		fmt.Printf("Reachable: %v (%d ms)\n", result.Reachable, result.LatencyMs)
		if result.Error != "" {
			fmt.Printf("Error:     %s\n", result.Error)
		}
		for _, s := range result.Selectors {
			mark := "✓"
			if !s.Found {
				mark = "✗"
			}
			fmt.Printf("  %s %-24s %s\n", mark, s.Name, s.Selector)
		}
	}
	if !result.Healthy {
		return exitcodes.NewExitError(errors.New("portal check failed"), exitcodes.SessionError)
	}
	return nil
}

func showPlan(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	if c.Bool("skip-existing") {
		cfg.Output.SkipExisting = true
	}
	orch, err := newOrchestrator(cfg)
	if err != nil {
		return err
	}
	defer orch.Close()

	plan := orch.Plan()
	if c.Bool("json") {
		data, err := json.MarshalIndent(plan, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(data))
		return nil
	}

	fmt.Printf("Portal:   %s\n", plan.PortalURL)
	fmt.Printf("Filters:  %s (selected once per run)\n", strings.Join(plan.Filters, ", "))
	fmt.Printf("Restarts: up to %d (%s mode)\n\n", plan.MaxRestarts, plan.RestartMode)
	fmt.Printf("%-3s %-22s %-36s %-8s %s\n", "#", "Grouping", "Path", "Exists", "Action")
	fmt.Println(strings.Repeat("-", 90))
	for _, g := range plan.Groupings {
		action := fmt.Sprintf("download (timeout %s)", g.DownloadTimeout)
		if g.Skip {
			action = "skip"
		} else if g.Switch {
			action = "switch, " + action
		}
		exists := fmt.Sprint(g.Exists)
		if g.SavedByRun != "" {
			exists = "run " + g.SavedByRun
		}
		fmt.Printf("%-3d %-22s %-36s %-8s %s\n", g.Index+1, g.Grouping, g.Path, exists, action)
	}
	return nil
}

func installBrowsers(c *cli.Context) error {
	browsers := c.StringSlice("browser")
	if len(browsers) == 0 {
		cfg, err := loadConfig(c)
		if err != nil {
			return err
		}
		browsers = []string{cfg.Browser.Engine}
	}
	for _, b := range browsers {
		if _, err := driver.Get(b); err != nil {
			return exitcodes.NewExitError(err, exitcodes.ConfigError)
		}
	}
	logging.Info("Installing playwright driver and %s", strings.Join(browsers, ", "))
	if err := driver.Install(browsers, logging.IsDebug()); err != nil {
		return exitcodes.NewExitError(err, exitcodes.SessionError)
	}
	logging.Info("Install complete")
	return nil
}

func openOrchestrator(c *cli.Context) (*orchestrator.Orchestrator, error) {
	cfg, err := loadConfig(c)
	if err != nil {
		return nil, err
	}
	return newOrchestrator(cfg)
}

func newOrchestrator(cfg *config.Config) (*orchestrator.Orchestrator, error) {
	orch, err := orchestrator.New(cfg, orchestrator.Options{})
	if err != nil {
		return nil, exitcodes.NewExitError(err, exitcodes.StateError)
	}
	return orch, nil
}

// getStateFile returns the state file path from the context.
// Checks both command-level and global flags.
func getStateFile(c *cli.Context) string {
	for _, ctx := range c.Lineage() {
		if ctx == nil {
			continue
		}
		if sf := ctx.String("state-file"); sf != "" {
			return sf
		}
	}
	return ""
}

// loadConfig reads --config, falling back to the built-in defaults when the
// default path does not exist.
func loadConfig(c *cli.Context) (*config.Config, error) {
	path := c.String("config")
	var cfg *config.Config
	if _, err := os.Stat(path); os.IsNotExist(err) && !c.IsSet("config") {
		logging.Debug("No %s, using built-in defaults", path)
		cfg = config.Default()
	} else {
		loaded, err := config.Load(path)
		if err != nil {
			return nil, exitcodes.NewExitError(fmt.Errorf("failed to load config: %w", err), exitcodes.ConfigError)
		}
		cfg = loaded
	}

	if sf := getStateFile(c); sf != "" {
		cfg.State.Backend = "file"
		cfg.State.StateFile = sf
	}
	return cfg, nil
}

// outputJSON writes the harvest result as JSON to stdout and/or a file
func outputJSON(c *cli.Context, result *orchestrator.HarvestResult) error {
	data, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal result: %w", err)
	}

	if c.Bool("output-json") {
		fmt.Println(string(data))
	}

	if outputFile := c.String("output-file"); outputFile != "" {
		if err := os.WriteFile(outputFile, data, 0600); err != nil {
			return fmt.Errorf("failed to write output file: %w", err)
		}
	}

	return nil
}
