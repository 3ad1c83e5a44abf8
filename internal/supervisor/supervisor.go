// Package supervisor restarts a harvest from scratch when the portal hangs.
//
// In loop mode every attempt gets a fresh browser session inside the same
// process. In exec mode the process image is replaced with a fresh copy of
// itself, carrying the restart count in AEP_HARVEST_RESTARTS. Both modes stop
// after the configured number of restarts.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/johndauphine/aep-harvest/internal/config"
	"github.com/johndauphine/aep-harvest/internal/driver"
	"github.com/johndauphine/aep-harvest/internal/logging"
	"github.com/johndauphine/aep-harvest/internal/notify"
	"github.com/johndauphine/aep-harvest/internal/readiness"
	"github.com/johndauphine/aep-harvest/internal/stages"
)

// RestartsEnv carries the restart count across process replacement.
const RestartsEnv = "AEP_HARVEST_RESTARTS"

// HarvestEnv carries the harvest id across process replacement.
const HarvestEnv = "AEP_HARVEST_ID"

const (
	ModeLoop = "loop"
	ModeExec = "exec"
)

// ErrRestartsExhausted is returned once the restart cap is reached and the
// portal is still hanging.
var ErrRestartsExhausted = errors.New("restarts exhausted")

// AttemptFunc runs one complete attempt on drv. Returning an error wrapping
// stages.ErrHang asks for a restart; any other error ends the harvest.
type AttemptFunc func(ctx context.Context, drv driver.Driver, attempt int) error

// ExecFunc replaces the running process. syscall.Exec in production.
type ExecFunc func(argv0 string, argv []string, envv []string) error

// Supervisor owns the session lifecycle and the restart budget.
type Supervisor struct {
	opener      driver.Opener
	mode        string
	maxRestarts int
	backoff     time.Duration
	start       int

	exec       ExecFunc
	executable func() (string, error)
	args       []string

	// HarvestID labels restart notifications.
	HarvestID string
	// Notifier is told about every restart. Optional.
	Notifier notify.Provider
	// OnRestart runs before the backoff wait. Optional.
	OnRestart func(restart int, reason error)
}

// New builds a supervisor from cfg. In exec mode the restart count inherited
// from a replaced process is read from the environment.
func New(opener driver.Opener, cfg config.RestartConfig) *Supervisor {
	s := &Supervisor{
		opener:      opener,
		mode:        cfg.Mode,
		maxRestarts: cfg.MaxRestarts,
		backoff:     cfg.Backoff,
		exec:        syscall.Exec,
		executable:  os.Executable,
		args:        os.Args,
	}
	if s.mode == "" {
		s.mode = ModeLoop
	}
	if s.mode == ModeExec {
		s.start = RestartsFromEnv()
	}
	return s
}

// RestartsFromEnv returns the restart count set by a previous process, or 0.
func RestartsFromEnv() int {
	n, err := strconv.Atoi(os.Getenv(RestartsEnv))
	if err != nil || n < 0 {
		return 0
	}
	return n
}

// Restarts returns how many restarts preceded the current process.
func (s *Supervisor) Restarts() int {
	return s.start
}

// Run calls fn until it finishes without a hang, the restart cap is reached or
// ctx is cancelled. It returns the number of restarts performed.
func (s *Supervisor) Run(ctx context.Context, fn AttemptFunc) (int, error) {
	restarts := s.start
	for {
		if err := ctx.Err(); err != nil {
			return restarts, err
		}

		drv, err := s.opener.Open(ctx)
		if err != nil {
			return restarts, fmt.Errorf("opening browser session: %w", err)
		}

		// Cancellation closes the session at once; pending waits in fn fail with it.
		closeSession := sync.OnceValue(drv.Close)
		stop := context.AfterFunc(ctx, func() {
			logging.Warn("Cancelled, closing browser session")
			closeSession()
		})
		err = fn(ctx, drv, restarts)
		stop()

		if !errors.Is(err, stages.ErrHang) || ctx.Err() != nil {
			if cerr := closeSession(); cerr != nil {
				logging.Warn("Closing browser session: %v", cerr)
			}
			if cerr := ctx.Err(); cerr != nil && !errors.Is(err, cerr) {
				if err != nil {
					logging.Debug("Attempt ended after cancellation: %v", err)
				}
				err = cerr
			}
			return restarts, err
		}

		if restarts >= s.maxRestarts {
			closeSession()
			logging.Error("Portal still hanging after %d restarts, giving up", restarts)
			return restarts, fmt.Errorf("%w after %d restarts: %v", ErrRestartsExhausted, restarts, err)
		}

		restarts++
		logging.Warn("Restart %d/%d: %v", restarts, s.maxRestarts, err)
		if cerr := closeSession(); cerr != nil {
			logging.Warn("Closing hung session: %v", cerr)
		}
		if s.Notifier != nil {
			if nerr := s.Notifier.RestartTriggered(s.HarvestID, restarts, s.maxRestarts, err); nerr != nil {
				logging.Warn("Restart notification failed: %v", nerr)
			}
		}
		if s.OnRestart != nil {
			s.OnRestart(restarts, err)
		}

		if err := readiness.Sleep(ctx, s.backoff); err != nil {
			return restarts, err
		}

		if s.mode == ModeExec {
			return restarts, s.replace(restarts)
		}
	}
}

// replace re-executes the current binary with the same arguments. It only
// returns on failure.
func (s *Supervisor) replace(restarts int) error {
	self, err := s.executable()
	if err != nil {
		return fmt.Errorf("locating executable: %w", err)
	}
	logging.Info("Replacing process (restart %d)", restarts)
	env := withEnv(os.Environ(), RestartsEnv, strconv.Itoa(restarts))
	if s.HarvestID != "" {
		env = withEnv(env, HarvestEnv, s.HarvestID)
	}
	if err := s.exec(self, s.args, env); err != nil {
		return fmt.Errorf("re-executing %s: %w", self, err)
	}
	return nil
}

func withEnv(env []string, key, value string) []string {
	prefix := key + "="
	out := make([]string, 0, len(env)+1)
	for _, kv := range env {
		if !strings.HasPrefix(kv, prefix) {
			out = append(out, kv)
		}
	}
	return append(out, prefix+value)
}
