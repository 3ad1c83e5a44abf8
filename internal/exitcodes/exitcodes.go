// Package exitcodes defines the process exit codes of the harvester so that cron,
// systemd and CI wrappers can tell a misconfiguration from a flaky portal.
package exitcodes

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
)

const (
	// Success - every grouping processed (individual grouping failures included)
	Success = 0

	// ConfigError - configuration/YAML parsing or validation errors (non-recoverable, don't retry)
	ConfigError = 1

	// SessionError - browser launch, navigation or playwright driver errors (recoverable)
	SessionError = 2

	// RestartsExhausted - the portal kept hanging until the restart cap was reached (recoverable)
	RestartsExhausted = 3

	// VerifyError - one or more artifacts missing or malformed (verify command)
	VerifyError = 4

	// Cancelled - user cancelled via SIGINT/SIGTERM (recoverable)
	Cancelled = 5

	// StateError - run history database or state file errors (non-recoverable)
	StateError = 6

	// IOError - file I/O errors (recoverable)
	IOError = 7
)

// ExitError wraps an error with an exit code.
type ExitError struct {
	Err  error
	Code int
}

func (e *ExitError) Error() string {
	return e.Err.Error()
}

func (e *ExitError) Unwrap() error {
	return e.Err
}

// NewExitError creates a new ExitError with the given code.
func NewExitError(err error, code int) *ExitError {
	return &ExitError{Err: err, Code: code}
}

// FromError determines the appropriate exit code for an error.
// Typed errors win; otherwise the message is classified by keyword.
func FromError(err error) int {
	if err == nil {
		return Success
	}

	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}

	if errors.Is(err, context.Canceled) {
		return Cancelled
	}

	var pathErr *os.PathError
	if errors.As(err, &pathErr) {
		return IOError
	}

	errStr := strings.ToLower(err.Error())

	if containsAny(errStr, []string{
		"no such file",
		"permission denied",
		"is a directory",
		"not a directory",
		"no space left",
	}) {
		return IOError
	}

	if containsAny(errStr, []string{
		"restarts exhausted",
		"restart cap",
	}) {
		return RestartsExhausted
	}

	if containsAny(errStr, []string{
		"yaml:",
		"parsing config",
		"invalid config",
		"reading config",
	}) {
		return ConfigError
	}

	if containsAny(errStr, []string{
		"cancel",
		"interrupt",
	}) {
		return Cancelled
	}

	if containsAny(errStr, []string{
		"state",
		"history",
		"sqlite",
		"run not found",
	}) {
		return StateError
	}

	// Browser and navigation failures are the common unknowns
	return SessionError
}

// IsRecoverable returns true if the error is recoverable (safe to retry).
func IsRecoverable(code int) bool {
	switch code {
	case SessionError, RestartsExhausted, Cancelled, IOError:
		return true
	default:
		return false
	}
}

// Description returns a human-readable description of the exit code.
func Description(code int) string {
	switch code {
	case Success:
		return "success"
	case ConfigError:
		return "configuration error"
	case SessionError:
		return "browser session error"
	case RestartsExhausted:
		return "restart cap reached"
	case VerifyError:
		return "artifact verification failed"
	case Cancelled:
		return "cancelled"
	case StateError:
		return "state error"
	case IOError:
		return "I/O error"
	default:
		return "unknown error"
	}
}

// Summary is the one-line explanation printed after a failed command.
func Summary(code int) string {
	advice := "fix the cause before rerunning"
	if IsRecoverable(code) {
		advice = "rerunning may succeed"
	}
	return fmt.Sprintf("exit %d: %s; %s", code, Description(code), advice)
}

func containsAny(s string, substrs []string) bool {
	for _, substr := range substrs {
		if strings.Contains(s, substr) {
			return true
		}
	}
	return false
}
