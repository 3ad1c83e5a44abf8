package supervisor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/johndauphine/aep-harvest/internal/config"
	"github.com/johndauphine/aep-harvest/internal/driver"
	"github.com/johndauphine/aep-harvest/internal/driver/fake"
	"github.com/johndauphine/aep-harvest/internal/stages"
)

type restartNotifier struct {
	mu       sync.Mutex
	restarts []int
}

func (n *restartNotifier) HarvestStarted(string, string, int) error { return nil }
func (n *restartNotifier) HarvestCompleted(string, time.Time, time.Duration, int, int64, int) error {
	return nil
}
func (n *restartNotifier) HarvestCompletedWithErrors(string, time.Time, time.Duration, int, int, []string) error {
	return nil
}
func (n *restartNotifier) HarvestFailed(string, error, time.Duration) error { return nil }
func (n *restartNotifier) RestartTriggered(_ string, restart, _ int, _ error) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.restarts = append(n.restarts, restart)
	return nil
}
func (n *restartNotifier) GroupingFailed(string, string, string, error) error { return nil }

func hang(grouping string) error {
	return fmt.Errorf("grouping %s: %w", grouping, stages.ErrHang)
}

func newOpener() *fake.Opener {
	return fake.NewOpener(func(int) *fake.Driver { return fake.New() })
}

func TestRunNoHang(t *testing.T) {
	opener := newOpener()
	s := New(opener, config.RestartConfig{Mode: ModeLoop, MaxRestarts: 3, Backoff: time.Millisecond})

	calls := 0
	restarts, err := s.Run(context.Background(), func(ctx context.Context, drv driver.Driver, attempt int) error {
		calls++
		return nil
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if restarts != 0 || calls != 1 {
		t.Errorf("restarts=%d calls=%d, want 0 and 1", restarts, calls)
	}
	if sessions := opener.Opened(); len(sessions) != 1 || !sessions[0].Closed() {
		t.Errorf("expected one closed session, got %d", len(sessions))
	}
}

func TestRunRestartsWithFreshSession(t *testing.T) {
	opener := newOpener()
	notifier := &restartNotifier{}
	s := New(opener, config.RestartConfig{Mode: ModeLoop, MaxRestarts: 3, Backoff: time.Millisecond})
	s.Notifier = notifier
	var hooked []int
	s.OnRestart = func(n int, _ error) { hooked = append(hooked, n) }

	var attempts []int
	var seen []driver.Driver
	restarts, err := s.Run(context.Background(), func(ctx context.Context, drv driver.Driver, attempt int) error {
		attempts = append(attempts, attempt)
		seen = append(seen, drv)
		if attempt < 2 {
			return hang("Energy")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if restarts != 2 {
		t.Errorf("restarts = %d, want 2", restarts)
	}
	if fmt.Sprint(attempts) != "[0 1 2]" {
		t.Errorf("attempts = %v", attempts)
	}
	if seen[0] == seen[1] || seen[1] == seen[2] {
		t.Error("attempts shared a driver session")
	}
	for i, d := range opener.Opened() {
		if !d.Closed() {
			t.Errorf("session %d not closed", i)
		}
	}
	if fmt.Sprint(notifier.restarts) != "[1 2]" || fmt.Sprint(hooked) != "[1 2]" {
		t.Errorf("notified %v, hooked %v", notifier.restarts, hooked)
	}
}

func TestRunRestartsExhausted(t *testing.T) {
	opener := newOpener()
	s := New(opener, config.RestartConfig{Mode: ModeLoop, MaxRestarts: 2, Backoff: time.Millisecond})

	calls := 0
	restarts, err := s.Run(context.Background(), func(ctx context.Context, drv driver.Driver, attempt int) error {
		calls++
		return hang("Electricity")
	})
	if !errors.Is(err, ErrRestartsExhausted) {
		t.Fatalf("err = %v, want ErrRestartsExhausted", err)
	}
	if restarts != 2 || calls != 3 {
		t.Errorf("restarts=%d calls=%d, want 2 and 3", restarts, calls)
	}
	if !strings.Contains(err.Error(), "Electricity") {
		t.Errorf("error lost the hang reason: %v", err)
	}
}

func TestRunZeroRestarts(t *testing.T) {
	s := New(newOpener(), config.RestartConfig{Mode: ModeLoop, MaxRestarts: 0})
	_, err := s.Run(context.Background(), func(context.Context, driver.Driver, int) error {
		return hang("Electricity")
	})
	if !errors.Is(err, ErrRestartsExhausted) {
		t.Fatalf("err = %v", err)
	}
}

func TestRunNonHangErrorIsNotRetried(t *testing.T) {
	s := New(newOpener(), config.RestartConfig{Mode: ModeLoop, MaxRestarts: 5, Backoff: time.Millisecond})
	boom := errors.New("navigation failed")
	calls := 0
	_, err := s.Run(context.Background(), func(context.Context, driver.Driver, int) error {
		calls++
		return boom
	})
	if !errors.Is(err, boom) || calls != 1 {
		t.Errorf("err=%v calls=%d", err, calls)
	}
}

func TestRunOpenError(t *testing.T) {
	opener := newOpener()
	opener.OpenErr = errors.New("no chromium")
	s := New(opener, config.RestartConfig{MaxRestarts: 1})
	_, err := s.Run(context.Background(), func(context.Context, driver.Driver, int) error {
		t.Fatal("attempt must not run without a session")
		return nil
	})
	if err == nil || !strings.Contains(err.Error(), "opening browser session") {
		t.Errorf("err = %v", err)
	}
}

func TestRunCancelledDuringBackoff(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	s := New(newOpener(), config.RestartConfig{Mode: ModeLoop, MaxRestarts: 5, Backoff: time.Hour})
	s.OnRestart = func(int, error) { cancel() }

	_, err := s.Run(ctx, func(context.Context, driver.Driver, int) error {
		return hang("Energy")
	})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
}

func TestRunCancelClosesSessionDuringAttempt(t *testing.T) {
	opener := newOpener()
	ctx, cancel := context.WithCancel(context.Background())
	s := New(opener, config.RestartConfig{Mode: ModeLoop, MaxRestarts: 3, Backoff: time.Millisecond})

	_, err := s.Run(ctx, func(ctx context.Context, drv driver.Driver, attempt int) error {
		cancel()
		// stands in for a download wait that only ends when the browser goes away
		d := drv.(*fake.Driver)
		deadline := time.Now().Add(2 * time.Second)
		for !d.Closed() {
			if time.Now().After(deadline) {
				return errors.New("session still open after cancel")
			}
			time.Sleep(time.Millisecond)
		}
		return fake.ErrClosed
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	sessions := opener.Opened()
	if len(sessions) != 1 {
		t.Fatalf("opened %d sessions, want 1", len(sessions))
	}
	if n := sessions[0].Count("close", ""); n != 1 {
		t.Errorf("session closed %d times, want 1", n)
	}
}

func TestExecModeReplacesProcess(t *testing.T) {
	t.Setenv(RestartsEnv, "1")

	s := New(newOpener(), config.RestartConfig{Mode: ModeExec, MaxRestarts: 3, Backoff: time.Millisecond})
	if s.Restarts() != 1 {
		t.Fatalf("Restarts() = %d, want 1 from environment", s.Restarts())
	}

	var gotArgv0 string
	var gotArgs, gotEnv []string
	s.executable = func() (string, error) { return "/usr/local/bin/aep-harvest", nil }
	s.args = []string{"aep-harvest", "run", "--headless"}
	s.exec = func(argv0 string, argv, envv []string) error {
		gotArgv0, gotArgs, gotEnv = argv0, argv, envv
		return nil
	}

	var attempts []int
	restarts, err := s.Run(context.Background(), func(ctx context.Context, drv driver.Driver, attempt int) error {
		attempts = append(attempts, attempt)
		return hang("Energy")
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if restarts != 2 || fmt.Sprint(attempts) != "[1]" {
		t.Errorf("restarts=%d attempts=%v", restarts, attempts)
	}
	if gotArgv0 != "/usr/local/bin/aep-harvest" || strings.Join(gotArgs, " ") != "aep-harvest run --headless" {
		t.Errorf("exec(%q, %v)", gotArgv0, gotArgs)
	}
	count := 0
	for _, kv := range gotEnv {
		if strings.HasPrefix(kv, RestartsEnv+"=") {
			count++
			if kv != RestartsEnv+"=2" {
				t.Errorf("env %s, want %s=2", kv, RestartsEnv)
			}
		}
	}
	if count != 1 {
		t.Errorf("%s set %d times", RestartsEnv, count)
	}
}

func TestExecModeCapped(t *testing.T) {
	t.Setenv(RestartsEnv, "3")
	s := New(newOpener(), config.RestartConfig{Mode: ModeExec, MaxRestarts: 3})
	s.exec = func(string, []string, []string) error {
		t.Fatal("must not re-exec past the cap")
		return nil
	}
	_, err := s.Run(context.Background(), func(context.Context, driver.Driver, int) error {
		return hang("Energy")
	})
	if !errors.Is(err, ErrRestartsExhausted) {
		t.Errorf("err = %v", err)
	}
}

func TestExecFailureIsReturned(t *testing.T) {
	os.Unsetenv(RestartsEnv)
	s := New(newOpener(), config.RestartConfig{Mode: ModeExec, MaxRestarts: 1})
	s.executable = func() (string, error) { return "/bin/aep-harvest", nil }
	s.exec = func(string, []string, []string) error { return errors.New("exec format error") }
	_, err := s.Run(context.Background(), func(context.Context, driver.Driver, int) error {
		return hang("Energy")
	})
	if err == nil || !strings.Contains(err.Error(), "exec format error") {
		t.Errorf("err = %v", err)
	}
}

func TestRestartsFromEnv(t *testing.T) {
	tests := []struct {
		value string
		want  int
	}{
		{"", 0},
		{"2", 2},
		{"-1", 0},
		{"abc", 0},
	}
	for _, tt := range tests {
		t.Run(tt.value, func(t *testing.T) {
			t.Setenv(RestartsEnv, tt.value)
			if got := RestartsFromEnv(); got != tt.want {
				t.Errorf("RestartsFromEnv() = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestWithEnv(t *testing.T) {
	env := withEnv([]string{"PATH=/bin", RestartsEnv + "=1", "HOME=/root"}, RestartsEnv, "2")
	want := "PATH=/bin HOME=/root " + RestartsEnv + "=2"
	if strings.Join(env, " ") != want {
		t.Errorf("withEnv = %v", env)
	}
}
