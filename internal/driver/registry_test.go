package driver

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
)

type stubEngine struct {
	name     string
	aliases  []string
	launched []LaunchOptions
}

func (e *stubEngine) Name() string      { return e.name }
func (e *stubEngine) Aliases() []string { return e.aliases }
func (e *stubEngine) Launch(ctx context.Context, opts LaunchOptions) (Driver, error) {
	e.launched = append(e.launched, opts)
	return nil, errors.New("stub engine has no browser")
}

func TestBuiltinEngines(t *testing.T) {
	tests := []struct {
		lookup string
		want   string
	}{
		{"chromium", "chromium"},
		{"Chrome", "chromium"},
		{"firefox", "firefox"},
		{"WEBKIT", "webkit"},
		{"safari", "webkit"},
	}
	for _, tt := range tests {
		t.Run(tt.lookup, func(t *testing.T) {
			e, err := Get(tt.lookup)
			if err != nil {
				t.Fatalf("Get(%q): %v", tt.lookup, err)
			}
			if e.Name() != tt.want {
				t.Errorf("Get(%q).Name() = %q, want %q", tt.lookup, e.Name(), tt.want)
			}
		})
	}
}

func TestGetUnknown(t *testing.T) {
	_, err := Get("netscape")
	if err == nil {
		t.Fatal("expected error for unknown engine")
	}
	if !strings.Contains(err.Error(), "chromium") {
		t.Errorf("error should list available engines: %v", err)
	}
}

func TestRegisterDuplicatePanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("registering an existing alias should panic")
		}
	}()
	Register(&stubEngine{name: "stub-dup", aliases: []string{"chrome"}})
}

func TestNewOpenerPassesLaunchOptions(t *testing.T) {
	stub := &stubEngine{name: "stub-opener"}
	Register(stub)

	opts := LaunchOptions{Headless: true, SlowMo: 300 * time.Millisecond}
	opener, err := NewOpener("stub-opener", opts)
	if err != nil {
		t.Fatalf("NewOpener: %v", err)
	}
	if _, err := opener.Open(context.Background()); err == nil {
		t.Error("expected stub launch error")
	}
	if len(stub.launched) != 1 || stub.launched[0] != opts {
		t.Errorf("launched = %+v, want one launch with %+v", stub.launched, opts)
	}

	if _, err := NewOpener("nope", opts); err == nil {
		t.Error("expected error for unknown engine")
	}
}

func TestAvailableIsSortedAndUnique(t *testing.T) {
	names := Available()
	for i := 1; i < len(names); i++ {
		if names[i-1] >= names[i] {
			t.Fatalf("Available() not sorted/unique: %v", names)
		}
	}
}
