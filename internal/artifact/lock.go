package artifact

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/johndauphine/aep-harvest/internal/logging"
)

// LockFile is created in the output directory while a harvest writes to it.
const LockFile = ".aep-harvest.lock"

// ErrLocked means another harvest holds the output directory.
var ErrLocked = errors.New("output directory is locked")

// Lock claims dir for this process. A lock left by the same pid is taken over,
// which is what happens after the process replaces itself on restart. A lock
// whose owner is no longer running is removed and claimed.
func Lock(dir string) (release func() error, err error) {
	if err := EnsureDir(dir); err != nil {
		return nil, err
	}
	return lock(filepath.Join(dir, LockFile), true)
}

func lock(path string, reclaim bool) (func() error, error) {
	pid := os.Getpid()
	release := func() error { return os.Remove(path) }

	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
	if errors.Is(err, os.ErrExist) {
		owner, rerr := lockOwner(path)
		switch {
		case rerr == nil && owner == pid:
			return release, nil
		case rerr == nil && reclaim && !processAlive(owner):
			logging.Warn("Removing stale lock %s left by pid %d", path, owner)
			if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
				return nil, fmt.Errorf("removing stale lock %s: %w", path, err)
			}
			return lock(path, false)
		}
		return nil, fmt.Errorf("%w: %s held by pid %d", ErrLocked, path, owner)
	}
	if err != nil {
		return nil, fmt.Errorf("creating lock %s: %w", path, err)
	}
	defer f.Close()
	if _, err := f.WriteString(strconv.Itoa(pid) + "\n"); err != nil {
		os.Remove(path)
		return nil, fmt.Errorf("writing lock %s: %w", path, err)
	}
	return release, nil
}

func lockOwner(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(strings.TrimSpace(string(data)))
}
