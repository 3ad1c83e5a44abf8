//go:build windows

package artifact

import "os"

// processAlive reports whether pid names a running process. On Windows
// FindProcess opens a handle and fails for pids that do not exist.
func processAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	p, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	p.Release()
	return true
}
