//go:build unix

package config

import (
	"fmt"
	"os"
)

// exposure describes who besides the owner can read path, or "" if nobody can.
func exposure(path string) string {
	info, err := os.Stat(path)
	if err != nil {
		return ""
	}
	mode := info.Mode().Perm()
	if mode&0077 == 0 {
		return ""
	}
	return fmt.Sprintf("mode %04o", mode)
}

func permissionFix(path string) string {
	return "chmod 600 " + path
}
