//go:build windows

package config

import (
	"os"
	"os/exec"
	"strings"
)

// exposure describes who besides the owner can read path, or "" if nobody can.
// icacls output is matched against the broad built-in principals.
func exposure(path string) string {
	if _, err := os.Stat(path); err != nil {
		return ""
	}
	output, err := exec.Command("icacls", path).Output()
	if err != nil {
		return ""
	}
	acl := strings.ToLower(string(output))
	for _, principal := range []string{"everyone", "authenticated users", "builtin\\users"} {
		if strings.Contains(acl, principal) {
			return "granted to " + principal
		}
	}
	return ""
}

func permissionFix(path string) string {
	return `icacls "` + path + `" /inheritance:r /grant:r "%USERNAME%:F"`
}
