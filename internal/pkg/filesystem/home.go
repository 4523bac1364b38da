// Package filesystem holds path helpers shared by the config loader and the
// adapters that take user-supplied paths.
package filesystem

import (
	"os"
	"path/filepath"
	"strings"
)

// UserHomeDir returns the current user's home directory, or "." when it
// cannot be determined.
func UserHomeDir() string {
	if home, err := os.UserHomeDir(); err == nil {
		return home
	}
	return "."
}

// ExpandPath expands environment variables and a leading ~ against home.
// Relative paths are cleaned but stay relative.
func ExpandPath(path, home string) string {
	path = os.ExpandEnv(path)
	if path == "~" {
		return home
	}
	if strings.HasPrefix(path, "~/") {
		return filepath.Join(home, path[2:])
	}
	if path == "" || filepath.IsAbs(path) {
		return path
	}
	return filepath.Clean(path)
}
