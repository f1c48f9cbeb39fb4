// Package artifact manages the on-disk files backing download sessions. Each
// session owns one directory under the configured temp root.
package artifact

import (
	"os"
	"path/filepath"
)

// Dir returns the absolute path of the session's artifact directory.
func Dir(root, sessionID string) string {
	path, _ := filepath.Abs(filepath.Join(root, sessionID))
	return path
}

// EnsureDir creates the session directory if it doesn't exist.
func EnsureDir(root, sessionID string) (string, error) {
	path := Dir(root, sessionID)
	if err := os.MkdirAll(path, 0755); err != nil {
		return "", err
	}
	return path, nil
}

// Path returns the full path for a file inside the session directory.
func Path(root, sessionID, filename string) string {
	return filepath.Join(Dir(root, sessionID), filename)
}

// Exists checks whether the file exists and is a regular file.
func Exists(path string) bool {
	info, err := os.Stat(path)
	if err != nil {
		return false
	}
	return !info.IsDir()
}

// RemoveSession deletes the session directory and everything in it.
func RemoveSession(root, sessionID string) error {
	return os.RemoveAll(Dir(root, sessionID))
}
