// Package fileutil provides small filesystem helpers shared across the bus,
// limiter, engine and worker packages.
package fileutil

import "os"

// EnsureDir creates a directory and all parent directories with 0755 permissions.
func EnsureDir(path string) error {
	return os.MkdirAll(path, 0755)
}

// Exists reports whether path exists (file or directory).
func Exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
