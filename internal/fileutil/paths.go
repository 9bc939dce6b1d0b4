package fileutil

import (
	"os"
	"path/filepath"
)

// ClaudeDir returns the .claude directory path for a worktree.
func ClaudeDir(worktreeDir string) string {
	return filepath.Join(worktreeDir, ".claude")
}

// ClaudeSubpath returns a path within a worktree's .claude directory.
func ClaudeSubpath(worktreeDir, subpath string) string {
	return filepath.Join(worktreeDir, ".claude", subpath)
}

// ResolveBusRoot implements the bus-root resolution order from spec §4.2:
// explicit flag > VALUA_AGENT_BUS_DIR env > <repoRoot>/bus > <home>/.agentic-cockpit/bus.
// The first candidate that already exists wins; otherwise the first candidate
// that can be created wins.
func ResolveBusRoot(flagValue, repoRoot string) (string, error) {
	var candidates []string
	if flagValue != "" {
		candidates = append(candidates, flagValue)
	}
	if env := os.Getenv("VALUA_AGENT_BUS_DIR"); env != "" {
		candidates = append(candidates, env)
	}
	if repoRoot != "" {
		candidates = append(candidates, filepath.Join(repoRoot, "bus"))
	}
	if home, err := os.UserHomeDir(); err == nil {
		candidates = append(candidates, filepath.Join(home, ".agentic-cockpit", "bus"))
	}

	for _, c := range candidates {
		if Exists(c) {
			return c, nil
		}
	}
	for _, c := range candidates {
		if err := EnsureDir(c); err == nil {
			return c, nil
		}
	}
	return "", os.ErrNotExist
}

// FindGitRoot walks up from dir looking for a .git directory, the way the
// teacher's CLI resolves a config file path into its enclosing repository.
func FindGitRoot(dir string) string {
	for {
		if _, err := os.Stat(filepath.Join(dir, ".git")); err == nil {
			return dir
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return ""
		}
		dir = parent
	}
}
