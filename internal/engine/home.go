package engine

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/agentbus/bus/internal/fileutil"
)

// HomeDir returns the isolated engine home for agent, so credential/history
// state is partitioned per agent (spec §4.4 "Isolated engine home").
func HomeDir(busRoot, agent string) string {
	return filepath.Join(busRoot, "state", "engine-home", agent)
}

// desyncMarkers are stderr substrings indicating the engine's local rollout
// index has drifted from its home directory's on-disk state (spec §4.4:
// "detected by stderr substring match").
var desyncMarkers = []string{
	"rollout index desync",
	"rollout index mismatch",
	"failed to load rollout",
}

// IsDesyncError reports whether stderr indicates a rollout-index desync.
func IsDesyncError(stderr string) bool {
	lower := strings.ToLower(stderr)
	for _, m := range desyncMarkers {
		if strings.Contains(lower, m) {
			return true
		}
	}
	return false
}

// RepairHome moves the desynced home aside to
// state/engine-home/<agent>.desync-<ts> and re-seeds a fresh one from
// sourceDir, once per process (the caller is responsible for only invoking
// this the first time a desync is observed for agent in a run).
func RepairHome(busRoot, agent, sourceDir string) error {
	home := HomeDir(busRoot, agent)
	if !fileutil.Exists(home) {
		return fileutil.EnsureDir(home)
	}

	quarantined := fmt.Sprintf("%s.desync-%d", home, time.Now().UnixMilli())
	if err := os.Rename(home, quarantined); err != nil {
		return fmt.Errorf("quarantining desynced engine home: %w", err)
	}

	if err := fileutil.EnsureDir(home); err != nil {
		return err
	}
	if sourceDir == "" {
		return nil
	}
	return seedHome(sourceDir, home)
}

func seedHome(src, dst string) error {
	entries, err := os.ReadDir(src)
	if err != nil {
		return fmt.Errorf("reading source engine home: %w", err)
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		data, err := os.ReadFile(filepath.Join(src, e.Name()))
		if err != nil {
			return fmt.Errorf("reading %s: %w", e.Name(), err)
		}
		if err := os.WriteFile(filepath.Join(dst, e.Name()), data, 0644); err != nil {
			return fmt.Errorf("seeding %s: %w", e.Name(), err)
		}
	}
	return nil
}
