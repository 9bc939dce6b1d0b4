package engine

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/agentbus/bus/internal/fileutil"
)

// Pin is a persisted engine thread id plus a turn counter used to decide
// when to rotate onto a fresh thread (spec §3 "Thread pin").
type Pin struct {
	ThreadID  string `json:"threadId"`
	TurnCount int    `json:"turnCount"`
}

// globalPinPath is the per-agent pin used by every non-autopilot agent
// (spec §4.4: "other agents use global per-agent pins").
func globalPinPath(busRoot, agent string) string {
	return filepath.Join(busRoot, "state", agent+".session-id")
}

// rootPinPath is the root-scoped pin the autopilot agent uses, keyed by
// signals.rootId (spec §4.4: "autopilot agent uses root-scoped pins keyed by
// signals.rootId").
func rootPinPath(busRoot, agent, rootID string) string {
	return filepath.Join(busRoot, "state", "engine-root-sessions", agent, rootID+".json")
}

// ReadGlobalPin reads the plain-text thread id pinned for agent, or "" if none.
func ReadGlobalPin(busRoot, agent string) string {
	data, err := os.ReadFile(globalPinPath(busRoot, agent))
	if err != nil {
		return ""
	}
	return string(data)
}

// WriteGlobalPin refreshes agent's global pin to the latest observed thread id.
func WriteGlobalPin(busRoot, agent, threadID string) error {
	path := globalPinPath(busRoot, agent)
	if err := fileutil.EnsureDir(filepath.Dir(path)); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(threadID), 0644)
}

// ReadRootPin reads the root-scoped pin for (agent, rootID), or a zero Pin
// if none exists.
func ReadRootPin(busRoot, agent, rootID string) Pin {
	data, err := os.ReadFile(rootPinPath(busRoot, agent, rootID))
	if err != nil {
		return Pin{}
	}
	var p Pin
	_ = json.Unmarshal(data, &p)
	return p
}

// WriteRootPin refreshes the root-scoped pin, rotating to a new thread (by
// clearing ThreadID) once TurnCount exceeds rotateAfter (spec §4.4: "rotate
// when turnCount exceeds a configured threshold").
func WriteRootPin(busRoot, agent, rootID, threadID string, rotateAfter int) error {
	path := rootPinPath(busRoot, agent, rootID)
	if err := fileutil.EnsureDir(filepath.Dir(path)); err != nil {
		return err
	}

	prev := ReadRootPin(busRoot, agent, rootID)
	p := Pin{ThreadID: threadID, TurnCount: prev.TurnCount + 1}
	if rotateAfter > 0 && p.TurnCount > rotateAfter {
		p = Pin{ThreadID: "", TurnCount: 0}
	}

	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("marshaling root pin: %w", err)
	}
	return os.WriteFile(path, data, 0644)
}
