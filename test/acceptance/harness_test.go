package acceptance

import (
	"encoding/json"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const rosterTemplate = `{
  "schemaVersion": 2,
  "agents": {
    "orchestrator": {"role": "orchestrator", "workdir": "$REPO_ROOT"},
    "chat":         {"role": "chat",         "workdir": "$REPO_ROOT"},
    "autopilot":    {"role": "autopilot",    "workdir": "$REPO_ROOT"},
    "backend":      {"role": "worker",       "workdir": "$REPO_ROOT"},
    "frontend":     {"role": "worker",       "workdir": "$REPO_ROOT"}
  }
}`

// harness bundles the directories every acceptance test needs: a bus root
// for inboxes/receipts/state, a repo root doubling as every agent's
// workdir, and a roster document referencing both.
type harness struct {
	t        *testing.T
	dir      string
	busRoot  string
	repoRoot string
	roster   string
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	dir := t.TempDir()
	repoRoot := filepath.Join(dir, "repo")
	if err := os.MkdirAll(repoRoot, 0755); err != nil {
		t.Fatal(err)
	}

	rosterPath := filepath.Join(dir, "ROSTER.json")
	if err := os.WriteFile(rosterPath, []byte(rosterTemplate), 0644); err != nil {
		t.Fatal(err)
	}

	h := &harness{t: t, dir: dir, busRoot: filepath.Join(dir, ".bus"), repoRoot: repoRoot, roster: rosterPath}

	out, err := h.bus(nil, "init")
	if err != nil {
		t.Fatalf("bus init: %v\n%s", err, out)
	}
	return h
}

// bus execs the built binary with the harness's --bus-root/--repo-root/
// --roster persistent flags plus extraEnv on top of the host environment.
func (h *harness) bus(extraEnv []string, args ...string) ([]byte, error) {
	h.t.Helper()
	full := append([]string{
		"--bus-root", h.busRoot,
		"--repo-root", h.repoRoot,
		"--worktrees-dir", filepath.Join(h.dir, "worktrees"),
		"--roster", h.roster,
	}, args...)
	cmd := exec.Command(busBinary, full...)
	cmd.Env = append(os.Environ(), extraEnv...)
	return cmd.CombinedOutput()
}

// runWorkerOnce runs `bus worker <agent> --once` against the stub engine
// configured via STUB_MODE, returning combined output.
func (h *harness) runWorkerOnce(agent string, stubMode string, extraEnv ...string) ([]byte, error) {
	h.t.Helper()
	env := append([]string{
		"STUB_MODE=" + stubMode,
		"AGENTIC_BUS_POLL_MS=30",
		"AGENTIC_BUS_ENGINE_EXEC_TIMEOUT_MS=5000",
	}, extraEnv...)
	return h.bus(env, "worker", agent, "--once", "--engine-bin", stubEngineBinary)
}

func (h *harness) deliver(id string, to []string, kind, body string, extraArgs ...string) ([]byte, error) {
	h.t.Helper()
	args := []string{"deliver", "--id", id, "--from", "chat", "--title", "t", "--kind", kind}
	for _, a := range to {
		args = append(args, "--to", a)
	}
	args = append(args, extraArgs...)
	cmd := exec.Command(busBinary, append([]string{
		"--bus-root", h.busRoot, "--repo-root", h.repoRoot,
		"--worktrees-dir", filepath.Join(h.dir, "worktrees"), "--roster", h.roster,
	}, args...)...)
	cmd.Stdin = strings.NewReader(body)
	return cmd.CombinedOutput()
}

func (h *harness) inboxPath(agent, state, id string) string {
	return filepath.Join(h.busRoot, "inbox", agent, state, id+".md")
}

func (h *harness) exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func (h *harness) inboxCount(agent, state string) int {
	entries, err := os.ReadDir(filepath.Join(h.busRoot, "inbox", agent, state))
	if os.IsNotExist(err) {
		return 0
	}
	if err != nil {
		h.t.Fatal(err)
	}
	return len(entries)
}

type receipt struct {
	TaskID       string          `json:"taskId"`
	Agent        string          `json:"agent"`
	Outcome      string          `json:"outcome"`
	Note         string          `json:"note"`
	CommitSha    string          `json:"commitSha,omitempty"`
	ReceiptExtra json.RawMessage `json:"receiptExtra,omitempty"`
}

func (h *harness) readReceipt(agent, id string) (receipt, error) {
	h.t.Helper()
	var r receipt
	data, err := os.ReadFile(filepath.Join(h.busRoot, "receipts", agent, id+".json"))
	if err != nil {
		return r, err
	}
	return r, json.Unmarshal(data, &r)
}

func (h *harness) receiptExists(agent, id string) bool {
	return h.exists(filepath.Join(h.busRoot, "receipts", agent, id+".json"))
}

// waitFor polls cond every 20ms until it returns true or timeout elapses.
func waitFor(t *testing.T, timeout time.Duration, cond func() bool) bool {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(20 * time.Millisecond)
	}
	return cond()
}

func runGit(t *testing.T, dir string, args ...string) string {
	t.Helper()
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	if err != nil {
		t.Fatalf("git %v: %v\n%s", args, err, out)
	}
	return string(out)
}

// initGitRepo creates a git repo at dir with one commit on main, returning
// its HEAD sha.
func initGitRepo(t *testing.T, dir string) string {
	t.Helper()
	runGit(t, dir, "init")
	runGit(t, dir, "config", "user.email", "test@example.com")
	runGit(t, dir, "config", "user.name", "test")
	if err := os.WriteFile(filepath.Join(dir, "README.md"), []byte("hello\n"), 0644); err != nil {
		t.Fatal(err)
	}
	runGit(t, dir, "add", "README.md")
	runGit(t, dir, "commit", "-m", "initial commit")
	runGit(t, dir, "branch", "-M", "main")
	return strings.TrimSpace(runGit(t, dir, "rev-parse", "HEAD"))
}
