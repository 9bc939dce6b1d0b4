package roster

import (
	"strings"
	"testing"
)

const validDoc = `{
  "schemaVersion": 2,
  "agents": {
    "backend":      {"role": "worker", "workdir": "$REPO_ROOT"},
    "orchestrator": {"role": "orchestrator", "workdir": "$REPO_ROOT"},
    "chat":         {"role": "chat", "workdir": "$REPO_ROOT"},
    "autopilot":    {"role": "autopilot", "workdir": "$AGENTIC_WORKTREES_DIR/autopilot"}
  }
}`

func TestParse_ResolvesTemplatesAndReservedRoles(t *testing.T) {
	r, err := Parse([]byte(validDoc), "/repo", "/repo/worktrees")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if got := r.Agents["backend"].Workdir; got != "/repo" {
		t.Errorf("backend workdir = %q, want /repo", got)
	}
	if got := r.Agents["autopilot"].Workdir; got != "/repo/worktrees/autopilot" {
		t.Errorf("autopilot workdir = %q, want /repo/worktrees/autopilot", got)
	}
	if r.ReservedName(RoleOrchestrator) != "orchestrator" {
		t.Errorf("ReservedName(orchestrator) = %q", r.ReservedName(RoleOrchestrator))
	}
}

func TestParse_RejectsOldSchema(t *testing.T) {
	doc := strings.Replace(validDoc, `"schemaVersion": 2`, `"schemaVersion": 1`, 1)
	if _, err := Parse([]byte(doc), "/repo", "/repo/worktrees"); err == nil {
		t.Fatal("expected error for schemaVersion < 2")
	}
}

func TestParse_MissingReservedRole(t *testing.T) {
	doc := `{"schemaVersion":2,"agents":{"backend":{"role":"worker","workdir":"/r"}}}`
	if _, err := Parse([]byte(doc), "/repo", "/repo/worktrees"); err == nil {
		t.Fatal("expected error for missing reserved roles")
	}
}

func TestParse_DuplicateReservedRole(t *testing.T) {
	doc := `{"schemaVersion":2,"agents":{
		"orchestrator1":{"role":"orchestrator","workdir":"/r"},
		"orchestrator2":{"role":"orchestrator","workdir":"/r"},
		"chat":{"role":"chat","workdir":"/r"},
		"autopilot":{"role":"autopilot","workdir":"/r"}
	}}`
	if _, err := Parse([]byte(doc), "/repo", "/repo/worktrees"); err == nil {
		t.Fatal("expected error for duplicate reserved role")
	}
}

func TestParse_UnknownRole(t *testing.T) {
	doc := strings.Replace(validDoc, `"role": "worker"`, `"role": "bogus"`, 1)
	if _, err := Parse([]byte(doc), "/repo", "/repo/worktrees"); err == nil {
		t.Fatal("expected error for unknown role")
	}
}
