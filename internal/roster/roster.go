// Package roster loads and resolves ROSTER.json (spec §3, §4.2): the
// configuration mapping agent names to role, workdir template, skills and
// optional branch. It is loaded once per process and treated as immutable
// for the lifetime of a worker, mirroring the teacher's internal/config
// Load/Validate pair in internal/git's neighbor package.
package roster

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
)

// Reserved agent roles. Their absence from the roster is a configuration
// error caught at load (spec §3).
const (
	RoleOrchestrator = "orchestrator"
	RoleChat         = "chat"
	RoleAutopilot    = "autopilot"
	RoleWorker       = "worker"
)

// Agent describes one roster entry.
type Agent struct {
	Name    string   `json:"-"`
	Role    string   `json:"role"`
	Workdir string   `json:"workdir"`
	Skills  []string `json:"skills,omitempty"`
	Branch  string   `json:"branch,omitempty"`
}

// Roster is the parsed, validated ROSTER.json document.
type Roster struct {
	SchemaVersion int              `json:"schemaVersion"`
	Agents       map[string]Agent `json:"agents"`
}

// rosterDoc mirrors Roster's JSON shape before agent names are interned.
type rosterDoc struct {
	SchemaVersion int              `json:"schemaVersion"`
	Agents        map[string]Agent `json:"agents"`
}

// MinSchemaVersion is the lowest schemaVersion this implementation accepts.
const MinSchemaVersion = 2

// Load reads and validates a roster document from path, resolving workdir
// templates against repoRoot and worktreesRoot ($REPO_ROOT, $AGENTIC_WORKTREES_DIR).
func Load(path, repoRoot, worktreesRoot string) (*Roster, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading roster: %w", err)
	}
	return Parse(data, repoRoot, worktreesRoot)
}

// Parse parses roster JSON bytes and validates the result.
func Parse(data []byte, repoRoot, worktreesRoot string) (*Roster, error) {
	var doc rosterDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parsing roster JSON: %w", err)
	}

	if doc.SchemaVersion < MinSchemaVersion {
		return nil, fmt.Errorf("roster schemaVersion %d is below minimum %d", doc.SchemaVersion, MinSchemaVersion)
	}

	r := &Roster{SchemaVersion: doc.SchemaVersion, Agents: make(map[string]Agent, len(doc.Agents))}
	for name, a := range doc.Agents {
		a.Name = name
		a.Workdir = resolveTemplate(a.Workdir, repoRoot, worktreesRoot)
		r.Agents[name] = a
	}

	if err := Validate(r); err != nil {
		return nil, err
	}
	return r, nil
}

func resolveTemplate(tpl, repoRoot, worktreesRoot string) string {
	tpl = strings.ReplaceAll(tpl, "$REPO_ROOT", repoRoot)
	tpl = strings.ReplaceAll(tpl, "$AGENTIC_WORKTREES_DIR", worktreesRoot)
	return tpl
}

// Validate checks that the roster carries all three reserved roles and that
// no two agents claim the orchestrator/chat/autopilot role simultaneously.
func Validate(r *Roster) error {
	if len(r.Agents) == 0 {
		return fmt.Errorf("roster has no agents")
	}

	seen := map[string]string{}
	for name, a := range r.Agents {
		switch a.Role {
		case RoleOrchestrator, RoleChat, RoleAutopilot:
			if prev, ok := seen[a.Role]; ok {
				return fmt.Errorf("duplicate reserved role %q: %s and %s", a.Role, prev, name)
			}
			seen[a.Role] = name
		case RoleWorker:
			// ordinary worker agent, no uniqueness constraint
		case "":
			return fmt.Errorf("agent %q: role is required", name)
		default:
			return fmt.Errorf("agent %q: unknown role %q", name, a.Role)
		}
		if a.Workdir == "" {
			return fmt.Errorf("agent %q: workdir is required", name)
		}
	}

	for _, role := range []string{RoleOrchestrator, RoleChat, RoleAutopilot} {
		if _, ok := seen[role]; !ok {
			return fmt.Errorf("roster is missing required reserved role %q", role)
		}
	}
	return nil
}

// Has reports whether name is a known agent.
func (r *Roster) Has(name string) bool {
	_, ok := r.Agents[name]
	return ok
}

// Get returns the agent entry for name.
func (r *Roster) Get(name string) (Agent, bool) {
	a, ok := r.Agents[name]
	return a, ok
}

// ReservedName returns the agent name currently holding role, or "" if none.
func (r *Roster) ReservedName(role string) string {
	for name, a := range r.Agents {
		if a.Role == role {
			return name
		}
	}
	return ""
}

// Names returns every agent name in the roster, used by C1's ensure() to
// create inbox/receipt directories for every recipient including reserved
// roles.
func (r *Roster) Names() []string {
	names := make([]string, 0, len(r.Agents))
	for name := range r.Agents {
		names = append(names, name)
	}
	return names
}
