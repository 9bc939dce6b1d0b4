package gate

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/agentbus/bus/internal/git"
)

// GitRefs is the conventional references.git shape (spec §3: "references
// (free-form mapping; conventional keys: git {baseSha, workBranch,
// integrationBranch})").
type GitRefs struct {
	BaseSha          string `json:"baseSha"`
	WorkBranch       string `json:"workBranch"`
	IntegrationBranch string `json:"integrationBranch,omitempty"`
}

// GitPreflightGate runs first in the chain and only for EXECUTE tasks (spec
// §4.7 step 1).
type GitPreflightGate struct {
	Enforce   bool
	AutoClean bool
}

func (g *GitPreflightGate) Name() string { return "gitPreflight" }

func (g *GitPreflightGate) Run(ctx context.Context, in Input) (Record, error) {
	if in.Kind != "EXECUTE" {
		return Record{Required: false, Executed: false, Status: StatusSkip}, nil
	}

	raw, ok := in.References["git"]
	if !ok {
		if g.Enforce {
			return Record{Required: true, Executed: true, Status: StatusBlock, ReasonCode: "git_refs_missing"}, nil
		}
		return Record{Required: false, Executed: false, Status: StatusSkip}, nil
	}

	var refs GitRefs
	if err := json.Unmarshal(raw, &refs); err != nil {
		return Record{}, fmt.Errorf("parsing references.git: %w", err)
	}

	if !git.IsRepo(in.WorkDir) {
		return Record{Required: true, Executed: true, Status: StatusBlock, ReasonCode: "not_a_git_repo"}, nil
	}
	repo := git.NewRepo(in.WorkDir)

	if err := repo.CheckoutOrCreateBranch(refs.WorkBranch, refs.BaseSha); err != nil {
		return Record{}, fmt.Errorf("checking out %s: %w", refs.WorkBranch, err)
	}

	dirty, err := repo.IsDirty()
	if err != nil {
		return Record{}, fmt.Errorf("checking worktree cleanliness: %w", err)
	}
	if dirty {
		if !g.AutoClean {
			return Record{Required: true, Executed: true, Status: StatusBlock, ReasonCode: "dirty_worktree"}, nil
		}
		if err := repo.CleanWorktree(); err != nil {
			return Record{}, fmt.Errorf("auto-cleaning worktree: %w", err)
		}
	}

	return Record{Required: true, Executed: true, Status: StatusPass}, nil
}
