package git

import (
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"
)

// PRCommits resolves a PR reference to its ordered commit-sha list via
// `gh pr view`, oldest first (spec: "For PR scope, targets resolve via gh pr
// view to an ordered commit list").
func PRCommits(ctx context.Context, dir, prRef string) ([]string, error) {
	cmd := exec.CommandContext(ctx, "gh", "pr", "view", prRef, "--json", "commits")
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	if err != nil {
		return nil, fmt.Errorf("gh pr view %s: %s: %w", prRef, strings.TrimSpace(string(out)), err)
	}

	var parsed struct {
		Commits []struct {
			Oid string `json:"oid"`
		} `json:"commits"`
	}
	if err := json.Unmarshal(out, &parsed); err != nil {
		return nil, fmt.Errorf("parsing gh pr view output: %w", err)
	}

	shas := make([]string, 0, len(parsed.Commits))
	for _, c := range parsed.Commits {
		shas = append(shas, c.Oid)
	}
	return shas, nil
}
