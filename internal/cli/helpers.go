package cli

import (
	"fmt"
	"os"

	"github.com/agentbus/bus/internal/bus"
	"github.com/agentbus/bus/internal/roster"
	"go.uber.org/zap"
)

// loadRoster reads and validates ROSTER.json, resolving workdir templates
// against the persistent --repo-root/--worktrees-dir flags. Grounded on the
// teacher's loadAndValidateConfig (internal/cli/helpers.go), generalized
// from a single-file config.Load to roster.Load.
func loadRoster() (*roster.Roster, error) {
	r, err := roster.Load(flagRosterPath, flagRepoRoot, flagWorktreesDir)
	if err != nil {
		return nil, fmt.Errorf("loading roster %s: %w", flagRosterPath, err)
	}
	return r, nil
}

// loadStore loads the roster and wraps it in a bus.Store rooted at
// --bus-root, matching the content policy an operator sets via
// AGENTIC_BUS_CONTENT_POLICY ("block" blocks; anything else warns).
func loadStore(log *zap.SugaredLogger) (*bus.Store, error) {
	r, err := loadRoster()
	if err != nil {
		return nil, err
	}
	policy := bus.PolicyWarn
	if os.Getenv("AGENTIC_BUS_CONTENT_POLICY") == string(bus.PolicyBlock) {
		policy = bus.PolicyBlock
	}
	store := bus.New(flagBusRoot, r, policy, log)
	return store, nil
}

func newLogger() *zap.SugaredLogger {
	l, err := zap.NewProduction()
	if err != nil {
		return zap.NewNop().Sugar()
	}
	return l.Sugar()
}
