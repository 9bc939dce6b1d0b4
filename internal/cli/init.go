package cli

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/agentbus/bus/internal/bus"
	"github.com/agentbus/bus/internal/roster"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(initCmd)
}

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Scaffold a bus root and a starter ROSTER.json",
	Long: `Creates the bus root directory layout (inbox/seen/in_progress/processed
per agent, receipts/, state/, artifacts/) and writes a starter ROSTER.json
next to it if one does not already exist.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if _, err := os.Stat(flagRosterPath); os.IsNotExist(err) {
			if err := writeStarterRoster(flagRosterPath); err != nil {
				return fmt.Errorf("writing starter roster: %w", err)
			}
			fmt.Printf("  roster %s\n", flagRosterPath)
		} else {
			fmt.Printf("  skip   %s (already exists)\n", flagRosterPath)
		}

		r, err := loadRoster()
		if err != nil {
			return err
		}

		store := bus.New(flagBusRoot, r, bus.PolicyWarn, nil)
		if err := store.Ensure(); err != nil {
			return fmt.Errorf("creating bus root: %w", err)
		}
		fmt.Printf("  busroot %s\n", flagBusRoot)
		for _, name := range r.Names() {
			fmt.Printf("    inbox  %s\n", name)
		}

		fmt.Println("\nDone.")
		return nil
	},
}

// writeStarterRoster writes the minimum roster that passes roster.Validate: the
// three reserved roles plus one worker agent to seed a fleet.
func writeStarterRoster(path string) error {
	doc := roster.Roster{
		SchemaVersion: roster.MinSchemaVersion,
		Agents: map[string]roster.Agent{
			"orchestrator": {Role: roster.RoleOrchestrator, Workdir: "$REPO_ROOT"},
			"chat":         {Role: roster.RoleChat, Workdir: "$REPO_ROOT"},
			"autopilot":    {Role: roster.RoleAutopilot, Workdir: "$REPO_ROOT"},
			"alice":        {Role: roster.RoleWorker, Workdir: "$AGENTIC_WORKTREES_DIR/alice"},
		},
	}
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return err
	}
	data = append(data, '\n')
	return os.WriteFile(path, data, 0644)
}
