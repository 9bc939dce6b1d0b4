// Package cli wires every bus subcommand onto a cobra root, grounded on the
// teacher's internal/cli/root.go + cmd/line/main.go split: a package-level
// rootCmd, persistent flags resolved before any RunE runs, and an Execute
// entry point called from cmd/bus/main.go.
package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

// Version is set at build time via ldflags.
var Version = "dev"

var (
	flagBusRoot      string
	flagRepoRoot     string
	flagWorktreesDir string
	flagRosterPath   string
)

var rootCmd = &cobra.Command{
	Use:   "bus",
	Short: "Run and operate the filesystem-backed multi-agent task bus",
	Long: `bus drives a fleet of coding agents through a shared filesystem inbox.
Tasks move atomically through new -> seen -> in_progress -> processed, a
worker process owns exactly one agent's inbox at a time, and an
orchestrator fans completion and review signals back out across the
roster.`,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&flagBusRoot, "bus-root", defaultBusRoot(), "bus root directory")
	rootCmd.PersistentFlags().StringVar(&flagRepoRoot, "repo-root", ".", "repository root ($REPO_ROOT in ROSTER.json workdir templates)")
	rootCmd.PersistentFlags().StringVar(&flagWorktreesDir, "worktrees-dir", defaultWorktreesDir(), "worktrees directory ($AGENTIC_WORKTREES_DIR in ROSTER.json workdir templates)")
	rootCmd.PersistentFlags().StringVar(&flagRosterPath, "roster", "ROSTER.json", "path to the roster document")
	rootCmd.AddCommand(versionCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version number",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("bus %s\n", Version)
	},
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func defaultBusRoot() string {
	return ".bus"
}

func defaultWorktreesDir() string {
	return ".bus/worktrees"
}
