package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

var (
	updateFrom     string
	updateAppend   string
	updateTitle    string
	updatePriority string
)

func init() {
	updateCmd.Flags().StringVar(&updateFrom, "from", "chat", "agent appending the update")
	updateCmd.Flags().StringVar(&updateAppend, "append", "", "text appended to the task body under a new Update heading")
	updateCmd.Flags().StringVar(&updateTitle, "title", "", "replace the task title")
	updateCmd.Flags().StringVar(&updatePriority, "priority", "", "replace the task priority")
	rootCmd.AddCommand(updateCmd)
}

var updateCmd = &cobra.Command{
	Use:   "update <agent> <task-id>",
	Short: "Append to an in-flight task, waking any watcher on it",
	Long: `Rewrites the packet currently held in inbox/<agent>/{new,seen,in_progress}/
with --append text under a new "### Update" heading, then touches its mtime.
If the task is mid-turn, the worker's file watcher observes the change and
interrupts the engine so the next turn sees the update (spec §4.5).`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		agent, id := args[0], args[1]
		store, err := loadStore(newLogger())
		if err != nil {
			return err
		}
		if err := store.Update(agent, id, updateFrom, updateAppend, updateTitle, updatePriority); err != nil {
			return fmt.Errorf("updating task: %w", err)
		}
		fmt.Printf("updated %s/%s\n", agent, id)
		return nil
	},
}
