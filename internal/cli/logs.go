package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/agentbus/bus/internal/bus"
	"github.com/spf13/cobra"
)

var logsTail int

func init() {
	logsCmd.Flags().IntVarP(&logsTail, "tail", "n", 20, "number of receipts to show")
	rootCmd.AddCommand(logsCmd)
}

var logsCmd = &cobra.Command{
	Use:   "logs <agent>",
	Short: "Show the most recent receipts closed by an agent",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		agent := args[0]
		r, err := loadRoster()
		if err != nil {
			return err
		}
		if !r.Has(agent) {
			return fmt.Errorf("unknown agent %q", agent)
		}

		dir := filepath.Join(flagBusRoot, "receipts", agent)
		entries, err := os.ReadDir(dir)
		if os.IsNotExist(err) {
			fmt.Printf("no receipts for %s yet\n", agent)
			return nil
		}
		if err != nil {
			return fmt.Errorf("listing receipts: %w", err)
		}

		var receipts []bus.Receipt
		for _, e := range entries {
			if e.IsDir() {
				continue
			}
			data, err := os.ReadFile(filepath.Join(dir, e.Name()))
			if err != nil {
				continue
			}
			var rec bus.Receipt
			if err := json.Unmarshal(data, &rec); err != nil {
				continue
			}
			receipts = append(receipts, rec)
		}

		sort.Slice(receipts, func(i, j int) bool { return receipts[i].ClosedAt < receipts[j].ClosedAt })
		if len(receipts) > logsTail {
			receipts = receipts[len(receipts)-logsTail:]
		}

		for _, rec := range receipts {
			fmt.Printf("%s  %-12s  %-8s  %s\n", rec.ClosedAt, rec.TaskID, rec.Outcome, rec.Note)
		}
		return nil
	},
}
