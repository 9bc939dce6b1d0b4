package cli

import (
	"encoding/json"
	"fmt"

	"github.com/agentbus/bus/internal/gate"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(gateCmd)
}

var gateCmd = &cobra.Command{
	Use:   "gate <agent> <task-id>",
	Short: "Show the runtime gate chain result recorded on a closed task's receipt",
	Long: `Every closed task's receipt carries a runtimeGuard field: the ordered
record of every gate the worker ran for that task (required, executed,
status, reasonCode, errors). This prints it for inspection after the fact,
without re-running the engine.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		agent, taskID := args[0], args[1]
		store, err := loadStore(nil)
		if err != nil {
			return err
		}

		receipt, err := store.ReadReceipt(agent, taskID)
		if err != nil {
			return fmt.Errorf("reading receipt: %w", err)
		}
		if len(receipt.ReceiptExtra) == 0 {
			fmt.Println("no runtime guard recorded for this task")
			return nil
		}

		var records map[string]gate.Record
		if err := json.Unmarshal(receipt.ReceiptExtra, &records); err != nil {
			fmt.Println("receiptExtra is not a gate-chain record map (likely a blocked-before-gates closure)")
			return nil
		}

		for name, rec := range records {
			fmt.Printf("--- %s ---\n", name)
			fmt.Printf("  required: %v  executed: %v  status: %s\n", rec.Required, rec.Executed, rec.Status)
			if rec.ReasonCode != "" {
				fmt.Printf("  reasonCode: %s\n", rec.ReasonCode)
			}
			for _, e := range rec.Errors {
				fmt.Printf("  error: %s\n", e)
			}
		}
		return nil
	},
}
