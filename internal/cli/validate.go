package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(validateCmd)
}

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate the roster document",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		r, err := loadRoster()
		if err != nil {
			return err
		}
		fmt.Printf("Roster is valid: %d agent(s).\n", len(r.Agents))
		return nil
	},
}
