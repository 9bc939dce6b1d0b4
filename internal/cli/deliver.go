package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/agentbus/bus/internal/bus"
	"github.com/spf13/cobra"
)

var (
	deliverTo             []string
	deliverFrom           string
	deliverPriority       string
	deliverTitle          string
	deliverKind           string
	deliverRootID         string
	deliverParentID       string
	deliverBodyFile       string
	deliverReferencesFile string
	deliverID             string
)

func init() {
	deliverCmd.Flags().StringVar(&deliverID, "id", "", "task id (generated if omitted)")
	deliverCmd.Flags().StringSliceVar(&deliverTo, "to", nil, "recipient agent name(s)")
	deliverCmd.Flags().StringVar(&deliverFrom, "from", "chat", "sending agent name")
	deliverCmd.Flags().StringVar(&deliverPriority, "priority", "P2", "priority tag (P1, P2, P3)")
	deliverCmd.Flags().StringVar(&deliverTitle, "title", "", "task title")
	deliverCmd.Flags().StringVar(&deliverKind, "kind", bus.KindUserRequest, "signal kind")
	deliverCmd.Flags().StringVar(&deliverRootID, "root-id", "", "root task id for lineage grouping")
	deliverCmd.Flags().StringVar(&deliverParentID, "parent-id", "", "parent task id")
	deliverCmd.Flags().StringVar(&deliverBodyFile, "body-file", "", "read the task body from this file instead of stdin")
	deliverCmd.Flags().StringVar(&deliverReferencesFile, "references-file", "", "JSON document for the packet's references map (conventional keys: git, integration)")
	rootCmd.AddCommand(deliverCmd)
}

var deliverCmd = &cobra.Command{
	Use:   "deliver",
	Short: "Deliver a new task packet into one or more agents' inboxes",
	Long: `Writes a task packet into inbox/<agent>/new/ for every --to recipient.
The task body is read from --body-file, or from stdin if that flag is
omitted (spec §4.1 deliver).`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if len(deliverTo) == 0 {
			return fmt.Errorf("--to is required")
		}

		body, err := readBody(deliverBodyFile)
		if err != nil {
			return fmt.Errorf("reading body: %w", err)
		}

		store, err := loadStore(newLogger())
		if err != nil {
			return err
		}
		if err := store.Ensure(); err != nil {
			return fmt.Errorf("ensuring bus root: %w", err)
		}

		meta := bus.Meta{
			ID:       deliverID,
			To:       deliverTo,
			From:     deliverFrom,
			Priority: deliverPriority,
			Title:    deliverTitle,
			Signals: bus.Signals{
				Kind:     deliverKind,
				RootID:   deliverRootID,
				ParentID: deliverParentID,
			},
		}
		if deliverReferencesFile != "" {
			data, err := os.ReadFile(deliverReferencesFile)
			if err != nil {
				return fmt.Errorf("reading references file: %w", err)
			}
			var refs map[string]json.RawMessage
			if err := json.Unmarshal(data, &refs); err != nil {
				return fmt.Errorf("parsing references file: %w", err)
			}
			meta.References = refs
		}
		if err := store.Deliver(meta, body); err != nil {
			return fmt.Errorf("delivering task: %w", err)
		}

		fmt.Printf("delivered to %v\n", deliverTo)
		return nil
	},
}

func readBody(path string) (string, error) {
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return "", err
		}
		return string(data), nil
	}
	data, err := io.ReadAll(os.Stdin)
	if err != nil {
		return "", err
	}
	return string(data), nil
}
