package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/agentbus/bus/internal/orchestrator"
	"github.com/spf13/cobra"
)

var (
	orchestratorOnce             bool
	orchestratorPollMs           int64
	orchestratorMaxRemediateDepth int
	orchestratorSlackToken       string
	orchestratorSlackChannel     string
)

func init() {
	orchestratorCmd.Flags().BoolVar(&orchestratorOnce, "once", false, "drain the orchestrator inbox once then exit")
	orchestratorCmd.Flags().Int64Var(&orchestratorPollMs, "poll-ms", 500, "milliseconds between drain passes")
	orchestratorCmd.Flags().IntVar(&orchestratorMaxRemediateDepth, "max-self-remediate-depth", 2, "cap on references.orchestratorSelfRemediateDepth before autopilot forwarding stops")
	orchestratorCmd.Flags().StringVar(&orchestratorSlackToken, "slack-bot-token", os.Getenv("SLACK_BOT_TOKEN"), "Slack bot token for mirroring digests (optional)")
	orchestratorCmd.Flags().StringVar(&orchestratorSlackChannel, "slack-channel", "", "Slack channel id to mirror digests to (optional)")
	rootCmd.AddCommand(orchestratorCmd)
}

var orchestratorCmd = &cobra.Command{
	Use:   "orchestrator",
	Short: "Run the orchestrator drain loop",
	Long: `Repeatedly drains the orchestrator's own inbox: every TASK_COMPLETE
becomes an ORCHESTRATOR_UPDATE to chat (and to autopilot when actionable),
and REVIEW_ACTION_REQUIRED packets sharing a rootId are coalesced into one
autopilot forward (spec §4.9).`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		log := newLogger()
		store, err := loadStore(log)
		if err != nil {
			return err
		}
		if err := store.Ensure(); err != nil {
			return fmt.Errorf("ensuring bus root: %w", err)
		}

		var mirror *orchestrator.SlackMirror
		if orchestratorSlackChannel != "" {
			mirror, err = orchestrator.NewSlackMirror(orchestratorSlackToken, orchestratorSlackChannel, nil)
			if err != nil {
				return fmt.Errorf("configuring slack mirror: %w", err)
			}
		}

		o := &orchestrator.Orchestrator{
			Store:                 store,
			Roster:                store.Roster,
			MaxSelfRemediateDepth: orchestratorMaxRemediateDepth,
			Slack:                 mirror,
			Log:                   log,
		}

		ctx, cancel := context.WithCancel(cmd.Context())
		defer cancel()
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		defer signal.Stop(sigCh)
		go func() {
			select {
			case <-sigCh:
				cancel()
			case <-ctx.Done():
			}
		}()

		for {
			if ctx.Err() != nil {
				return nil
			}
			sum, err := o.DrainOnce(ctx)
			if err != nil {
				log.Errorw("orchestrator drain failed", "error", err)
			} else if sum.UpdatesForwarded+sum.ReviewGroupsForwarded > 0 {
				log.Infow("orchestrator drain", "updatesForwarded", sum.UpdatesForwarded,
					"reviewGroupsForwarded", sum.ReviewGroupsForwarded,
					"reviewPacketsCoalesced", sum.ReviewPacketsCoalesced,
					"selfRemediateCapped", sum.SelfRemediateCapped)
			}
			if orchestratorOnce {
				return nil
			}
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(time.Duration(orchestratorPollMs) * time.Millisecond):
			}
		}
	},
}
