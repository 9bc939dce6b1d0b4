package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/agentbus/bus/internal/bus"
	"github.com/agentbus/bus/internal/config"
	"github.com/agentbus/bus/internal/dispatch"
	"github.com/agentbus/bus/internal/engine"
	"github.com/agentbus/bus/internal/gate"
	"github.com/agentbus/bus/internal/git"
	"github.com/agentbus/bus/internal/metrics"
	"github.com/agentbus/bus/internal/roster"
	"github.com/agentbus/bus/internal/worker"
	"github.com/spf13/cobra"
)

var (
	workerOnce           bool
	workerEngineBin      string
	workerAppServer      bool
	workerSkillsDir      string
	workerOpusConsult    bool
	workerOpusTimeoutSec int
	workerMetricsAddr    string
)

func init() {
	workerCmd.Flags().BoolVar(&workerOnce, "once", false, "process exactly one task then exit")
	workerCmd.Flags().StringVar(&workerEngineBin, "engine-bin", "claude", "engine binary to invoke")
	workerCmd.Flags().BoolVar(&workerAppServer, "app-server", false, "drive the engine over a persistent app-server connection instead of one-shot exec")
	workerCmd.Flags().StringVar(&workerSkillsDir, "skills-dir", "skills", "directory of <name>.md skill fragments named in ROSTER.json")
	workerCmd.Flags().BoolVar(&workerOpusConsult, "opus-consult", false, "require a consult round-trip with the roster's designated consult agent before execute and after review")
	workerCmd.Flags().IntVar(&workerOpusTimeoutSec, "opus-timeout-sec", 300, "seconds to wait for a consult response; a timeout blocks the task (advisory mode: warns instead)")
	workerCmd.Flags().StringVar(&workerMetricsAddr, "metrics-addr", "", "if set, serve Prometheus metrics on this address while the worker runs")
	rootCmd.AddCommand(workerCmd)
}

var workerCmd = &cobra.Command{
	Use:   "worker <agent>",
	Short: "Run the single-writer worker loop for one agent's inbox",
	Long: `Acquires the named agent's lock file, then polls inbox/<agent>/new/ and
processes one task at a time: prompt assembly, engine turn (with
mid-task-interrupt restart), output validation, the runtime gate chain,
follow-up dispatch and task close. Exactly one worker process may hold an
agent's lock at a time; a second invocation exits cleanly (spec §4.6).`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		agentName := args[0]
		log := newLogger()

		r, err := loadRoster()
		if err != nil {
			return err
		}
		if !r.Has(agentName) {
			return fmt.Errorf("unknown agent %q", agentName)
		}
		agentCfg, _ := r.Get(agentName)

		store := bus.New(flagBusRoot, r, bus.PolicyWarn, log)
		if err := store.Ensure(); err != nil {
			return fmt.Errorf("ensuring bus root: %w", err)
		}

		cfg, err := config.Load(agentName, flagBusRoot, flagRepoRoot, flagWorktreesDir, config.WorkerConfig{Once: workerOnce})
		if err != nil {
			return fmt.Errorf("loading worker config: %w", err)
		}
		store.ContentPolicy = bus.ContentPolicy(cfg.ContentPolicy)

		skills, err := config.LoadSkills(workerSkillsDir, agentCfg.Skills)
		if err != nil {
			return fmt.Errorf("loading skills: %w", err)
		}

		var driver engine.Driver
		if workerAppServer {
			d, err := engine.NewAppServerDriver(workerEngineBin, nil, nil)
			if err != nil {
				return fmt.Errorf("starting app-server driver: %w", err)
			}
			driver = d
		} else {
			driver = engine.NewExecDriver(workerEngineBin)
		}
		defer driver.Close()

		gates := buildGateChain(store, r)

		m := metrics.New()
		if workerMetricsAddr != "" {
			serveMetrics(cmd.Context(), log, m, workerMetricsAddr)
		}

		w := &worker.Worker{
			Store:      store,
			Roster:     r,
			Config:     cfg,
			Driver:     driver,
			Gates:      gates,
			Dispatcher: &dispatch.Dispatcher{Store: store},
			Skills:     skills,
			Log:        log,
			Metrics:    m,
		}
		return w.Run(cmd.Context())
	},
}

// buildGateChain assembles the fixed, ordered runtime gate chain (spec
// §4.7): git preflight, optional pre-exec consult, review, code quality,
// skill evidence, observer drain, optional post-review consult.
func buildGateChain(store *bus.Store, r *roster.Roster) []gate.Gate {
	chain := []gate.Gate{
		&gate.GitPreflightGate{Enforce: true, AutoClean: true},
	}
	if workerOpusConsult {
		chain = append(chain, &gate.ConsultGate{
			Store:        store,
			ConsultAgent: r.ReservedName("autopilot"),
			Mode:         gate.ConsultModeGate,
			Phase:        "pre_exec",
			Timeout:      time.Duration(workerOpusTimeoutSec) * time.Second,
			PollInterval: 500 * time.Millisecond,
			MaxRounds:    3,
		})
	}
	chain = append(chain,
		&gate.ReviewGate{
			PRCommitsResolver: func(ctx context.Context, prRef string) ([]string, error) {
				return git.PRCommits(ctx, flagRepoRoot, prRef)
			},
		},
		&gate.QualityGate{},
		&gate.SkillEvidenceGate{},
		&gate.ObserverDrainGate{BusRoot: flagBusRoot},
	)
	if workerOpusConsult {
		chain = append(chain, &gate.ConsultGate{
			Store:        store,
			ConsultAgent: r.ReservedName("autopilot"),
			Mode:         gate.ConsultModeAdvisory,
			Phase:        "post_review",
			Timeout:      time.Duration(workerOpusTimeoutSec) * time.Second,
			PollInterval: 500 * time.Millisecond,
			MaxRounds:    3,
		})
	}
	return chain
}
