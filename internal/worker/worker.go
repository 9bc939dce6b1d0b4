// Package worker wires the per-agent loop together (C6): lock acquisition,
// poll/claim, prompt assembly, turn execution with mid-task interrupt
// handling, output validation, gate chain, follow-up dispatch, and task
// close. Grounded on the teacher's internal/cli/run.go daemon loop (poll →
// process → sleep, with SIGINT/SIGTERM driving a context cancel) and
// internal/engine.RunOnce's per-unit error isolation, generalized from "one
// concern per repo" to "one task per agent inbox".
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/agentbus/bus/internal/buserr"
	"github.com/agentbus/bus/internal/bus"
	"github.com/agentbus/bus/internal/config"
	"github.com/agentbus/bus/internal/dispatch"
	"github.com/agentbus/bus/internal/engine"
	"github.com/agentbus/bus/internal/gate"
	"github.com/agentbus/bus/internal/limiter"
	"github.com/agentbus/bus/internal/metrics"
	"github.com/agentbus/bus/internal/promptpipe"
	"github.com/agentbus/bus/internal/roster"
	"github.com/agentbus/bus/internal/watcher"
	"go.uber.org/zap"
)

const engineDomain = "engine"

// outputContractHint is handed to the engine verbatim as the trailing prompt
// segment (spec §6 worker output contract).
const outputContractHint = `{"outcome":"done|blocked|failed|skipped|needs_review","note":"string","commitSha":"string","planMarkdown":"string","filesToChange":["string"],"testsToRun":["string"],"artifacts":["string"],"riskNotes":"string","rollbackPlan":"string","followUps":[{"to":["string"],"title":"string","body":"string","signals":{"kind":"string","phase":"string","rootId":"string","parentId":"string","smoke":false}}],"review":null,"qualityReview":null,"runtimeGuard":{}}`

// Worker drains one agent's inbox, one task at a time, for the lifetime of
// the process (or, with Config.Once set, for exactly one task).
type Worker struct {
	Store      *bus.Store
	Roster     *roster.Roster
	Config     config.WorkerConfig
	Driver     engine.Driver
	Gates      []gate.Gate
	Dispatcher *dispatch.Dispatcher
	Skills     []config.Skill
	Log        *zap.SugaredLogger
	Metrics    *metrics.Registry

	warmStart *promptpipe.WarmStart
}

func (w *Worker) log() *zap.SugaredLogger {
	if w.Log == nil {
		return zap.NewNop().Sugar()
	}
	return w.Log
}

// Run executes the full startup sequence (spec §4.6) and then loops until
// ctx is cancelled or, in --once mode, until one task has been processed.
func (w *Worker) Run(ctx context.Context) error {
	lock, err := AcquireLock(w.Config.BusRoot, w.Config.Agent)
	if err != nil {
		if errors.Is(err, ErrAlreadyRunning) {
			w.log().Infow("already running; exiting duplicate worker", "agent", w.Config.Agent)
			return nil
		}
		return fmt.Errorf("acquiring worker lock: %w", err)
	}
	defer lock.Release()

	if n, err := w.Store.ReconcileInProgress(w.Config.Agent); err != nil {
		return fmt.Errorf("reconciling crash-stranded tasks: %w", err)
	} else if n > 0 {
		w.log().Infow("reconciled crash-stranded tasks on startup", "agent", w.Config.Agent, "count", n)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		select {
		case sig := <-sigCh:
			w.log().Infow("received signal, shutting down", "signal", sig.String())
			cancel()
		case <-ctx.Done():
		}
	}()

	for {
		if ctx.Err() != nil {
			return nil
		}

		processed, err := w.tick(ctx)
		if err != nil {
			w.log().Errorw("tick failed", "agent", w.Config.Agent, "error", err)
		}
		if w.Config.Once && processed {
			return nil
		}
		if !processed {
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(w.Config.PollInterval()):
			}
		}
	}
}

// tick runs loop steps 1-9 once: acquire a slot, poll/claim a candidate,
// respect any active cooldown, run the turn, validate, gate, dispatch, and
// close. Returns whether a task was actually processed (claimed and
// closed); false means the caller should sleep pollMs and retry (spec §4.6
// loop steps 1-2, 9).
func (w *Worker) tick(ctx context.Context) (bool, error) {
	slot := &engineSlot{}
	if err := slot.acquire(w.Config); err != nil {
		return false, fmt.Errorf("acquiring engine slot: %w", err)
	}
	defer slot.release()

	packet, ok, err := w.claimNext(ctx)
	if err != nil {
		return false, err
	}
	if !ok {
		return false, nil
	}

	if !w.waitOutCooldown(ctx, slot) {
		return true, nil
	}

	if err := w.processTask(ctx, packet); err != nil {
		w.log().Errorw("processing task failed", "agent", w.Config.Agent, "taskId", packet.Meta.ID, "error", err)
	}
	return true, nil
}

// engineSlot holds the current engine-domain lease, if any, so it can be
// released and re-acquired across a cooldown wait without double-releasing.
type engineSlot struct {
	lease *limiter.Lease
}

func (s *engineSlot) acquire(cfg config.WorkerConfig) error {
	return s.acquireWithDone(cfg, nil)
}

func (s *engineSlot) acquireWithDone(cfg config.WorkerConfig, done <-chan struct{}) error {
	lease, err := limiter.AcquireSlot(cfg.BusRoot, engineDomain, cfg.Agent, cfg.EngineMaxSlots, cfg.SlotStaleMs, done)
	if err != nil {
		return err
	}
	s.lease = lease
	return nil
}

func (s *engineSlot) release() {
	if s.lease != nil {
		_ = s.lease.Release()
		s.lease = nil
	}
}

// claimNext polls inbox/<agent>/new/ and attempts to claim the top
// candidate, retrying the next one on a lost claim race (spec §4.6 step 2).
func (w *Worker) claimNext(ctx context.Context) (bus.Packet, bool, error) {
	candidates, err := w.Store.ListNew(w.Config.Agent)
	if err != nil {
		return bus.Packet{}, false, fmt.Errorf("listing inbox: %w", err)
	}
	for _, c := range candidates {
		p, err := w.Store.Claim(w.Config.Agent, c.Meta.ID)
		if err != nil {
			if buserr.IsRace(err) {
				continue
			}
			return bus.Packet{}, false, fmt.Errorf("claiming %s: %w", c.Meta.ID, err)
		}
		if w.Metrics != nil {
			w.Metrics.TasksClaimed.WithLabelValues(w.Config.Agent).Inc()
		}
		return p, true, nil
	}
	return bus.Packet{}, false, nil
}

// waitOutCooldown blocks (releasing the engine slot while waiting) until the
// engine domain's cooldown clears, re-acquiring the slot afterward (spec
// §4.6 step 3). Returns false if ctx is cancelled first.
func (w *Worker) waitOutCooldown(ctx context.Context, slot *engineSlot) bool {
	for {
		cd, active := limiter.ReadCooldown(w.Config.BusRoot, engineDomain)
		if !active {
			return true
		}
		slot.release()
		wait := time.Until(time.UnixMilli(cd.RetryAtMs))
		if wait < 0 {
			wait = 0
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(wait):
		}
		if err := slot.acquireWithDone(w.Config, ctx.Done()); err != nil {
			return false
		}
	}
}

// processTask runs loop steps 4-8 for one already-claimed task: prompt
// build, turn execution (with restart-on-interrupt), output validation, gate
// chain, follow-up dispatch, and close.
func (w *Worker) processTask(ctx context.Context, packet bus.Packet) error {
	agentCfg, _ := w.Roster.Get(w.Config.Agent)
	skillsSeg, fingerprint := promptpipe.BuildSkillsSegment(w.warmStart, w.Skills)

	prompt := promptpipe.Assemble(
		promptpipe.Identity(w.Config.Agent, agentCfg.Role),
		promptpipe.Lineage(packet.Meta.Signals.RootID, packet.Meta.Signals.ParentID),
		skillsSeg,
		promptpipe.Body(packet.Body),
		promptpipe.OutputContract(outputContractHint),
	)

	result, err := w.runTurnWithRestarts(ctx, packet, prompt)
	if err != nil {
		return w.closeBlocked(packet, "engine_error", err.Error())
	}
	w.warmStart = &promptpipe.WarmStart{Fingerprint: fingerprint}

	output, reasonCode := w.parseWithRetry(ctx, packet, prompt, result.FinalOutput)
	if reasonCode != "" {
		return w.closeBlocked(packet, reasonCode, "structured output failed schema validation after one retry")
	}

	for _, g := range w.Gates {
		if rg, ok := g.(*gate.ReviewGate); ok {
			rg.Runner = w.buildReviewRunner(packet, agentCfg)
		}
	}
	records, passed := gate.RunChain(ctx, w.Gates, gateInput(w.Config, packet, output))

	outcome := output.Outcome
	note := output.Note
	if !passed {
		outcome = "blocked"
		note = "blocked by runtime gate chain"
		if w.Metrics != nil {
			for name, rec := range records {
				if rec.Status == gate.StatusBlock {
					w.Metrics.GatesBlocked.WithLabelValues(w.Config.Agent, name).Inc()
				}
			}
		}
	}
	if w.Metrics != nil {
		w.Metrics.TasksClosed.WithLabelValues(w.Config.Agent, outcome).Inc()
	}

	if passed && len(output.FollowUps) > 0 && w.Dispatcher != nil {
		isAutopilot := agentCfg.Role == roster.RoleAutopilot
		dres, err := w.Dispatcher.Dispatch(dispatchRequest(w.Config.Agent, isAutopilot, packet, output))
		if err != nil {
			return fmt.Errorf("dispatching follow-ups: %w", err)
		}
		if dres.Suppressed > 0 {
			records["followUpDispatch"] = gate.Record{
				Required:   false,
				Executed:   true,
				Status:     gate.StatusPass,
				ReasonCode: dres.SuppressionReason,
				Errors:     []string{fmt.Sprintf("suppressedCount=%d", dres.Suppressed)},
			}
		}
	}

	runtimeGuard, err := json.Marshal(records)
	if err != nil {
		return fmt.Errorf("marshaling runtime guard records: %w", err)
	}

	return w.Store.Close(w.Config.Agent, packet.Meta.ID, outcome, note, output.CommitSha, runtimeGuard, true)
}

// runTurnWithRestarts opens a watcher on the claimed packet's on-disk path
// and invokes the engine, restarting with a rebuilt prompt on every
// mid-task interrupt until MaxRestarts is exhausted (spec §4.5, §4.6 step 4).
func (w *Worker) runTurnWithRestarts(ctx context.Context, packet bus.Packet, prompt string) (engine.Result, error) {
	path := filepath.Join(w.Config.BusRoot, "inbox", w.Config.Agent, bus.StateInProgress, packet.Meta.ID+".md")
	agentCfg, _ := w.Roster.Get(w.Config.Agent)

	opts := engine.TurnOptions{
		Sandbox:       engine.SandboxWorkspaceWrite,
		WorkDir:       agentCfg.Workdir,
		CredHelperCfg: engine.CredentialHelperConfig(w.Config.BusRoot),
		ThreadID:      w.readThreadPin(packet, agentCfg),
	}
	if w.Config.EngineHomeIsolated {
		opts.EngineHomeDir = engine.HomeDir(w.Config.BusRoot, w.Config.Agent)
	}

	restarts := 0
	homeRepaired := false
	for {
		turnCtx, cancel := watcher.Watch(ctx, path, w.Config.PollInterval())
		execCtx, execCancel := context.WithTimeout(turnCtx, w.Config.EngineExecTimeout())
		result, err := w.Driver.RunTurn(execCtx, prompt, opts)
		execCancel()
		cancel()
		if err != nil {
			if !homeRepaired && opts.EngineHomeDir != "" && engine.IsDesyncError(result.StderrTail) {
				homeRepaired = true
				if repairErr := engine.RepairHome(w.Config.BusRoot, w.Config.Agent, ""); repairErr == nil {
					opts.ThreadID = ""
					continue
				}
			}
			if ms, ok := limiter.ParseRetryAfterMs(result.StderrTail); ok {
				_ = limiter.WriteCooldown(w.Config.BusRoot, engineDomain, time.Now().UnixMilli()+ms, "engine_rate_limited", w.Config.Agent, packet.Meta.ID)
			}
			return engine.Result{}, err
		}
		if result.Status != engine.TurnInterrupted {
			if result.Status == engine.TurnCompleted {
				w.writeThreadPin(packet, agentCfg, result.ThreadID)
			}
			return result, nil
		}
		if restarts >= w.Config.MaxRestarts {
			return engine.Result{}, fmt.Errorf("%w: exceeded %d restarts after mid-task interrupts", buserr.ErrEngineCrashed, w.Config.MaxRestarts)
		}
		restarts++
		refreshed, err := w.Store.Open(w.Config.Agent, packet.Meta.ID, false)
		if err != nil {
			return engine.Result{}, fmt.Errorf("re-reading interrupted task: %w", err)
		}
		prompt = promptpipe.Assemble(
			promptpipe.Identity(w.Config.Agent, agentCfg.Role),
			promptpipe.Lineage(packet.Meta.Signals.RootID, packet.Meta.Signals.ParentID),
			promptpipe.Body(refreshed.Body),
			promptpipe.OutputContract(outputContractHint),
		)
		if result.ThreadID != "" {
			opts.ThreadID = result.ThreadID
		}
	}
}

// readThreadPin resolves the thread id a turn should resume, per the
// per-role pinning split (spec §4.4): the autopilot agent uses a root-scoped
// pin keyed by signals.rootId so every task under the same root stays on one
// conversation; every other agent uses one global per-agent pin.
func (w *Worker) readThreadPin(packet bus.Packet, agentCfg roster.Agent) string {
	if agentCfg.Role == roster.RoleAutopilot {
		return engine.ReadRootPin(w.Config.BusRoot, w.Config.Agent, packet.Meta.Signals.RootID).ThreadID
	}
	return engine.ReadGlobalPin(w.Config.BusRoot, w.Config.Agent)
}

// writeThreadPin refreshes the pin to the thread id observed on a
// successfully completed turn, so the next task resumes the same engine
// conversation (spec §4.4: "both refresh to the latest observed thread id on
// success").
func (w *Worker) writeThreadPin(packet bus.Packet, agentCfg roster.Agent, threadID string) {
	if threadID == "" {
		return
	}
	if agentCfg.Role == roster.RoleAutopilot {
		_ = engine.WriteRootPin(w.Config.BusRoot, w.Config.Agent, packet.Meta.Signals.RootID, threadID, w.Config.ThreadRotateAfter)
		return
	}
	_ = engine.WriteGlobalPin(w.Config.BusRoot, w.Config.Agent, threadID)
}

// reviewOutputContractHint is appended to a built-in review turn's prompt,
// mirroring outputContractHint's role for a normal task turn (spec §4.7 step
// 4 review.{...} shape).
const reviewOutputContractHint = `{"ran":true,"method":"built_in_review","targetCommitSha":"string","scope":"commit|pr","reviewedCommits":["string"],"summary":"string","findingsCount":0,"verdict":"pass|changes_requested|block","evidence":{"artifactPath":"string","sectionsPresent":["string"]}}`

// buildReviewRunner closes over the claimed packet so a gate-triggered
// review turn reuses the same watcher/restart machinery as the task's own
// turn. Drivers implementing engine.ReviewDriver (the app-server) back it
// with review/start directly; the exec driver has no such verb, so it falls
// back to a normal turn carrying a review-focused prompt (spec §4.7 step 4).
func (w *Worker) buildReviewRunner(packet bus.Packet, agentCfg roster.Agent) gate.ReviewRunner {
	return func(ctx context.Context, in gate.Input, target gate.ReviewTarget) (json.RawMessage, error) {
		engTarget := engine.ReviewTarget{Scope: target.Scope, CommitSha: target.CommitSha, ReviewedCommits: target.ReviewedCommits}

		if rd, ok := w.Driver.(engine.ReviewDriver); ok {
			result, err := rd.StartReview(ctx, engTarget)
			if err != nil {
				return nil, err
			}
			return json.RawMessage(result.FinalOutput), nil
		}

		prompt := promptpipe.Assemble(
			promptpipe.Identity(w.Config.Agent, agentCfg.Role),
			promptpipe.Lineage(packet.Meta.Signals.RootID, packet.Meta.Signals.ParentID),
			promptpipe.Body(reviewTurnPrompt(engTarget)),
			promptpipe.OutputContract(reviewOutputContractHint),
		)
		result, err := w.runTurnWithRestarts(ctx, packet, prompt)
		if err != nil {
			return nil, err
		}
		return json.RawMessage(result.FinalOutput), nil
	}
}

// reviewTurnPrompt builds a review-focused prompt body for drivers that have
// no dedicated review verb and must run the review as a plain turn.
func reviewTurnPrompt(target engine.ReviewTarget) string {
	return fmt.Sprintf("Run a built-in review of scope=%s targetCommitSha=%s reviewedCommits=%v.", target.Scope, target.CommitSha, target.ReviewedCommits)
}

// parseWithRetry validates the engine's final message against the output
// contract, re-running the turn once with a RETRY REQUIREMENT patch on
// failure before giving up (spec §4.6 step 5).
func (w *Worker) parseWithRetry(ctx context.Context, packet bus.Packet, prompt, raw string) (Output, string) {
	out, err := ParseOutput(raw)
	if err == nil {
		return out, ""
	}

	retryPrompt := promptpipe.Assemble(promptpipe.Body(prompt), promptpipe.RetryPatch(err.Error()))
	result, runErr := w.runTurnWithRestarts(ctx, packet, retryPrompt)
	if runErr != nil {
		return Output{}, "schema_invalid"
	}
	out, err = ParseOutput(result.FinalOutput)
	if err != nil {
		return Output{}, "schema_invalid"
	}
	return out, ""
}

func (w *Worker) closeBlocked(packet bus.Packet, reasonCode, note string) error {
	extra, _ := json.Marshal(map[string]string{"reasonCode": reasonCode})
	if w.Metrics != nil {
		w.Metrics.TasksClosed.WithLabelValues(w.Config.Agent, "blocked").Inc()
	}
	return w.Store.Close(w.Config.Agent, packet.Meta.ID, "blocked", note, "", extra, true)
}

func gateInput(cfg config.WorkerConfig, packet bus.Packet, out Output) gate.Input {
	reviewJSON, _ := json.Marshal(out.Review)
	if out.Review == nil {
		reviewJSON = nil
	}
	qualityJSON, _ := json.Marshal(out.QualityReview)
	if out.QualityReview == nil {
		qualityJSON = nil
	}
	return gate.Input{
		Agent:      cfg.Agent,
		TaskID:     packet.Meta.ID,
		RootID:     packet.Meta.Signals.RootID,
		Kind:       packet.Meta.Signals.Kind,
		References: packet.Meta.References,
		WorkDir:    cfg.RepoRoot,
		BusRoot:    cfg.BusRoot,
		Output: gate.OutputView{
			Outcome:     out.Outcome,
			CommitSha:   out.CommitSha,
			ReviewJSON:  reviewJSON,
			QualityJSON: qualityJSON,
			TestsToRun:  out.TestsToRun,
			Artifacts:   out.Artifacts,
		},
	}
}

func dispatchRequest(agent string, isAutopilot bool, packet bus.Packet, out Output) dispatch.Request {
	followUps := make([]dispatch.FollowUp, 0, len(out.FollowUps))
	for _, f := range out.FollowUps {
		followUps = append(followUps, dispatch.FollowUp{
			To:       f.To,
			Title:    f.Title,
			Body:     f.Body,
			Kind:     f.Signals.Kind,
			Phase:    f.Signals.Phase,
			RootID:   f.Signals.RootID,
			ParentID: f.Signals.ParentID,
			Smoke:    f.Signals.Smoke,
		})
	}

	var integrationBranch string
	if raw, ok := packet.Meta.References["integration"]; ok {
		var integ struct {
			Branch string `json:"branch"`
		}
		if json.Unmarshal(raw, &integ) == nil {
			integrationBranch = integ.Branch
		}
	}
	var baseSha string
	if raw, ok := packet.Meta.References["git"]; ok {
		var refs struct {
			BaseSha string `json:"baseSha"`
		}
		if json.Unmarshal(raw, &refs) == nil {
			baseSha = refs.BaseSha
		}
	}

	return dispatch.Request{
		ParentAgent:       agent,
		ParentTaskID:      packet.Meta.ID,
		ParentOutcome:     out.Outcome,
		RootID:            packet.Meta.Signals.RootID,
		ParentCommitSha:   out.CommitSha,
		ParentBaseSha:      baseSha,
		IntegrationBranch: integrationBranch,
		IsAutopilot:       isAutopilot,
		FollowUps:         followUps,
	}
}
