// Package orchestrator implements the C9 orchestrator worker: it consumes
// its own inbox, fans TASK_COMPLETE out to chat (and autopilot when
// actionable) as ORCHESTRATOR_UPDATE digests, coalesces REVIEW_ACTION_REQUIRED
// packets sharing a rootId into a single forward to autopilot, and caps
// self-remediation depth. Grounded on the teacher's topological-level
// fan-out (internal/engine/engine.go#topologicalLevels), generalized from
// "run concerns in dependency order" into "fan a single completion out to
// every interested downstream agent".
package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/agentbus/bus/internal/bus"
	"github.com/agentbus/bus/internal/roster"
	"go.uber.org/zap"
)

// Orchestrator drains its own inbox and forwards digests per spec §4.9.
type Orchestrator struct {
	Store                 *bus.Store
	Roster                *roster.Roster
	MaxSelfRemediateDepth  int
	Slack                  *SlackMirror
	Log                    *zap.SugaredLogger
}

// Summary reports what one drain pass did, for logging/metrics.
type Summary struct {
	UpdatesForwarded       int
	ReviewGroupsForwarded  int
	ReviewPacketsCoalesced int
	SelfRemediateCapped    int
}

func (o *Orchestrator) log() *zap.SugaredLogger {
	if o.Log == nil {
		return zap.NewNop().Sugar()
	}
	return o.Log
}

// DrainOnce processes every packet currently in the orchestrator's new/
// inbox in one pass, per spec §4.9.
func (o *Orchestrator) DrainOnce(ctx context.Context) (Summary, error) {
	var sum Summary
	orch := o.Roster.ReservedName(roster.RoleOrchestrator)
	if orch == "" {
		return sum, fmt.Errorf("roster has no orchestrator agent")
	}

	packets, err := o.Store.ListNew(orch)
	if err != nil {
		return sum, fmt.Errorf("listing orchestrator inbox: %w", err)
	}

	var taskCompletes []bus.Packet
	reviewsByRoot := map[string][]bus.Packet{}
	for _, p := range packets {
		switch p.Meta.Signals.Kind {
		case bus.KindTaskComplete:
			taskCompletes = append(taskCompletes, p)
		case bus.KindReviewActionRequired:
			reviewsByRoot[p.Meta.Signals.RootID] = append(reviewsByRoot[p.Meta.Signals.RootID], p)
		}
	}

	for _, p := range taskCompletes {
		capped, err := o.forwardTaskComplete(ctx, orch, p)
		if err != nil {
			return sum, err
		}
		sum.UpdatesForwarded++
		if capped {
			sum.SelfRemediateCapped++
		}
	}

	// Stable iteration order for deterministic coalescing across runs.
	roots := make([]string, 0, len(reviewsByRoot))
	for root := range reviewsByRoot {
		roots = append(roots, root)
	}
	sort.Strings(roots)
	for _, root := range roots {
		if err := o.forwardReviewGroup(ctx, orch, root, reviewsByRoot[root]); err != nil {
			return sum, err
		}
		sum.ReviewGroupsForwarded++
		sum.ReviewPacketsCoalesced += len(reviewsByRoot[root])
	}

	return sum, nil
}

type taskCompleteRefs struct {
	CompletedTaskKind             string          `json:"completedTaskKind"`
	CompletedTaskID               string          `json:"completedTaskId"`
	ReceiptOutcome                string          `json:"receiptOutcome"`
	CommitSha                     string          `json:"commitSha"`
	OrchestratorSelfRemediateDepth json.RawMessage `json:"orchestratorSelfRemediateDepth,omitempty"`
}

// forwardTaskComplete builds and delivers an ORCHESTRATOR_UPDATE digest for
// one TASK_COMPLETE, always to chat and additionally to autopilot when the
// completion is actionable (spec §4.9). Returns whether self-remediation
// forwarding was capped out rather than sent.
func (o *Orchestrator) forwardTaskComplete(ctx context.Context, orch string, p bus.Packet) (bool, error) {
	var refs taskCompleteRefs
	if raw, ok := p.Meta.References["completedTaskKind"]; ok {
		_ = json.Unmarshal(raw, &refs.CompletedTaskKind)
	}
	if raw, ok := p.Meta.References["receiptOutcome"]; ok {
		_ = json.Unmarshal(raw, &refs.ReceiptOutcome)
	}
	if raw, ok := p.Meta.References["commitSha"]; ok {
		_ = json.Unmarshal(raw, &refs.CommitSha)
	}
	depth := 0
	if raw, ok := p.Meta.References["orchestratorSelfRemediateDepth"]; ok {
		_ = json.Unmarshal(raw, &depth)
	}

	reviewRequired := refs.CompletedTaskKind == bus.KindExecute && refs.ReceiptOutcome == "done" && refs.CommitSha != ""
	actionable := reviewRequired || (refs.ReceiptOutcome != "" && refs.ReceiptOutcome != "done")
	isSelfRemediation := refs.CompletedTaskKind == bus.KindOrchestratorUpdate && refs.ReceiptOutcome != "done"

	chat := o.Roster.ReservedName(roster.RoleChat)
	autopilot := o.Roster.ReservedName(roster.RoleAutopilot)

	capped := false
	toAutopilot := actionable && autopilot != ""
	if isSelfRemediation {
		if depth >= o.maxDepth() {
			toAutopilot = false
			capped = true
		} else {
			depth++
		}
	}

	outRefs := map[string]json.RawMessage{
		"sourceKind":        mustMarshal(p.Meta.Signals.Kind),
		"completedTaskKind": mustMarshal(refs.CompletedTaskKind),
		"receiptOutcome":    mustMarshal(refs.ReceiptOutcome),
		"commitSha":         mustMarshal(refs.CommitSha),
		"reviewRequired":    mustMarshal(reviewRequired),
	}
	if isSelfRemediation && !capped {
		outRefs["orchestratorSelfRemediateDepth"] = mustMarshal(depth)
	}

	recipients := []string{}
	if chat != "" {
		recipients = append(recipients, chat)
	}
	if toAutopilot {
		recipients = append(recipients, autopilot)
	}
	if len(recipients) == 0 {
		o.log().Warnw("no recipients for orchestrator update", "taskId", p.Meta.ID)
	} else {
		digest := bus.Meta{
			To:       recipients,
			From:     orch,
			Priority: p.Meta.Priority,
			Title:    fmt.Sprintf("ORCHESTRATOR_UPDATE: %s", p.Meta.Title),
			Signals: bus.Signals{
				Kind:   bus.KindOrchestratorUpdate,
				RootID: p.Meta.Signals.RootID,
			},
			References: outRefs,
		}
		if err := o.Store.Deliver(digest, p.Body); err != nil {
			return capped, fmt.Errorf("delivering orchestrator update: %w", err)
		}
		if o.Slack != nil {
			if err := o.Slack.Post(ctx, digest.Title, p.Body); err != nil {
				o.log().Warnw("slack mirror failed", "taskId", p.Meta.ID, "error", err)
			}
		}
	}

	if _, err := o.Store.Claim(orch, p.Meta.ID); err != nil {
		return capped, fmt.Errorf("claiming task-complete %s: %w", p.Meta.ID, err)
	}
	if err := o.Store.Close(orch, p.Meta.ID, "done", "forwarded as orchestrator update", "", nil, false); err != nil {
		return capped, fmt.Errorf("closing task-complete %s: %w", p.Meta.ID, err)
	}
	return capped, nil
}

// forwardReviewGroup coalesces every REVIEW_ACTION_REQUIRED packet sharing
// rootId into a single forward to autopilot (spec §4.9).
func (o *Orchestrator) forwardReviewGroup(ctx context.Context, orch, root string, group []bus.Packet) error {
	autopilot := o.Roster.ReservedName(roster.RoleAutopilot)
	if autopilot == "" {
		return fmt.Errorf("roster has no autopilot agent")
	}

	sourceIDs := make([]string, 0, len(group))
	body := "Coalesced review actions:\n"
	for _, p := range group {
		sourceIDs = append(sourceIDs, p.Meta.ID)
		body += fmt.Sprintf("- %s: %s\n", p.Meta.ID, p.Meta.Title)
	}

	digest := bus.Meta{
		To:       []string{autopilot},
		From:     orch,
		Priority: group[0].Meta.Priority,
		Title:    fmt.Sprintf("REVIEW_ACTION_REQUIRED (coalesced x%d)", len(group)),
		Signals: bus.Signals{
			Kind:   bus.KindReviewActionRequired,
			RootID: root,
		},
		References: map[string]json.RawMessage{"sourceIds": mustMarshal(sourceIDs)},
	}
	if err := o.Store.Deliver(digest, body); err != nil {
		return fmt.Errorf("delivering coalesced review-action-required: %w", err)
	}
	if o.Slack != nil {
		if err := o.Slack.Post(ctx, digest.Title, body); err != nil {
			o.log().Warnw("slack mirror failed", "rootId", root, "error", err)
		}
	}

	for _, p := range group {
		if _, err := o.Store.Claim(orch, p.Meta.ID); err != nil {
			return fmt.Errorf("claiming review-action-required %s: %w", p.Meta.ID, err)
		}
		if err := o.Store.Close(orch, p.Meta.ID, "done", "coalesced and forwarded to autopilot", "", nil, false); err != nil {
			return fmt.Errorf("closing review-action-required %s: %w", p.Meta.ID, err)
		}
	}
	return nil
}

func (o *Orchestrator) maxDepth() int {
	if o.MaxSelfRemediateDepth <= 0 {
		return 1
	}
	return o.MaxSelfRemediateDepth
}

func mustMarshal(v interface{}) json.RawMessage {
	raw, err := json.Marshal(v)
	if err != nil {
		panic(fmt.Sprintf("marshaling %v: %v", v, err))
	}
	return raw
}
