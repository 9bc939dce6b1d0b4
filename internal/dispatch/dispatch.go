// Package dispatch implements the follow-up packet synthesizer (C8): turns
// a validated worker output's followUps[] into delivered bus packets,
// attaching git lineage for EXECUTE follow-ups and enforcing the
// blocked-outcome suppression rule (spec §4.8). Grounded on the teacher's
// commitChanges/note-annotation flow (internal/engine/engine.go), generalized
// from "annotate a single commit" into "synthesize N sibling task packets".
package dispatch

import (
	"encoding/json"
	"fmt"

	"github.com/agentbus/bus/internal/bus"
	"github.com/google/uuid"
)

// FollowUp mirrors worker.FollowUp, copied here (rather than imported) so
// dispatch has no dependency on the worker package — worker depends on
// dispatch, not the reverse.
type FollowUp struct {
	To      []string
	Title   string
	Body    string
	Kind    string
	Phase   string
	RootID  string
	ParentID string
	Smoke   bool
}

// GitRefs mirrors gate.GitRefs; kept as its own copy for the same reason.
type GitRefs struct {
	BaseSha           string `json:"baseSha"`
	WorkBranch        string `json:"workBranch"`
	IntegrationBranch string `json:"integrationBranch,omitempty"`
}

// Request carries everything dispatch needs from the parent task to
// synthesize its followUps.
type Request struct {
	ParentAgent       string
	ParentTaskID      string
	ParentOutcome     string
	RootID            string
	ParentCommitSha   string // becomes baseSha for EXECUTE follow-up work branches
	ParentBaseSha     string // fallback when the parent itself never committed
	IntegrationBranch string // carried forward into references.integration
	IsAutopilot       bool
	FollowUps         []FollowUp
}

// Result reports what Dispatch actually delivered versus suppressed.
type Result struct {
	Dispatched        []string
	Suppressed        int
	SuppressionReason string
}

// Dispatcher delivers follow-up packets through a shared bus.Store.
type Dispatcher struct {
	Store *bus.Store
}

const suppressedBlockedNonAutopilot = "parent_blocked_non_autopilot"

// Dispatch synthesizes and delivers every followUp in req, subject to the
// blocked-outcome suppression rule (spec §4.8): when the parent task closed
// `blocked`, every non-autopilot agent suppresses all non-STATUS follow-ups;
// autopilot may still dispatch STATUS and EXECUTE follow-ups.
func (d *Dispatcher) Dispatch(req Request) (Result, error) {
	var res Result
	suppress := req.ParentOutcome == "blocked" && !req.IsAutopilot

	for _, f := range req.FollowUps {
		if suppress && f.Kind != bus.KindStatus {
			res.Suppressed++
			res.SuppressionReason = suppressedBlockedNonAutopilot
			continue
		}

		meta := bus.Meta{
			ID:       uuid.NewString(),
			To:       f.To,
			From:     req.ParentAgent,
			Priority: "P2",
			Title:    f.Title,
			Signals: bus.Signals{
				Kind:     f.Kind,
				Phase:    f.Phase,
				RootID:   nonEmpty(f.RootID, req.RootID),
				ParentID: nonEmpty(f.ParentID, req.ParentTaskID),
				Smoke:    f.Smoke,
			},
		}

		if f.Kind == bus.KindExecute {
			refs, err := d.synthesizeGitRefs(req, f)
			if err != nil {
				return res, fmt.Errorf("synthesizing git refs for follow-up %q: %w", f.Title, err)
			}
			meta.References = refs
		}

		if err := d.Store.Deliver(meta, f.Body); err != nil {
			return res, fmt.Errorf("delivering follow-up %q: %w", f.Title, err)
		}
		res.Dispatched = append(res.Dispatched, meta.ID)
	}
	return res, nil
}

func (d *Dispatcher) synthesizeGitRefs(req Request, f FollowUp) (map[string]json.RawMessage, error) {
	baseSha := req.ParentCommitSha
	if baseSha == "" {
		baseSha = req.ParentBaseSha
	}
	variant := uuid.NewString()[:8]
	recipient := req.ParentAgent
	if len(f.To) > 0 {
		recipient = f.To[0]
	}

	refs := GitRefs{
		BaseSha:           baseSha,
		WorkBranch:        fmt.Sprintf("wip/%s/%s/%s", recipient, req.RootID, variant),
		IntegrationBranch: fmt.Sprintf("slice/%s", req.RootID),
	}
	gitJSON, err := json.Marshal(refs)
	if err != nil {
		return nil, err
	}

	out := map[string]json.RawMessage{"git": gitJSON}
	if req.IntegrationBranch != "" {
		integJSON, err := json.Marshal(map[string]string{"branch": req.IntegrationBranch})
		if err != nil {
			return nil, err
		}
		out["integration"] = integJSON
	}
	return out, nil
}

func nonEmpty(a, b string) string {
	if a != "" {
		return a
	}
	return b
}
