package gate

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/agentbus/bus/internal/bus"
	"github.com/google/uuid"
)

// ConsultMode matches AGENTIC_OPUS_CONSULT_MODE (spec §6).
type ConsultMode string

const (
	ConsultModeGate     ConsultMode = "gate"
	ConsultModeAdvisory ConsultMode = "advisory"
)

// OpusRequest is the references.opus payload on an OPUS_CONSULT_REQUEST
// (spec §6).
type OpusRequest struct {
	Version            string   `json:"version"`
	ConsultID          string   `json:"consultId"`
	Round              int      `json:"round"`
	MaxRounds          int      `json:"maxRounds"`
	Mode               string   `json:"mode"` // pre_exec | post_review
	AutopilotHypothesis string  `json:"autopilotHypothesis"`
	TaskContext        string   `json:"taskContext"`
	PriorRoundSummary  string   `json:"priorRoundSummary,omitempty"`
	Questions          []string `json:"questions"`
}

// ConsultGate implements both the pre-exec barrier (step 2) and the
// symmetric post-review gate (step 8): spec §4.7.
type ConsultGate struct {
	Store         *bus.Store
	ConsultAgent  string
	Mode          ConsultMode
	Phase         string // "pre_exec" | "post_review"
	GateKinds     map[string]bool
	Timeout       time.Duration
	PollInterval  time.Duration
	MaxRounds     int
}

func (g *ConsultGate) Name() string {
	if g.Phase == "post_review" {
		return "consultPostReview"
	}
	return "consultPreExec"
}

func (g *ConsultGate) Run(ctx context.Context, in Input) (Record, error) {
	if g.GateKinds != nil && !g.GateKinds[in.Kind] {
		return Record{Required: false, Executed: false, Status: StatusSkip}, nil
	}

	consultID := uuid.NewString()
	req := OpusRequest{
		Version:   "v1",
		ConsultID: consultID,
		Round:     1,
		MaxRounds: g.MaxRounds,
		Mode:      g.Phase,
		TaskContext: in.TaskID,
		Questions: []string{"Does this task's plan look sound?"},
	}
	refJSON, err := json.Marshal(req)
	if err != nil {
		return Record{}, fmt.Errorf("marshaling consult request: %w", err)
	}

	meta := bus.Meta{
		To:       []string{g.ConsultAgent},
		From:     in.Agent,
		Priority: "P1",
		Title:    fmt.Sprintf("OPUS_CONSULT_REQUEST for %s", in.TaskID),
		Signals:  bus.Signals{Kind: bus.KindOpusConsultRequest, RootID: in.RootID},
		References: map[string]json.RawMessage{"opus": refJSON},
	}
	if dispatchErr := g.Store.Deliver(meta, "consult requested"); dispatchErr != nil {
		return g.dispatchFailureRecord(dispatchErr)
	}

	resp, waitErr := g.awaitResponse(ctx, in.Agent, consultID)
	if waitErr != nil {
		if g.Mode == ConsultModeAdvisory {
			return Record{Required: false, Executed: true, Status: StatusWarn, ReasonCode: "opus_consult_timeout_advisory"}, nil
		}
		return Record{Required: true, Executed: true, Status: StatusBlock, ReasonCode: "opus_consult_response_timeout"}, nil
	}

	if err := ValidateConsultResponse(resp); err != nil {
		return Record{Required: true, Executed: true, Status: StatusBlock, ReasonCode: "opus_consult_invalid_response", Errors: []string{err.Error()}}, nil
	}

	switch resp.Verdict {
	case "block":
		return Record{Required: true, Executed: true, Status: StatusBlock, ReasonCode: "opus_consult_block"}, nil
	case "warn":
		return Record{Required: true, Executed: true, Status: StatusWarn, ReasonCode: resp.ReasonCode}, nil
	default:
		return Record{Required: true, Executed: true, Status: StatusPass}, nil
	}
}

func (g *ConsultGate) dispatchFailureRecord(err error) (Record, error) {
	if g.Mode == ConsultModeAdvisory {
		return Record{Required: false, Executed: true, Status: StatusWarn, ReasonCode: "opus_consult_dispatch_failed", Errors: []string{err.Error()}}, nil
	}
	return Record{Required: true, Executed: true, Status: StatusBlock, ReasonCode: "opus_consult_dispatch_failed", Errors: []string{err.Error()}}, nil
}

// awaitResponse polls the requesting agent's inbox for an
// OPUS_CONSULT_RESPONSE packet carrying a matching consultId, per spec §6
// ("Response packets must have signals.notifyOrchestrator=false" — that
// flag is set by the consult agent, not checked here).
func (g *ConsultGate) awaitResponse(ctx context.Context, agent, consultID string) (ConsultResponse, error) {
	deadline := time.Now().Add(g.Timeout)
	interval := g.PollInterval
	if interval <= 0 {
		interval = 200 * time.Millisecond
	}

	for {
		if time.Now().After(deadline) {
			return ConsultResponse{}, fmt.Errorf("timed out waiting for consult response")
		}
		select {
		case <-ctx.Done():
			return ConsultResponse{}, ctx.Err()
		default:
		}

		// Note: the requesting agent is whichever agent owns this Input;
		// the worker loop wires Store for that agent's own bus namespace.
		list, err := g.Store.ListNew(agent)
		if err == nil {
			for _, p := range list {
				if p.Meta.Signals.Kind != bus.KindOpusConsultResponse {
					continue
				}
				raw, ok := p.Meta.References["opus"]
				if !ok {
					continue
				}
				var resp struct {
					ConsultID string `json:"consultId"`
					ConsultResponse
				}
				if jsonErr := json.Unmarshal(raw, &resp); jsonErr != nil {
					continue
				}
				if resp.ConsultID == consultID {
					if _, claimErr := g.Store.Claim(agent, p.Meta.ID); claimErr != nil {
						return ConsultResponse{}, fmt.Errorf("claiming consult response: %w", claimErr)
					}
					return resp.ConsultResponse, nil
				}
			}
		}
		time.Sleep(interval)
	}
}
