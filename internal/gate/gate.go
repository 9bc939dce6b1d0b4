// Package gate implements the ordered, short-circuit runtime gate chain
// (C7): git preflight, pre-exec consult, review, code-quality,
// skill-evidence, observer-drain, post-review consult. Grounded on the
// teacher's internal/config.ValidateGates/detectCycles pattern (fixed list,
// each validated independently) generalized from a static config-time check
// into a runtime chain that executes side effects and can block a task.
package gate

import (
	"context"
	"encoding/json"
	"fmt"
)

// Status is a gate's verdict (spec §4.7: "{required, executed, status,
// reasonCode, errors[]}").
type Status string

const (
	StatusPass Status = "pass"
	StatusWarn Status = "warn"
	StatusSkip Status = "skip"
	StatusBlock Status = "block"
)

// Record is what every gate contributes to receiptExtra.runtimeGuard.<gateName>.
type Record struct {
	Required   bool     `json:"required"`
	Executed   bool     `json:"executed"`
	Status     Status   `json:"status"`
	ReasonCode string   `json:"reasonCode,omitempty"`
	Errors     []string `json:"errors,omitempty"`
}

// Input is the read-only context every gate needs. Fields are populated by
// the worker loop before the chain runs and are never mutated by a gate.
type Input struct {
	Agent      string
	TaskID     string
	RootID     string
	Kind       string // signals.kind
	References map[string]json.RawMessage
	Output     OutputView
	WorkDir    string
	BusRoot    string
}

// OutputView is the subset of worker.Output a gate needs to inspect, copied
// here to avoid gate depending on worker (worker depends on gate, not the
// reverse).
type OutputView struct {
	Outcome      string
	CommitSha    string
	ReviewJSON   json.RawMessage
	QualityJSON  json.RawMessage
	TestsToRun   []string
	Artifacts    []string
}

// Gate is one link in the chain.
type Gate interface {
	Name() string
	Run(ctx context.Context, in Input) (Record, error)
}

// RunChain executes gates in order, stopping at the first Status == block.
// It always returns every record produced so far (including the blocking
// one), keyed by gate name, so the worker can write the full
// receiptExtra.runtimeGuard map regardless of outcome.
func RunChain(ctx context.Context, gates []Gate, in Input) (map[string]Record, bool) {
	records := make(map[string]Record, len(gates))
	for _, g := range gates {
		rec, err := g.Run(ctx, in)
		if err != nil {
			rec.Status = StatusBlock
			rec.Executed = true
			if rec.ReasonCode == "" {
				rec.ReasonCode = fmt.Sprintf("%s_error", g.Name())
			}
			rec.Errors = append(rec.Errors, err.Error())
		}
		records[g.Name()] = rec
		if rec.Status == StatusBlock {
			return records, false
		}
	}
	return records, true
}
