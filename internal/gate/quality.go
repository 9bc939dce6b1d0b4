package gate

import (
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
)

// QualityGate runs an external quality check (diff-volume, duplication,
// escape-pattern, "runtime script must have tests" rules) and additionally
// requires the model output to self-report the same checks in a
// qualityReview block (spec §4.7 step 5: "Script pass alone is
// insufficient").
type QualityGate struct {
	Command string
	Args    []string
	WorkDir string
}

type qualityReviewView struct {
	DiffVolumeOK     bool `json:"diffVolumeOk"`
	DuplicationOK    bool `json:"duplicationOk"`
	NoEscapePattern  bool `json:"noEscapePattern"`
	ScriptsHaveTests bool `json:"scriptsHaveTests"`
}

func (g *QualityGate) Name() string { return "codeQuality" }

func (g *QualityGate) Run(ctx context.Context, in Input) (Record, error) {
	if in.Kind != "EXECUTE" {
		return Record{Required: false, Executed: false, Status: StatusSkip}, nil
	}

	if g.Command != "" {
		cmd := exec.CommandContext(ctx, g.Command, g.Args...)
		cmd.Dir = g.WorkDir
		if in.WorkDir != "" {
			cmd.Dir = in.WorkDir
		}
		if out, err := cmd.CombinedOutput(); err != nil {
			return Record{Required: true, Executed: true, Status: StatusBlock, ReasonCode: "quality_script_failed", Errors: []string{string(out)}}, nil
		}
	}

	if len(in.Output.QualityJSON) == 0 {
		return Record{Required: true, Executed: true, Status: StatusBlock, ReasonCode: "quality_review_missing"}, nil
	}
	var qv qualityReviewView
	if err := json.Unmarshal(in.Output.QualityJSON, &qv); err != nil {
		return Record{}, fmt.Errorf("parsing qualityReview: %w", err)
	}
	if !qv.DiffVolumeOK || !qv.DuplicationOK || !qv.NoEscapePattern || !qv.ScriptsHaveTests {
		return Record{Required: true, Executed: true, Status: StatusBlock, ReasonCode: "quality_hard_rule_failed"}, nil
	}

	return Record{Required: true, Executed: true, Status: StatusPass}, nil
}
