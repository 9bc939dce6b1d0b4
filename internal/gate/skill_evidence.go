package gate

import (
	"context"
	"os"
	"path/filepath"
)

// SkillEvidenceGate requires the model's testsToRun to include every
// configured required command, and every artifacts[] entry to reference a
// log file that actually exists (spec §4.7 step 6).
type SkillEvidenceGate struct {
	RequiredCommands []string
	ArtifactsRoot    string
}

func (g *SkillEvidenceGate) Name() string { return "skillEvidence" }

func (g *SkillEvidenceGate) Run(ctx context.Context, in Input) (Record, error) {
	if len(g.RequiredCommands) == 0 {
		return Record{Required: false, Executed: false, Status: StatusSkip}, nil
	}

	present := make(map[string]bool, len(in.Output.TestsToRun))
	for _, t := range in.Output.TestsToRun {
		present[t] = true
	}
	for _, req := range g.RequiredCommands {
		if !present[req] {
			return Record{Required: true, Executed: true, Status: StatusBlock, ReasonCode: "skill_evidence_command_missing", Errors: []string{req}}, nil
		}
	}

	for _, artifact := range in.Output.Artifacts {
		path := artifact
		if !filepath.IsAbs(path) && g.ArtifactsRoot != "" {
			path = filepath.Join(g.ArtifactsRoot, artifact)
		}
		if _, err := os.Stat(path); err != nil {
			return Record{Required: true, Executed: true, Status: StatusBlock, ReasonCode: "skill_evidence_artifact_missing", Errors: []string{artifact}}, nil
		}
	}

	return Record{Required: true, Executed: true, Status: StatusPass}, nil
}
