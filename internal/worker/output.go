// Package worker implements the per-agent worker loop (C6): lock
// acquisition, poll/claim, prompt build, turn execution, output validation,
// gate chain, follow-up dispatch, and task close. Grounded on the teacher's
// internal/cli/run.go daemon loop (poll → process → sleep) and
// internal/engine.RunOnce's per-unit error isolation, generalized from
// "one concern per repo" to "one task per agent inbox".
package worker

import (
	"encoding/json"
	"fmt"
)

// Output is the worker output contract every task-kind's final JSON message
// must satisfy (spec §6 "Worker output contract"). ParseOutput does not
// check that every key is present: a key missing from the JSON decodes to
// the field's zero value.
type Output struct {
	Outcome         string            `json:"outcome"`
	Note            string            `json:"note"`
	CommitSha       string            `json:"commitSha"`
	PlanMarkdown    string            `json:"planMarkdown"`
	FilesToChange   []string          `json:"filesToChange"`
	TestsToRun      []string          `json:"testsToRun"`
	Artifacts       []string          `json:"artifacts"`
	RiskNotes       string            `json:"riskNotes"`
	RollbackPlan    string            `json:"rollbackPlan"`
	FollowUps       []FollowUp        `json:"followUps"`
	Review          *Review           `json:"review"`
	QualityReview   *QualityReview    `json:"qualityReview,omitempty"`
	AutopilotControl json.RawMessage  `json:"autopilotControl,omitempty"`
	RuntimeGuard    json.RawMessage   `json:"runtimeGuard"`
}

// FollowUp is one entry of Output.FollowUps (spec §6).
type FollowUp struct {
	To      []string    `json:"to"`
	Title   string      `json:"title"`
	Body    string       `json:"body"`
	Signals FollowUpSig `json:"signals"`
}

type FollowUpSig struct {
	Kind     string `json:"kind"`
	Phase    string `json:"phase,omitempty"`
	RootID   string `json:"rootId,omitempty"`
	ParentID string `json:"parentId,omitempty"`
	Smoke    bool   `json:"smoke,omitempty"`
}

// Review is the required review-gate record for EXECUTE completions with a
// non-empty commitSha (spec §4.7 step 4).
type Review struct {
	Ran              bool     `json:"ran"`
	Method           string   `json:"method"`
	TargetCommitSha  string   `json:"targetCommitSha"`
	Scope            string   `json:"scope"`
	ReviewedCommits  []string `json:"reviewedCommits"`
	Summary          string   `json:"summary"`
	FindingsCount    int      `json:"findingsCount"`
	Verdict          string   `json:"verdict"`
	Evidence         Evidence `json:"evidence"`
}

type Evidence struct {
	ArtifactPath    string   `json:"artifactPath"`
	SectionsPresent []string `json:"sectionsPresent"`
}

// QualityReview is the code-quality gate's model-reported hard-rule check
// (spec §4.7 step 5).
type QualityReview struct {
	DiffVolumeOK    bool `json:"diffVolumeOk"`
	DuplicationOK   bool `json:"duplicationOk"`
	NoEscapePattern bool `json:"noEscapePattern"`
	ScriptsHaveTests bool `json:"scriptsHaveTests"`
}

var validOutcomes = map[string]bool{
	"done": true, "blocked": true, "failed": true, "skipped": true, "needs_review": true,
}

var validReviewVerdicts = map[string]bool{"pass": true, "changes_requested": true, "block": true}

// ParseOutput parses and validates the engine's final message against the
// worker output contract (spec §6; §4.6 step 5 "parse the last agent message
// as JSON matching the task-kind's output schema").
func ParseOutput(raw string) (Output, error) {
	var o Output
	if err := json.Unmarshal([]byte(raw), &o); err != nil {
		return Output{}, fmt.Errorf("invalid JSON: %w", err)
	}
	if err := Validate(o); err != nil {
		return Output{}, err
	}
	return o, nil
}

// Validate enforces the contract's required shape beyond plain JSON
// unmarshaling: outcome enum, and — when a review is present — its verdict
// enum.
func Validate(o Output) error {
	if !validOutcomes[o.Outcome] {
		return fmt.Errorf("outcome %q is not one of done|blocked|failed|skipped|needs_review", o.Outcome)
	}
	if o.Review != nil && o.Review.Verdict != "" && !validReviewVerdicts[o.Review.Verdict] {
		return fmt.Errorf("review.verdict %q is not one of pass|changes_requested|block", o.Review.Verdict)
	}
	for i, f := range o.FollowUps {
		if len(f.To) == 0 {
			return fmt.Errorf("followUps[%d]: to is required", i)
		}
		if f.Signals.Kind == "" {
			return fmt.Errorf("followUps[%d]: signals.kind is required", i)
		}
	}
	return nil
}

// RequiresReview reports whether outcome=done with a non-empty commitSha
// demands a populated Review record (spec §8 invariant).
func RequiresReview(o Output) bool {
	return o.Outcome == "done" && o.CommitSha != ""
}
