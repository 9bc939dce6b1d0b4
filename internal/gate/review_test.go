package gate

import (
	"context"
	"encoding/json"
	"testing"
)

func reviewJSON(t *testing.T, rv reviewView) json.RawMessage {
	t.Helper()
	raw, err := json.Marshal(rv)
	if err != nil {
		t.Fatalf("marshaling reviewView: %v", err)
	}
	return raw
}

func TestReviewGate_SkipsWhenNoCommitSha(t *testing.T) {
	g := &ReviewGate{}
	rec, err := g.Run(context.Background(), Input{Kind: "EXECUTE", Output: OutputView{CommitSha: ""}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Status != StatusSkip {
		t.Fatalf("expected skip, got %+v", rec)
	}
}

func TestReviewGate_BlocksWhenReviewMissing(t *testing.T) {
	g := &ReviewGate{}
	rec, err := g.Run(context.Background(), Input{Kind: "EXECUTE", Output: OutputView{CommitSha: "abc123"}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Status != StatusBlock || rec.ReasonCode != "review_missing" {
		t.Fatalf("expected review_missing block, got %+v", rec)
	}
}

func TestReviewGate_BlocksWhenNotRun(t *testing.T) {
	g := &ReviewGate{}
	in := Input{
		Kind: "EXECUTE",
		Output: OutputView{
			CommitSha:  "abc123",
			ReviewJSON: reviewJSON(t, reviewView{Ran: false, Method: "built_in_review", Verdict: "pass"}),
		},
	}
	rec, err := g.Run(context.Background(), in)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Status != StatusBlock || rec.ReasonCode != "review_not_run" {
		t.Fatalf("expected review_not_run block, got %+v", rec)
	}
}

func TestReviewGate_PassesOnPassVerdict(t *testing.T) {
	g := &ReviewGate{}
	in := Input{
		Kind: "EXECUTE",
		Output: OutputView{
			CommitSha:  "abc123",
			ReviewJSON: reviewJSON(t, reviewView{Ran: true, Method: "built_in_review", Verdict: "pass"}),
		},
	}
	rec, err := g.Run(context.Background(), in)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Status != StatusPass {
		t.Fatalf("expected pass, got %+v", rec)
	}
}

func TestReviewGate_BlocksOnBlockVerdict(t *testing.T) {
	g := &ReviewGate{}
	in := Input{
		Kind: "EXECUTE",
		Output: OutputView{
			CommitSha:  "abc123",
			ReviewJSON: reviewJSON(t, reviewView{Ran: true, Method: "built_in_review", Verdict: "block"}),
		},
	}
	rec, err := g.Run(context.Background(), in)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Status != StatusBlock || rec.ReasonCode != "review_verdict_block" {
		t.Fatalf("expected review_verdict_block, got %+v", rec)
	}
}

func TestReviewGate_BlocksOnInvalidVerdict(t *testing.T) {
	g := &ReviewGate{}
	in := Input{
		Kind: "EXECUTE",
		Output: OutputView{
			CommitSha:  "abc123",
			ReviewJSON: reviewJSON(t, reviewView{Ran: true, Method: "built_in_review", Verdict: "bogus"}),
		},
	}
	rec, err := g.Run(context.Background(), in)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Status != StatusBlock || rec.ReasonCode != "review_verdict_invalid" {
		t.Fatalf("expected review_verdict_invalid, got %+v", rec)
	}
}

func TestReviewGate_PRScopeRequiresFullCommitSet(t *testing.T) {
	g := &ReviewGate{
		PRCommitsResolver: func(ctx context.Context, prRef string) ([]string, error) {
			return []string{"c1", "c2", "c3"}, nil
		},
	}
	in := Input{
		Kind: "EXECUTE",
		Output: OutputView{
			CommitSha: "abc123",
			ReviewJSON: reviewJSON(t, reviewView{
				Ran: true, Method: "built_in_review", Verdict: "pass",
				Scope: "pr", TargetCommitSha: "pr-42", ReviewedCommits: []string{"c1", "c2"},
			}),
		},
	}
	rec, err := g.Run(context.Background(), in)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Status != StatusBlock || rec.ReasonCode != "review_incomplete_pr_commits" {
		t.Fatalf("expected review_incomplete_pr_commits, got %+v", rec)
	}
}

func TestReviewGate_PRScopePassesOnFullCommitSet(t *testing.T) {
	g := &ReviewGate{
		PRCommitsResolver: func(ctx context.Context, prRef string) ([]string, error) {
			return []string{"c1", "c2"}, nil
		},
	}
	in := Input{
		Kind: "EXECUTE",
		Output: OutputView{
			CommitSha: "abc123",
			ReviewJSON: reviewJSON(t, reviewView{
				Ran: true, Method: "built_in_review", Verdict: "pass",
				Scope: "pr", TargetCommitSha: "pr-42", ReviewedCommits: []string{"c1", "c2"},
			}),
		},
	}
	rec, err := g.Run(context.Background(), in)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Status != StatusPass {
		t.Fatalf("expected pass, got %+v", rec)
	}
}
