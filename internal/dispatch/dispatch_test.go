package dispatch

import (
	"encoding/json"
	"testing"

	"github.com/agentbus/bus/internal/bus"
	"github.com/agentbus/bus/internal/roster"
)

func newTestStore(t *testing.T) *bus.Store {
	t.Helper()
	data := []byte(`{
		"schemaVersion": 2,
		"agents": {
			"orchestrator": {"role": "orchestrator", "workdir": "/tmp/orch"},
			"chat": {"role": "chat", "workdir": "/tmp/chat"},
			"autopilot": {"role": "autopilot", "workdir": "/tmp/auto"},
			"alice": {"role": "worker", "workdir": "/tmp/alice"},
			"bob": {"role": "worker", "workdir": "/tmp/bob"}
		}
	}`)
	r, err := roster.Parse(data, "/tmp", "/tmp/worktrees")
	if err != nil {
		t.Fatalf("parsing roster: %v", err)
	}
	s := bus.New(t.TempDir(), r, bus.PolicyWarn, nil)
	if err := s.Ensure(); err != nil {
		t.Fatalf("Ensure: %v", err)
	}
	return s
}

func TestDispatch_DeliversAllFollowUpsOnSuccess(t *testing.T) {
	store := newTestStore(t)
	d := &Dispatcher{Store: store}

	req := Request{
		ParentAgent:   "alice",
		ParentTaskID:  "task-1",
		ParentOutcome: "done",
		RootID:        "root-1",
		FollowUps: []FollowUp{
			{To: []string{"bob"}, Title: "next step", Body: "do the thing", Kind: bus.KindStatus},
		},
	}
	res, err := d.Dispatch(req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(res.Dispatched) != 1 {
		t.Fatalf("expected 1 dispatched packet, got %+v", res)
	}
	if res.Suppressed != 0 {
		t.Fatalf("expected no suppression, got %+v", res)
	}

	packets, err := store.ListNew("bob")
	if err != nil {
		t.Fatalf("listing bob inbox: %v", err)
	}
	if len(packets) != 1 {
		t.Fatalf("expected 1 packet in bob's inbox, got %d", len(packets))
	}
}

func TestDispatch_ExecuteFollowUpGetsGitRefs(t *testing.T) {
	store := newTestStore(t)
	d := &Dispatcher{Store: store}

	req := Request{
		ParentAgent:       "alice",
		ParentTaskID:      "task-1",
		ParentOutcome:     "done",
		RootID:            "root-1",
		ParentCommitSha:   "deadbeef",
		IntegrationBranch: "slice/root-1",
		FollowUps: []FollowUp{
			{To: []string{"bob"}, Title: "remediate", Body: "fix it", Kind: bus.KindExecute},
		},
	}
	if _, err := d.Dispatch(req); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	packets, err := store.ListNew("bob")
	if err != nil {
		t.Fatalf("listing bob inbox: %v", err)
	}
	if len(packets) != 1 {
		t.Fatalf("expected 1 packet, got %d", len(packets))
	}
	raw, ok := packets[0].Meta.References["git"]
	if !ok {
		t.Fatalf("expected references.git to be set on EXECUTE follow-up")
	}
	var refs GitRefs
	if err := json.Unmarshal(raw, &refs); err != nil {
		t.Fatalf("unmarshaling git refs: %v", err)
	}
	if refs.BaseSha != "deadbeef" {
		t.Fatalf("expected baseSha deadbeef, got %q", refs.BaseSha)
	}
	if refs.IntegrationBranch != "slice/root-1" {
		t.Fatalf("expected integrationBranch slice/root-1, got %q", refs.IntegrationBranch)
	}
	if _, ok := packets[0].Meta.References["integration"]; !ok {
		t.Fatalf("expected references.integration to be set")
	}
}

func TestDispatch_SuppressesNonStatusWhenParentBlockedNonAutopilot(t *testing.T) {
	store := newTestStore(t)
	d := &Dispatcher{Store: store}

	req := Request{
		ParentAgent:   "alice",
		ParentTaskID:  "task-1",
		ParentOutcome: "blocked",
		RootID:        "root-1",
		IsAutopilot:   false,
		FollowUps: []FollowUp{
			{To: []string{"bob"}, Title: "status update", Body: "blocked", Kind: bus.KindStatus},
			{To: []string{"bob"}, Title: "remediate", Body: "fix it", Kind: bus.KindExecute},
		},
	}
	res, err := d.Dispatch(req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(res.Dispatched) != 1 {
		t.Fatalf("expected only the STATUS follow-up dispatched, got %+v", res)
	}
	if res.Suppressed != 1 || res.SuppressionReason != suppressedBlockedNonAutopilot {
		t.Fatalf("expected 1 suppressed EXECUTE follow-up, got %+v", res)
	}
}

func TestDispatch_AutopilotDispatchesEverythingEvenWhenBlocked(t *testing.T) {
	store := newTestStore(t)
	d := &Dispatcher{Store: store}

	req := Request{
		ParentAgent:   "autopilot",
		ParentTaskID:  "task-1",
		ParentOutcome: "blocked",
		RootID:        "root-1",
		IsAutopilot:   true,
		FollowUps: []FollowUp{
			{To: []string{"chat"}, Title: "status update", Body: "blocked", Kind: bus.KindStatus},
			{To: []string{"bob"}, Title: "remediate", Body: "fix it", Kind: bus.KindExecute},
		},
	}
	res, err := d.Dispatch(req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(res.Dispatched) != 2 {
		t.Fatalf("expected both follow-ups dispatched for autopilot, got %+v", res)
	}
	if res.Suppressed != 0 {
		t.Fatalf("expected no suppression for autopilot, got %+v", res)
	}
}
