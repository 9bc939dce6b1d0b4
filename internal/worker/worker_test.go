package worker

import (
	"context"
	"testing"
	"time"

	"github.com/agentbus/bus/internal/bus"
	"github.com/agentbus/bus/internal/config"
	"github.com/agentbus/bus/internal/dispatch"
	"github.com/agentbus/bus/internal/engine"
	"github.com/agentbus/bus/internal/gate"
	"github.com/agentbus/bus/internal/roster"
)

type fakeDriver struct {
	results []engine.Result
	calls   int
}

func (d *fakeDriver) RunTurn(ctx context.Context, prompt string, opts engine.TurnOptions) (engine.Result, error) {
	r := d.results[d.calls]
	if d.calls < len(d.results)-1 {
		d.calls++
	}
	return r, nil
}

func (d *fakeDriver) Close() error { return nil }

func newTestWorker(t *testing.T, driver engine.Driver) (*Worker, *bus.Store) {
	t.Helper()
	busRoot := t.TempDir()
	workDir := t.TempDir()

	data := []byte(`{
		"schemaVersion": 2,
		"agents": {
			"orchestrator": {"role": "orchestrator", "workdir": "/tmp/orch"},
			"chat": {"role": "chat", "workdir": "/tmp/chat"},
			"autopilot": {"role": "autopilot", "workdir": "/tmp/auto"},
			"alice": {"role": "worker", "workdir": "` + workDir + `"}
		}
	}`)
	r, err := roster.Parse(data, "/tmp", "/tmp/worktrees")
	if err != nil {
		t.Fatalf("parsing roster: %v", err)
	}

	store := bus.New(busRoot, r, bus.PolicyWarn, nil)
	if err := store.Ensure(); err != nil {
		t.Fatalf("Ensure: %v", err)
	}

	cfg := config.Defaults
	cfg.Agent = "alice"
	cfg.BusRoot = busRoot
	cfg.RepoRoot = workDir
	cfg.PollMs = 10
	cfg.SlotStaleMs = 60_000
	cfg.Once = true

	w := &Worker{
		Store:  store,
		Roster: r,
		Config: cfg,
		Driver: driver,
		Gates: []gate.Gate{
			&gate.GitPreflightGate{},
			&gate.ReviewGate{},
			&gate.QualityGate{},
			&gate.SkillEvidenceGate{},
			&gate.ObserverDrainGate{BusRoot: busRoot},
		},
		Dispatcher: &dispatch.Dispatcher{Store: store},
	}
	return w, store
}

func deliverStatusTask(t *testing.T, store *bus.Store, id string) {
	t.Helper()
	meta := bus.Meta{
		ID:       id,
		To:       []string{"alice"},
		From:     "chat",
		Priority: "P2",
		Title:    "do the thing",
		Signals:  bus.Signals{Kind: bus.KindStatus},
	}
	if err := store.Deliver(meta, "please report status"); err != nil {
		t.Fatalf("delivering task: %v", err)
	}
}

func TestWorker_ProcessesOneTaskThenStopsOnOnce(t *testing.T) {
	driver := &fakeDriver{results: []engine.Result{
		{Status: engine.TurnCompleted, FinalOutput: `{"outcome":"done","note":"did it","followUps":[],"runtimeGuard":{}}`},
	}}
	w, store := newTestWorker(t, driver)
	deliverStatusTask(t, store, "task-1")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := w.Run(ctx); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	processed, err := store.ListNew("alice")
	if err != nil {
		t.Fatalf("listing new: %v", err)
	}
	if len(processed) != 0 {
		t.Fatalf("expected the task to have left the new/ inbox")
	}
	if !store.ReceiptExists("alice", "task-1") {
		t.Fatalf("expected a receipt to be written for task-1")
	}
}

func TestWorker_SchemaInvalidTwiceClosesBlocked(t *testing.T) {
	driver := &fakeDriver{results: []engine.Result{
		{Status: engine.TurnCompleted, FinalOutput: `not json at all`},
	}}
	w, store := newTestWorker(t, driver)
	deliverStatusTask(t, store, "task-2")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := w.Run(ctx); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	receipt, err := store.ReadReceipt("alice", "task-2")
	if err != nil {
		t.Fatalf("reading receipt: %v", err)
	}
	if receipt.Outcome != "blocked" {
		t.Fatalf("expected blocked outcome after repeated schema failure, got %q", receipt.Outcome)
	}
}

func TestWorker_SecondDuplicateLockExitsCleanly(t *testing.T) {
	driver := &fakeDriver{results: []engine.Result{
		{Status: engine.TurnCompleted, FinalOutput: `{"outcome":"done","note":"x","followUps":[],"runtimeGuard":{}}`},
	}}
	w, _ := newTestWorker(t, driver)

	lock, err := AcquireLock(w.Config.BusRoot, w.Config.Agent)
	if err != nil {
		t.Fatalf("unexpected error acquiring lock: %v", err)
	}
	defer lock.Release()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := w.Run(ctx); err != nil {
		t.Fatalf("expected Run to exit cleanly on a held lock, got %v", err)
	}
}

func TestWorker_DispatchesFollowUps(t *testing.T) {
	driver := &fakeDriver{results: []engine.Result{
		{Status: engine.TurnCompleted, FinalOutput: `{"outcome":"done","note":"did it","followUps":[{"to":["chat"],"title":"fyi","body":"done","signals":{"kind":"STATUS"}}],"runtimeGuard":{}}`},
	}}
	w, store := newTestWorker(t, driver)
	deliverStatusTask(t, store, "task-3")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := w.Run(ctx); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	chatPackets, err := store.ListNew("chat")
	if err != nil {
		t.Fatalf("listing chat inbox: %v", err)
	}
	if len(chatPackets) != 1 {
		t.Fatalf("expected the follow-up to reach chat's inbox, got %d", len(chatPackets))
	}
}
