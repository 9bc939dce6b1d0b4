package gate

import (
	"context"
	"testing"

	"github.com/agentbus/bus/internal/bus"
)

func TestObserverDrainGate_SkipsWhenNoRootID(t *testing.T) {
	g := &ObserverDrainGate{BusRoot: t.TempDir()}
	rec, err := g.Run(context.Background(), Input{Agent: "orchestrator"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Status != StatusSkip {
		t.Fatalf("expected skip, got %+v", rec)
	}
}

func TestObserverDrainGate_PassesWhenInboxEmpty(t *testing.T) {
	g := &ObserverDrainGate{BusRoot: t.TempDir()}
	rec, err := g.Run(context.Background(), Input{Agent: "orchestrator", RootID: "root1"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Status != StatusPass {
		t.Fatalf("expected pass, got %+v", rec)
	}
}

func TestObserverDrainGate_BlocksWhenSiblingDigestPending(t *testing.T) {
	store := newGateTestStore(t)

	sibling := bus.Meta{
		ID:       "sibling-1",
		To:       []string{"opus"},
		From:     "alice",
		Priority: "P2",
		Title:    "TASK_COMPLETE",
		Signals:  bus.Signals{Kind: bus.KindTaskComplete, RootID: "root1"},
	}
	if err := store.Deliver(sibling, "sibling complete"); err != nil {
		t.Fatalf("delivering sibling digest: %v", err)
	}

	g := &ObserverDrainGate{BusRoot: store.Root}
	rec, err := g.Run(context.Background(), Input{Agent: "opus", TaskID: "current-task", RootID: "root1"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Status != StatusBlock || rec.ReasonCode != "observer_drain_pending" {
		t.Fatalf("expected observer_drain_pending block, got %+v", rec)
	}
	if len(rec.Errors) != 1 || rec.Errors[0] != "sibling-1" {
		t.Fatalf("expected pending id sibling-1, got %+v", rec.Errors)
	}
}

func TestObserverDrainGate_IgnoresDifferentRootID(t *testing.T) {
	store := newGateTestStore(t)

	other := bus.Meta{
		ID:       "other-root-task",
		To:       []string{"opus"},
		From:     "alice",
		Priority: "P2",
		Title:    "TASK_COMPLETE",
		Signals:  bus.Signals{Kind: bus.KindTaskComplete, RootID: "root2"},
	}
	if err := store.Deliver(other, "unrelated"); err != nil {
		t.Fatalf("delivering unrelated digest: %v", err)
	}

	g := &ObserverDrainGate{BusRoot: store.Root}
	rec, err := g.Run(context.Background(), Input{Agent: "opus", TaskID: "current-task", RootID: "root1"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Status != StatusPass {
		t.Fatalf("expected pass since the only pending packet is for a different root, got %+v", rec)
	}
}

func TestObserverDrainGate_ExcludesCurrentTaskItself(t *testing.T) {
	store := newGateTestStore(t)

	self := bus.Meta{
		ID:       "current-task",
		To:       []string{"opus"},
		From:     "alice",
		Priority: "P2",
		Title:    "TASK_COMPLETE",
		Signals:  bus.Signals{Kind: bus.KindTaskComplete, RootID: "root1"},
	}
	if err := store.Deliver(self, "this very task"); err != nil {
		t.Fatalf("delivering self digest: %v", err)
	}

	g := &ObserverDrainGate{BusRoot: store.Root}
	rec, err := g.Run(context.Background(), Input{Agent: "opus", TaskID: "current-task", RootID: "root1"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Status != StatusPass {
		t.Fatalf("expected pass since the only packet present is the task under evaluation itself, got %+v", rec)
	}
}
