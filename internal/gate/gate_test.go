package gate

import (
	"context"
	"errors"
	"testing"
)

type fakeGate struct {
	name string
	rec  Record
	err  error
}

func (g *fakeGate) Name() string { return g.name }

func (g *fakeGate) Run(ctx context.Context, in Input) (Record, error) {
	return g.rec, g.err
}

func TestRunChain_AllPass(t *testing.T) {
	gates := []Gate{
		&fakeGate{name: "a", rec: Record{Status: StatusPass}},
		&fakeGate{name: "b", rec: Record{Status: StatusSkip}},
	}
	records, ok := RunChain(context.Background(), gates, Input{})
	if !ok {
		t.Fatalf("expected chain to succeed")
	}
	if len(records) != 2 {
		t.Fatalf("expected 2 records, got %d", len(records))
	}
	if records["a"].Status != StatusPass || records["b"].Status != StatusSkip {
		t.Fatalf("unexpected records: %+v", records)
	}
}

func TestRunChain_ShortCircuitsOnBlock(t *testing.T) {
	third := &fakeGate{name: "c", rec: Record{Status: StatusPass}}
	gates := []Gate{
		&fakeGate{name: "a", rec: Record{Status: StatusPass}},
		&fakeGate{name: "b", rec: Record{Status: StatusBlock, ReasonCode: "nope"}},
		third,
	}
	records, ok := RunChain(context.Background(), gates, Input{})
	if ok {
		t.Fatalf("expected chain to block")
	}
	if _, ran := records["c"]; ran {
		t.Fatalf("expected gate c to never run after a block")
	}
	if records["b"].ReasonCode != "nope" {
		t.Fatalf("expected blocking reason code to be preserved, got %+v", records["b"])
	}
}

func TestRunChain_GateErrorBecomesBlock(t *testing.T) {
	gates := []Gate{
		&fakeGate{name: "a", rec: Record{}, err: errors.New("boom")},
	}
	records, ok := RunChain(context.Background(), gates, Input{})
	if ok {
		t.Fatalf("expected chain to block on gate error")
	}
	rec := records["a"]
	if rec.Status != StatusBlock {
		t.Fatalf("expected status block, got %s", rec.Status)
	}
	if len(rec.Errors) != 1 || rec.Errors[0] != "boom" {
		t.Fatalf("expected error message recorded, got %+v", rec.Errors)
	}
}
