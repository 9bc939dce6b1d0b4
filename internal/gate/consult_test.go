package gate

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/agentbus/bus/internal/bus"
	"github.com/agentbus/bus/internal/roster"
)

func newGateTestStore(t *testing.T) *bus.Store {
	t.Helper()
	data := []byte(`{
		"schemaVersion": 2,
		"agents": {
			"opus": {"role": "worker", "workdir": "/tmp/opus"},
			"alice": {"role": "worker", "workdir": "/tmp/alice"},
			"orchestrator": {"role": "orchestrator", "workdir": "/tmp/orchestrator"},
			"chat": {"role": "chat", "workdir": "/tmp/chat"},
			"autopilot": {"role": "autopilot", "workdir": "/tmp/autopilot"}
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

func TestConsultGate_SkipsWhenKindNotGated(t *testing.T) {
	g := &ConsultGate{
		Store:        newGateTestStore(t),
		ConsultAgent: "opus",
		GateKinds:    map[string]bool{"EXECUTE": true},
	}
	rec, err := g.Run(context.Background(), Input{Agent: "alice", Kind: "STATUS"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Status != StatusSkip {
		t.Fatalf("expected skip, got %+v", rec)
	}
}

func TestConsultGate_AdvisoryModeTimesOutAsWarn(t *testing.T) {
	g := &ConsultGate{
		Store:        newGateTestStore(t),
		ConsultAgent: "opus",
		Mode:         ConsultModeAdvisory,
		Phase:        "pre_exec",
		Timeout:      50 * time.Millisecond,
		PollInterval: 5 * time.Millisecond,
		MaxRounds:    1,
	}
	rec, err := g.Run(context.Background(), Input{Agent: "alice", Kind: "EXECUTE", TaskID: "t1"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Status != StatusWarn || rec.ReasonCode != "opus_consult_timeout_advisory" {
		t.Fatalf("expected advisory timeout warn, got %+v", rec)
	}
}

func TestConsultGate_GateModeTimesOutAsBlock(t *testing.T) {
	g := &ConsultGate{
		Store:        newGateTestStore(t),
		ConsultAgent: "opus",
		Mode:         ConsultModeGate,
		Phase:        "pre_exec",
		Timeout:      50 * time.Millisecond,
		PollInterval: 5 * time.Millisecond,
		MaxRounds:    1,
	}
	rec, err := g.Run(context.Background(), Input{Agent: "alice", Kind: "EXECUTE", TaskID: "t1"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Status != StatusBlock || rec.ReasonCode != "opus_consult_response_timeout" {
		t.Fatalf("expected gate timeout block, got %+v", rec)
	}
}

// TestConsultGate_RoundTripWithResponder simulates the consult agent replying
// to the freshly-delivered request: it polls the consult agent's inbox for
// the request this gate dispatches, extracts the generated consultId, and
// delivers a matching OPUS_CONSULT_RESPONSE back to the requester.
func TestConsultGate_RoundTripWithResponder(t *testing.T) {
	store := newGateTestStore(t)
	g := &ConsultGate{
		Store:        store,
		ConsultAgent: "opus",
		Mode:         ConsultModeGate,
		Phase:        "pre_exec",
		Timeout:      2 * time.Second,
		PollInterval: 5 * time.Millisecond,
		MaxRounds:    1,
	}

	resultCh := make(chan Record, 1)
	errCh := make(chan error, 1)
	go func() {
		rec, err := g.Run(context.Background(), Input{Agent: "alice", Kind: "EXECUTE", TaskID: "t1", RootID: "root1"})
		if err != nil {
			errCh <- err
			return
		}
		resultCh <- rec
	}()

	var consultID string
	deadline := time.Now().Add(2 * time.Second)
	for consultID == "" {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for consult request to be dispatched")
		}
		packets, err := store.ListNew("opus")
		if err != nil {
			t.Fatalf("listing opus inbox: %v", err)
		}
		for _, p := range packets {
			if p.Meta.Signals.Kind != bus.KindOpusConsultRequest {
				continue
			}
			raw, ok := p.Meta.References["opus"]
			if !ok {
				continue
			}
			var req OpusRequest
			if err := json.Unmarshal(raw, &req); err != nil {
				continue
			}
			consultID = req.ConsultID
		}
		if consultID == "" {
			time.Sleep(5 * time.Millisecond)
		}
	}

	resp := struct {
		ConsultID string `json:"consultId"`
		ConsultResponse
	}{
		ConsultID:       consultID,
		ConsultResponse: ConsultResponse{Final: true, Verdict: "pass"},
	}
	raw, err := json.Marshal(resp)
	if err != nil {
		t.Fatalf("marshaling response: %v", err)
	}
	meta := bus.Meta{
		To:      []string{"alice"},
		From:    "opus",
		Priority: "P1",
		Title:   "OPUS_CONSULT_RESPONSE",
		Signals: bus.Signals{Kind: bus.KindOpusConsultResponse},
		References: map[string]json.RawMessage{"opus": raw},
	}
	if err := store.Deliver(meta, "approved"); err != nil {
		t.Fatalf("delivering response: %v", err)
	}

	select {
	case err := <-errCh:
		t.Fatalf("unexpected error from Run: %v", err)
	case rec := <-resultCh:
		if rec.Status != StatusPass {
			t.Fatalf("expected pass after responder approves, got %+v", rec)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for Run to observe the response")
	}
}
