package engine

import "testing"

func TestGlobalPin_RoundTrip(t *testing.T) {
	root := t.TempDir()
	if got := ReadGlobalPin(root, "alice"); got != "" {
		t.Fatalf("expected empty pin before any write, got %q", got)
	}
	if err := WriteGlobalPin(root, "alice", "thread-1"); err != nil {
		t.Fatalf("WriteGlobalPin: %v", err)
	}
	if got := ReadGlobalPin(root, "alice"); got != "thread-1" {
		t.Fatalf("expected thread-1, got %q", got)
	}
}

func TestRootPin_RotatesAfterThreshold(t *testing.T) {
	root := t.TempDir()
	agent, rootID := "autopilot", "root-1"

	for i := 0; i < 3; i++ {
		if err := WriteRootPin(root, agent, rootID, "thread-x", 3); err != nil {
			t.Fatalf("WriteRootPin: %v", err)
		}
	}
	p := ReadRootPin(root, agent, rootID)
	if p.ThreadID != "thread-x" || p.TurnCount != 3 {
		t.Fatalf("expected pin to persist under threshold, got %+v", p)
	}

	if err := WriteRootPin(root, agent, rootID, "thread-x", 3); err != nil {
		t.Fatalf("WriteRootPin: %v", err)
	}
	p = ReadRootPin(root, agent, rootID)
	if p.ThreadID != "" || p.TurnCount != 0 {
		t.Fatalf("expected pin to rotate after exceeding threshold, got %+v", p)
	}
}
