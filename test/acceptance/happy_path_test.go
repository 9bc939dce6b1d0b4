package acceptance

import (
	"strings"
	"testing"
)

// TestHappyPath covers spec §8 scenario 1: a single USER_REQUEST delivered
// to one agent, processed once, closes done with a packet that exists only
// in processed/.
func TestHappyPath(t *testing.T) {
	h := newHarness(t)

	if out, err := h.deliver("t1", []string{"backend"}, "USER_REQUEST", "do the thing"); err != nil {
		t.Fatalf("deliver: %v\n%s", err, out)
	}
	if !h.exists(h.inboxPath("backend", "new", "t1")) {
		t.Fatal("expected t1 in inbox/backend/new/")
	}

	out, err := h.runWorkerOnce("backend", "done")
	if err != nil {
		t.Fatalf("worker: %v\n%s", err, out)
	}

	r, err := h.readReceipt("backend", "t1")
	if err != nil {
		t.Fatalf("reading receipt: %v", err)
	}
	if r.Outcome != "done" {
		t.Errorf("outcome = %q, want done", r.Outcome)
	}
	if !strings.Contains(r.Note, "ok") {
		t.Errorf("note = %q, want it to contain ok", r.Note)
	}

	for _, st := range []string{"new", "seen", "in_progress"} {
		if h.exists(h.inboxPath("backend", st, "t1")) {
			t.Errorf("t1 should not remain in %s/", st)
		}
	}
	if !h.exists(h.inboxPath("backend", "processed", "t1")) {
		t.Error("t1 should exist in processed/")
	}
}
