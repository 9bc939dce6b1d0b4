package config

import "testing"

func TestLoad_AppliesDefaultsAndFlags(t *testing.T) {
	cfg, err := Load("alice", "/tmp/bus", "/tmp/repo", "/tmp/wt", WorkerConfig{MaxRetries: 5})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.PollMs != Defaults.PollMs {
		t.Errorf("expected default PollMs, got %d", cfg.PollMs)
	}
	if cfg.MaxRetries != 5 {
		t.Errorf("expected flag override MaxRetries=5, got %d", cfg.MaxRetries)
	}
	if cfg.Agent != "alice" || cfg.BusRoot != "/tmp/bus" {
		t.Errorf("expected identity fields to be set, got %+v", cfg)
	}
}

func TestLoad_RejectsEmptyAgent(t *testing.T) {
	if _, err := Load("", "/tmp/bus", "", "", WorkerConfig{}); err == nil {
		t.Fatalf("expected error for empty agent")
	}
}

func TestLoad_RejectsBadContentPolicy(t *testing.T) {
	if _, err := Load("alice", "/tmp/bus", "", "", WorkerConfig{ContentPolicy: "yolo"}); err == nil {
		t.Fatalf("expected error for invalid content policy")
	}
}

func TestEnvOverride_PollMs(t *testing.T) {
	t.Setenv("AGENTIC_BUS_POLL_MS", "500")
	cfg, err := Load("alice", "/tmp/bus", "", "", WorkerConfig{})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.PollMs != 500 {
		t.Errorf("expected env override to set PollMs=500, got %d", cfg.PollMs)
	}
}
