// Package config assembles the immutable WorkerConfig value that every
// worker component receives explicitly (spec §9 "per-process global config"
// redesign note). Grounded on the teacher's internal/config.Config
// Load/Validate/Duration pair, generalized from a per-repo agent.yaml into
// environment-toggle + flag driven worker settings.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// WorkerConfig is gathered once at worker startup and passed by value (or
// pointer-to-immutable) to every component; nothing mutates it after Load
// returns.
type WorkerConfig struct {
	BusRoot      string
	RepoRoot     string
	WorktreesDir string
	Agent        string

	PollMs              int64
	EngineExecTimeoutMs int64
	OpusGateTimeoutMs   int64
	MaxRetries          int
	MaxRestarts         int

	EngineMaxSlots int
	OpusMaxSlots   int
	SlotStaleMs    int64

	BackoffBaseMs int64
	BackoffCapMs  int64

	ContentPolicy string // "warn" | "block"

	EngineHomeIsolated bool
	Once               bool

	// ThreadRotateAfter is the turnCount threshold past which a root-scoped
	// thread pin rotates onto a fresh thread (spec §4.4 "rotate when
	// turnCount exceeds a configured threshold"; mirrors
	// AGENTIC_AUTOPILOT_SESSION_ROTATE_TURNS, 0 disables).
	ThreadRotateAfter int
}

// Defaults mirror the spec's named defaults (§4.1 poll interval, §4.4
// restart cap, §4.3 backoff bounds).
var Defaults = WorkerConfig{
	PollMs:              200,
	EngineExecTimeoutMs: 10 * 60 * 1000,
	OpusGateTimeoutMs:   5 * 60 * 1000,
	MaxRetries:          3,
	MaxRestarts:         8,
	EngineMaxSlots:      4,
	OpusMaxSlots:        1,
	SlotStaleMs:         60_000,
	BackoffBaseMs:       25,
	BackoffCapMs:        500,
	ContentPolicy:       "warn",
	ThreadRotateAfter:   40,
}

// envOverrides are applied on top of Defaults, and flag values passed to Load
// override them in turn, letting operators tune a running fleet without
// touching CLI invocations.
var envOverrides = map[string]func(*WorkerConfig, string) error{
	"AGENTIC_BUS_POLL_MS": intField(func(c *WorkerConfig) *int64 { return &c.PollMs }),
	"AGENTIC_BUS_ENGINE_EXEC_TIMEOUT_MS": intField(func(c *WorkerConfig) *int64 { return &c.EngineExecTimeoutMs }),
	"AGENTIC_BUS_OPUS_GATE_TIMEOUT_MS":   intField(func(c *WorkerConfig) *int64 { return &c.OpusGateTimeoutMs }),
	"AGENTIC_BUS_MAX_RETRIES":            intPtrField(func(c *WorkerConfig) *int { return &c.MaxRetries }),
	"AGENTIC_BUS_MAX_RESTARTS":           intPtrField(func(c *WorkerConfig) *int { return &c.MaxRestarts }),
	"AGENTIC_BUS_ENGINE_MAX_SLOTS":       intPtrField(func(c *WorkerConfig) *int { return &c.EngineMaxSlots }),
	"AGENTIC_BUS_CONTENT_POLICY": func(c *WorkerConfig, v string) error {
		if v != "warn" && v != "block" {
			return fmt.Errorf("AGENTIC_BUS_CONTENT_POLICY must be warn or block, got %q", v)
		}
		c.ContentPolicy = v
		return nil
	},
	"AGENTIC_BUS_ENGINE_HOME_ISOLATED": func(c *WorkerConfig, v string) error {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("AGENTIC_BUS_ENGINE_HOME_ISOLATED: %w", err)
		}
		c.EngineHomeIsolated = b
		return nil
	},
	"AGENTIC_BUS_THREAD_ROTATE_AFTER": intPtrField(func(c *WorkerConfig) *int { return &c.ThreadRotateAfter }),
}

func intField(get func(*WorkerConfig) *int64) func(*WorkerConfig, string) error {
	return func(c *WorkerConfig, v string) error {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return err
		}
		*get(c) = n
		return nil
	}
}

func intPtrField(get func(*WorkerConfig) *int) func(*WorkerConfig, string) error {
	return func(c *WorkerConfig, v string) error {
		n, err := strconv.Atoi(v)
		if err != nil {
			return err
		}
		*get(c) = n
		return nil
	}
}

// Load builds a WorkerConfig starting from Defaults, applying environment
// toggles, then the caller-supplied fields (flags take precedence over
// everything).
func Load(agent, busRoot, repoRoot, worktreesDir string, flags WorkerConfig) (WorkerConfig, error) {
	cfg := Defaults
	for key, apply := range envOverrides {
		if v, ok := os.LookupEnv(key); ok {
			if err := apply(&cfg, v); err != nil {
				return WorkerConfig{}, fmt.Errorf("parsing %s: %w", key, err)
			}
		}
	}

	cfg.Agent = agent
	cfg.BusRoot = busRoot
	cfg.RepoRoot = repoRoot
	cfg.WorktreesDir = worktreesDir

	if flags.PollMs != 0 {
		cfg.PollMs = flags.PollMs
	}
	if flags.EngineExecTimeoutMs != 0 {
		cfg.EngineExecTimeoutMs = flags.EngineExecTimeoutMs
	}
	if flags.OpusGateTimeoutMs != 0 {
		cfg.OpusGateTimeoutMs = flags.OpusGateTimeoutMs
	}
	if flags.MaxRetries != 0 {
		cfg.MaxRetries = flags.MaxRetries
	}
	if flags.MaxRestarts != 0 {
		cfg.MaxRestarts = flags.MaxRestarts
	}
	if flags.EngineMaxSlots != 0 {
		cfg.EngineMaxSlots = flags.EngineMaxSlots
	}
	if flags.ContentPolicy != "" {
		cfg.ContentPolicy = flags.ContentPolicy
	}
	if flags.ThreadRotateAfter != 0 {
		cfg.ThreadRotateAfter = flags.ThreadRotateAfter
	}
	cfg.Once = flags.Once
	cfg.EngineHomeIsolated = cfg.EngineHomeIsolated || flags.EngineHomeIsolated

	if err := Validate(cfg); err != nil {
		return WorkerConfig{}, err
	}
	return cfg, nil
}

// Validate rejects configurations the worker cannot safely start with (spec
// §8 propagation policy: "it aborts only on its own config errors").
func Validate(cfg WorkerConfig) error {
	if cfg.Agent == "" {
		return fmt.Errorf("agent is required")
	}
	if cfg.BusRoot == "" {
		return fmt.Errorf("busRoot is required")
	}
	if cfg.ContentPolicy != "warn" && cfg.ContentPolicy != "block" {
		return fmt.Errorf("contentPolicy must be warn or block, got %q", cfg.ContentPolicy)
	}
	if cfg.EngineMaxSlots < 1 {
		return fmt.Errorf("engineMaxSlots must be >= 1, got %d", cfg.EngineMaxSlots)
	}
	if cfg.PollMs < 1 {
		return fmt.Errorf("pollMs must be positive, got %d", cfg.PollMs)
	}
	return nil
}

func (c WorkerConfig) EngineExecTimeout() time.Duration {
	return time.Duration(c.EngineExecTimeoutMs) * time.Millisecond
}

func (c WorkerConfig) OpusGateTimeout() time.Duration {
	return time.Duration(c.OpusGateTimeoutMs) * time.Millisecond
}

func (c WorkerConfig) PollInterval() time.Duration {
	return time.Duration(c.PollMs) * time.Millisecond
}
