// Package engine abstracts the two ways a worker can invoke the external
// coding engine behind one Driver interface: a single-shot PTY-backed
// subprocess ("exec") and a persistent newline-delimited JSON-RPC subprocess
// ("app-server"). Grounded on the teacher's internal/engine/engine.go
// invokeAgent (pty.Open + io.Copy) generalized from "run once per concern"
// to "run one turn, possibly restarted mid-flight by a watcher".
package engine

import "context"

// SandboxPolicy mirrors the engine CLI's --sandbox values (spec §4.4).
type SandboxPolicy string

const (
	SandboxWorkspaceWrite SandboxPolicy = "workspace-write"
	SandboxDangerFull     SandboxPolicy = "dangerFullAccess"
)

// TurnStatus is the terminal state of a turn (spec §4.4 streamed notifications).
type TurnStatus string

const (
	TurnCompleted   TurnStatus = "completed"
	TurnInterrupted TurnStatus = "interrupted"
	TurnFailed      TurnStatus = "failed"
)

// TurnOptions configures a single runTurn call.
type TurnOptions struct {
	ThreadID      string
	Sandbox       SandboxPolicy
	AddDirs       []string
	ConfigKV      map[string]string
	WorkDir       string
	EngineHomeDir string
	CredHelperCfg map[string]string // GIT_CONFIG_KEY_n / GIT_CONFIG_VALUE_n pairs, pre-rendered
}

// Result is what a turn produces: the engine's final message, the thread id
// observed (for pinning), and how the turn ended.
type Result struct {
	Status      TurnStatus
	FinalOutput string
	ThreadID    string
	StderrTail  string
}

// Driver is the common surface both engines implement (spec §4.4: "Abstracts
// two engines behind one interface runTurn(prompt, opts) → Result").
type Driver interface {
	// RunTurn starts a turn and blocks until it completes, is interrupted via
	// ctx cancellation, or fails. Interruption must not return an error; it
	// reports Result{Status: TurnInterrupted}.
	RunTurn(ctx context.Context, prompt string, opts TurnOptions) (Result, error)

	// Close releases any held subprocess/resources (a no-op for exec, which
	// holds nothing between turns).
	Close() error
}

// ReviewTarget is what a built-in review turn should review (spec §4.7 step
// 4: "Triggers a built-in review turn"; §4.4 "review/start(target)
// (optional)").
type ReviewTarget struct {
	Scope           string   // "commit" | "pr"
	CommitSha       string   // the commit under review for this call
	ReviewedCommits []string // full ordered PR commit list, when Scope == "pr"
}

// ReviewDriver is implemented by drivers that back a dedicated review turn
// with a protocol-level call distinct from a normal task turn. The
// app-server driver implements it via the review/start RPC (spec §4.4); the
// exec driver has no equivalent command-line verb and does not implement
// this interface, so its review turns run as a normal RunTurn invocation
// carrying a review-focused prompt instead.
type ReviewDriver interface {
	StartReview(ctx context.Context, target ReviewTarget) (Result, error)
}
