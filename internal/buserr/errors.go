// Package buserr defines the sentinel error kinds shared across the bus,
// worker, gate and dispatch packages (spec §7). Call sites wrap a sentinel
// with fmt.Errorf("...: %w", buserr.ErrX) and callers check it with errors.Is.
package buserr

import "errors"

// Transport / race errors — expected during normal contention, never fatal
// to the worker loop.
var (
	ErrAlreadyClaimed = errors.New("task already claimed")
	ErrNotFound       = errors.New("task not found")
)

// Content errors — delivery is refused outright, no state change occurs.
var (
	ErrFrontmatterParse = errors.New("frontmatter parse error")
	ErrUnsafeID         = errors.New("unsafe task id")
	ErrRosterMismatch   = errors.New("recipient not present in roster")
	ErrSuspiciousBody   = errors.New("suspicious content blocked")
)

// Lifecycle errors.
var (
	ErrAlreadyProcessed = errors.New("task already processed")
	ErrReceiptExists    = errors.New("receipt already written")
)

// Engine / worker errors.
var (
	ErrSchemaInvalid      = errors.New("structured output failed schema validation")
	ErrGateBlock          = errors.New("gate blocked the task")
	ErrGuardrailViolation = errors.New("guardrail violation")
	ErrRateLimited        = errors.New("engine rate limited")
	ErrEngineCrashed      = errors.New("engine subprocess crashed")
	ErrConsultTimeout     = errors.New("consult response timeout")
)

// IsRace reports whether err is one of the expected contention errors that a
// worker should silently retry past rather than log as a failure.
func IsRace(err error) bool {
	return errors.Is(err, ErrAlreadyClaimed) || errors.Is(err, ErrNotFound)
}
