// Package errs is the domain error taxonomy shared by every layer of the
// review cycle engine: fatal startup errors, per-iteration errors eligible
// for retry, and the terminal interrupt error. Every error implements Kind,
// Severity, IsRetryable, and IsUserFacing so the Iteration Controller can
// classify an error without type-switching on concrete types.
package errs

import (
	"errors"
	"fmt"
	"strings"
)

// Re-export standard library functions so callers need only import this
// package for error handling.
var (
	Is     = errors.Is
	As     = errors.As
	Unwrap = errors.Unwrap
	New    = errors.New
	Join   = errors.Join
)

// Severity classifies how serious an error is.
type Severity int

const (
	SeverityWarning Severity = iota
	SeverityError
	SeverityCritical
)

func (s Severity) String() string {
	switch s {
	case SeverityWarning:
		return "warning"
	case SeverityError:
		return "error"
	case SeverityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// Kind enumerates the recognized error categories the engine can produce.
type Kind int

const (
	// ConfigMissing indicates required configuration was absent. Fatal at startup.
	ConfigMissing Kind = iota
	// ConfigInvalid indicates configuration failed validation. Fatal at startup.
	ConfigInvalid
	// PreconditionFailed indicates a startup precondition was not met (not a
	// source-control tree, nothing to review, conflicting options). Fatal.
	PreconditionFailed
	// AgentUnavailable indicates a configured agent binary is absent on PATH. Fatal.
	AgentUnavailable
	// LockContention indicates a live lock already exists for this project/branch. Fatal.
	LockContention
	// AgentTimeout indicates an agent invocation exceeded its per-iteration timeout.
	AgentTimeout
	// AgentSpawn indicates the agent process could not be started.
	AgentSpawn
	// AgentNonZeroExit indicates the agent exited nonzero without a usable structured payload.
	AgentNonZeroExit
	// StructuredOutputMissing indicates no candidate matched the target schema.
	StructuredOutputMissing
	// StructuredOutputInvalid indicates a candidate was found but failed schema validation.
	StructuredOutputInvalid
	// RollbackFailed indicates a rollback attempt did not restore the working tree.
	// Logged on the iteration; never terminal by itself.
	RollbackFailed
	// Interrupted indicates the session ended due to operator interrupt. Terminal.
	Interrupted
)

func (k Kind) String() string {
	switch k {
	case ConfigMissing:
		return "ConfigMissing"
	case ConfigInvalid:
		return "ConfigInvalid"
	case PreconditionFailed:
		return "PreconditionFailed"
	case AgentUnavailable:
		return "AgentUnavailable"
	case LockContention:
		return "LockContention"
	case AgentTimeout:
		return "AgentTimeout"
	case AgentSpawn:
		return "AgentSpawn"
	case AgentNonZeroExit:
		return "AgentNonZeroExit"
	case StructuredOutputMissing:
		return "StructuredOutputMissing"
	case StructuredOutputInvalid:
		return "StructuredOutputInvalid"
	case RollbackFailed:
		return "RollbackFailed"
	case Interrupted:
		return "Interrupted"
	default:
		return "Unknown"
	}
}

// fatalAtStartup reports whether this kind always terminates the run before
// the iteration loop starts.
func (k Kind) fatalAtStartup() bool {
	switch k {
	case ConfigMissing, ConfigInvalid, PreconditionFailed, AgentUnavailable, LockContention:
		return true
	default:
		return false
	}
}

// defaultRetryable reports the default retry eligibility for a kind absent
// any explicit override. Only transport-level agent failures are retryable
// by the Agent Invoker itself; structured-output failures are retried (if at
// all) by the Iteration Controller's own per-phase policy, not the Invoker.
func (k Kind) defaultRetryable() bool {
	switch k {
	case AgentTimeout, AgentSpawn, AgentNonZeroExit:
		return true
	default:
		return false
	}
}

// CycleError is the base type for every error produced by the review cycle
// engine. It carries enough context (phase, iteration, and an optional
// underlying exit code) for the Iteration Controller to log a faithful
// error{phase, message, exitCode} entry.
type CycleError struct {
	kind      Kind
	message   string
	cause     error
	phase     string
	iteration int
	retryable bool
	severity  Severity
	exitCode  *int
}

// Newf creates a CycleError of the given kind.
func Newf(kind Kind, cause error, format string, args ...any) *CycleError {
	return &CycleError{
		kind:      kind,
		message:   fmt.Sprintf(format, args...),
		cause:     cause,
		retryable: kind.defaultRetryable(),
		severity:  severityFor(kind),
	}
}

func severityFor(k Kind) Severity {
	if k.fatalAtStartup() || k == Interrupted {
		return SeverityCritical
	}
	return SeverityError
}

// WithPhase attaches the iteration phase ("reviewer", "fixer", "code-simplifier") this error occurred in.
func (e *CycleError) WithPhase(phase string) *CycleError {
	e.phase = phase
	return e
}

// WithIteration attaches the iteration ordinal this error occurred in.
func (e *CycleError) WithIteration(iteration int) *CycleError {
	e.iteration = iteration
	return e
}

// WithRetryable overrides the default retry classification.
func (e *CycleError) WithRetryable(r bool) *CycleError {
	e.retryable = r
	return e
}

// WithExitCode attaches the child process exit code that produced this
// error, when one is available (e.g. a nonzero agent exit).
func (e *CycleError) WithExitCode(code int) *CycleError {
	e.exitCode = &code
	return e
}

func (e *CycleError) Error() string {
	prefix := e.kind.String()
	if e.phase != "" {
		prefix = fmt.Sprintf("%s[phase=%s]", prefix, e.phase)
	}
	if e.iteration > 0 {
		prefix = fmt.Sprintf("%s[iteration=%d]", prefix, e.iteration)
	}
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", prefix, e.message, e.cause)
	}
	return fmt.Sprintf("%s: %s", prefix, e.message)
}

func (e *CycleError) Unwrap() error { return e.cause }

func (e *CycleError) Is(target error) bool {
	var other *CycleError
	if errors.As(target, &other) {
		return other.kind == e.kind
	}
	if e.cause != nil {
		return errors.Is(e.cause, target)
	}
	return false
}

// Kind returns the error's taxonomy entry.
func (e *CycleError) Kind() Kind { return e.kind }

// Phase returns the iteration phase the error occurred in, if set.
func (e *CycleError) Phase() string { return e.phase }

// Iteration returns the iteration ordinal the error occurred in, if set.
func (e *CycleError) Iteration() int { return e.iteration }

// ExitCode returns the child process exit code that produced this error,
// or nil if none was recorded.
func (e *CycleError) ExitCode() *int { return e.exitCode }

// Severity returns the error's severity classification.
func (e *CycleError) Severity() Severity { return e.severity }

// IsRetryable reports whether the Agent Invoker's retry policy applies.
func (e *CycleError) IsRetryable() bool { return e.retryable }

// IsUserFacing reports whether the message is safe to print to the operator.
// Every CycleError is user-facing: the taxonomy exists precisely so failures
// surface clearly rather than as opaque wrapped errors.
func (e *CycleError) IsUserFacing() bool { return true }

// IsInterruptWording reports whether an error's message reads as an operator
// interrupt rather than an ordinary failure, so a caller that only has a
// formatted message (not the original CycleError) can still derive status.
func IsInterruptWording(msg string) bool {
	return strings.Contains(strings.ToLower(msg), "interrupt")
}

// IsRetryable classifies an arbitrary error using the CycleError interface
// when present.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var ce *CycleError
	if As(err, &ce) {
		return ce.IsRetryable()
	}
	return false
}

// IsUserFacing classifies an arbitrary error using the CycleError interface
// when present.
func IsUserFacing(err error) bool {
	if err == nil {
		return false
	}
	var ce *CycleError
	if As(err, &ce) {
		return ce.IsUserFacing()
	}
	return false
}
