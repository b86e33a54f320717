// Package eventlog implements the append-only JSONL session record and its
// rebuildable summary sidecar: every system, iteration, and session_end event
// a review session emits is appended under a mutex as one timestamped JSON
// line, and a summary file is maintained incrementally alongside it so
// a dashboard or CLI status command never has to replay the whole log.
package eventlog

import (
	"time"

	"github.com/ralph-review/ralph-review/internal/review"
)

// Type is the tag of the LogEntry union.
type Type string

const (
	TypeSystem     Type = "system"
	TypeIteration  Type = "iteration"
	TypeSessionEnd Type = "session_end"
)

// SystemInfo is the run-start metadata recorded in the first entry.
type SystemInfo struct {
	ProjectPath   string `json:"project_path"`
	Branch        string `json:"branch"`
	SessionID     string `json:"session_id"`
	MaxIterations int    `json:"max_iterations"`
	Reviewer      string `json:"reviewer_agent_id"`
	Fixer         string `json:"fixer_agent_id"`
	Simplifier    string `json:"simplifier_agent_id,omitempty"`
}

// IterationError records a phase failure attached to an iteration entry.
type IterationError struct {
	Phase    string `json:"phase"`
	Message  string `json:"message"`
	ExitCode *int   `json:"exit_code,omitempty"`
}

// RollbackInfo records the outcome of a rollback attempt within an iteration.
type RollbackInfo struct {
	Attempted bool   `json:"attempted"`
	Success   bool   `json:"success"`
	Reason    string `json:"reason,omitempty"`
}

// IterationInfo is the payload of an "iteration" entry.
type IterationInfo struct {
	Ordinal       int                   `json:"ordinal"`
	DurationMs    int64                 `json:"duration_ms"`
	ReviewSummary *review.ReviewSummary `json:"review_summary,omitempty"`
	FixSummary    *review.FixSummary    `json:"fix_summary,omitempty"`
	Error         *IterationError       `json:"error,omitempty"`
	Rollback      *RollbackInfo         `json:"rollback,omitempty"`
}

// SessionEndInfo is the payload of the terminal "session_end" entry.
type SessionEndInfo struct {
	Status     string `json:"status"`
	Reason     string `json:"reason,omitempty"`
	Iterations int    `json:"iterations"`
}

// Entry is one line of the event log: a tagged union over SystemInfo,
// IterationInfo, and SessionEndInfo.
type Entry struct {
	Type       Type            `json:"type"`
	Timestamp  time.Time       `json:"timestamp"`
	System     *SystemInfo     `json:"system,omitempty"`
	Iteration  *IterationInfo  `json:"iteration,omitempty"`
	SessionEnd *SessionEndInfo `json:"session_end,omitempty"`
}

// NewSystemEntry builds the first entry a session writes.
func NewSystemEntry(now time.Time, info SystemInfo) Entry {
	return Entry{Type: TypeSystem, Timestamp: now, System: &info}
}

// NewIterationEntry builds an "iteration" entry.
func NewIterationEntry(now time.Time, info IterationInfo) Entry {
	return Entry{Type: TypeIteration, Timestamp: now, Iteration: &info}
}

// NewSessionEndEntry builds the terminal "session_end" entry.
func NewSessionEndEntry(now time.Time, info SessionEndInfo) Entry {
	return Entry{Type: TypeSessionEnd, Timestamp: now, SessionEnd: &info}
}
