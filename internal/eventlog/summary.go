package eventlog

import (
	"time"

	"github.com/ralph-review/ralph-review/internal/errs"
)

const schemaVersion = 1

// SessionSummary is the rebuildable sidecar derived from a session's event
// log. It exists to bound dashboard read cost to O(new bytes) instead of
// O(log size); Log maintains it incrementally in memory as entries are
// appended, and RebuildSummary recomputes it from a full rescan when a
// reader's cached state is untrustworthy.
type SessionSummary struct {
	SchemaVersion    int            `json:"schema_version"`
	LogPath          string         `json:"log_path"`
	Status           string         `json:"status"`
	Iterations       int            `json:"iterations"`
	TotalFixes       int            `json:"total_fixes"`
	TotalSkipped     int            `json:"total_skipped"`
	PriorityCounts   map[string]int `json:"priority_counts"`
	RollbackCount    int            `json:"rollback_count"`
	RollbackFailures int            `json:"rollback_failures"`
	TotalDurationMs  int64          `json:"total_duration_ms,omitempty"`
	StopIteration    *bool          `json:"stop_iteration,omitempty"`
	HasIteration     bool           `json:"has_iteration"`
	EndedAt          *time.Time     `json:"ended_at,omitempty"`
	Reason           string         `json:"reason,omitempty"`
	ProjectPath      string         `json:"project_path,omitempty"`
	GitBranch        string         `json:"git_branch,omitempty"`
}

func newSummary(logPath string) SessionSummary {
	return SessionSummary{
		SchemaVersion:  schemaVersion,
		LogPath:        logPath,
		Status:         "unknown",
		PriorityCounts: map[string]int{"P0": 0, "P1": 0, "P2": 0, "P3": 0},
	}
}

// summarize folds a full entry slice into a SessionSummary from scratch.
func summarize(logPath string, entries []Entry) SessionSummary {
	s := newSummary(logPath)
	for _, e := range entries {
		applyEntry(&s, e)
	}
	s.Status = DeriveStatus(entries)
	return s
}

// applyEntry folds one entry's effect into s, except for Status, which
// depends on the full entry sequence and is set by DeriveStatus.
func applyEntry(s *SessionSummary, e Entry) {
	switch e.Type {
	case TypeSystem:
		if e.System != nil {
			s.ProjectPath = e.System.ProjectPath
			s.GitBranch = e.System.Branch
		}
	case TypeIteration:
		if e.Iteration == nil {
			return
		}
		s.HasIteration = true
		s.Iterations = e.Iteration.Ordinal
		s.TotalDurationMs += e.Iteration.DurationMs

		if rs := e.Iteration.ReviewSummary; rs != nil {
			stop := rs.StopIteration
			s.StopIteration = &stop
		}
		if fs := e.Iteration.FixSummary; fs != nil {
			stop := fs.StopIteration
			s.StopIteration = &stop
			s.TotalFixes += len(fs.Fixes)
			s.TotalSkipped += len(fs.Skipped)
			for _, f := range fs.Fixes {
				s.PriorityCounts[string(f.Priority)]++
			}
		}
		if rb := e.Iteration.Rollback; rb != nil && rb.Attempted {
			s.RollbackCount++
			if !rb.Success {
				s.RollbackFailures++
			}
		}
	case TypeSessionEnd:
		if e.SessionEnd != nil {
			s.Reason = e.SessionEnd.Reason
			s.Iterations = e.SessionEnd.Iterations
			t := e.Timestamp
			s.EndedAt = &t
		}
	}
}

// DeriveStatus derives a session's terminal status from its entries: a
// recorded session_end status wins outright; otherwise interrupt wording on
// an iteration error beats a plain iteration error, which beats a clean run
// with at least one iteration, which beats "unknown".
func DeriveStatus(entries []Entry) string {
	for _, e := range entries {
		if e.Type == TypeSessionEnd && e.SessionEnd != nil {
			return e.SessionEnd.Status
		}
	}

	sawError := false
	hasIteration := false
	for _, e := range entries {
		if e.Type != TypeIteration || e.Iteration == nil {
			continue
		}
		hasIteration = true
		if e.Iteration.Error == nil {
			continue
		}
		sawError = true
		if errs.IsInterruptWording(e.Iteration.Error.Message) {
			return "interrupted"
		}
	}

	if sawError {
		return "failed"
	}
	if hasIteration {
		return "completed"
	}
	return "unknown"
}
