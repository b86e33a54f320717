package eventlog

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ralph-review/ralph-review/internal/review"
)

func TestOpenAndAppend(t *testing.T) {
	dir := t.TempDir()
	ts := time.Date(2026, 7, 30, 12, 0, 0, 0, time.UTC)

	l, err := Open(dir, "/repo/project", "feature/x", ts)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if filepath.Dir(l.Path()) == dir {
		t.Errorf("expected log nested under a per-project directory, got %q", l.Path())
	}

	if err := l.Append(NewSystemEntry(ts, SystemInfo{ProjectPath: "/repo/project", Branch: "feature/x", SessionID: "s1", MaxIterations: 5})); err != nil {
		t.Fatalf("Append system: %v", err)
	}
	if err := l.Append(NewIterationEntry(ts, IterationInfo{
		Ordinal:    1,
		DurationMs: 1200,
		FixSummary: &review.FixSummary{Decision: review.DecisionApplyAll, StopIteration: true, Fixes: []review.FixEntry{{ID: 1, Priority: review.PriorityP1}}},
	})); err != nil {
		t.Fatalf("Append iteration: %v", err)
	}
	if err := l.Append(NewSessionEndEntry(ts, SessionEndInfo{Status: "completed", Iterations: 1})); err != nil {
		t.Fatalf("Append session_end: %v", err)
	}

	entries, err := ReadAll(l.Path())
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("got %d entries, want 3", len(entries))
	}
	if entries[0].Type != TypeSystem || entries[1].Type != TypeIteration || entries[2].Type != TypeSessionEnd {
		t.Errorf("entries out of order: %+v", entries)
	}

	if _, err := os.Stat(l.SummaryPath()); err != nil {
		t.Fatalf("expected summary file to exist: %v", err)
	}
	summary, err := RebuildSummary(l.Path())
	if err != nil {
		t.Fatalf("RebuildSummary: %v", err)
	}
	if summary.Status != "completed" {
		t.Errorf("Status = %q, want completed", summary.Status)
	}
	if summary.TotalFixes != 1 {
		t.Errorf("TotalFixes = %d, want 1", summary.TotalFixes)
	}
	if summary.PriorityCounts["P1"] != 1 {
		t.Errorf("PriorityCounts[P1] = %d, want 1", summary.PriorityCounts["P1"])
	}

	var noTmp []string
	entriesDir, _ := os.ReadDir(filepath.Dir(l.SummaryPath()))
	for _, e := range entriesDir {
		if filepath.Ext(e.Name()) == ".tmp" {
			noTmp = append(noTmp, e.Name())
		}
	}
	if len(noTmp) != 0 {
		t.Errorf("leftover temp files: %v", noTmp)
	}
}

func TestSummary_SkippedFindingsDoNotCountTowardPriorityCounts(t *testing.T) {
	dir := t.TempDir()
	ts := time.Date(2026, 7, 30, 12, 0, 0, 0, time.UTC)

	l, err := Open(dir, "/repo/project", "main", ts)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	if err := l.Append(NewIterationEntry(ts, IterationInfo{
		Ordinal: 1,
		ReviewSummary: &review.ReviewSummary{
			Decision: review.DecisionApplySelectively,
			Findings: []review.Finding{
				{ID: 1, Title: "a", Priority: review.PriorityP0, File: "a.go"},
				{ID: 2, Title: "b", Priority: review.PriorityP2, File: "b.go"},
			},
		},
		FixSummary: &review.FixSummary{
			Decision: review.DecisionApplySelectively,
			Fixes:    []review.FixEntry{{ID: 1, Priority: review.PriorityP0}},
			Skipped:  []review.SkippedEntry{{ID: 2, Priority: review.PriorityP2, Reason: "risky"}},
		},
	})); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := l.Append(NewIterationEntry(ts, IterationInfo{
		Ordinal: 2,
		ReviewSummary: &review.ReviewSummary{
			Decision:      review.DecisionNoChangesNeeded,
			StopIteration: true,
		},
	})); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := l.Append(NewSessionEndEntry(ts, SessionEndInfo{Status: "completed", Iterations: 2})); err != nil {
		t.Fatalf("Append: %v", err)
	}

	summary, err := RebuildSummary(l.Path())
	if err != nil {
		t.Fatalf("RebuildSummary: %v", err)
	}
	if summary.TotalFixes != 1 {
		t.Errorf("TotalFixes = %d, want 1", summary.TotalFixes)
	}
	if summary.TotalSkipped != 1 {
		t.Errorf("TotalSkipped = %d, want 1", summary.TotalSkipped)
	}
	if summary.PriorityCounts["P0"] != 1 {
		t.Errorf("PriorityCounts[P0] = %d, want 1", summary.PriorityCounts["P0"])
	}
	if summary.PriorityCounts["P2"] != 0 {
		t.Errorf("PriorityCounts[P2] = %d, want 0 (skipped findings are not counted)", summary.PriorityCounts["P2"])
	}
	if summary.Iterations != 2 {
		t.Errorf("Iterations = %d, want 2", summary.Iterations)
	}
	if summary.Status != "completed" {
		t.Errorf("Status = %q, want completed", summary.Status)
	}
}

func TestReadAll_SkipsMalformedLines(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "log.jsonl")
	content := "{\"type\":\"system\"}\n\nnot json\n{\"type\":\"session_end\",\"session_end\":{\"status\":\"completed\"}}\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	entries, err := ReadAll(path)
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("got %d entries, want 2 (blank and malformed lines skipped): %+v", len(entries), entries)
	}
}

func TestReadIncremental(t *testing.T) {
	dir := t.TempDir()
	ts := time.Now().UTC()
	l, err := Open(dir, "/repo/project", "main", ts)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	if err := l.Append(NewSystemEntry(ts, SystemInfo{ProjectPath: "/repo/project"})); err != nil {
		t.Fatalf("Append: %v", err)
	}

	entries, state, outcome, err := ReadIncremental(l.Path(), nil)
	if err != nil {
		t.Fatalf("ReadIncremental (first): %v", err)
	}
	if outcome != OutcomeReset {
		t.Errorf("first read outcome = %q, want reset", outcome)
	}
	if len(entries) != 1 {
		t.Fatalf("got %d entries, want 1", len(entries))
	}

	_, state2, outcome2, err := ReadIncremental(l.Path(), &state)
	if err != nil {
		t.Fatalf("ReadIncremental (unchanged): %v", err)
	}
	if outcome2 != OutcomeUnchanged {
		t.Errorf("second read outcome = %q, want unchanged", outcome2)
	}

	if err := l.Append(NewIterationEntry(ts, IterationInfo{Ordinal: 1, DurationMs: 5})); err != nil {
		t.Fatalf("Append: %v", err)
	}

	more, state3, outcome3, err := ReadIncremental(l.Path(), &state2)
	if err != nil {
		t.Fatalf("ReadIncremental (incremental): %v", err)
	}
	if outcome3 != OutcomeIncremental {
		t.Errorf("third read outcome = %q, want incremental", outcome3)
	}
	if len(more) != 1 || more[0].Type != TypeIteration {
		t.Fatalf("got %+v, want a single iteration entry", more)
	}
	if state3.OffsetBytes <= state2.OffsetBytes {
		t.Errorf("offset did not advance: %d -> %d", state2.OffsetBytes, state3.OffsetBytes)
	}
}

func TestReadIncremental_DetectsTruncation(t *testing.T) {
	dir := t.TempDir()
	ts := time.Now().UTC()
	l, err := Open(dir, "/repo/project", "main", ts)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := l.Append(NewSystemEntry(ts, SystemInfo{ProjectPath: "/repo/project"})); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := l.Append(NewIterationEntry(ts, IterationInfo{Ordinal: 1})); err != nil {
		t.Fatalf("Append: %v", err)
	}

	_, state, _, err := ReadIncremental(l.Path(), nil)
	if err != nil {
		t.Fatalf("ReadIncremental: %v", err)
	}

	if err := os.Truncate(l.Path(), 10); err != nil {
		t.Fatalf("Truncate: %v", err)
	}

	_, _, outcome, err := ReadIncremental(l.Path(), &state)
	if err != nil {
		t.Fatalf("ReadIncremental (after truncate): %v", err)
	}
	if outcome != OutcomeReset {
		t.Errorf("outcome after truncation = %q, want reset", outcome)
	}
}

func TestDeriveStatus(t *testing.T) {
	tests := []struct {
		name    string
		entries []Entry
		want    string
	}{
		{name: "no entries", entries: nil, want: "unknown"},
		{
			name: "session_end wins outright",
			entries: []Entry{
				NewIterationEntry(time.Time{}, IterationInfo{Ordinal: 1, Error: &IterationError{Message: "boom"}}),
				NewSessionEndEntry(time.Time{}, SessionEndInfo{Status: "completed"}),
			},
			want: "completed",
		},
		{
			name: "interrupt wording beats generic error",
			entries: []Entry{
				NewIterationEntry(time.Time{}, IterationInfo{Ordinal: 1, Error: &IterationError{Message: "operation Interrupted by user"}}),
			},
			want: "interrupted",
		},
		{
			name: "plain error without session_end",
			entries: []Entry{
				NewIterationEntry(time.Time{}, IterationInfo{Ordinal: 1, Error: &IterationError{Message: "agent exited 1"}}),
			},
			want: "failed",
		},
		{
			name: "clean iterations with no error",
			entries: []Entry{
				NewIterationEntry(time.Time{}, IterationInfo{Ordinal: 1}),
				NewIterationEntry(time.Time{}, IterationInfo{Ordinal: 2}),
			},
			want: "completed",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := DeriveStatus(tt.entries); got != tt.want {
				t.Errorf("DeriveStatus() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestSanitizeBranch(t *testing.T) {
	tests := []struct{ in, want string }{
		{in: "", want: "default"},
		{in: "main", want: "main"},
		{in: "feature/foo bar", want: "feature-foo-bar"},
		{in: "release/1.2.3", want: "release-1-2-3"},
	}
	for _, tt := range tests {
		if got := sanitizeBranch(tt.in); got != tt.want {
			t.Errorf("sanitizeBranch(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
