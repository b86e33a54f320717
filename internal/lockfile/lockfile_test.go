package lockfile

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestAcquireThenContendedAcquireFails(t *testing.T) {
	dir := t.TempDir()
	l := New(dir, "/repo/project", "main")

	rec, err := l.Acquire("alice", "sess-1", "/repo/project", "main", ModeForeground)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if rec.State != StatePending {
		t.Errorf("State = %q, want pending", rec.State)
	}

	_, err = l.Acquire("bob", "sess-2", "/repo/project", "main", ModeForeground)
	if err == nil {
		t.Fatalf("expected contended Acquire to fail")
	}
}

func TestAcquireReclaimsStaleLock(t *testing.T) {
	dir := t.TempDir()
	l := New(dir, "/repo/project", "main")

	rec, err := l.Acquire("alice", "sess-1", "/repo/project", "main", ModeForeground)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}

	// Simulate a dead, stale owner: heartbeat far in the past, pid unlikely to be alive.
	rec.LastHeartbeat = time.Now().Add(-1 * time.Hour)
	rec.PID = deadPID
	if err := l.write(rec); err != nil {
		t.Fatalf("write: %v", err)
	}

	_, err = l.Acquire("carol", "sess-3", "/repo/project", "main", ModeForeground)
	if err != nil {
		t.Fatalf("expected stale lock to be reclaimed, got: %v", err)
	}
}

func TestPromoteTouchUpdateRelease(t *testing.T) {
	dir := t.TempDir()
	l := New(dir, "/repo/project", "main")

	rec, err := l.Acquire("alice", "sess-1", "/repo/project", "main", ModeForeground)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}

	if err := l.Promote(rec.SessionID, os.Getpid(), ModeForeground, AgentReviewer); err != nil {
		t.Fatalf("Promote: %v", err)
	}
	got, err := l.Read()
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if got.State != StateRunning {
		t.Errorf("State = %q, want running", got.State)
	}

	if err := l.Update(rec.SessionID, 3, AgentFixer); err != nil {
		t.Fatalf("Update: %v", err)
	}
	got, _ = l.Read()
	if got.Iteration != 3 || got.CurrentAgent != AgentFixer {
		t.Errorf("got %+v, want iteration 3 / fixer", got)
	}

	if err := l.Touch(rec.SessionID); err != nil {
		t.Fatalf("Touch: %v", err)
	}

	if err := l.Release(rec.SessionID, StateCompleted, "reviewer signalled stop"); err != nil {
		t.Fatalf("Release: %v", err)
	}
	got, err = l.Read()
	if err != nil {
		t.Fatalf("Read after release: %v", err)
	}
	if got != nil {
		t.Errorf("expected lock file removed after release, got %+v", got)
	}
}

func TestMutateWithWrongSessionIDIsNoOp(t *testing.T) {
	dir := t.TempDir()
	l := New(dir, "/repo/project", "main")

	rec, err := l.Acquire("alice", "sess-1", "/repo/project", "main", ModeForeground)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}

	if err := l.Touch("not-the-real-session-id"); err != ErrLockNotHeld {
		t.Errorf("Touch with wrong sessionId = %v, want ErrLockNotHeld", err)
	}

	if err := l.Release("not-the-real-session-id", StateFailed, "x"); err != nil {
		t.Fatalf("Release with wrong sessionId should be a no-op, got: %v", err)
	}
	got, _ := l.Read()
	if got == nil || got.SessionID != rec.SessionID {
		t.Errorf("lock should still be held by the original session")
	}
}

func TestAtomicWriteLeavesNoTempFiles(t *testing.T) {
	dir := t.TempDir()
	l := New(dir, "/repo/project", "main")

	if _, err := l.Acquire("alice", "sess-1", "/repo/project", "main", ModeForeground); err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if err := l.Promote("sess-1", os.Getpid(), ModeForeground, AgentReviewer); err != nil {
		t.Fatalf("Promote: %v", err)
	}

	entries, err := os.ReadDir(filepath.Dir(l.Path()))
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	for _, e := range entries {
		if filepath.Ext(e.Name()) == ".tmp" {
			t.Errorf("leftover temp file: %s", e.Name())
		}
	}
}

func TestSanitizeComponentTruncatesLongProjectBasenames(t *testing.T) {
	dir := t.TempDir()
	longName := "a-very-long-project-directory-name-that-exceeds-the-limit"
	l := New(dir, "/repo/"+longName, "main")

	base := filepath.Base(filepath.Dir(l.Path()))
	if len(base) > 20 {
		t.Errorf("lock dir name %q is %d runes, want <= 20", base, len(base))
	}
}

func TestSanitizeComponentReplacesDots(t *testing.T) {
	if got, want := sanitizeComponent("release/1.2.3"), "release-1-2-3"; got != want {
		t.Errorf("sanitizeComponent(%q) = %q, want %q", "release/1.2.3", got, want)
	}
}

// deadPID is chosen to be implausible as a live process on the test host.
const deadPID = 1 << 30
