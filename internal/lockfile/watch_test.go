package lockfile

import (
	"testing"
	"time"
)

func TestWatchHeartbeatsObservesTouchAndRelease(t *testing.T) {
	dir := t.TempDir()
	l := New(dir, "/repo/project", "main")

	rec, err := l.Acquire("alice", "sess-1", "/repo/project", "main", ModeForeground)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}

	events, err := WatchHeartbeats(l.Path())
	if err != nil {
		t.Fatalf("WatchHeartbeats: %v", err)
	}

	if err := l.Touch(rec.SessionID); err != nil {
		t.Fatalf("Touch: %v", err)
	}

	select {
	case ev, ok := <-events:
		if !ok {
			t.Fatal("events channel closed before delivering a write event")
		}
		if ev.Record == nil || ev.Record.SessionID != rec.SessionID {
			t.Errorf("event = %+v, want a record for %s", ev, rec.SessionID)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for a heartbeat event")
	}

	if err := l.Release(rec.SessionID, StateCompleted, "done"); err != nil {
		t.Fatalf("Release: %v", err)
	}

	select {
	case ev, ok := <-events:
		if !ok {
			t.Fatal("events channel closed before delivering a remove event")
		}
		if ev.Record != nil {
			t.Errorf("event = %+v, want Record=nil after release", ev)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for a removal event")
	}
}
