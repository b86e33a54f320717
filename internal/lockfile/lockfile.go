// Package lockfile implements the per-(project,branch) session lock and its
// heartbeat/staleness rules: a JSON record on disk tracks which session owns
// a project/branch pair, whether its owning process is still alive (checked
// via signal 0), and a compare-and-set on sessionId so only the session that
// acquired the lock can mutate it.
package lockfile

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

// State is a lockfile record's position in the absent -> pending -> running
// -> {completed|failed|interrupted} -> absent state machine.
type State string

const (
	StatePending     State = "pending"
	StateRunning     State = "running"
	StateCompleted   State = "completed"
	StateFailed      State = "failed"
	StateInterrupted State = "interrupted"
)

func (s State) terminal() bool {
	switch s {
	case StateCompleted, StateFailed, StateInterrupted:
		return true
	default:
		return false
	}
}

// Mode is how the session was launched.
type Mode string

const (
	ModeForeground Mode = "foreground"
	ModeBackground Mode = "background"
)

// Agent names the role currently driving the session, for operator visibility.
type Agent string

const (
	AgentNone       Agent = ""
	AgentReviewer   Agent = "reviewer"
	AgentFixer      Agent = "fixer"
	AgentSimplifier Agent = "code-simplifier"
)

// Record is the lockfile's on-disk shape.
type Record struct {
	SessionName   string     `json:"session_name"`
	SessionID     string     `json:"session_id"`
	ProjectPath   string     `json:"project_path"`
	Branch        string     `json:"branch"`
	PID           int        `json:"pid"`
	StartedAt     time.Time  `json:"started_at"`
	State         State      `json:"state"`
	Mode          Mode       `json:"mode"`
	CurrentAgent  Agent      `json:"current_agent"`
	Iteration     int        `json:"iteration"`
	LastHeartbeat time.Time  `json:"last_heartbeat"`
	EndTime       *time.Time `json:"end_time,omitempty"`
	Reason        string     `json:"reason,omitempty"`
}

// ErrAlreadyInProgress is returned by Acquire when a live, non-stale lock is
// already held for this project/branch.
var ErrAlreadyInProgress = fmt.Errorf("review already in progress")

// ErrLockNotHeld is returned by a guarded mutation whose expectedSessionId
// no longer matches the on-disk record.
var ErrLockNotHeld = fmt.Errorf("lockfile: sessionId no longer matches")

// HeartbeatInterval is the cadence at which a live session must refresh
// LastHeartbeat; it is deliberately short relative to any iteration timeout.
const HeartbeatInterval = 5 * time.Second

// staleAfter is the heartbeat-age threshold beyond which a lockfile claiming
// state pending/running is a candidate for staleness (still gated on
// pid-liveness).
const staleAfter = 3 * HeartbeatInterval

// path returns the lockfile path for a given state/project root and branch.
func path(stateRoot, projectPath, branch string) string {
	return filepath.Join(stateRoot, "locks", dirNameFor(projectPath), lockFileNameFor(branch))
}

func dirNameFor(projectPath string) string {
	return truncateComponent(sanitizeComponent(filepath.Base(projectPath)), 20)
}

func lockFileNameFor(branch string) string {
	if branch == "" {
		branch = "default"
	}
	return sanitizeComponent(branch) + ".lock.json"
}

// Lockfile is a handle to one (projectPath, branch) lock's on-disk path,
// guarding concurrent acquire/release attempts from within this process.
type Lockfile struct {
	path string
	mu   sync.Mutex
}

// New returns a handle to the lockfile for (projectPath, branch) under
// stateRoot. It does not touch the filesystem.
func New(stateRoot, projectPath, branch string) *Lockfile {
	return &Lockfile{path: path(stateRoot, projectPath, branch)}
}

// Path returns the lockfile's on-disk path.
func (l *Lockfile) Path() string { return l.path }

// Acquire writes a pending record if the lock is absent. If a record is
// present and is either terminal or stale, and its pid is not alive, it is
// deleted and acquisition is retried once. Otherwise Acquire fails with
// ErrAlreadyInProgress.
func (l *Lockfile) Acquire(sessionName, sessionID, projectPath, branch string, mode Mode) (*Record, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	for attempt := 0; attempt < 2; attempt++ {
		existing, err := l.read()
		if err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("lockfile: read existing: %w", err)
		}

		if existing != nil {
			reclaimable := existing.State.terminal() || isStale(*existing)
			if !reclaimable || isProcessAlive(existing.PID) {
				return nil, fmt.Errorf("%w: held by pid %d since %s", ErrAlreadyInProgress, existing.PID, existing.StartedAt.Format(time.RFC3339))
			}
			if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
				return nil, fmt.Errorf("lockfile: remove stale lock: %w", err)
			}
			continue
		}

		now := time.Now()
		record := &Record{
			SessionName:   sessionName,
			SessionID:     sessionID,
			ProjectPath:   projectPath,
			Branch:        branch,
			PID:           os.Getpid(),
			StartedAt:     now,
			State:         StatePending,
			Mode:          mode,
			CurrentAgent:  AgentNone,
			LastHeartbeat: now,
		}
		if err := l.writeExclusive(record); err != nil {
			if os.IsExist(err) {
				continue // lost the race; loop will observe the new record
			}
			return nil, fmt.Errorf("lockfile: write: %w", err)
		}
		return record, nil
	}

	return nil, fmt.Errorf("%w: could not reclaim stale lock", ErrAlreadyInProgress)
}

// Promote moves pending -> running, setting pid/mode/currentAgent and
// refreshing the heartbeat, guarded by a compare-and-set on sessionId.
func (l *Lockfile) Promote(expectedSessionID string, pid int, mode Mode, currentAgent Agent) error {
	return l.mutate(expectedSessionID, func(r *Record) {
		r.State = StateRunning
		r.PID = pid
		r.Mode = mode
		r.CurrentAgent = currentAgent
		r.LastHeartbeat = time.Now()
	})
}

// Touch refreshes LastHeartbeat only if sessionId still matches. A mismatch
// is non-fatal: the caller may have already been superseded.
func (l *Lockfile) Touch(expectedSessionID string) error {
	return l.mutate(expectedSessionID, func(r *Record) {
		r.LastHeartbeat = time.Now()
	})
}

// Update applies patch fields (iteration, currentAgent) under the sessionId
// guard.
func (l *Lockfile) Update(expectedSessionID string, iteration int, currentAgent Agent) error {
	return l.mutate(expectedSessionID, func(r *Record) {
		r.Iteration = iteration
		r.CurrentAgent = currentAgent
		r.LastHeartbeat = time.Now()
	})
}

// Release sets a terminal state, end time, and reason, then deletes the
// file. A release whose guard fails is a no-op: the lock already changed
// hands.
func (l *Lockfile) Release(expectedSessionID string, terminal State, reason string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	existing, err := l.read()
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("lockfile: read: %w", err)
	}
	if existing.SessionID != expectedSessionID {
		return nil
	}

	now := time.Now()
	existing.State = terminal
	existing.EndTime = &now
	existing.Reason = reason

	if err := l.write(existing); err != nil {
		return fmt.Errorf("lockfile: write terminal record: %w", err)
	}
	if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("lockfile: remove on release: %w", err)
	}
	return nil
}

// Read returns the current on-disk record, or nil if absent.
func (l *Lockfile) Read() (*Record, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	r, err := l.read()
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return r, nil
}

func (l *Lockfile) mutate(expectedSessionID string, apply func(*Record)) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	existing, err := l.read()
	if err != nil {
		if os.IsNotExist(err) {
			return ErrLockNotHeld
		}
		return fmt.Errorf("lockfile: read: %w", err)
	}
	if existing.SessionID != expectedSessionID {
		return ErrLockNotHeld
	}

	apply(existing)
	return l.write(existing)
}

func (l *Lockfile) read() (*Record, error) {
	data, err := os.ReadFile(l.path)
	if err != nil {
		return nil, err
	}
	var r Record
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("lockfile: parse record: %w", err)
	}
	return &r, nil
}

func (l *Lockfile) write(r *Record) error {
	if err := os.MkdirAll(filepath.Dir(l.path), 0o755); err != nil {
		return fmt.Errorf("create lock directory: %w", err)
	}
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}
	return atomicWrite(l.path, data)
}

// writeExclusive creates the lock file only if it does not already exist,
// returning an *os.PathError satisfying os.IsExist on a race.
func (l *Lockfile) writeExclusive(r *Record) error {
	if err := os.MkdirAll(filepath.Dir(l.path), 0o755); err != nil {
		return fmt.Errorf("create lock directory: %w", err)
	}
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}

	f, err := os.OpenFile(l.path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()

	_, err = f.Write(data)
	return err
}

func atomicWrite(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".lock-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmp.Name()

	success := false
	defer func() {
		if !success {
			_ = os.Remove(tmpPath)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("rename temp file: %w", err)
	}
	success = true
	return nil
}

// isStale reports whether r's heartbeat is older than the staleness window.
func isStale(r Record) bool {
	return time.Since(r.LastHeartbeat) > staleAfter
}

// isProcessAlive sends signal 0 to pid to check liveness without affecting
// the process.
func isProcessAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := unix.Kill(pid, 0)
	return err == nil
}

// sanitizeComponent turns an arbitrary project path or branch name into a
// filesystem-safe path component: any run of characters outside
// [a-z0-9_-] is collapsed to a single "-", leading/trailing "-" is
// trimmed, and the result is lowercased. The empty string, the root path
// "/" (which filepath.Base returns unchanged), and any input with no safe
// characters sanitize to "unknown-project".
func sanitizeComponent(s string) string {
	if s == "" || s == "/" {
		return "unknown-project"
	}

	b := make([]rune, 0, len(s))
	lastDash := false
	for _, r := range strings.ToLower(s) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '_', r == '-':
			b = append(b, r)
			lastDash = r == '-'
		default:
			if !lastDash {
				b = append(b, '-')
				lastDash = true
			}
		}
	}
	out := strings.Trim(string(b), "-")
	if out == "" {
		return "unknown-project"
	}
	return out
}

// truncateComponent caps s at n runes, used to bound project basenames
// embedded in session/lock paths.
func truncateComponent(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return strings.TrimRight(string(r[:n]), "-")
}
