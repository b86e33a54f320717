package eventlog

import (
	"bufio"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"
)

var unsafeBranchChars = regexp.MustCompile(`[^a-zA-Z0-9_-]+`)

func sanitizeBranch(branch string) string {
	if branch == "" {
		branch = "default"
	}
	return unsafeBranchChars.ReplaceAllString(branch, "-")
}

// projectDirName derives a stable, filesystem-safe directory name for a
// project root: its base name plus a short hash of the full path, so two
// projects that share a base name (e.g. two checkouts named "app") never
// collide.
func projectDirName(projectPath string) string {
	sum := sha1.Sum([]byte(filepath.Clean(projectPath)))
	return fmt.Sprintf("%s-%s", sanitizeBranch(filepath.Base(projectPath)), hex.EncodeToString(sum[:])[:10])
}

// Log is an open, append-only session event log plus its in-memory summary
// cache. Concurrent callers within the same process serialize through mu, so
// two goroutines appending at once never interleave partial JSON lines.
type Log struct {
	mu          sync.Mutex
	path        string
	summaryPath string
	entries     []Entry
	summary     SessionSummary
}

// Open computes the per-project log directory and a timestamped filename
// containing the sanitized branch, creates parent directories, and returns
// a fresh Log ready to Append to.
func Open(stateRoot, projectPath, branch string, timestamp time.Time) (*Log, error) {
	dir := filepath.Join(stateRoot, "logs", projectDirName(projectPath))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("eventlog: create log directory: %w", err)
	}

	filename := fmt.Sprintf("%s-%s.jsonl", timestamp.UTC().Format("20060102T150405Z"), sanitizeBranch(branch))
	path := filepath.Join(dir, filename)

	return &Log{
		path:        path,
		summaryPath: path + ".summary.json",
		summary:     newSummary(path),
	}, nil
}

// Path returns the log file's path.
func (l *Log) Path() string { return l.path }

// SummaryPath returns the summary sidecar's path.
func (l *Log) SummaryPath() string { return l.summaryPath }

// Append serializes entry as one JSON line, appends it atomically, and
// updates the summary sidecar to reflect all prior entries plus this one.
func (l *Log) Append(entry Entry) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("eventlog: marshal entry: %w", err)
	}
	data = append(data, '\n')

	f, err := os.OpenFile(l.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("eventlog: open log for append: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		return fmt.Errorf("eventlog: append entry: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("eventlog: close log: %w", err)
	}

	l.entries = append(l.entries, entry)
	applyEntry(&l.summary, entry)
	l.summary.Status = DeriveStatus(l.entries)

	return l.writeSummaryLocked()
}

func (l *Log) writeSummaryLocked() error {
	data, err := json.MarshalIndent(l.summary, "", "  ")
	if err != nil {
		return fmt.Errorf("eventlog: marshal summary: %w", err)
	}
	if err := atomicWriteFile(l.summaryPath, data, 0o644); err != nil {
		return fmt.Errorf("eventlog: write summary: %w", err)
	}
	return nil
}

// ReadAll reads every complete entry in a log file in order, ignoring blank
// lines and discarding malformed ones without aborting the read.
func ReadAll(logPath string) ([]Entry, error) {
	f, err := os.Open(logPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("eventlog: open log: %w", err)
	}
	defer func() { _ = f.Close() }()

	var entries []Entry
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 8*1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var e Entry
		if err := json.Unmarshal([]byte(line), &e); err != nil {
			continue
		}
		entries = append(entries, e)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("eventlog: scan log: %w", err)
	}

	return entries, nil
}

// RebuildSummary performs a full rescan of logPath and returns a fresh
// SessionSummary, for readers whose cached summary is stale.
func RebuildSummary(logPath string) (SessionSummary, error) {
	entries, err := ReadAll(logPath)
	if err != nil {
		return SessionSummary{}, err
	}
	return summarize(logPath, entries), nil
}

// atomicWriteFile writes data to path by writing a temp file in the same
// directory, fsyncing, and renaming over the target, so a reader never
// observes a partially written summary.
func atomicWriteFile(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)

	tmp, err := os.CreateTemp(dir, ".summary-*.tmp")
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
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Chmod(tmpPath, perm); err != nil {
		return fmt.Errorf("chmod temp file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("rename temp file: %w", err)
	}

	success = true
	return nil
}
