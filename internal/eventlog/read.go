package eventlog

import (
	"bytes"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"
)

// Outcome classifies a ReadIncremental call against a reader's cached state.
type Outcome string

const (
	OutcomeReset       Outcome = "reset"
	OutcomeIncremental Outcome = "incremental"
	OutcomeUnchanged   Outcome = "unchanged"
)

// boundaryProbeWindow is how many bytes before the prior offset are hashed
// to detect an in-place rewrite that happens to preserve file length.
const boundaryProbeWindow = 64

// ReadState is a tailing reader's bookkeeping between calls to
// ReadIncremental: the byte offset already consumed, the log's mtime at
// that offset, any buffered partial trailing line, and a short hash of the
// content just before the offset.
type ReadState struct {
	OffsetBytes         int64
	LastModified        time.Time
	TrailingPartialLine []byte
	BoundaryProbe       string
}

// ReadIncremental advances a tailing reader's view of logPath. On the first
// call (prior == nil), on detected truncation, or on a same-length rewrite,
// it performs a full rescan and reports OutcomeReset. Otherwise it reads
// only the bytes appended since prior.OffsetBytes and reports
// OutcomeIncremental, or OutcomeUnchanged if nothing changed.
func ReadIncremental(logPath string, prior *ReadState) ([]Entry, ReadState, Outcome, error) {
	info, err := os.Stat(logPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ReadState{}, OutcomeReset, nil
		}
		return nil, ReadState{}, OutcomeReset, fmt.Errorf("eventlog: stat log: %w", err)
	}

	if prior == nil {
		return resetRead(logPath, info.Size())
	}

	if info.Size() < prior.OffsetBytes {
		return resetRead(logPath, info.Size())
	}

	if info.Size() == prior.OffsetBytes && info.ModTime().Equal(prior.LastModified) {
		return nil, *prior, OutcomeUnchanged, nil
	}

	if prior.OffsetBytes > 0 {
		probe, err := boundaryProbe(logPath, prior.OffsetBytes)
		if err != nil {
			return nil, ReadState{}, OutcomeReset, err
		}
		if probe != prior.BoundaryProbe {
			return resetRead(logPath, info.Size())
		}
	}

	f, err := os.Open(logPath)
	if err != nil {
		return nil, ReadState{}, OutcomeReset, fmt.Errorf("eventlog: open log: %w", err)
	}
	defer func() { _ = f.Close() }()

	if _, err := f.Seek(prior.OffsetBytes, io.SeekStart); err != nil {
		return nil, ReadState{}, OutcomeReset, fmt.Errorf("eventlog: seek log: %w", err)
	}
	appended, err := io.ReadAll(f)
	if err != nil {
		return nil, ReadState{}, OutcomeReset, fmt.Errorf("eventlog: read appended bytes: %w", err)
	}

	combined := append(append([]byte{}, prior.TrailingPartialLine...), appended...)
	entries, trailing := parseLines(combined)

	newProbe, err := boundaryProbe(logPath, info.Size())
	if err != nil {
		return nil, ReadState{}, OutcomeReset, err
	}

	state := ReadState{
		OffsetBytes:         info.Size(),
		LastModified:        info.ModTime(),
		TrailingPartialLine: trailing,
		BoundaryProbe:       newProbe,
	}

	return entries, state, OutcomeIncremental, nil
}

func resetRead(logPath string, size int64) ([]Entry, ReadState, Outcome, error) {
	data, err := os.ReadFile(logPath)
	if err != nil {
		return nil, ReadState{}, OutcomeReset, fmt.Errorf("eventlog: read log: %w", err)
	}
	if int64(len(data)) > size {
		data = data[:size]
	}
	size = int64(len(data))
	entries, trailing := parseLines(data)

	info, err := os.Stat(logPath)
	if err != nil {
		return nil, ReadState{}, OutcomeReset, fmt.Errorf("eventlog: stat log: %w", err)
	}

	probe, err := boundaryProbe(logPath, size)
	if err != nil {
		return nil, ReadState{}, OutcomeReset, err
	}

	state := ReadState{
		OffsetBytes:         size,
		LastModified:        info.ModTime(),
		TrailingPartialLine: trailing,
		BoundaryProbe:       probe,
	}
	return entries, state, OutcomeReset, nil
}

// parseLines splits combined on newlines, parsing each complete line into
// an Entry (skipping malformed lines) and returning the trailing bytes past
// the last newline unparsed, to be buffered for the next read.
func parseLines(combined []byte) ([]Entry, []byte) {
	var entries []Entry

	for {
		idx := bytes.IndexByte(combined, '\n')
		if idx < 0 {
			break
		}
		line := bytes.TrimSpace(combined[:idx])
		combined = combined[idx+1:]
		if len(line) == 0 {
			continue
		}
		var e Entry
		if err := json.Unmarshal(line, &e); err != nil {
			continue
		}
		entries = append(entries, e)
	}

	return entries, combined
}

// boundaryProbe hashes up to boundaryProbeWindow bytes ending at offset, so
// a later call can detect whether the bytes preceding offset changed even
// though the file length at offset did not.
func boundaryProbe(logPath string, offset int64) (string, error) {
	if offset == 0 {
		return "", nil
	}

	start := offset - boundaryProbeWindow
	if start < 0 {
		start = 0
	}

	f, err := os.Open(logPath)
	if err != nil {
		return "", fmt.Errorf("eventlog: open log for probe: %w", err)
	}
	defer func() { _ = f.Close() }()

	if _, err := f.Seek(start, io.SeekStart); err != nil {
		return "", fmt.Errorf("eventlog: seek for probe: %w", err)
	}

	buf := make([]byte, offset-start)
	if _, err := io.ReadFull(f, buf); err != nil && err != io.ErrUnexpectedEOF {
		return "", fmt.Errorf("eventlog: read for probe: %w", err)
	}

	sum := sha1.Sum(buf)
	return hex.EncodeToString(sum[:]), nil
}
