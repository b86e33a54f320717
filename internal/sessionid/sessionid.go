// Package sessionid generates the time-ordered, collision-free SessionId
// described in §3: a nanosecond timestamp, pid, and atomic counter combined
// behind a "ralph-" prefix so the id reads unambiguously in a lockfile
// record or an event log line.
package sessionid

import (
	"fmt"
	"os"
	"sync/atomic"
	"time"
)

var counter atomic.Uint64

// New returns a new session id, unique across concurrent launches on the
// same host: it combines a nanosecond timestamp (time-ordering), the
// process pid, and a per-process atomic counter (collision-freedom within
// one process, e.g. two sessions started in the same nanosecond by tests).
func New() string {
	return fmt.Sprintf("ralph-%d-%d-%d", time.Now().UnixNano(), os.Getpid(), counter.Add(1))
}
