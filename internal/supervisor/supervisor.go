// Package supervisor wires together everything a single run needs: a
// session id, the Event Log, the Lockfile, a heartbeat ticker, the agent
// bindings, and the Iteration Controller, then maps the Controller's Result
// onto a process exit code.
package supervisor

import (
	"os"
	"path/filepath"
	"time"

	"github.com/ralph-review/ralph-review/internal/agent"
	"github.com/ralph-review/ralph-review/internal/cancelplane"
	"github.com/ralph-review/ralph-review/internal/changeset"
	"github.com/ralph-review/ralph-review/internal/config"
	"github.com/ralph-review/ralph-review/internal/cycle"
	"github.com/ralph-review/ralph-review/internal/errs"
	"github.com/ralph-review/ralph-review/internal/eventlog"
	"github.com/ralph-review/ralph-review/internal/invoker"
	"github.com/ralph-review/ralph-review/internal/lockfile"
	"github.com/ralph-review/ralph-review/internal/rlog"
	"github.com/ralph-review/ralph-review/internal/sessionid"
)

// Exit codes the CLI returns for each terminal session status.
const (
	ExitCompleted   = 0
	ExitFailed      = 1
	ExitInterrupted = 130
)

// Request is everything the caller (typically the CLI) supplies for one run.
type Request struct {
	Config        *config.Config
	Options       config.ReviewOptions
	ProjectPath   string
	Branch        string
	SessionName   string
	ForegroundPID int // 0 means use the current process's own pid
	Mode          lockfile.Mode
}

// Outcome is what Run hands back to the caller: the Controller's Result plus
// the process exit code it maps to.
type Outcome struct {
	Result   cycle.Result
	ExitCode int
	LogPath  string
}

// Run acquires the lock, opens the event log, drives the Iteration
// Controller to completion, and releases the lock, regardless of outcome.
// plane supplies the cancellation token the Controller and its Invoker
// calls observe.
func Run(plane *cancelplane.Plane, req Request) (Outcome, error) {
	cfg := req.Config
	if err := cfg.Validate(); err != nil {
		return Outcome{}, errs.Newf(errs.ConfigInvalid, err, "configuration validation failed")
	}
	opts := req.Options
	if opts.Mode() == "uncommitted" && cfg.DefaultReview.Type == "base" {
		opts.BaseBranch = cfg.DefaultReview.Branch
	}
	if err := opts.Validate(); err != nil {
		return Outcome{}, errs.Newf(errs.PreconditionFailed, err, "review options validation failed")
	}

	reviewerAgent, err := agent.FromBinding(cfg.Reviewer)
	if err != nil {
		return Outcome{}, errs.Newf(errs.ConfigInvalid, err, "resolving reviewer agent")
	}
	fixerAgent, err := agent.FromBinding(cfg.Fixer)
	if err != nil {
		return Outcome{}, errs.Newf(errs.ConfigInvalid, err, "resolving fixer agent")
	}
	var simplifierAgent agent.Agent
	if req.Options.Simplifier {
		if cfg.Simplifier.AgentID == "" {
			return Outcome{}, errs.Newf(errs.ConfigInvalid, nil, "simplifier pass requested but no simplifier agent configured")
		}
		simplifierAgent, err = agent.FromBinding(cfg.Simplifier)
		if err != nil {
			return Outcome{}, errs.Newf(errs.ConfigInvalid, err, "resolving simplifier agent")
		}
	}

	sid := sessionid.New()

	logger, err := rlog.New(sessionLogDir(cfg.StateRoot, req.ProjectPath, sid), cfg.LogLevel)
	if err != nil {
		return Outcome{}, errs.Newf(errs.ConfigInvalid, err, "opening logger")
	}
	defer func() { _ = logger.Close() }()
	sessionLogger := logger.WithSession(sid)

	lock := lockfile.New(cfg.StateRoot, req.ProjectPath, req.Branch)
	pid := req.ForegroundPID
	if pid == 0 {
		pid = os.Getpid()
	}
	mode := req.Mode
	if mode == "" {
		mode = lockfile.ModeForeground
	}

	if _, err := lock.Acquire(req.SessionName, sid, req.ProjectPath, req.Branch, mode); err != nil {
		return Outcome{}, errs.Newf(errs.LockContention, err, "acquiring session lock").WithRetryable(false)
	}

	releaseReason := "session ended without an explicit reason"
	releaseState := lockfile.StateFailed
	defer func() {
		_ = lock.Release(sid, releaseState, releaseReason)
	}()

	if err := lock.Promote(sid, pid, mode, lockfile.AgentNone); err != nil {
		return Outcome{}, errs.Newf(errs.LockContention, err, "promoting session lock")
	}

	log, err := eventlog.Open(cfg.StateRoot, req.ProjectPath, req.Branch, time.Now())
	if err != nil {
		return Outcome{}, errs.Newf(errs.ConfigInvalid, err, "opening event log")
	}

	if err := log.Append(eventlog.NewSystemEntry(time.Now(), eventlog.SystemInfo{
		ProjectPath:   req.ProjectPath,
		Branch:        req.Branch,
		SessionID:     sid,
		MaxIterations: cfg.MaxIterations,
		Reviewer:      cfg.Reviewer.AgentID,
		Fixer:         cfg.Fixer.AgentID,
		Simplifier:    cfg.Simplifier.AgentID,
	})); err != nil {
		sessionLogger.Error("failed to append system entry", "error", err)
	}

	stopHeartbeat := startHeartbeat(lock, sid, sessionLogger)
	defer stopHeartbeat()

	inv := invoker.New(cfg.Retry)
	inv.WatchForce(plane.ForceDone())

	deps := cycle.Deps{
		SessionID:         sid,
		ChangeSetProvider: changeset.New(req.ProjectPath),
		Invoker:           inv,
		Lockfile:          lock,
		EventLog:          log,
		Logger:            sessionLogger,
		Reviewer:          reviewerAgent,
		Fixer:             fixerAgent,
		Simplifier:        simplifierAgent,
	}

	controller := cycle.New(cfg, opts, deps)
	result := controller.Run(plane.Context())

	releaseState = lockStateFor(result.FinalStatus)
	releaseReason = result.Reason

	return Outcome{
		Result:   result,
		ExitCode: exitCodeFor(result.FinalStatus),
		LogPath:  log.Path(),
	}, nil
}

func lockStateFor(status string) lockfile.State {
	switch status {
	case cycle.StatusCompleted:
		return lockfile.StateCompleted
	case cycle.StatusInterrupted:
		return lockfile.StateInterrupted
	default:
		return lockfile.StateFailed
	}
}

func exitCodeFor(status string) int {
	switch status {
	case cycle.StatusCompleted:
		return ExitCompleted
	case cycle.StatusInterrupted:
		return ExitInterrupted
	default:
		return ExitFailed
	}
}

// startHeartbeat runs a background ticker that issues lockfile heartbeats at
// a fixed cadence and never touches iteration state. The returned stop
// function must be called exactly once.
func startHeartbeat(lock *lockfile.Lockfile, sessionID string, logger *rlog.Logger) func() {
	ticker := time.NewTicker(lockfile.HeartbeatInterval)
	done := make(chan struct{})

	go func() {
		for {
			select {
			case <-ticker.C:
				if err := lock.Touch(sessionID); err != nil && err != lockfile.ErrLockNotHeld {
					logger.Warn("heartbeat touch failed", "error", err)
				}
			case <-done:
				return
			}
		}
	}()

	return func() {
		ticker.Stop()
		close(done)
	}
}

// sessionLogDir returns the directory this session's debug.log lives under,
// namespaced by project and session id so concurrent sessions never share a
// log file.
func sessionLogDir(stateRoot, projectPath, sessionID string) string {
	if stateRoot == "" {
		return ""
	}
	return filepath.Join(stateRoot, "sessions", filepath.Base(projectPath), sessionID)
}
