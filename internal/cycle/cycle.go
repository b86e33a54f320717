// Package cycle drives the reviewer -> fixer (optionally simplifier-first)
// loop: it enforces stop/force/max-iteration semantics, coordinates
// rollback on fixer failure, and derives the session's terminal status. A
// Controller holds the collaborators one loop iteration needs plus the
// cancellation context it runs under, and walks each iteration through a
// fixed invoke-parse-decide shape per phase, emitting its own structured
// reply.
package cycle

import (
	"context"
	"fmt"
	"time"

	"github.com/ralph-review/ralph-review/internal/agent"
	"github.com/ralph-review/ralph-review/internal/changeset"
	"github.com/ralph-review/ralph-review/internal/config"
	"github.com/ralph-review/ralph-review/internal/errs"
	"github.com/ralph-review/ralph-review/internal/eventlog"
	"github.com/ralph-review/ralph-review/internal/invoker"
	"github.com/ralph-review/ralph-review/internal/lockfile"
	"github.com/ralph-review/ralph-review/internal/prompt"
	"github.com/ralph-review/ralph-review/internal/review"
	"github.com/ralph-review/ralph-review/internal/rlog"
	"github.com/ralph-review/ralph-review/internal/structuredoutput"
)

// Terminal statuses a Result may carry, matching the lockfile/eventlog state
// vocabulary the supervisor maps onto a process exit code.
const (
	StatusCompleted   = "completed"
	StatusFailed      = "failed"
	StatusInterrupted = "interrupted"
)

// Result is what one Controller.Run call produced.
type Result struct {
	Success     bool
	Iterations  int
	Reason      string
	FinalStatus string
}

// Deps bundles every collaborator the Controller needs beyond Config and
// ReviewOptions. The supervisor constructs these and owns their lifetimes;
// the Controller only calls into them — it is the sole mutator of iteration
// state, never the collaborators themselves.
type Deps struct {
	SessionID         string
	ChangeSetProvider *changeset.Provider
	Invoker           *invoker.Invoker
	Lockfile          *lockfile.Lockfile
	EventLog          *eventlog.Log
	Logger            *rlog.Logger

	Reviewer   agent.Agent
	Fixer      agent.Agent
	Simplifier agent.Agent // nil when no simplifier pass is requested
}

// Controller drives one session's reviewer->fixer loop.
type Controller struct {
	cfg  *config.Config
	opts config.ReviewOptions
	deps Deps
}

// New returns a Controller ready to Run once.
func New(cfg *config.Config, opts config.ReviewOptions, deps Deps) *Controller {
	return &Controller{cfg: cfg, opts: opts, deps: deps}
}

// Run executes the main loop until a stop signal, the iteration budget is
// exhausted, a phase fails irrecoverably, or ctx is cancelled. Run writes
// exactly one session_end entry before returning, on every path.
func (c *Controller) Run(ctx context.Context) Result {
	log := c.deps.Logger.WithPhase("cycle")

	if c.opts.Simplifier && c.deps.Simplifier != nil {
		c.runSimplifierPass(ctx, log)
	}

	var prevFixSummary *review.FixSummary
	var stopHistory []bool
	iterations := 0

	for i := 1; i <= c.cfg.MaxIterations; i++ {
		if ctx.Err() != nil {
			return c.finishInterrupted(iterations, "interrupted before starting iteration")
		}

		start := time.Now()

		_ = c.deps.Lockfile.Update(c.deps.SessionID, i, lockfile.AgentReviewer)

		changeSet, err := c.deps.ChangeSetProvider.Build(ctx, changeset.Options{
			BaseBranch:         c.opts.BaseBranch,
			CommitSHA:          c.opts.CommitSHA,
			CustomInstructions: c.opts.CustomInstructions,
		})
		if err != nil {
			cerr := errs.Newf(errs.PreconditionFailed, err, "building change set").WithIteration(i)
			c.logError(i, "reviewer", time.Since(start), cerr, nil)
			return c.finishFailed(iterations, cerr.Error())
		}

		reviewSummary, reviewErr := c.runReviewer(ctx, i, changeSet, prevFixSummary, stopHistory)
		if reviewErr != nil {
			if isInterrupted(ctx, reviewErr) {
				c.logError(i, "reviewer", time.Since(start), reviewErr, nil)
				return c.finishInterrupted(iterations, "interrupted during reviewer phase")
			}
			c.logError(i, "reviewer", time.Since(start), reviewErr, nil)
			return c.finishFailed(iterations, reviewErr.Error())
		}
		iterations = i
		stopHistory = append(stopHistory, reviewSummary.StopIteration)

		if reviewSummary.StopIteration && !c.opts.ForceMaxIterations {
			c.logIteration(i, time.Since(start), reviewSummary, nil, nil, nil)
			return c.finishCompleted(i, "reviewer signalled stop")
		}

		_ = c.deps.Lockfile.Update(c.deps.SessionID, i, lockfile.AgentFixer)

		fixSummary, fixErr := c.runFixer(ctx, i, changeSet, reviewSummary)
		if fixErr != nil {
			rb := c.attemptRollback(ctx, changeSet, fixErr)
			if isInterrupted(ctx, fixErr) {
				c.logError(i, "fixer", time.Since(start), fixErr, rb)
				return c.finishInterrupted(iterations, "interrupted during fixer phase")
			}
			c.logError(i, "fixer", time.Since(start), fixErr, rb)
			return c.finishFailed(iterations, fixErr.Error())
		}

		c.logIteration(i, time.Since(start), reviewSummary, fixSummary, nil, nil)

		if fixSummary.StopIteration && !c.opts.ForceMaxIterations {
			return c.finishCompleted(i, "fixer signalled stop")
		}

		prevFixSummary = fixSummary
	}

	return c.finishCompleted(iterations, "max iterations reached")
}

// runSimplifierPass runs the optional pre-pass once before iteration 1. A
// failure is logged and rolled back but never aborts the session — the loop
// simply continues to the reviewer. Per the Open Question decision recorded
// in DESIGN.md, the failure goes to the debug logger rather than an eventlog
// "iteration" entry, since iteration ordinals start at 1 and a pre-pass has
// no ordinal of its own.
func (c *Controller) runSimplifierPass(ctx context.Context, log *rlog.Logger) {
	changeSet, err := c.deps.ChangeSetProvider.Build(ctx, changeset.Options{
		BaseBranch:         c.opts.BaseBranch,
		CommitSHA:          c.opts.CommitSHA,
		CustomInstructions: c.opts.CustomInstructions,
	})
	if err != nil {
		log.Warn("simplifier pass: could not build change set", "error", err)
		return
	}

	promptCtx := prompt.Context{
		ChangeSet:          changeSet,
		Iteration:          0,
		MaxIterations:      c.cfg.MaxIterations,
		CustomInstructions: c.opts.CustomInstructions,
		Tokens:             simplifierTokens(),
	}
	text := prompt.Compose(agent.RoleSimplifier, promptCtx)

	invocation, err := c.deps.Simplifier.BuildInvocation(agent.RoleSimplifier, text, agent.InvocationOptions{
		ModelID:        c.cfg.Simplifier.ModelID,
		ReasoningLevel: c.cfg.Simplifier.ReasoningLevel,
		SessionID:      c.deps.SessionID,
	})
	if err != nil {
		log.Warn("simplifier pass: build invocation failed", "error", err)
		return
	}

	res, err := c.deps.Invoker.Invoke(ctx, invocation, c.cfg.IterationTimeoutDuration())
	if err != nil {
		log.Warn("simplifier pass: invocation failed", "error", err)
		c.attemptRollback(ctx, changeSet, err)
		return
	}

	if _, perr := structuredoutput.Parse[review.FixSummary](res.ExtractedPayload, res.Stdout, invocation.Tokens); perr != nil {
		log.Warn("simplifier pass: structured output invalid", "error", perr)
		c.attemptRollback(ctx, changeSet, perr)
	}
}

func simplifierTokens() agent.FrameTokens {
	return agent.FrameTokens{Start: "<<<RALPH_SIMPLIFY_START>>>", End: "<<<RALPH_SIMPLIFY_END>>>"}
}

// runReviewer composes, invokes, and parses one reviewer-phase call.
func (c *Controller) runReviewer(ctx context.Context, iteration int, changeSet changeset.ChangeSet, prevFix *review.FixSummary, stopHistory []bool) (*review.ReviewSummary, error) {
	promptCtx := prompt.Context{
		ChangeSet:          changeSet,
		Iteration:          iteration,
		MaxIterations:      c.cfg.MaxIterations,
		PrevFixSummary:     prevFix,
		StopHistory:        stopHistory,
		CustomInstructions: c.opts.CustomInstructions,
		Tokens:             reviewerTokens(),
	}
	text := prompt.Compose(agent.RoleReviewer, promptCtx)

	invocation, err := c.deps.Reviewer.BuildInvocation(agent.RoleReviewer, text, agent.InvocationOptions{
		ModelID:        c.cfg.Reviewer.ModelID,
		ReasoningLevel: c.cfg.Reviewer.ReasoningLevel,
		SessionID:      c.deps.SessionID,
	})
	if err != nil {
		return nil, errs.Newf(errs.AgentSpawn, err, "build reviewer invocation").WithPhase("reviewer").WithIteration(iteration)
	}

	res, invokeErr := c.deps.Invoker.Invoke(ctx, invocation, c.cfg.IterationTimeoutDuration())
	if invokeErr != nil {
		return nil, classifyInvokerError(invokeErr, res, "reviewer", iteration)
	}

	parsed, parseErr := structuredoutput.Parse[review.ReviewSummary](res.ExtractedPayload, res.Stdout, invocation.Tokens)
	if parseErr != nil {
		return nil, errs.Newf(errs.StructuredOutputMissing, parseErr, "reviewer reply did not match ReviewSummary schema").WithPhase("reviewer").WithIteration(iteration)
	}

	value := parsed.Value
	return &value, nil
}

// runFixer composes, invokes, and parses one fixer-phase call, then checks
// the cross-reply invariant that every referenced id appeared in the
// preceding ReviewSummary.
func (c *Controller) runFixer(ctx context.Context, iteration int, changeSet changeset.ChangeSet, reviewSummary *review.ReviewSummary) (*review.FixSummary, error) {
	promptCtx := prompt.Context{
		ChangeSet:          changeSet,
		Iteration:          iteration,
		MaxIterations:      c.cfg.MaxIterations,
		PrevReviewSummary:  reviewSummary,
		CustomInstructions: c.opts.CustomInstructions,
		Tokens:             fixerTokens(),
	}
	text := prompt.Compose(agent.RoleFixer, promptCtx)

	invocation, err := c.deps.Fixer.BuildInvocation(agent.RoleFixer, text, agent.InvocationOptions{
		ModelID:        c.cfg.Fixer.ModelID,
		ReasoningLevel: c.cfg.Fixer.ReasoningLevel,
		SessionID:      c.deps.SessionID,
	})
	if err != nil {
		return nil, errs.Newf(errs.AgentSpawn, err, "build fixer invocation").WithPhase("fixer").WithIteration(iteration)
	}

	res, invokeErr := c.deps.Invoker.Invoke(ctx, invocation, c.cfg.IterationTimeoutDuration())
	if invokeErr != nil {
		return nil, classifyInvokerError(invokeErr, res, "fixer", iteration)
	}

	parsed, parseErr := structuredoutput.Parse[review.FixSummary](res.ExtractedPayload, res.Stdout, invocation.Tokens)
	if parseErr != nil {
		return nil, errs.Newf(errs.StructuredOutputMissing, parseErr, "fixer reply did not match FixSummary schema").WithPhase("fixer").WithIteration(iteration)
	}

	value := parsed.Value
	if err := checkReferencedIDs(value, reviewSummary); err != nil {
		return nil, errs.Newf(errs.StructuredOutputInvalid, err, "fixer referenced an id outside the preceding review").WithPhase("fixer").WithIteration(iteration)
	}

	return &value, nil
}

// checkReferencedIDs enforces that each id in fixes or skipped appears in
// the immediately preceding ReviewSummary's findings.
func checkReferencedIDs(fs review.FixSummary, reviewSummary *review.ReviewSummary) error {
	known := make(map[int]bool, len(reviewSummary.Findings))
	for _, f := range reviewSummary.Findings {
		known[f.ID] = true
	}
	for id := range fs.ReferencedIDs() {
		if !known[id] {
			return fmt.Errorf("fix summary references finding id %d, absent from the preceding review", id)
		}
	}
	return nil
}

func reviewerTokens() agent.FrameTokens {
	return agent.FrameTokens{Start: "<<<RALPH_REVIEW_START>>>", End: "<<<RALPH_REVIEW_END>>>"}
}

func fixerTokens() agent.FrameTokens {
	return agent.FrameTokens{Start: "<<<RALPH_FIX_START>>>", End: "<<<RALPH_FIX_END>>>"}
}

// classifyInvokerError maps an *invoker.Invoker failure onto the engine's
// own error taxonomy, carrying the child process's exit code along where one
// is meaningful. An Invoker-reported cancellation maps to errs.Interrupted;
// the caller's isInterrupted additionally checks ctx.Err(), so an interrupt
// is recognized even when the Invoker reported some other kind.
func classifyInvokerError(err error, res invoker.Result, phase string, iteration int) error {
	switch res.Kind {
	case invoker.KindTimeout:
		return errs.Newf(errs.AgentTimeout, err, "agent timed out").WithPhase(phase).WithIteration(iteration)
	case invoker.KindCancelled:
		return errs.Newf(errs.Interrupted, err, "agent invocation interrupted").WithPhase(phase).WithIteration(iteration)
	case invoker.KindSpawnFailure:
		return errs.Newf(errs.AgentSpawn, err, "agent failed to spawn").WithPhase(phase).WithIteration(iteration)
	case invoker.KindNonZeroExit:
		return errs.Newf(errs.AgentNonZeroExit, err, "agent exited nonzero with no structured payload").WithPhase(phase).WithIteration(iteration).WithExitCode(res.ExitCode)
	default:
		return errs.Newf(errs.AgentNonZeroExit, err, "agent invocation failed").WithPhase(phase).WithIteration(iteration).WithExitCode(res.ExitCode)
	}
}

// isInterrupted reports whether err (or the shared cancellation context)
// reflects operator interrupt rather than an ordinary phase failure.
func isInterrupted(ctx context.Context, err error) bool {
	if ctx.Err() != nil {
		return true
	}
	var ce *errs.CycleError
	if errs.As(err, &ce) && ce.Kind() == errs.Interrupted {
		return true
	}
	return errs.IsInterruptWording(err.Error())
}

// attemptRollback is invoked after a fixer phase failure. Its outcome is
// always logged, never silently discarded, and never itself changes the
// iteration's terminal status.
func (c *Controller) attemptRollback(ctx context.Context, changeSet changeset.ChangeSet, cause error) *eventlog.RollbackInfo {
	if changeSet.RollbackAnchor == nil {
		return &eventlog.RollbackInfo{Attempted: false}
	}
	result := c.deps.ChangeSetProvider.Rollback(ctx, changeSet.RollbackAnchor)
	c.deps.Logger.WithPhase("cycle").Info("rollback attempted",
		"success", result.Success, "reason", result.Reason, "cause", cause)
	return &eventlog.RollbackInfo{Attempted: true, Success: result.Success, Reason: result.Reason}
}

func (c *Controller) logIteration(ordinal int, duration time.Duration, rs *review.ReviewSummary, fs *review.FixSummary, iterErr *eventlog.IterationError, rb *eventlog.RollbackInfo) {
	info := eventlog.IterationInfo{
		Ordinal:       ordinal,
		DurationMs:    duration.Milliseconds(),
		ReviewSummary: rs,
		FixSummary:    fs,
		Error:         iterErr,
		Rollback:      rb,
	}
	if err := c.deps.EventLog.Append(eventlog.NewIterationEntry(time.Now(), info)); err != nil {
		c.deps.Logger.WithPhase("cycle").Error("failed to append iteration entry", "error", err)
	}
}

func (c *Controller) logError(ordinal int, phase string, duration time.Duration, err error, rb *eventlog.RollbackInfo) {
	iterErr := &eventlog.IterationError{Phase: phase, Message: err.Error()}
	var ce *errs.CycleError
	if errs.As(err, &ce) {
		iterErr.ExitCode = ce.ExitCode()
	}
	c.logIteration(ordinal, duration, nil, nil, iterErr, rb)
}

func (c *Controller) finishCompleted(iterations int, reason string) Result {
	c.writeSessionEnd(StatusCompleted, reason, iterations)
	return Result{Success: true, Iterations: iterations, Reason: reason, FinalStatus: StatusCompleted}
}

func (c *Controller) finishFailed(iterations int, reason string) Result {
	c.writeSessionEnd(StatusFailed, reason, iterations)
	return Result{Success: false, Iterations: iterations, Reason: reason, FinalStatus: StatusFailed}
}

func (c *Controller) finishInterrupted(iterations int, reason string) Result {
	c.writeSessionEnd(StatusInterrupted, reason, iterations)
	return Result{Success: false, Iterations: iterations, Reason: reason, FinalStatus: StatusInterrupted}
}

func (c *Controller) writeSessionEnd(status, reason string, iterations int) {
	entry := eventlog.NewSessionEndEntry(time.Now(), eventlog.SessionEndInfo{
		Status:     status,
		Reason:     reason,
		Iterations: iterations,
	})
	if err := c.deps.EventLog.Append(entry); err != nil {
		c.deps.Logger.WithPhase("cycle").Error("failed to append session_end entry", "error", err)
	}
}
