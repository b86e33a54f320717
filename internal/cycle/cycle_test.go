package cycle

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/ralph-review/ralph-review/internal/agent"
	"github.com/ralph-review/ralph-review/internal/changeset"
	"github.com/ralph-review/ralph-review/internal/config"
	"github.com/ralph-review/ralph-review/internal/eventlog"
	"github.com/ralph-review/ralph-review/internal/invoker"
	"github.com/ralph-review/ralph-review/internal/lockfile"
	"github.com/ralph-review/ralph-review/internal/rlog"
)

// scriptedAgent is a fake agent.Agent that always replies with one scripted
// shell invocation, regardless of role or prompt. Used to drive the
// Controller through a real Invoker without spawning a real agent binary.
type scriptedAgent struct {
	script func(call int) string
	calls  int
}

func (a *scriptedAgent) ID() string               { return "scripted" }
func (a *scriptedAgent) RequiresProvider() bool    { return false }
func (a *scriptedAgent) BuildInvocation(role agent.Role, prompt string, opts agent.InvocationOptions) (agent.Invocation, error) {
	a.calls++
	tokens := agent.FrameTokens{Start: "<<<RALPH_REVIEW_START>>>", End: "<<<RALPH_REVIEW_END>>>"}
	switch role {
	case agent.RoleFixer:
		tokens = agent.FrameTokens{Start: "<<<RALPH_FIX_START>>>", End: "<<<RALPH_FIX_END>>>"}
	case agent.RoleSimplifier:
		tokens = agent.FrameTokens{Start: "<<<RALPH_SIMPLIFY_START>>>", End: "<<<RALPH_SIMPLIFY_END>>>"}
	}
	return agent.Invocation{
		Argv:   []string{"sh", "-c", a.script(a.calls)},
		Tokens: tokens,
	}, nil
}

func staticAgent(reply string) *scriptedAgent {
	return &scriptedAgent{script: func(int) string { return fmt.Sprintf("echo '%s'", reply) }}
}

func initRepoWithChange(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	run := func(args ...string) {
		cmd := exec.Command("git", args...)
		cmd.Dir = dir
		cmd.Env = append(os.Environ(),
			"GIT_AUTHOR_NAME=Ralph Test", "GIT_AUTHOR_EMAIL=test@ralph-review.dev",
			"GIT_COMMITTER_NAME=Ralph Test", "GIT_COMMITTER_EMAIL=test@ralph-review.dev",
		)
		if out, err := cmd.CombinedOutput(); err != nil {
			t.Fatalf("git %v: %v\n%s", args, err, out)
		}
	}
	if err := os.WriteFile(filepath.Join(dir, "a.txt"), []byte("one\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	run("init", "-q")
	run("config", "commit.gpgsign", "false")
	run("add", "a.txt")
	run("commit", "-q", "-m", "initial")
	if err := os.WriteFile(filepath.Join(dir, "a.txt"), []byte("one\ntwo\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	return dir
}

func newTestDeps(t *testing.T, reviewer, fixer agent.Agent) (Deps, *eventlog.Log) {
	t.Helper()
	dir := initRepoWithChange(t)
	stateRoot := t.TempDir()

	sid := "sess-test"
	lock := lockfile.New(stateRoot, dir, "main")
	if _, err := lock.Acquire("test", sid, dir, "main", lockfile.ModeForeground); err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if err := lock.Promote(sid, os.Getpid(), lockfile.ModeForeground, lockfile.AgentNone); err != nil {
		t.Fatalf("Promote: %v", err)
	}

	log, err := eventlog.Open(stateRoot, dir, "main", time.Now())
	if err != nil {
		t.Fatalf("eventlog.Open: %v", err)
	}

	return Deps{
		SessionID:         sid,
		ChangeSetProvider: changeset.New(dir),
		Invoker:           invoker.New(config.RetryConfig{}),
		Lockfile:          lock,
		EventLog:          log,
		Logger:            rlog.Nop(),
		Reviewer:          reviewer,
		Fixer:             fixer,
	}, log
}

func TestRun_ReviewerStopsOnFirstIteration(t *testing.T) {
	reviewer := staticAgent(`<<<RALPH_REVIEW_START>>>{"decision":"NO_CHANGES_NEEDED","stop_iteration":true,"findings":[]}<<<RALPH_REVIEW_END>>>`)
	fixer := staticAgent(`<<<RALPH_FIX_START>>>{"decision":"NO_CHANGES_NEEDED","stop_iteration":true,"fixes":[],"skipped":[]}<<<RALPH_FIX_END>>>`)

	deps, log := newTestDeps(t, reviewer, fixer)
	cfg := config.Default()
	cfg.MaxIterations = 5
	cfg.IterationTimeout = 10_000

	c := New(cfg, config.ReviewOptions{}, deps)
	result := c.Run(context.Background())

	if result.FinalStatus != StatusCompleted {
		t.Fatalf("FinalStatus = %q, want completed", result.FinalStatus)
	}
	if result.Iterations != 1 {
		t.Errorf("Iterations = %d, want 1", result.Iterations)
	}
	if fixer.calls != 0 {
		t.Errorf("fixer was invoked %d times, want 0: reviewer should have stopped the loop first", fixer.calls)
	}

	entries, err := eventlog.ReadAll(log.Path())
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	var sawSessionEnd bool
	for _, e := range entries {
		if e.Type == eventlog.TypeSessionEnd {
			sawSessionEnd = true
		}
	}
	if !sawSessionEnd {
		t.Error("expected a session_end entry to be written")
	}
}

func TestRun_FixerStopsAfterOneRound(t *testing.T) {
	reviewer := staticAgent(`<<<RALPH_REVIEW_START>>>{"decision":"APPLY_SELECTIVELY","stop_iteration":false,"findings":[{"id":1,"title":"t","priority":"P1","file":"a.txt","claim":"c","evidence":"e","suggestion":"s"}]}<<<RALPH_REVIEW_END>>>`)
	fixer := staticAgent(`<<<RALPH_FIX_START>>>{"decision":"APPLY_SELECTIVELY","stop_iteration":true,"fixes":[{"id":1,"title":"t","priority":"P1","file":"a.txt","claim":"c","evidence":"e","fix":"f"}],"skipped":[]}<<<RALPH_FIX_END>>>`)

	deps, _ := newTestDeps(t, reviewer, fixer)
	cfg := config.Default()
	cfg.MaxIterations = 5
	cfg.IterationTimeout = 10_000

	c := New(cfg, config.ReviewOptions{}, deps)
	result := c.Run(context.Background())

	if result.FinalStatus != StatusCompleted {
		t.Fatalf("FinalStatus = %q, want completed", result.FinalStatus)
	}
	if result.Iterations != 1 {
		t.Errorf("Iterations = %d, want 1", result.Iterations)
	}
	if reviewer.calls != 1 || fixer.calls != 1 {
		t.Errorf("reviewer calls = %d, fixer calls = %d, want 1/1", reviewer.calls, fixer.calls)
	}
}

func TestRun_ForceMaxIterationsIgnoresStopSignal(t *testing.T) {
	reviewer := staticAgent(`<<<RALPH_REVIEW_START>>>{"decision":"NO_CHANGES_NEEDED","stop_iteration":true,"findings":[]}<<<RALPH_REVIEW_END>>>`)
	fixer := staticAgent(`<<<RALPH_FIX_START>>>{"decision":"NO_CHANGES_NEEDED","stop_iteration":true,"fixes":[],"skipped":[]}<<<RALPH_FIX_END>>>`)

	deps, _ := newTestDeps(t, reviewer, fixer)
	cfg := config.Default()
	cfg.MaxIterations = 3
	cfg.IterationTimeout = 10_000

	c := New(cfg, config.ReviewOptions{ForceMaxIterations: true}, deps)
	result := c.Run(context.Background())

	if result.FinalStatus != StatusCompleted {
		t.Fatalf("FinalStatus = %q, want completed", result.FinalStatus)
	}
	if result.Iterations != 3 {
		t.Errorf("Iterations = %d, want 3: a stop signal must not end the loop under force-max-iterations", result.Iterations)
	}
	if reviewer.calls != 3 {
		t.Errorf("reviewer calls = %d, want 3", reviewer.calls)
	}
}

func TestRun_FixerReferencingUnknownIDFails(t *testing.T) {
	reviewer := staticAgent(`<<<RALPH_REVIEW_START>>>{"decision":"APPLY_SELECTIVELY","stop_iteration":false,"findings":[{"id":1,"title":"t","priority":"P1","file":"a.txt","claim":"c","evidence":"e","suggestion":"s"}]}<<<RALPH_REVIEW_END>>>`)
	fixer := staticAgent(`<<<RALPH_FIX_START>>>{"decision":"APPLY_SELECTIVELY","stop_iteration":true,"fixes":[{"id":99,"title":"t","priority":"P1","file":"a.txt","claim":"c","evidence":"e","fix":"f"}],"skipped":[]}<<<RALPH_FIX_END>>>`)

	deps, _ := newTestDeps(t, reviewer, fixer)
	cfg := config.Default()
	cfg.MaxIterations = 3
	cfg.IterationTimeout = 10_000

	c := New(cfg, config.ReviewOptions{}, deps)
	result := c.Run(context.Background())

	if result.FinalStatus != StatusFailed {
		t.Fatalf("FinalStatus = %q, want failed: fixer referenced an id outside the preceding review", result.FinalStatus)
	}
}

func TestRun_CancelledContextInterruptsBeforeFirstIteration(t *testing.T) {
	reviewer := staticAgent(`<<<RALPH_REVIEW_START>>>{"decision":"NO_CHANGES_NEEDED","stop_iteration":true,"findings":[]}<<<RALPH_REVIEW_END>>>`)
	fixer := staticAgent(`<<<RALPH_FIX_START>>>{"decision":"NO_CHANGES_NEEDED","stop_iteration":true,"fixes":[],"skipped":[]}<<<RALPH_FIX_END>>>`)

	deps, _ := newTestDeps(t, reviewer, fixer)
	cfg := config.Default()
	cfg.MaxIterations = 3
	cfg.IterationTimeout = 10_000

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	c := New(cfg, config.ReviewOptions{}, deps)
	result := c.Run(ctx)

	if result.FinalStatus != StatusInterrupted {
		t.Fatalf("FinalStatus = %q, want interrupted", result.FinalStatus)
	}
	if reviewer.calls != 0 {
		t.Errorf("reviewer calls = %d, want 0: loop should check ctx before starting", reviewer.calls)
	}
}
