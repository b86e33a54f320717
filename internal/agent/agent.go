// Package agent models "agent kind" as a closed sum type: every concrete
// agent (Claude, Codex, OpenCode) implements the same Agent interface, and
// the Invoker depends only on that interface, never on a concrete type.
package agent

import (
	"fmt"
	"strings"

	"github.com/ralph-review/ralph-review/internal/config"
)

// Role is the function an agent plays in one iteration.
type Role string

const (
	RoleReviewer   Role = "reviewer"
	RoleFixer      Role = "fixer"
	RoleSimplifier Role = "code-simplifier"
)

// FrameTokens is the role-specific START_TOKEN/END_TOKEN pair the Prompt
// Composer embeds in its contract and the Structured Output Parser scans
// stdout for.
type FrameTokens struct {
	Start string
	End   string
}

// InvocationOptions carries the per-call parameters an Agent needs to build
// its argv beyond the prompt text itself.
type InvocationOptions struct {
	ModelID        string
	ReasoningLevel string
	SessionID      string
}

// Invocation is the fully-built description of a child process: argv,
// the text to pipe on stdin, extra environment variables, and the framing
// tokens the caller should expect in the reply.
type Invocation struct {
	Argv   []string
	Stdin  string
	Env    []string
	Tokens FrameTokens
}

// Agent builds the invocation for a given role and prompt. The Invoker
// depends only on this interface: buildInvocation(role, prompt, options) →
// (argv, stdin, env, extraTokens), matching the §9 design note.
type Agent interface {
	// ID returns the closed-enum agent identity (e.g. "claude", "codex", "opencode").
	ID() string

	// RequiresProvider reports whether this agent needs config.RoleBinding.ProviderID.
	RequiresProvider() bool

	// BuildInvocation constructs the argv/stdin/env/tokens for one call.
	BuildInvocation(role Role, prompt string, opts InvocationOptions) (Invocation, error)
}

// ErrUnknownAgent is returned when a RoleBinding names an unsupported agent id.
var ErrUnknownAgent = fmt.Errorf("unknown agent")

// FromBinding constructs the Agent named by a RoleBinding's AgentID.
func FromBinding(binding config.RoleBinding) (Agent, error) {
	switch strings.ToLower(binding.AgentID) {
	case "claude", "":
		return NewClaude(), nil
	case "codex":
		return NewCodex(), nil
	case "opencode":
		if binding.ProviderID == "" {
			return nil, fmt.Errorf("agent: opencode requires provider_id")
		}
		return NewOpenCode(binding.ProviderID), nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownAgent, binding.AgentID)
	}
}

func frameTokensFor(role Role) FrameTokens {
	switch role {
	case RoleReviewer:
		return FrameTokens{Start: "<<<RALPH_REVIEW_START>>>", End: "<<<RALPH_REVIEW_END>>>"}
	case RoleFixer:
		return FrameTokens{Start: "<<<RALPH_FIX_START>>>", End: "<<<RALPH_FIX_END>>>"}
	case RoleSimplifier:
		return FrameTokens{Start: "<<<RALPH_SIMPLIFY_START>>>", End: "<<<RALPH_SIMPLIFY_END>>>"}
	default:
		return FrameTokens{Start: "<<<RALPH_START>>>", End: "<<<RALPH_END>>>"}
	}
}
