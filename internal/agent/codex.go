package agent

// Codex builds invocations for the Codex CLI: "exec" selects non-interactive
// one-shot mode, and approvals run fully automatic since the Invoker has no
// terminal to answer prompts on.
type Codex struct {
	command string
}

// NewCodex returns a Codex agent invoking the "codex" binary on PATH.
func NewCodex() *Codex {
	return &Codex{command: "codex"}
}

func (c *Codex) ID() string { return "codex" }

func (c *Codex) RequiresProvider() bool { return false }

func (c *Codex) BuildInvocation(role Role, prompt string, opts InvocationOptions) (Invocation, error) {
	argv := []string{c.command, "exec", "--full-auto"}
	if opts.ModelID != "" {
		argv = append(argv, "--model", opts.ModelID)
	}
	if opts.ReasoningLevel != "" {
		argv = append(argv, "--config", "model_reasoning_effort="+opts.ReasoningLevel)
	}
	return Invocation{
		Argv:   argv,
		Stdin:  prompt,
		Env:    nil,
		Tokens: frameTokensFor(role),
	}, nil
}
