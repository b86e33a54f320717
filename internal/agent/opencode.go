package agent

// OpenCode builds invocations for the OpenCode CLI, a multi-provider backend
// that must be told which model provider to use.
type OpenCode struct {
	command  string
	provider string
}

// NewOpenCode returns an OpenCode agent bound to the given provider id.
func NewOpenCode(providerID string) *OpenCode {
	return &OpenCode{command: "opencode", provider: providerID}
}

func (o *OpenCode) ID() string { return "opencode" }

func (o *OpenCode) RequiresProvider() bool { return true }

func (o *OpenCode) BuildInvocation(role Role, prompt string, opts InvocationOptions) (Invocation, error) {
	argv := []string{o.command, "run", "--provider", o.provider}
	if opts.ModelID != "" {
		argv = append(argv, "--model", opts.ModelID)
	}
	if opts.ReasoningLevel != "" {
		argv = append(argv, "--reasoning", opts.ReasoningLevel)
	}
	return Invocation{
		Argv:   argv,
		Stdin:  prompt,
		Env:    nil,
		Tokens: frameTokensFor(role),
	}, nil
}
