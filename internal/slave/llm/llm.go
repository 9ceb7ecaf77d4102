// Package llm defines the capability boundary hosted agents use to reach a
// language model. The control plane only resolves the capability; providers
// live outside this repository.
package llm

import "context"

// Invoker is the single capability handed to every hosted agent.
type Invoker interface {
	// Invoke sends a prompt and returns the completion.
	Invoke(ctx context.Context, prompt string) (string, error)
	// Provider names the backing provider, reported in slave capabilities.
	Provider() string
}

// Noop is the local resolver used when no provider is configured. Agents
// still run; their model calls return empty completions.
type Noop struct{}

func (Noop) Invoke(ctx context.Context, prompt string) (string, error) {
	return "", nil
}

func (Noop) Provider() string { return "noop" }
