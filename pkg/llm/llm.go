// Package llm abstracts chat-completion backends behind a single Completer
// interface so the planner does not care which vendor answers.
package llm

import "context"

// Completer produces one completion for a system/user prompt pair.
type Completer interface {
	// Complete returns the model's text reply. Implementations honor ctx
	// cancellation and return the vendor error unwrapped-able via errors.As.
	Complete(ctx context.Context, systemPrompt, userPrompt string) (string, error)

	// Name identifies the backing provider for logs and /health.
	Name() string
}
