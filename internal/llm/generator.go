// Package llm wraps the text-generation service behind a narrow interface so
// the scoring pipeline never depends on a concrete provider.
package llm

import "context"

// Generator produces free-form text for a prompt. Implementations must be
// safe for concurrent use. Every caller has a deterministic fallback for
// when generation fails, so errors here are never fatal.
type Generator interface {
	Generate(ctx context.Context, prompt string) (string, error)
}
