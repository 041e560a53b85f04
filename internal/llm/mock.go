package llm

import "context"

// Static is a canned Generator for tests and local development.
type Static struct {
	Reply string
	Err   error
}

func (s *Static) Generate(ctx context.Context, prompt string) (string, error) {
	if s.Err != nil {
		return "", s.Err
	}
	return s.Reply, nil
}

// Func adapts a function to the Generator interface.
type Func func(ctx context.Context, prompt string) (string, error)

func (f Func) Generate(ctx context.Context, prompt string) (string, error) { return f(ctx, prompt) }
