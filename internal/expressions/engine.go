package expressions

import "context"

// Engine evaluates expressions against run state.
// Three implementations: Expr (stage guards), CEL (approval policies),
// GoJQ (payload transforms).
type Engine interface {
	Name() string
	Evaluate(ctx context.Context, expression string, data map[string]any) (any, error)
}
