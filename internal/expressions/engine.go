package expressions

import (
	"context"
	"fmt"
)

// Engine evaluates an expression against a data map.
// Three implementations: CEL (business rules), Expr (formulas), GoJQ (aggregation).
type Engine interface {
	Name() string
	Evaluate(ctx context.Context, expression string, data map[string]any) (any, error)
}

// AsBool converts an evaluation result to bool.
func AsBool(v any) (bool, error) {
	b, ok := v.(bool)
	if !ok {
		return false, fmt.Errorf("expected boolean result, got %T", v)
	}
	return b, nil
}

// AsFloat converts a numeric evaluation result to float64.
func AsFloat(v any) (float64, error) {
	switch n := v.(type) {
	case float64:
		return n, nil
	case float32:
		return float64(n), nil
	case int:
		return float64(n), nil
	case int64:
		return float64(n), nil
	case uint64:
		return float64(n), nil
	}
	return 0, fmt.Errorf("expected numeric result, got %T", v)
}
