package expressions

import (
	"context"
	"encoding/json"
	"reflect"
	"sync"

	"github.com/itchyny/gojq"

	"github.com/rendis/bizflow/pkg/schema"
)

// GoJQEngine evaluates jq queries over entity documents, e.g. the task
// counts of a project at completion. Compiled queries are cached and safe
// for concurrent use.
type GoJQEngine struct {
	mu    sync.RWMutex
	cache map[string]*gojq.Code
}

// NewGoJQEngine creates a new GoJQ expression engine.
func NewGoJQEngine() *GoJQEngine {
	return &GoJQEngine{cache: make(map[string]*gojq.Code)}
}

// Name returns the engine identifier.
func (e *GoJQEngine) Name() string {
	return "jq"
}

// Check compiles query without running it.
func (e *GoJQEngine) Check(query string) error {
	_, err := e.compile(query)
	return err
}

// Evaluate runs query against data. A single output is returned as is;
// several outputs are collected into []any and none yields nil.
func (e *GoJQEngine) Evaluate(ctx context.Context, query string, data map[string]any) (any, error) {
	code, err := e.compile(query)
	if err != nil {
		return nil, err
	}

	input, err := jqValue(data)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeEvaluation, "jq input for %q: %v", query, err).WithCause(err)
	}
	if input == nil {
		input = map[string]any{}
	}

	var results []any
	iter := code.RunWithContext(ctx, input)
	for {
		v, ok := iter.Next()
		if !ok {
			break
		}
		if err, isErr := v.(error); isErr {
			return nil, schema.NewErrorf(schema.ErrCodeEvaluation, "jq query %q failed: %v", query, err).
				WithCause(err).
				WithDetails(map[string]any{"query": query})
		}
		results = append(results, v)
	}

	switch len(results) {
	case 0:
		return nil, nil
	case 1:
		return results[0], nil
	}
	return results, nil
}

func (e *GoJQEngine) compile(query string) (*gojq.Code, error) {
	if query == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "empty jq query")
	}

	e.mu.RLock()
	code, ok := e.cache[query]
	e.mu.RUnlock()
	if ok {
		return code, nil
	}

	parsed, err := gojq.Parse(query)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "jq parse error in %q: %v", query, err).
			WithCause(err).
			WithDetails(map[string]any{"query": query})
	}
	// No environment: $ENV and env stay empty.
	code, err = gojq.Compile(parsed, gojq.WithEnvironLoader(func() []string { return nil }))
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "jq compile error in %q: %v", query, err).
			WithCause(err).
			WithDetails(map[string]any{"query": query})
	}

	e.mu.Lock()
	e.cache[query] = code
	e.mu.Unlock()
	return code, nil
}

// jqValue converts v into the value set gojq accepts: nil, bool, float64,
// string, []any and map[string]any. Named map and slice types (documents,
// document lists) are walked; structs go through their JSON encoding.
func jqValue(v any) (any, error) {
	switch val := v.(type) {
	case nil, bool, float64, string:
		return val, nil
	case int:
		return float64(val), nil
	case int32:
		return float64(val), nil
	case int64:
		return float64(val), nil
	case float32:
		return float64(val), nil
	}

	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Map:
		if rv.Type().Key().Kind() != reflect.String {
			break
		}
		out := make(map[string]any, rv.Len())
		iter := rv.MapRange()
		for iter.Next() {
			item, err := jqValue(iter.Value().Interface())
			if err != nil {
				return nil, err
			}
			out[iter.Key().String()] = item
		}
		return out, nil
	case reflect.Slice, reflect.Array:
		if rv.Kind() == reflect.Slice && rv.IsNil() {
			return []any{}, nil
		}
		out := make([]any, rv.Len())
		for i := range out {
			item, err := jqValue(rv.Index(i).Interface())
			if err != nil {
				return nil, err
			}
			out[i] = item
		}
		return out, nil
	case reflect.Pointer:
		if rv.IsNil() {
			return nil, nil
		}
	case reflect.String:
		return rv.String(), nil
	}

	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var decoded any
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return nil, err
	}
	return decoded, nil
}

var _ Engine = (*GoJQEngine)(nil)
