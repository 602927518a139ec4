// Package validation checks the shape of source entities before a workflow
// starts, using JSON Schema Draft 2020-12.
package validation

import (
	"embed"
	"encoding/json"
	"fmt"
	"path"
	"strings"
	"sync"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/rendis/bizflow/pkg/schema"
)

//go:embed schemas/*.json
var builtinSchemas embed.FS

const schemaBaseURL = "https://bizflow.dev/schemas/"

// EntityValidator validates documents against the schema registered for
// their collection. Collections without a schema pass unchecked.
// It is safe for concurrent use.
type EntityValidator struct {
	mu      sync.RWMutex
	schemas map[string]*jsonschema.Schema
}

// NewEntityValidator creates a validator preloaded with the built-in schemas.
func NewEntityValidator() (*EntityValidator, error) {
	v := &EntityValidator{schemas: make(map[string]*jsonschema.Schema)}

	entries, err := builtinSchemas.ReadDir("schemas")
	if err != nil {
		return nil, fmt.Errorf("read built-in schemas: %w", err)
	}
	for _, e := range entries {
		raw, err := builtinSchemas.ReadFile(path.Join("schemas", e.Name()))
		if err != nil {
			return nil, fmt.Errorf("read schema %s: %w", e.Name(), err)
		}
		collection := strings.TrimSuffix(e.Name(), ".json")
		if err := v.Register(collection, raw); err != nil {
			return nil, err
		}
	}
	return v, nil
}

// Register compiles schemaJSON and uses it for collection, replacing any
// previous schema.
func (v *EntityValidator) Register(collection string, schemaJSON []byte) error {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(string(schemaJSON)))
	if err != nil {
		return fmt.Errorf("unmarshal %s schema: %w", collection, err)
	}

	url := schemaBaseURL + collection + ".json"
	c := newCompiler()
	if err := c.AddResource(url, doc); err != nil {
		return fmt.Errorf("add %s schema resource: %w", collection, err)
	}
	compiled, err := c.Compile(url)
	if err != nil {
		return fmt.Errorf("compile %s schema: %w", collection, err)
	}

	v.mu.Lock()
	v.schemas[collection] = compiled
	v.mu.Unlock()
	return nil
}

// Has reports whether a schema is registered for collection.
func (v *EntityValidator) Has(collection string) bool {
	v.mu.RLock()
	defer v.mu.RUnlock()
	_, ok := v.schemas[collection]
	return ok
}

// Validate checks doc against the schema of collection.
func (v *EntityValidator) Validate(collection string, doc map[string]any) error {
	v.mu.RLock()
	compiled, ok := v.schemas[collection]
	v.mu.RUnlock()
	if !ok {
		return nil
	}
	if doc == nil {
		return schema.NewErrorf(schema.ErrCodeValidation, "%s document is nil", collection)
	}

	value, err := toJSONValue(doc)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "failed to serialize document").WithCause(err)
	}
	if err := compiled.Validate(value); err != nil {
		fe := toFlowError(err)
		id, _ := doc["id"].(string)
		fe.Message = fmt.Sprintf("invalid %s document %q: %s", collection, id, fe.Message)
		return fe
	}
	return nil
}

func newCompiler() *jsonschema.Compiler {
	c := jsonschema.NewCompiler()
	c.AssertFormat()
	return c
}

// toJSONValue round-trips a Go value through JSON encoding/decoding so that
// numeric values become json.Number (required by the jsonschema library).
func toJSONValue(v any) (any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return jsonschema.UnmarshalJSON(strings.NewReader(string(b)))
}

// toFlowError converts a jsonschema.ValidationError into a FlowError listing
// every leaf violation with its instance location.
func toFlowError(err error) *schema.FlowError {
	verr, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return schema.NewError(schema.ErrCodeValidation, err.Error())
	}

	violations := collectViolations(verr)
	if len(violations) == 0 {
		return schema.NewError(schema.ErrCodeValidation, verr.Error())
	}

	if len(violations) == 1 {
		return schema.NewError(schema.ErrCodeValidation, violations[0]).
			WithDetails(map[string]any{"violations": violations})
	}

	msg := fmt.Sprintf("validation failed with %d errors", len(violations))
	return schema.NewError(schema.ErrCodeValidation, msg).
		WithDetails(map[string]any{"violations": violations})
}

func collectViolations(verr *jsonschema.ValidationError) []string {
	if len(verr.Causes) == 0 {
		loc := "/"
		if len(verr.InstanceLocation) > 0 {
			loc = "/" + strings.Join(verr.InstanceLocation, "/")
		}
		return []string{fmt.Sprintf("%s: %s", loc, verr.Error())}
	}

	var violations []string
	for _, cause := range verr.Causes {
		violations = append(violations, collectViolations(cause)...)
	}
	return violations
}
