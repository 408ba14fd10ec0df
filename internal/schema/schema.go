// Package schema compiles and validates JSON Schema documents for the plan
// and schedule core, using jsonschema.NewCompiler/AddResource/Compile and
// then Validate against a decoded document, with a reusable compiled-schema
// cache keyed by name.
package schema

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// Compiled is a parsed, ready-to-validate JSON Schema document.
type Compiled struct {
	name   string
	schema *jsonschema.Schema
	doc    any
}

// Compile parses doc (a JSON Schema expressed as a Go value, typically a
// map[string]any or a struct marshalable to one) and returns a Compiled
// schema under the given name.
func Compile(name string, doc any) (*Compiled, error) {
	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("schema: marshal %s: %w", name, err)
	}
	var decoded any
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return nil, fmt.Errorf("schema: decode %s: %w", name, err)
	}

	c := jsonschema.NewCompiler()
	if err := c.AddResource(name, decoded); err != nil {
		return nil, fmt.Errorf("schema: add resource %s: %w", name, err)
	}
	compiled, err := c.Compile(name)
	if err != nil {
		return nil, fmt.Errorf("schema: compile %s: %w", name, err)
	}
	return &Compiled{name: name, schema: compiled, doc: decoded}, nil
}

// Name returns the schema's registered name.
func (c *Compiled) Name() string { return c.name }

// Doc returns the decoded JSON Schema document, suitable for handing to a
// model.Request as the provider-facing schema.
func (c *Compiled) Doc() any { return c.doc }

// ValidateJSON parses raw as JSON and validates it against the schema.
func (c *Compiled) ValidateJSON(raw []byte) error {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return fmt.Errorf("schema: %s: invalid JSON: %w", c.name, err)
	}
	return c.Validate(v)
}

// Validate validates an already-decoded document against the schema.
func (c *Compiled) Validate(v any) error {
	if err := c.schema.Validate(v); err != nil {
		return fmt.Errorf("schema: %s: %w", c.name, err)
	}
	return nil
}

// Registry caches compiled schemas by name so the plan/schedule core only
// pays compilation cost once per process.
type Registry struct {
	mu      sync.RWMutex
	schemas map[string]*Compiled
}

// NewRegistry constructs an empty schema registry.
func NewRegistry() *Registry {
	return &Registry{schemas: make(map[string]*Compiled)}
}

// Register compiles doc under name and stores it for later lookup.
func (r *Registry) Register(name string, doc any) (*Compiled, error) {
	compiled, err := Compile(name, doc)
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	r.schemas[name] = compiled
	r.mu.Unlock()
	return compiled, nil
}

// Get returns the compiled schema registered under name, if any.
func (r *Registry) Get(name string) (*Compiled, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.schemas[name]
	return c, ok
}
