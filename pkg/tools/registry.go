// Package tools provides the tool registry and the local tool runtime: a
// validated executor with per-call timeout, circuit breaking and a
// permission gate in front of write-capable tools.
package tools

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/karnevil9/karnevil9/pkg/models"
)

// ExecuteFunc performs the tool's real work in live mode.
type ExecuteFunc func(ctx context.Context, input map[string]any) (map[string]any, models.Usage, error)

// Tool is one registered tool: its schema, its live implementation, and the
// canned outputs served in mock mode.
type Tool struct {
	Schema models.ToolSchema
	Run    ExecuteFunc
	// MockResponses are served in order in mock mode; the last one repeats
	// when calls outnumber responses.
	MockResponses []map[string]any

	// compiled schemas; nil when the tool declares none.
	inputSchema  *jsonschema.Schema
	outputSchema *jsonschema.Schema
}

// Registry holds the registered tools. Lookup and List are safe for
// concurrent use with Register.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]*Tool
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]*Tool)}
}

// Register compiles the tool's schemas and adds it to the registry. A tool
// with a name already registered is rejected.
func (r *Registry) Register(t *Tool) error {
	if t.Schema.Name == "" {
		return fmt.Errorf("tool name is required")
	}

	var err error
	if t.inputSchema, err = compileSchema(t.Schema.Name+"/input", t.Schema.InputSchema); err != nil {
		return fmt.Errorf("tool %s: invalid input schema: %w", t.Schema.Name, err)
	}
	if t.outputSchema, err = compileSchema(t.Schema.Name+"/output", t.Schema.OutputSchema); err != nil {
		return fmt.Errorf("tool %s: invalid output schema: %w", t.Schema.Name, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[t.Schema.Name]; exists {
		return fmt.Errorf("tool %s is already registered", t.Schema.Name)
	}
	r.tools[t.Schema.Name] = t
	return nil
}

func compileSchema(id string, doc map[string]any) (*jsonschema.Schema, error) {
	if doc == nil {
		return nil, nil
	}
	c := jsonschema.NewCompiler()
	url := "inmem://tools/" + id + ".json"
	if err := c.AddResource(url, doc); err != nil {
		return nil, err
	}
	return c.Compile(url)
}

// Lookup returns the tool by name.
func (r *Registry) Lookup(name string) (*Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// List returns the registered tool schemas sorted by name.
func (r *Registry) List() []models.ToolSchema {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]models.ToolSchema, 0, len(r.tools))
	for _, t := range r.tools {
		out = append(out, t.Schema)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
