// Package tools holds the tool registry: descriptor storage, name conflict
// enforcement, and compiled input-schema validation.
package tools

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/haasonsaas/synapse/pkg/models"
)

// Registry stores ToolDescriptors keyed by name. Input schemas are compiled
// once at registration; call-time validation runs against the compiled form.
type Registry struct {
	mu        sync.RWMutex
	entries   map[string]*entry
	overrides map[string]Override
	logger    *slog.Logger
}

// Override adjusts a descriptor's policy fields without touching its handler
// or schema. Overrides outlive the tools they target: they reapply whenever
// the named tool is registered, so a plugin reload cannot shed its policy.
type Override struct {
	RateLimitPerMinute *int
	Sensitivity        models.Sensitivity
	RequiredScopes     []string
	Timeout            time.Duration
}

type entry struct {
	descriptor *models.ToolDescriptor
	schema     *jsonschema.Schema
}

// NewRegistry builds an empty registry.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		entries:   make(map[string]*entry),
		overrides: make(map[string]Override),
		logger:    logger.With("component", "tools"),
	}
}

// SetOverride records a policy override for name and applies it to the tool
// if it is already registered.
func (r *Registry) SetOverride(name string, o Override) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.overrides[name] = o
	if e, ok := r.entries[name]; ok {
		applyOverride(e.descriptor, o)
	}
}

func applyOverride(d *models.ToolDescriptor, o Override) {
	if o.RateLimitPerMinute != nil {
		d.RateLimitPerMinute = *o.RateLimitPerMinute
	}
	if o.Sensitivity != "" {
		d.Sensitivity = o.Sensitivity
	}
	if o.RequiredScopes != nil {
		d.RequiredScopes = o.RequiredScopes
	}
	if o.Timeout > 0 {
		d.Timeout = o.Timeout
	}
}

// Register adds a tool. A name conflict is an error and leaves the registry
// untouched: no partial registration.
func (r *Registry) Register(d *models.ToolDescriptor) error {
	if err := d.Validate(); err != nil {
		return err
	}

	var compiled *jsonschema.Schema
	if d.InputSchema != nil {
		doc, err := d.InputSchema.JSONSchema()
		if err != nil {
			return fmt.Errorf("tool %s: render schema: %w", d.Name, err)
		}
		compiler := jsonschema.NewCompiler()
		url := "tool://" + d.Name + "/input"
		if err := compiler.AddResource(url, strings.NewReader(string(doc))); err != nil {
			return fmt.Errorf("tool %s: add schema: %w", d.Name, err)
		}
		compiled, err = compiler.Compile(url)
		if err != nil {
			return fmt.Errorf("tool %s: compile schema: %w", d.Name, err)
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.entries[d.Name]; exists {
		return fmt.Errorf("tool %q is already registered", d.Name)
	}
	if o, ok := r.overrides[d.Name]; ok {
		applyOverride(d, o)
	}
	r.entries[d.Name] = &entry{descriptor: d, schema: compiled}
	r.logger.Debug("tool registered", "tool", d.Name, "sensitivity", d.Sensitivity)
	return nil
}

// Unregister removes one tool. Unknown names are a no-op.
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.entries, name)
}

// UnregisterPrefix atomically removes every tool whose name starts with
// prefix. Used when a plugin unloads. Returns the removed names.
func (r *Registry) UnregisterPrefix(prefix string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var removed []string
	for name := range r.entries {
		if strings.HasPrefix(name, prefix) {
			removed = append(removed, name)
			delete(r.entries, name)
		}
	}
	sort.Strings(removed)
	return removed
}

// Get returns the descriptor for name.
func (r *Registry) Get(name string) (*models.ToolDescriptor, *models.EngineError) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[name]
	if !ok {
		return nil, models.NewEngineError(models.CodeToolNotFound, "no tool named %q", name)
	}
	return e.descriptor, nil
}

// List returns public copies of all descriptors, sorted by name.
func (r *Registry) List() []models.ToolDescriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]models.ToolDescriptor, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e.descriptor.Public())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Len reports the number of registered tools.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// ValidateArgs checks args against the tool's input schema and fills declared
// defaults. Returns the effective arguments, or an invalid_args error naming
// the first violation.
func (r *Registry) ValidateArgs(name string, args map[string]any) (map[string]any, *models.EngineError) {
	r.mu.RLock()
	e, ok := r.entries[name]
	r.mu.RUnlock()
	if !ok {
		return nil, models.NewEngineError(models.CodeToolNotFound, "no tool named %q", name)
	}
	if e.schema == nil {
		return args, nil
	}

	if args == nil {
		args = map[string]any{}
	}
	args = e.descriptor.InputSchema.ApplyDefaults(args)

	if err := e.schema.Validate(normalize(args)); err != nil {
		return nil, models.NewEngineError(models.CodeInvalidArgs, "arguments for %q rejected: %v", name, schemaErrorSummary(err))
	}
	return args, nil
}

// normalize rewrites Go-native numeric types into the forms the schema
// validator treats as JSON numbers.
func normalize(v any) any {
	switch typed := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(typed))
		for k, item := range typed {
			out[k] = normalize(item)
		}
		return out
	case []any:
		out := make([]any, len(typed))
		for i, item := range typed {
			out[i] = normalize(item)
		}
		return out
	case int:
		return float64(typed)
	case int32:
		return float64(typed)
	case int64:
		return float64(typed)
	case float32:
		return float64(typed)
	default:
		return v
	}
}

func schemaErrorSummary(err error) string {
	var ve *jsonschema.ValidationError
	if !errors.As(err, &ve) {
		return err.Error()
	}
	leaf := ve
	for len(leaf.Causes) > 0 {
		leaf = leaf.Causes[0]
	}
	loc := strings.TrimPrefix(leaf.InstanceLocation, "/")
	if loc == "" {
		return leaf.Message
	}
	return fmt.Sprintf("%s: %s", loc, leaf.Message)
}
