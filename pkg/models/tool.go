package models

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Sensitivity is a coarse tag on a tool that informs auditing verbosity and
// default scope requirements.
type Sensitivity string

const (
	SensitivityLow    Sensitivity = "low"
	SensitivityMedium Sensitivity = "medium"
	SensitivityHigh   Sensitivity = "high"
)

// ToolHandler executes a tool call. Args have already been validated against
// the descriptor's input schema. Handlers must honor ctx cancellation; long
// work is bounded by the per-call timeout the scheduler applies.
type ToolHandler func(ctx context.Context, args map[string]any) (*ToolResult, error)

// CostHint estimates what a call costs, for schedulers and agents that want
// to budget ahead of time.
type CostHint struct {
	LatencyMs int64  `json:"latency_ms,omitempty" yaml:"latency_ms,omitempty"`
	Expense   string `json:"expense,omitempty" yaml:"expense,omitempty"`
}

// ToolDescriptor describes a named, schema-bounded capability exposed by the
// engine. Name is unique across all registered tools; tools contributed by a
// plugin are prefixed with the plugin name ("motor.stop").
type ToolDescriptor struct {
	Name               string       `json:"name" yaml:"name"`
	Description        string       `json:"description,omitempty" yaml:"description,omitempty"`
	InputSchema        *InputSchema `json:"input_schema,omitempty" yaml:"input_schema,omitempty"`
	OutputSchema       *InputSchema `json:"output_schema,omitempty" yaml:"output_schema,omitempty"`
	Sensitivity        Sensitivity  `json:"sensitivity,omitempty" yaml:"sensitivity,omitempty"`
	RateLimitPerMinute int          `json:"rate_limit_per_minute,omitempty" yaml:"rate_limit_per_minute,omitempty"`
	CostHint           CostHint     `json:"cost_hint,omitempty" yaml:"cost_hint,omitempty"`
	RequiredScopes     []string     `json:"required_scopes,omitempty" yaml:"required_scopes,omitempty"`

	// Resource names the actuator resource class this tool drives. Reflex
	// overrides deny lower-priority agent calls against the same resource.
	Resource string `json:"resource,omitempty" yaml:"resource,omitempty"`

	// Timeout overrides the engine default per-call deadline when > 0.
	Timeout time.Duration `json:"-" yaml:"-"`

	// Handler is the callable behind the tool. Not serialized.
	Handler ToolHandler `json:"-" yaml:"-"`
}

// Validate checks descriptor invariants that must hold before registration.
func (d *ToolDescriptor) Validate() error {
	if strings.TrimSpace(d.Name) == "" {
		return fmt.Errorf("tool name is required")
	}
	if d.Sensitivity == "" {
		d.Sensitivity = SensitivityLow
	}
	switch d.Sensitivity {
	case SensitivityLow, SensitivityMedium, SensitivityHigh:
	default:
		return fmt.Errorf("tool %s: invalid sensitivity %q", d.Name, d.Sensitivity)
	}
	if d.InputSchema != nil {
		if err := d.InputSchema.Validate(); err != nil {
			return fmt.Errorf("tool %s: %w", d.Name, err)
		}
	}
	return nil
}

// Public returns a copy safe to hand to clients: the handler reference is
// stripped.
func (d *ToolDescriptor) Public() ToolDescriptor {
	pub := *d
	pub.Handler = nil
	return pub
}

// InputSchema is a declarative structural contract for tool arguments. It is
// data, not code: the registry compiles it to a JSON Schema document for
// validation so no reflection is involved at call time.
type InputSchema struct {
	Properties map[string]*Property `json:"properties,omitempty" yaml:"properties,omitempty"`
	Required   []string             `json:"required,omitempty" yaml:"required,omitempty"`

	// AdditionalProperties permits unknown argument keys when true. The
	// default rejects them.
	AdditionalProperties bool `json:"additional_properties,omitempty" yaml:"additional_properties,omitempty"`
}

// Property constrains a single argument.
type Property struct {
	Type        string    `json:"type" yaml:"type"`
	Description string    `json:"description,omitempty" yaml:"description,omitempty"`
	Minimum     *float64  `json:"minimum,omitempty" yaml:"minimum,omitempty"`
	Maximum     *float64  `json:"maximum,omitempty" yaml:"maximum,omitempty"`
	MinLength   *int      `json:"min_length,omitempty" yaml:"min_length,omitempty"`
	MaxLength   *int      `json:"max_length,omitempty" yaml:"max_length,omitempty"`
	Enum        []any     `json:"enum,omitempty" yaml:"enum,omitempty"`
	Default     any       `json:"default,omitempty" yaml:"default,omitempty"`
	Items       *Property `json:"items,omitempty" yaml:"items,omitempty"`
}

var validPropertyTypes = map[string]bool{
	"string": true, "integer": true, "number": true,
	"boolean": true, "object": true, "array": true,
}

// Validate checks schema invariants.
func (s *InputSchema) Validate() error {
	for name, prop := range s.Properties {
		if prop == nil {
			return fmt.Errorf("property %s: missing definition", name)
		}
		if !validPropertyTypes[prop.Type] {
			return fmt.Errorf("property %s: invalid type %q", name, prop.Type)
		}
		if prop.Type == "array" && prop.Items != nil && !validPropertyTypes[prop.Items.Type] {
			return fmt.Errorf("property %s: invalid items type %q", name, prop.Items.Type)
		}
	}
	for _, req := range s.Required {
		if _, ok := s.Properties[req]; !ok {
			return fmt.Errorf("required property %s is not declared", req)
		}
	}
	return nil
}

// JSONSchema renders the declarative schema as a JSON Schema document
// suitable for jsonschema compilation.
func (s *InputSchema) JSONSchema() ([]byte, error) {
	doc := map[string]any{
		"type":                 "object",
		"additionalProperties": s.AdditionalProperties,
	}
	if len(s.Required) > 0 {
		doc["required"] = s.Required
	}
	if len(s.Properties) > 0 {
		props := make(map[string]any, len(s.Properties))
		for name, prop := range s.Properties {
			props[name] = prop.jsonSchema()
		}
		doc["properties"] = props
	}
	return json.Marshal(doc)
}

func (p *Property) jsonSchema() map[string]any {
	doc := map[string]any{"type": p.Type}
	if p.Description != "" {
		doc["description"] = p.Description
	}
	if p.Minimum != nil {
		doc["minimum"] = *p.Minimum
	}
	if p.Maximum != nil {
		doc["maximum"] = *p.Maximum
	}
	if p.MinLength != nil {
		doc["minLength"] = *p.MinLength
	}
	if p.MaxLength != nil {
		doc["maxLength"] = *p.MaxLength
	}
	if len(p.Enum) > 0 {
		doc["enum"] = p.Enum
	}
	if p.Default != nil {
		doc["default"] = p.Default
	}
	if p.Type == "array" && p.Items != nil {
		doc["items"] = p.Items.jsonSchema()
	}
	return doc
}

// ApplyDefaults fills missing optional arguments with declared defaults.
// Returns a copy when any default applies; args is never mutated.
func (s *InputSchema) ApplyDefaults(args map[string]any) map[string]any {
	var out map[string]any
	for name, prop := range s.Properties {
		if prop.Default == nil {
			continue
		}
		if _, present := args[name]; present {
			continue
		}
		if out == nil {
			out = make(map[string]any, len(args)+1)
			for k, v := range args {
				out[k] = v
			}
		}
		out[name] = prop.Default
	}
	if out == nil {
		return args
	}
	return out
}

// ToolResultStatus is the terminal status of a tool call.
type ToolResultStatus string

const (
	ToolStatusOK                 ToolResultStatus = "ok"
	ToolStatusError              ToolResultStatus = "error"
	ToolStatusTimeout            ToolResultStatus = "timeout"
	ToolStatusClientDisconnected ToolResultStatus = "client_disconnected"
)

// ToolResult is what a handler returns and what the tool_result event and
// JSON-RPC response carry.
type ToolResult struct {
	Status ToolResultStatus `json:"status"`
	Output map[string]any   `json:"output,omitempty"`
	Error  string           `json:"error,omitempty"`

	// DurableBytes is the tool's self-reported count of bytes it persisted,
	// charged against the agent's storage quota. Best effort, not a security
	// boundary.
	DurableBytes int64 `json:"durable_bytes,omitempty"`
}

// OK builds a successful result.
func OK(output map[string]any) *ToolResult {
	return &ToolResult{Status: ToolStatusOK, Output: output}
}

// Errorf builds a failed result.
func Errorf(format string, args ...any) *ToolResult {
	return &ToolResult{Status: ToolStatusError, Error: fmt.Sprintf(format, args...)}
}
