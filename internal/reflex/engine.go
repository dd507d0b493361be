// Package reflex evaluates declarative sensor rules. A rule binds a sensor
// name to a predicate over its payload and an actuator tool call; the engine
// picks the highest-priority matching rule per sensor event and tracks
// actuator overrides so conflicting agent actions can be refused.
package reflex

import (
	"fmt"
	"log/slog"
	"path"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/haasonsaas/synapse/internal/clock"
)

// DefaultHoldWindow is how long a fired rule holds its actuator resource
// against lower-priority agent actions.
const DefaultHoldWindow = time.Second

// Rule maps a sensor event matching a predicate to an actuator tool call.
type Rule struct {
	ID string `json:"id" yaml:"id"`

	// SensorName selects which sensors the rule watches. Glob patterns are
	// allowed ("door.*").
	SensorName string `json:"sensor_name" yaml:"sensor_name"`

	// Predicate is the boolean expression source, compiled at registration.
	Predicate string `json:"predicate" yaml:"predicate"`

	// ActionTool names the tool to call when the predicate fires.
	ActionTool string `json:"action_tool" yaml:"action_tool"`

	// ActionArgs is an argument template. String values of the form
	// "{field}" are replaced by the payload field at fire time.
	ActionArgs map[string]any `json:"action_args,omitempty" yaml:"action_args,omitempty"`

	Priority int  `json:"priority" yaml:"priority"`
	Enabled  bool `json:"enabled" yaml:"enabled"`
}

type compiledRule struct {
	Rule
	predicate *Predicate
	insertSeq int
}

// Firing describes the single rule selected for a sensor event.
type Firing struct {
	RuleID     string
	ActionTool string
	ActionArgs map[string]any
	Priority   int
}

// ToolInfo is what the engine needs to know about a rule's action tool.
type ToolInfo struct {
	// Resource is the actuator resource class the tool drives.
	Resource string
}

// ToolResolver reports whether a tool exists and its resource class. The
// registry satisfies this.
type ToolResolver func(name string) (ToolInfo, bool)

// Engine holds the rule set and active overrides.
type Engine struct {
	mu        sync.Mutex
	rules     map[string]*compiledRule
	nextSeq   int
	overrides map[string]override
	hold      time.Duration
	resolve   ToolResolver
	clock     clock.Clock
	logger    *slog.Logger
}

type override struct {
	ruleID   string
	priority int
	until    time.Time
}

// Options configure an Engine.
type Options struct {
	// Resolve verifies action tools at registration and supplies their
	// resource class. Required.
	Resolve ToolResolver

	// HoldWindow overrides DefaultHoldWindow when > 0.
	HoldWindow time.Duration

	Clock  clock.Clock
	Logger *slog.Logger
}

// New builds an Engine.
func New(opts Options) (*Engine, error) {
	if opts.Resolve == nil {
		return nil, fmt.Errorf("reflex engine requires a tool resolver")
	}
	if opts.Clock == nil {
		opts.Clock = clock.NewSystem()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.HoldWindow <= 0 {
		opts.HoldWindow = DefaultHoldWindow
	}
	return &Engine{
		rules:     make(map[string]*compiledRule),
		overrides: make(map[string]override),
		hold:      opts.HoldWindow,
		resolve:   opts.Resolve,
		clock:     opts.Clock,
		logger:    opts.Logger.With("component", "reflex"),
	}, nil
}

// Add compiles and registers a rule. The action tool must already exist.
func (e *Engine) Add(rule Rule) error {
	if strings.TrimSpace(rule.ID) == "" {
		return fmt.Errorf("reflex rule id is required")
	}
	if strings.TrimSpace(rule.SensorName) == "" {
		return fmt.Errorf("reflex rule %s: sensor name is required", rule.ID)
	}
	if _, ok := e.resolve(rule.ActionTool); !ok {
		return fmt.Errorf("reflex rule %s: action tool %q does not exist", rule.ID, rule.ActionTool)
	}
	predicate, err := CompilePredicate(rule.Predicate)
	if err != nil {
		return fmt.Errorf("reflex rule %s: %w", rule.ID, err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if _, exists := e.rules[rule.ID]; exists {
		return fmt.Errorf("reflex rule %q is already registered", rule.ID)
	}
	e.rules[rule.ID] = &compiledRule{Rule: rule, predicate: predicate, insertSeq: e.nextSeq}
	e.nextSeq++
	e.logger.Info("reflex rule registered", "rule_id", rule.ID, "sensor", rule.SensorName, "priority", rule.Priority)
	return nil
}

// Remove drops a rule. Unknown ids are a no-op.
func (e *Engine) Remove(id string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.rules, id)
}

// SetEnabled flips a rule on or off.
func (e *Engine) SetEnabled(id string, enabled bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	rule, ok := e.rules[id]
	if !ok {
		return fmt.Errorf("reflex rule %q does not exist", id)
	}
	rule.Enabled = enabled
	return nil
}

// Rules returns the registered rules in insertion order.
func (e *Engine) Rules() []Rule {
	e.mu.Lock()
	defer e.mu.Unlock()
	compiled := make([]*compiledRule, 0, len(e.rules))
	for _, rule := range e.rules {
		compiled = append(compiled, rule)
	}
	sort.Slice(compiled, func(i, j int) bool { return compiled[i].insertSeq < compiled[j].insertSeq })
	out := make([]Rule, len(compiled))
	for i, rule := range compiled {
		out[i] = rule.Rule
	}
	return out
}

// Evaluate runs all enabled rules matching sensorName against the payload.
// Matching rules are ordered by priority descending, ties by insertion order;
// the first whose predicate holds becomes the firing for this event. A firing
// also arms an override on the action tool's resource.
func (e *Engine) Evaluate(sensorName string, payload map[string]any) *Firing {
	e.mu.Lock()
	defer e.mu.Unlock()

	matching := make([]*compiledRule, 0, 4)
	for _, rule := range e.rules {
		if rule.Enabled && sensorMatches(rule.SensorName, sensorName) {
			matching = append(matching, rule)
		}
	}
	sort.Slice(matching, func(i, j int) bool {
		if matching[i].Priority != matching[j].Priority {
			return matching[i].Priority > matching[j].Priority
		}
		return matching[i].insertSeq < matching[j].insertSeq
	})

	for _, rule := range matching {
		if !rule.predicate.Eval(payload) {
			continue
		}
		firing := &Firing{
			RuleID:     rule.ID,
			ActionTool: rule.ActionTool,
			ActionArgs: renderArgs(rule.ActionArgs, payload),
			Priority:   rule.Priority,
		}
		if info, ok := e.resolve(rule.ActionTool); ok && info.Resource != "" {
			e.overrides[info.Resource] = override{
				ruleID:   rule.ID,
				priority: rule.Priority,
				until:    e.clock.Now().Add(e.hold),
			}
		}
		return firing
	}
	return nil
}

// Override reports the rule currently holding resource, if its hold window is
// still open. Agent actions against a held resource are denied.
func (e *Engine) Override(resource string) (ruleID string, priority int, held bool) {
	if resource == "" {
		return "", 0, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	o, ok := e.overrides[resource]
	if !ok {
		return "", 0, false
	}
	if e.clock.Now().After(o.until) {
		delete(e.overrides, resource)
		return "", 0, false
	}
	return o.ruleID, o.priority, true
}

func sensorMatches(pattern, sensor string) bool {
	if pattern == sensor {
		return true
	}
	ok, err := path.Match(pattern, sensor)
	return err == nil && ok
}

// renderArgs substitutes "{field}" string values from the payload. Fields
// absent from the payload leave the template text in place.
func renderArgs(template, payload map[string]any) map[string]any {
	if template == nil {
		return nil
	}
	out := make(map[string]any, len(template))
	for k, v := range template {
		s, isString := v.(string)
		if isString && strings.HasPrefix(s, "{") && strings.HasSuffix(s, "}") {
			if resolved, ok := lookup(payload, s[1:len(s)-1]); ok {
				out[k] = resolved
				continue
			}
		}
		out[k] = v
	}
	return out
}
