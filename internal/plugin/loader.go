// Package plugin manages the plugin lifecycle: discovery of declarative
// manifests, validation, activation, and atomic teardown. One plugin's
// failure never propagates to other plugins or the engine.
package plugin

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sort"
	"strings"
	"sync"

	"github.com/haasonsaas/synapse/internal/audit"
	"github.com/haasonsaas/synapse/internal/reflex"
	"github.com/haasonsaas/synapse/internal/tools"
	"github.com/haasonsaas/synapse/pkg/models"
	"github.com/haasonsaas/synapse/pkg/pluginsdk"
)

// State is a plugin's lifecycle position.
type State string

const (
	StateDiscovered State = "discovered"
	StateValidated  State = "validated"
	StateLoaded     State = "loaded"
	StateActive     State = "active"
	StateUnloaded   State = "unloaded"
	StateFailed     State = "failed"
)

// Record is what the loader knows about one plugin.
type Record struct {
	Name    string         `json:"name"`
	Kind    pluginsdk.Kind `json:"kind"`
	Version string         `json:"version,omitempty"`
	State   State          `json:"state"`
	Error   string         `json:"error,omitempty"`

	// Path is the manifest location for discovered plugins; empty for
	// builtins.
	Path string `json:"path,omitempty"`

	// Tools are the registered tool names.
	Tools []string `json:"tools,omitempty"`

	// RuleIDs are the reflex rules the plugin installed.
	RuleIDs []string `json:"rule_ids,omitempty"`
}

type loaded struct {
	record  Record
	builtin pluginsdk.Plugin
	remote  *RemoteClient
}

// Options configure a Loader.
type Options struct {
	Registry *tools.Registry
	Reflexes *reflex.Engine
	Audit    *audit.Logger

	// EmitSensor lets plugins inject sensor readings into the engine.
	// Wired to the scheduler's sensor intake.
	EmitSensor func(ctx context.Context, sensor string, payload map[string]any) error

	// OnLifecycle is invoked on every state transition, e.g. to append a
	// plugin_lifecycle event to the world model.
	OnLifecycle func(plugin string, state State, message string)

	// Simulate forces manifest-declared tools onto local simulated handlers
	// even when the manifest names a remote endpoint.
	Simulate bool

	Logger *slog.Logger
}

// Loader owns all plugin records.
type Loader struct {
	mu      sync.Mutex
	plugins map[string]*loaded

	registry    *tools.Registry
	reflexes    *reflex.Engine
	audit       *audit.Logger
	emitSensor  func(ctx context.Context, sensor string, payload map[string]any) error
	onLifecycle func(plugin string, state State, message string)
	simulate    bool
	logger      *slog.Logger
}

// NewLoader builds a Loader.
func NewLoader(opts Options) (*Loader, error) {
	if opts.Registry == nil || opts.Reflexes == nil {
		return nil, fmt.Errorf("plugin loader requires a tool registry and a reflex engine")
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Loader{
		plugins:     make(map[string]*loaded),
		registry:    opts.Registry,
		reflexes:    opts.Reflexes,
		audit:       opts.Audit,
		emitSensor:  opts.EmitSensor,
		onLifecycle: opts.OnLifecycle,
		simulate:    opts.Simulate,
		logger:      opts.Logger.With("component", "plugin"),
	}, nil
}

// host adapts the loader to the narrow surface plugins see.
type host struct {
	loader *Loader
	name   string
}

func (h *host) EmitSensor(ctx context.Context, sensor string, payload map[string]any) error {
	if h.loader.emitSensor == nil {
		return fmt.Errorf("sensor intake is not wired")
	}
	return h.loader.emitSensor(ctx, sensor, payload)
}

func (h *host) Logger() *slog.Logger {
	return h.loader.logger.With("plugin", h.name)
}

func (l *Loader) transition(record *Record, state State, message string) {
	record.State = state
	record.Error = ""
	if state == StateFailed {
		record.Error = message
	}
	l.logger.Info("plugin lifecycle", "plugin", record.Name, "state", state, "message", message)
	if l.audit != nil {
		if err := l.audit.PluginLifecycle(record.Name, string(state), message); err != nil {
			l.logger.Error("audit plugin lifecycle failed", "plugin", record.Name, "error", err)
		}
	}
	if l.onLifecycle != nil {
		l.onLifecycle(record.Name, state, message)
	}
}

// LoadBuiltin activates a compiled-in plugin. Builtins skip manifest
// validation; their tool names are trusted as declared.
func (l *Loader) LoadBuiltin(ctx context.Context, p pluginsdk.Plugin) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, exists := l.plugins[p.Name()]; exists {
		return fmt.Errorf("plugin %q is already loaded", p.Name())
	}
	record := Record{Name: p.Name(), Kind: p.Kind(), Version: p.Version(), State: StateValidated}
	entry := &loaded{record: record, builtin: p}
	l.plugins[p.Name()] = entry

	if err := l.activateLocked(ctx, entry, p.Tools(), p.ReflexRules()); err != nil {
		return err
	}
	return nil
}

// LoadManifest validates and activates a discovered declarative plugin.
func (l *Loader) LoadManifest(ctx context.Context, manifest *pluginsdk.Manifest, path string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	record := Record{Name: manifest.Name, Kind: manifest.Kind, Version: manifest.Version, Path: path, State: StateDiscovered}

	if err := manifest.Validate(); err != nil {
		record.Name = firstNonEmpty(manifest.Name, path)
		entry := &loaded{record: record}
		if existing, ok := l.plugins[record.Name]; !ok || existing.record.State == StateFailed {
			l.plugins[record.Name] = entry
			l.transition(&entry.record, StateFailed, err.Error())
		}
		return err
	}
	if existing, exists := l.plugins[manifest.Name]; exists {
		if existing.record.State != StateFailed {
			return fmt.Errorf("plugin %q is already loaded", manifest.Name)
		}
		delete(l.plugins, manifest.Name)
	}

	record.State = StateValidated
	entry := &loaded{record: record}
	l.plugins[manifest.Name] = entry

	declared := make([]models.ToolDescriptor, len(manifest.Tools))
	copy(declared, manifest.Tools)

	if manifest.Endpoint != "" && !l.simulate {
		remote := NewRemoteClient(manifest.Endpoint, l.logger)
		entry.remote = remote
		for i := range declared {
			declared[i].Handler = remote.Handler(declared[i].Name)
		}
	} else {
		for i := range declared {
			declared[i].Handler = simulatedHandler(declared[i].Name)
		}
	}

	return l.activateLocked(ctx, entry, declared, manifest.ReflexRules)
}

// activateLocked runs on_load, registers tools, installs reflex rules, and
// marks the plugin active. Any failure unwinds every registration already
// made: no dangling tools.
func (l *Loader) activateLocked(ctx context.Context, entry *loaded, declared []models.ToolDescriptor, rules []pluginsdk.ReflexRule) error {
	record := &entry.record

	if entry.builtin != nil {
		if err := l.callGuarded(func() error {
			return entry.builtin.OnLoad(ctx, &host{loader: l, name: record.Name})
		}); err != nil {
			l.transition(record, StateFailed, fmt.Sprintf("on_load: %v", err))
			return fmt.Errorf("plugin %s on_load: %w", record.Name, err)
		}
	}
	l.transition(record, StateLoaded, "")

	for i := range declared {
		tool := declared[i]
		if err := l.registry.Register(&tool); err != nil {
			l.registry.UnregisterPrefix(record.Name + ".")
			l.transition(record, StateFailed, err.Error())
			return fmt.Errorf("plugin %s: %w", record.Name, err)
		}
		record.Tools = append(record.Tools, tool.Name)
	}

	for _, spec := range rules {
		rule := reflex.Rule{
			ID:         spec.ID,
			SensorName: spec.SensorName,
			Predicate:  spec.Predicate,
			ActionTool: spec.ActionTool,
			ActionArgs: spec.ActionArgs,
			Priority:   spec.Priority,
			Enabled:    spec.Enabled,
		}
		if err := l.reflexes.Add(rule); err != nil {
			for _, id := range record.RuleIDs {
				l.reflexes.Remove(id)
			}
			l.registry.UnregisterPrefix(record.Name + ".")
			l.transition(record, StateFailed, err.Error())
			return fmt.Errorf("plugin %s: %w", record.Name, err)
		}
		record.RuleIDs = append(record.RuleIDs, rule.ID)
	}

	l.transition(record, StateActive, "")
	return nil
}

// Unload tears a plugin down: reflex rules out, tools atomically
// unregistered, on_unload called. Unknown names are a no-op.
func (l *Loader) Unload(ctx context.Context, name string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	entry, ok := l.plugins[name]
	if !ok {
		return nil
	}
	record := &entry.record

	for _, id := range record.RuleIDs {
		l.reflexes.Remove(id)
	}
	record.RuleIDs = nil
	l.registry.UnregisterPrefix(name + ".")
	for _, tool := range record.Tools {
		l.registry.Unregister(tool)
	}
	record.Tools = nil

	if entry.remote != nil {
		entry.remote.Close()
	}
	if entry.builtin != nil {
		if err := l.callGuarded(func() error { return entry.builtin.OnUnload(ctx) }); err != nil {
			l.transition(record, StateFailed, fmt.Sprintf("on_unload: %v", err))
			return fmt.Errorf("plugin %s on_unload: %w", name, err)
		}
	}
	l.transition(record, StateUnloaded, "")
	delete(l.plugins, name)
	return nil
}

// Fail records a runtime plugin failure and tears the plugin down. Used when
// a plugin's handler panics or its remote endpoint is gone for good.
func (l *Loader) Fail(ctx context.Context, name, reason string) {
	l.mu.Lock()
	entry, ok := l.plugins[name]
	if !ok {
		l.mu.Unlock()
		return
	}
	record := &entry.record
	for _, id := range record.RuleIDs {
		l.reflexes.Remove(id)
	}
	l.registry.UnregisterPrefix(name + ".")
	for _, tool := range record.Tools {
		l.registry.Unregister(tool)
	}
	if entry.remote != nil {
		entry.remote.Close()
	}
	l.transition(record, StateFailed, reason)
	l.mu.Unlock()
}

// List returns plugin records sorted by name.
func (l *Loader) List() []Record {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Record, 0, len(l.plugins))
	for _, entry := range l.plugins {
		record := entry.record
		record.Tools = append([]string(nil), entry.record.Tools...)
		record.RuleIDs = append([]string(nil), entry.record.RuleIDs...)
		out = append(out, record)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Get returns one plugin record.
func (l *Loader) Get(name string) (Record, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	entry, ok := l.plugins[name]
	if !ok {
		return Record{}, false
	}
	return entry.record, true
}

// callGuarded turns a plugin panic into an error.
func (l *Loader) callGuarded(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v\n%s", r, debug.Stack())
		}
	}()
	return fn()
}

// simulatedHandler backs declared tools with no endpoint. It acknowledges the
// call and echoes the arguments, which is what hardware-free runs need.
func simulatedHandler(tool string) models.ToolHandler {
	return func(ctx context.Context, args map[string]any) (*models.ToolResult, error) {
		output := map[string]any{"simulated": true, "tool": tool}
		for k, v := range args {
			output[k] = v
		}
		return models.OK(output), nil
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
