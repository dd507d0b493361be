package pluginsdk

import (
	"bytes"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/haasonsaas/synapse/pkg/models"
)

// ManifestFilename is the declarative plugin descriptor the loader discovers
// under the plugins directory.
const ManifestFilename = "synapse.plugin.yaml"

// Kind classifies what a plugin contributes to the engine.
type Kind string

const (
	KindSensor    Kind = "sensor"
	KindActuator  Kind = "actuator"
	KindCognition Kind = "cognition"
	KindSystem    Kind = "system"
)

func (k Kind) valid() bool {
	switch k {
	case KindSensor, KindActuator, KindCognition, KindSystem:
		return true
	}
	return false
}

// ReflexRule is the declarative form of a reflex rule contributed by a
// plugin manifest.
type ReflexRule struct {
	ID         string         `yaml:"id" json:"id"`
	SensorName string         `yaml:"sensor_name" json:"sensor_name"`
	Predicate  string         `yaml:"predicate" json:"predicate"`
	ActionTool string         `yaml:"action_tool" json:"action_tool"`
	ActionArgs map[string]any `yaml:"action_args,omitempty" json:"action_args,omitempty"`
	Priority   int            `yaml:"priority" json:"priority"`
	Enabled    bool           `yaml:"enabled" json:"enabled"`
}

// Manifest describes a declarative plugin: its identity, the tools it
// contributes, and optionally the reflex rules it installs and the remote
// endpoint its tools proxy to.
type Manifest struct {
	Name        string `yaml:"name" json:"name"`
	Kind        Kind   `yaml:"kind" json:"kind"`
	Version     string `yaml:"version,omitempty" json:"version,omitempty"`
	Description string `yaml:"description,omitempty" json:"description,omitempty"`

	// Tools declared by the plugin. Names must be prefixed with the plugin
	// name ("motor.stop" for plugin "motor"); the loader enforces this.
	Tools []models.ToolDescriptor `yaml:"tools,omitempty" json:"tools,omitempty"`

	// ReflexRules installed when the plugin activates.
	ReflexRules []ReflexRule `yaml:"reflex_rules,omitempty" json:"reflex_rules,omitempty"`

	// Endpoint is a ws:// URL for out-of-process plugins. Declared tools are
	// proxied to it over the same JSON-RPC wire protocol agents speak. Empty
	// means the tools are simulated in-process.
	Endpoint string `yaml:"endpoint,omitempty" json:"endpoint,omitempty"`
}

// DecodeManifest parses a manifest document. Unknown fields are rejected.
func DecodeManifest(data []byte) (*Manifest, error) {
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	var manifest Manifest
	if err := decoder.Decode(&manifest); err != nil {
		return nil, fmt.Errorf("decode manifest: %w", err)
	}
	return &manifest, nil
}

// DecodeManifestFile reads and parses a manifest file.
func DecodeManifestFile(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}
	manifest, err := DecodeManifest(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return manifest, nil
}

// Validate checks manifest invariants: identity present, kind known, tool
// names prefixed with the plugin name, rules internally consistent.
func (m *Manifest) Validate() error {
	if m == nil {
		return fmt.Errorf("manifest is nil")
	}
	if strings.TrimSpace(m.Name) == "" {
		return fmt.Errorf("manifest name is required")
	}
	if !m.Kind.valid() {
		return fmt.Errorf("manifest %s: invalid kind %q", m.Name, m.Kind)
	}
	seen := make(map[string]bool, len(m.Tools))
	for i := range m.Tools {
		tool := &m.Tools[i]
		if err := tool.Validate(); err != nil {
			return fmt.Errorf("manifest %s: %w", m.Name, err)
		}
		if !strings.HasPrefix(tool.Name, m.Name+".") {
			return fmt.Errorf("manifest %s: tool %q is not prefixed with the plugin name", m.Name, tool.Name)
		}
		if seen[tool.Name] {
			return fmt.Errorf("manifest %s: duplicate tool %q", m.Name, tool.Name)
		}
		seen[tool.Name] = true
	}
	for _, rule := range m.ReflexRules {
		if strings.TrimSpace(rule.ID) == "" {
			return fmt.Errorf("manifest %s: reflex rule id is required", m.Name)
		}
		if strings.TrimSpace(rule.SensorName) == "" {
			return fmt.Errorf("manifest %s: reflex rule %s: sensor name is required", m.Name, rule.ID)
		}
		if strings.TrimSpace(rule.ActionTool) == "" {
			return fmt.Errorf("manifest %s: reflex rule %s: action tool is required", m.Name, rule.ID)
		}
	}
	if m.Endpoint != "" && !strings.HasPrefix(m.Endpoint, "ws://") && !strings.HasPrefix(m.Endpoint, "wss://") {
		return fmt.Errorf("manifest %s: endpoint must be a ws:// or wss:// URL", m.Name)
	}
	return nil
}
