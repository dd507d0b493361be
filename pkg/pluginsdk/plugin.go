// Package pluginsdk defines what a plugin is to the engine: the declarative
// manifest format for external plugins and the Go interfaces compiled-in
// plugins implement.
package pluginsdk

import (
	"context"
	"log/slog"

	"github.com/haasonsaas/synapse/pkg/models"
)

// Host is the narrow surface the engine exposes to an active plugin.
type Host interface {
	// EmitSensor appends a sensor_reading event for the named sensor. The
	// engine runs reflex evaluation on it like any other sensor event.
	EmitSensor(ctx context.Context, sensor string, payload map[string]any) error

	// Logger returns a logger scoped to the plugin.
	Logger() *slog.Logger
}

// Plugin is a compiled-in plugin. External plugins are described by a
// Manifest instead and proxied by the loader.
type Plugin interface {
	// Name is the unique plugin identifier. Contributed tool names are
	// prefixed with it.
	Name() string

	Kind() Kind
	Version() string

	// Tools returns the descriptors the plugin contributes, handlers bound.
	Tools() []models.ToolDescriptor

	// ReflexRules returns rules to install when the plugin activates.
	ReflexRules() []ReflexRule

	// OnLoad is called before the plugin's tools become visible. Returning
	// an error fails the load; nothing is registered.
	OnLoad(ctx context.Context, host Host) error

	// OnUnload is called as the plugin's tools are removed.
	OnUnload(ctx context.Context) error
}
