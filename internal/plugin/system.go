package plugin

import (
	"context"
	"runtime"
	"time"

	"github.com/haasonsaas/synapse/pkg/models"
	"github.com/haasonsaas/synapse/pkg/pluginsdk"
)

// SystemPlugin is the builtin system plugin. It contributes the baseline
// tools every deployment has: say, system.info, and system.sleep.
type SystemPlugin struct {
	version string
	started time.Time
	host    pluginsdk.Host
}

// NewSystemPlugin builds the builtin system plugin.
func NewSystemPlugin(version string) *SystemPlugin {
	return &SystemPlugin{version: version}
}

func (p *SystemPlugin) Name() string         { return "system" }
func (p *SystemPlugin) Kind() pluginsdk.Kind { return pluginsdk.KindSystem }
func (p *SystemPlugin) Version() string      { return p.version }

func (p *SystemPlugin) OnLoad(ctx context.Context, host pluginsdk.Host) error {
	p.host = host
	p.started = time.Now()
	return nil
}

func (p *SystemPlugin) OnUnload(ctx context.Context) error { return nil }

func (p *SystemPlugin) ReflexRules() []pluginsdk.ReflexRule { return nil }

func (p *SystemPlugin) Tools() []models.ToolDescriptor {
	maxLen := 4096
	return []models.ToolDescriptor{
		{
			// say is the engine's hello-world actuator; unprefixed by
			// convention since the earliest deployments.
			Name:        "say",
			Description: "Speak a line of text.",
			Sensitivity: models.SensitivityLow,
			InputSchema: &models.InputSchema{
				Properties: map[string]*models.Property{
					"text": {Type: "string", MaxLength: &maxLen},
				},
				Required: []string{"text"},
			},
			Handler: p.say,
		},
		{
			Name:        "system.info",
			Description: "Report engine runtime information.",
			Sensitivity: models.SensitivityLow,
			Handler:     p.info,
		},
		{
			Name:        "system.sleep",
			Description: "Sleep for a bounded number of milliseconds. Intended for timeout and cancellation testing.",
			Sensitivity: models.SensitivityLow,
			InputSchema: &models.InputSchema{
				Properties: map[string]*models.Property{
					"ms": {Type: "integer", Minimum: floatPtr(0), Maximum: floatPtr(600_000)},
				},
				Required: []string{"ms"},
			},
			Handler: p.sleep,
		},
	}
}

func (p *SystemPlugin) say(ctx context.Context, args map[string]any) (*models.ToolResult, error) {
	text, _ := args["text"].(string)
	if p.host != nil {
		p.host.Logger().Info("say", "text", text)
	}
	return models.OK(map[string]any{"spoken": text}), nil
}

func (p *SystemPlugin) info(ctx context.Context, args map[string]any) (*models.ToolResult, error) {
	return models.OK(map[string]any{
		"version":    p.version,
		"go_version": runtime.Version(),
		"goroutines": runtime.NumGoroutine(),
		"uptime_ms":  time.Since(p.started).Milliseconds(),
	}), nil
}

func (p *SystemPlugin) sleep(ctx context.Context, args map[string]any) (*models.ToolResult, error) {
	ms, ok := asMillis(args["ms"])
	if !ok {
		return models.Errorf("ms must be an integer"), nil
	}
	select {
	case <-time.After(time.Duration(ms) * time.Millisecond):
		return models.OK(map[string]any{"slept_ms": ms}), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func asMillis(v any) (int64, bool) {
	switch typed := v.(type) {
	case int:
		return int64(typed), true
	case int64:
		return typed, true
	case float64:
		return int64(typed), true
	default:
		return 0, false
	}
}

func floatPtr(v float64) *float64 { return &v }
