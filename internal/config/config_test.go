package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, "127.0.0.1", cfg.Server.Host)
	require.Equal(t, 8700, cfg.Server.Port)
	require.Equal(t, "127.0.0.1:8700", cfg.Server.Addr())
	require.Equal(t, "", cfg.Server.MetricsAddr())
	require.Equal(t, 60*time.Second, cfg.Quota.Window)
	require.Equal(t, "json", cfg.Logging.Format)
}

func TestLoadYAML(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "policy.yaml", `
server:
  host: 0.0.0.0
  port: 9100
  metrics_port: 9101
scopes:
  grantable: [camera, microphone]
  default: [telemetry]
  agents:
    trusted-agent: [camera]
quota_defaults:
  cpu_ms_per_window: 2000
  storage_bytes: 1048576
  window: 30s
tool_overrides:
  camera.capture:
    rate_limit_per_minute: 10
    sensitivity: high
    required_scopes: [camera]
    timeout: 5s
plugins:
  dir: ./plugins
  watch: true
storage:
  event_log_path: /var/lib/synapse/events.log
simulate: true
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "0.0.0.0:9100", cfg.Server.Addr())
	require.Equal(t, "0.0.0.0:9101", cfg.Server.MetricsAddr())
	require.Equal(t, []string{"camera", "microphone"}, cfg.Scopes.Grantable)
	require.Equal(t, []string{"camera"}, cfg.Scopes.Agents["trusted-agent"])
	require.Equal(t, 2000, cfg.Quota.CPUMsPerWindow)
	require.Equal(t, 30*time.Second, cfg.Quota.Window)
	require.True(t, cfg.Simulate)
	require.True(t, cfg.Plugins.Watch)

	override := cfg.ToolOverrides["camera.capture"]
	require.NotNil(t, override.RateLimitPerMinute)
	require.Equal(t, 10, *override.RateLimitPerMinute)
	require.Equal(t, "high", override.Sensitivity)
	require.Equal(t, 5*time.Second, override.Timeout)
	// Unset sections keep defaults.
	require.Equal(t, "synapse-audit.log", cfg.Storage.AuditLogPath)
}

func TestLoadRejectsUnknownKeys(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "policy.yaml", "sevrer:\n  port: 9100\n")
	_, err := Load(path)
	require.Error(t, err)
}

func TestLoadJSON5(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "policy.json5", `{
  // loopback only
  server: { port: 9200 },
}`)
	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, 9200, cfg.Server.Port)
}

func TestIncludeMerge(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "base.yaml", `
server:
  host: 0.0.0.0
  port: 9100
logging:
  level: debug
`)
	path := writeFile(t, dir, "policy.yaml", `
$include: base.yaml
server:
  port: 9300
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "0.0.0.0", cfg.Server.Host)
	require.Equal(t, 9300, cfg.Server.Port)
	require.Equal(t, "debug", cfg.Logging.Level)
}

func TestIncludeCycle(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "a.yaml", "$include: b.yaml\n")
	writeFile(t, dir, "b.yaml", "$include: a.yaml\n")
	_, err := Load(filepath.Join(dir, "a.yaml"))
	require.Error(t, err)
	require.Contains(t, err.Error(), "cycle")
}

func TestEnvExpansionAndOverrides(t *testing.T) {
	t.Setenv("SYNAPSE_TEST_PORT", "9400")
	t.Setenv(EnvSimulate, "true")
	t.Setenv(EnvDebug, "1")
	t.Setenv(EnvSecret, "env-secret")

	dir := t.TempDir()
	path := writeFile(t, dir, "policy.yaml", "server:\n  port: ${SYNAPSE_TEST_PORT}\n")
	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, 9400, cfg.Server.Port)
	require.True(t, cfg.Simulate)
	require.Equal(t, "debug", cfg.Logging.Level)
	require.Equal(t, "env-secret", cfg.Secret)
}

func TestValidateRejectsBadValues(t *testing.T) {
	dir := t.TempDir()

	path := writeFile(t, dir, "window.yaml", "quota_defaults:\n  window: 10ms\n")
	_, err := Load(path)
	require.Error(t, err)

	path = writeFile(t, dir, "sensitivity.yaml", "tool_overrides:\n  x:\n    sensitivity: extreme\n")
	_, err = Load(path)
	require.Error(t, err)

	path = writeFile(t, dir, "format.yaml", "logging:\n  format: xml\n")
	_, err = Load(path)
	require.Error(t, err)
}
