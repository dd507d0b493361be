// Package config loads the engine's policy document: server binding, scope
// policy, per-tool overrides, quota defaults, and file locations. YAML and
// JSON5 are accepted; environment variables expand before parsing and
// $include merges fragment files.
package config

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/haasonsaas/synapse/internal/observability"
)

// Environment variables recognized alongside the policy document.
const (
	EnvURL      = "SYNAPSE_URL"
	EnvSimulate = "SYNAPSE_SIMULATE"
	EnvDebug    = "SYNAPSE_DEBUG"
	EnvLogPath  = "SYNAPSE_LOG_PATH"
	EnvSecret   = "SYNAPSE_SECRET"
)

// Config is the engine policy document.
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Scopes  ScopesConfig  `yaml:"scopes"`
	Quota   QuotaConfig   `yaml:"quota_defaults"`
	Plugins PluginsConfig `yaml:"plugins"`
	Storage StorageConfig `yaml:"storage"`
	Logging LoggingConfig `yaml:"logging"`
	Tracing TracingConfig `yaml:"tracing"`

	// ToolOverrides adjust registered descriptors by tool name.
	ToolOverrides map[string]ToolOverride `yaml:"tool_overrides"`

	// Simulate runs manifest-declared tools as local echoes instead of
	// contacting hardware endpoints.
	Simulate bool `yaml:"simulate"`

	// Secret signs approval tokens. Usually injected via SYNAPSE_SECRET.
	Secret string `yaml:"secret"`
}

type ServerConfig struct {
	Host        string `yaml:"host"`
	Port        int    `yaml:"port"`
	MetricsPort int    `yaml:"metrics_port"`
}

// Addr is the bridge bind address.
func (s ServerConfig) Addr() string {
	return net.JoinHostPort(s.Host, strconv.Itoa(s.Port))
}

// MetricsAddr is the metrics/health bind address; empty disables the
// listener.
func (s ServerConfig) MetricsAddr() string {
	if s.MetricsPort <= 0 {
		return ""
	}
	return net.JoinHostPort(s.Host, strconv.Itoa(s.MetricsPort))
}

type ScopesConfig struct {
	// Grantable is the closed set of scopes tokens may carry. Empty means
	// any scope is grantable.
	Grantable []string `yaml:"grantable"`

	// Default scopes are held by every agent.
	Default []string `yaml:"default"`

	// Agents maps agent ids to statically granted scopes.
	Agents map[string][]string `yaml:"agents"`
}

type QuotaConfig struct {
	CPUMsPerWindow int           `yaml:"cpu_ms_per_window"`
	StorageBytes   int64         `yaml:"storage_bytes"`
	Window         time.Duration `yaml:"window"`

	// AgentIdleTTL bounds how long a disconnected agent's record and quota
	// state survive before the sweep removes them.
	AgentIdleTTL time.Duration `yaml:"agent_idle_ttl"`
}

type PluginsConfig struct {
	Dir   string `yaml:"dir"`
	Watch bool   `yaml:"watch"`
}

type StorageConfig struct {
	EventLogPath string `yaml:"event_log_path"`
	AuditLogPath string `yaml:"audit_log_path"`
	StorePath    string `yaml:"store_path"`
}

type ToolOverride struct {
	RateLimitPerMinute *int          `yaml:"rate_limit_per_minute"`
	Sensitivity        string        `yaml:"sensitivity"`
	RequiredScopes     []string      `yaml:"required_scopes"`
	Timeout            time.Duration `yaml:"timeout"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Path   string `yaml:"path"`
}

type TracingConfig struct {
	Endpoint     string  `yaml:"endpoint"`
	SamplingRate float64 `yaml:"sampling_rate"`
	Insecure     bool    `yaml:"insecure"`
}

// Load reads the policy document at path. An empty path yields defaults plus
// environment overrides.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if strings.TrimSpace(path) != "" {
		raw, err := LoadRaw(path)
		if err != nil {
			return nil, err
		}
		cfg, err = decodeRaw(raw)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
	}
	applyEnv(cfg)
	applyDefaults(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv(EnvSimulate); isTruthy(v) {
		cfg.Simulate = true
	}
	if v := os.Getenv(EnvDebug); isTruthy(v) {
		cfg.Logging.Level = "debug"
	}
	if v := os.Getenv(EnvLogPath); v != "" {
		cfg.Logging.Path = v
	}
	if v := os.Getenv(EnvSecret); v != "" {
		cfg.Secret = v
	}
}

func isTruthy(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "yes", "on":
		return true
	}
	return false
}

func applyDefaults(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "127.0.0.1"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8700
	}
	if cfg.Quota.CPUMsPerWindow == 0 {
		cfg.Quota.CPUMsPerWindow = 5000
	}
	if cfg.Quota.StorageBytes == 0 {
		cfg.Quota.StorageBytes = 16 << 20
	}
	if cfg.Quota.Window == 0 {
		cfg.Quota.Window = 60 * time.Second
	}
	if cfg.Quota.AgentIdleTTL == 0 {
		cfg.Quota.AgentIdleTTL = 15 * time.Minute
	}
	if cfg.Storage.EventLogPath == "" {
		cfg.Storage.EventLogPath = "synapse-events.log"
	}
	if cfg.Storage.AuditLogPath == "" {
		cfg.Storage.AuditLogPath = "synapse-audit.log"
	}
	if cfg.Storage.StorePath == "" {
		cfg.Storage.StorePath = "synapse.db"
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
	if cfg.Tracing.SamplingRate == 0 {
		cfg.Tracing.SamplingRate = 1.0
	}
}

// Validate rejects documents a running engine could not honor.
func (c *Config) Validate() error {
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range", c.Server.Port)
	}
	if c.Quota.Window < time.Second {
		return fmt.Errorf("quota_defaults.window %s is below 1s", c.Quota.Window)
	}
	for name, override := range c.ToolOverrides {
		if override.Sensitivity != "" {
			switch override.Sensitivity {
			case "low", "medium", "high":
			default:
				return fmt.Errorf("tool_overrides.%s: invalid sensitivity %q", name, override.Sensitivity)
			}
		}
		if override.RateLimitPerMinute != nil && *override.RateLimitPerMinute < 0 {
			return fmt.Errorf("tool_overrides.%s: negative rate limit", name)
		}
	}
	switch c.Logging.Format {
	case "", "json", "text":
	default:
		return fmt.Errorf("logging.format %q is not json or text", c.Logging.Format)
	}
	return nil
}

// LogConfig translates the logging section for the observability layer.
func (c *Config) LogConfig() observability.LogConfig {
	return observability.LogConfig{
		Level:  c.Logging.Level,
		Format: c.Logging.Format,
	}
}
