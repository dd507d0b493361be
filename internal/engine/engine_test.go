package engine

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/haasonsaas/synapse/internal/config"
	"github.com/haasonsaas/synapse/internal/scheduler"
	"github.com/haasonsaas/synapse/internal/worldmodel"
	"github.com/haasonsaas/synapse/pkg/models"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	cfg, err := config.Load("")
	require.NoError(t, err)
	cfg.Storage.EventLogPath = filepath.Join(dir, "events.log")
	cfg.Storage.AuditLogPath = filepath.Join(dir, "audit.log")
	cfg.Storage.StorePath = filepath.Join(dir, "store.db")
	cfg.Secret = "engine-test-secret"
	return cfg
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestEngineAssemblesAndDispatches(t *testing.T) {
	cfg := testConfig(t)
	eng, err := New(cfg, discardLogger())
	require.NoError(t, err)
	defer eng.Close()

	ctx := context.Background()
	require.NoError(t, eng.LoadPlugins(ctx))

	// The builtin system plugin is active and its tools are registered.
	record, ok := eng.Loader.Get("system")
	require.True(t, ok)
	require.Equal(t, "active", string(record.State))
	_, engErr := eng.Registry.Get("system.info")
	require.Nil(t, engErr)

	result, engErr := eng.Scheduler.Dispatch(ctx, scheduler.Call{
		AgentID: "agent-1",
		Tool:    "system.info",
	})
	require.Nil(t, engErr)
	require.Equal(t, models.ToolStatusOK, result.Status)

	events, err := eng.World.Recent(10, nil)
	require.NoError(t, err)
	var types []models.EventType
	for _, event := range events {
		types = append(types, event.Type)
	}
	require.Contains(t, types, models.EventToolCall)
	require.Contains(t, types, models.EventToolResult)

	// The audit record landed in the relational index and the counter.
	entries, err := eng.Store.QueryAuditIndex(ctx, "agent-1", "", 10)
	require.NoError(t, err)
	require.NotEmpty(t, entries)
	require.GreaterOrEqual(t,
		testutil.ToFloat64(eng.Metrics.AuditRecords.WithLabelValues("tool_call")), 1.0)
}

func TestEngineAppliesToolOverrides(t *testing.T) {
	cfg := testConfig(t)
	limit := 3
	cfg.ToolOverrides = map[string]config.ToolOverride{
		"system.info": {
			RateLimitPerMinute: &limit,
			Sensitivity:        "high",
			Timeout:            2 * time.Second,
		},
	}
	eng, err := New(cfg, discardLogger())
	require.NoError(t, err)
	defer eng.Close()
	require.NoError(t, eng.LoadPlugins(context.Background()))

	d, engErr := eng.Registry.Get("system.info")
	require.Nil(t, engErr)
	require.Equal(t, 3, d.RateLimitPerMinute)
	require.Equal(t, models.SensitivityHigh, d.Sensitivity)
	require.Equal(t, 2*time.Second, d.Timeout)
}

func TestEngineRejectsCorruptEventLog(t *testing.T) {
	cfg := testConfig(t)

	// Record a valid event, then corrupt the log on disk.
	world, err := worldmodel.Open(cfg.Storage.EventLogPath, worldmodel.Options{Logger: discardLogger()})
	require.NoError(t, err)
	_, err = world.Append(&models.Event{
		Type:    models.EventSensorReading,
		Payload: map[string]any{"sensor": "x", "v": 1},
	})
	require.NoError(t, err)
	require.NoError(t, world.Close())
	corrupt(t, cfg.Storage.EventLogPath)

	_, err = New(cfg, discardLogger())
	require.ErrorIs(t, err, ErrChainVerification)
}

func corrupt(t *testing.T, path string) {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	idx := bytes.IndexByte(data, '1')
	require.GreaterOrEqual(t, idx, 0)
	data[idx] = '2'
	require.NoError(t, os.WriteFile(path, data, 0o600))
}
