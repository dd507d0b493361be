package quota

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/haasonsaas/synapse/internal/clock"
	"github.com/haasonsaas/synapse/pkg/models"
)

func limitedTool(perMinute int) *models.ToolDescriptor {
	return &models.ToolDescriptor{Name: "camera.read", RateLimitPerMinute: perMinute}
}

func TestBucketExhaustsAndRefills(t *testing.T) {
	c := clock.NewManual(time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC), 0)
	e := New(Limits{}, c, nil)
	tool := limitedTool(2)

	require.Nil(t, e.Admit("a", tool))
	require.Nil(t, e.Admit("a", tool))

	err := e.Admit("a", tool)
	require.NotNil(t, err)
	require.Equal(t, models.CodeRateLimited, err.Code)

	// 2/min refills one token every 30s.
	c.Advance(30 * time.Second)
	require.Nil(t, e.Admit("a", tool))
	require.NotNil(t, e.Admit("a", tool))
}

func TestBucketNeverExceedsCapacity(t *testing.T) {
	c := clock.NewManual(time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC), 0)
	e := New(Limits{}, c, nil)
	tool := limitedTool(2)

	require.Nil(t, e.Admit("a", tool))
	c.Advance(time.Hour)

	// An hour idle refills to capacity, not beyond it.
	require.Nil(t, e.Admit("a", tool))
	require.Nil(t, e.Admit("a", tool))
	require.NotNil(t, e.Admit("a", tool))
}

func TestBucketsAreScopedPerAgent(t *testing.T) {
	c := clock.NewManual(time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC), 0)
	e := New(Limits{}, c, nil)
	tool := limitedTool(1)

	require.Nil(t, e.Admit("a", tool))
	require.NotNil(t, e.Admit("a", tool))
	require.Nil(t, e.Admit("b", tool))
}

func TestCPUBudgetDeniesAfterOvershoot(t *testing.T) {
	c := clock.NewManual(time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC), 0)
	e := New(Limits{CPUBudgetMS: 100}, c, nil)
	tool := &models.ToolDescriptor{Name: "think"}

	require.Nil(t, e.Admit("a", tool))
	e.ChargeCPU("a", 150*time.Millisecond)

	err := e.Admit("a", tool)
	require.NotNil(t, err)
	require.Equal(t, models.CodeCPUExhausted, err.Code)

	// Window reset clears the accumulator.
	c.Advance(DefaultWindow)
	require.Nil(t, e.Admit("a", tool))
	require.EqualValues(t, 0, e.Snapshot("a").CPUUsedMS)
}

func TestStorageBudget(t *testing.T) {
	c := clock.NewManual(time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC), 0)
	e := New(Limits{StorageBytes: 1024}, c, nil)
	tool := &models.ToolDescriptor{Name: "memory.store"}

	e.ChargeStorage("a", 2048)
	err := e.Admit("a", tool)
	require.NotNil(t, err)
	require.Equal(t, models.CodeStorageExhausted, err.Code)
}

func TestPerAgentOverride(t *testing.T) {
	c := clock.NewManual(time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC), 0)
	e := New(Limits{CPUBudgetMS: 100}, c, nil)
	e.SetAgentLimits("generous", Limits{CPUBudgetMS: 1000})
	tool := &models.ToolDescriptor{Name: "think"}

	e.ChargeCPU("generous", 150*time.Millisecond)
	e.ChargeCPU("default", 150*time.Millisecond)

	require.Nil(t, e.Admit("generous", tool))
	require.NotNil(t, e.Admit("default", tool))
}

func TestSweepRemovesExpiredWindows(t *testing.T) {
	c := clock.NewManual(time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC), 0)
	e := New(Limits{}, c, nil)
	tool := limitedTool(1)

	require.Nil(t, e.Admit("a", tool))
	c.Advance(2 * DefaultWindow)

	removed := e.Sweep(c.Now())
	require.Equal(t, []string{"a"}, removed)
}
