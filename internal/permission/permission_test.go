package permission

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/haasonsaas/synapse/internal/clock"
	"github.com/haasonsaas/synapse/internal/store"
	"github.com/haasonsaas/synapse/pkg/models"
)

func newTestLayer(t *testing.T, opts Options) (*Layer, *store.Store) {
	t.Helper()
	s, err := store.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	if opts.Secret == nil {
		opts.Secret = []byte("test-secret")
	}
	opts.Store = s
	layer, err := New(opts)
	require.NoError(t, err)
	return layer, s
}

func sensorTool() *models.ToolDescriptor {
	return &models.ToolDescriptor{Name: "camera.read", RequiredScopes: []string{"camera"}}
}

func TestCheckNoRequiredScopes(t *testing.T) {
	layer, _ := newTestLayer(t, Options{})
	d := layer.Check(context.Background(), "agent-a", &models.ToolDescriptor{Name: "say"}, "")
	require.True(t, d.Allowed)
}

func TestCheckStaticGrants(t *testing.T) {
	layer, _ := newTestLayer(t, Options{
		DefaultScopes: []string{"sensor:read"},
		AgentScopes:   map[string][]string{"trusted": {"camera"}},
	})

	d := layer.Check(context.Background(), "trusted", sensorTool(), "")
	require.True(t, d.Allowed)

	d = layer.Check(context.Background(), "untrusted", sensorTool(), "")
	require.False(t, d.Allowed)
	require.Equal(t, "camera", d.Missing)
}

func TestTokenGrantsScope(t *testing.T) {
	c := clock.NewManual(time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC), 0)
	layer, _ := newTestLayer(t, Options{Clock: c})

	issued, err := layer.Issue(context.Background(), "agent-a", "camera", time.Hour)
	require.NoError(t, err)
	require.NotEmpty(t, issued.Signed)

	d := layer.Check(context.Background(), "agent-a", sensorTool(), issued.Signed)
	require.True(t, d.Allowed)

	// A token issued to one agent does not open doors for another.
	d = layer.Check(context.Background(), "agent-b", sensorTool(), issued.Signed)
	require.False(t, d.Allowed)
}

func TestExpiredTokenDenied(t *testing.T) {
	c := clock.NewManual(time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC), 0)
	layer, _ := newTestLayer(t, Options{Clock: c})

	issued, err := layer.Issue(context.Background(), "agent-a", "camera", time.Minute)
	require.NoError(t, err)

	c.Advance(2 * time.Minute)
	d := layer.Check(context.Background(), "agent-a", sensorTool(), issued.Signed)
	require.False(t, d.Allowed)
	require.Equal(t, "camera", d.Missing)
}

func TestRevokedTokenDenied(t *testing.T) {
	layer, _ := newTestLayer(t, Options{})
	ctx := context.Background()

	issued, err := layer.Issue(ctx, "agent-a", "camera", time.Hour)
	require.NoError(t, err)

	require.NoError(t, layer.Revoke(ctx, issued.TokenID))
	// Idempotent.
	require.NoError(t, layer.Revoke(ctx, issued.TokenID))

	d := layer.Check(ctx, "agent-a", sensorTool(), issued.Signed)
	require.False(t, d.Allowed)
}

func TestTamperedTokenDenied(t *testing.T) {
	layer, _ := newTestLayer(t, Options{})
	ctx := context.Background()

	issued, err := layer.Issue(ctx, "agent-a", "camera", time.Hour)
	require.NoError(t, err)

	tampered := issued.Signed[:len(issued.Signed)-2] + "xx"
	d := layer.Check(ctx, "agent-a", sensorTool(), tampered)
	require.False(t, d.Allowed)
}

func TestGrantableRestriction(t *testing.T) {
	layer, _ := newTestLayer(t, Options{Grantable: []string{"camera"}})
	ctx := context.Background()

	_, err := layer.Issue(ctx, "agent-a", "filesystem:write", time.Hour)
	require.ErrorIs(t, err, ErrScopeNotGrantable)

	_, err = layer.Issue(ctx, "agent-a", "camera", time.Hour)
	require.NoError(t, err)
}

func TestRuntimeGrant(t *testing.T) {
	layer, _ := newTestLayer(t, Options{})
	layer.Grant("agent-a", "camera")

	require.Contains(t, layer.GrantedScopes("agent-a"), "camera")
	d := layer.Check(context.Background(), "agent-a", sensorTool(), "")
	require.True(t, d.Allowed)
}
