package main

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/haasonsaas/synapse/internal/engine"
)

func TestExitCodes(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{fmt.Errorf("%w: bad yaml", errConfig), 1},
		{fmt.Errorf("wrapped: %w", engine.ErrChainVerification), 2},
		{fmt.Errorf("wrapped: %w", engine.ErrBind), 3},
		{fmt.Errorf("wrapped: %w", engine.ErrDurableWrite), 4},
		{fmt.Errorf("anything else"), 1},
	}
	for _, tc := range cases {
		require.Equal(t, tc.want, exitCode(tc.err), "error: %v", tc.err)
	}
}

func TestRootCommandTree(t *testing.T) {
	root := buildRootCmd()
	var names []string
	for _, cmd := range root.Commands() {
		names = append(names, cmd.Name())
	}
	require.Contains(t, names, "serve")
	require.Contains(t, names, "verify")
	require.Contains(t, names, "tokens")
}
