// Command synapse runs the agent runtime engine: an event-sourced world
// model, policy-gated tool dispatch, reflex rules, and a WebSocket JSON-RPC
// bridge for agents.
//
// # Basic usage
//
// Start the engine:
//
//	synapse serve --config synapse.yaml
//
// Verify the logs' hash chains:
//
//	synapse verify --config synapse.yaml
//
// Replay a recorded log deterministically:
//
//	synapse serve --config synapse.yaml --replay events.log
//
// # Exit codes
//
//	0  clean shutdown
//	1  configuration error
//	2  chain verification failure
//	3  bind or permission error
//	4  fatal durable-write failure
package main

import (
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/haasonsaas/synapse/internal/engine"
)

// Build information, populated by ldflags.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

var errConfig = errors.New("configuration error")

func main() {
	engine.Version = version
	rootCmd := buildRootCmd()
	if err := rootCmd.Execute(); err != nil {
		slog.Error("command failed", "error", err)
		os.Exit(exitCode(err))
	}
}

func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "synapse",
		Short: "Synapse - sandboxed agent runtime engine",
		Long: `Synapse lets untrusted agents observe sensors and drive actuators through
a policy-gated, fully audited tool interface. Every observation and action
is recorded in a hash-chained event log that supports deterministic replay.`,
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage: true,
	}
	rootCmd.AddCommand(
		buildServeCmd(),
		buildVerifyCmd(),
		buildTokensCmd(),
	)
	return rootCmd
}

func exitCode(err error) int {
	switch {
	case errors.Is(err, engine.ErrDurableWrite):
		return 4
	case errors.Is(err, engine.ErrBind):
		return 3
	case errors.Is(err, engine.ErrChainVerification):
		return 2
	default:
		return 1
	}
}
