package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/haasonsaas/synapse/internal/config"
	"github.com/haasonsaas/synapse/internal/engine"
	"github.com/haasonsaas/synapse/internal/observability"
	"github.com/haasonsaas/synapse/internal/replay"
)

func buildServeCmd() *cobra.Command {
	var (
		configPath string
		host       string
		port       int
		simulate   bool
		replayLog  string
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the engine",
		Long: `Start the engine: verify the event and audit chains, load plugins from
the configured directory, and serve the agent bridge.

With --replay the engine does not serve: it re-executes the recorded log
into the configured event log path and verifies the rebuilt chain matches
the recording event-for-event.`,
		Example: `  # Start with default config
  synapse serve

  # Start bound to all interfaces in simulation mode
  synapse serve --host 0.0.0.0 --simulate

  # Deterministically replay a recorded session
  synapse serve --config synapse.yaml --replay recorded-events.log`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("%w: %v", errConfig, err)
			}
			if host != "" {
				cfg.Server.Host = host
			}
			if port != 0 {
				cfg.Server.Port = port
			}
			if simulate {
				cfg.Simulate = true
			}

			logger := buildLogger(cfg)

			if replayLog != "" {
				return runReplay(cfg, replayLog, logger)
			}

			eng, err := engine.New(cfg, logger)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return eng.Run(ctx)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to the policy document (YAML or JSON5)")
	cmd.Flags().StringVar(&host, "host", "", "Override the bridge bind host")
	cmd.Flags().IntVar(&port, "port", 0, "Override the bridge bind port")
	cmd.Flags().BoolVar(&simulate, "simulate", false, "Run manifest-declared tools as local simulations")
	cmd.Flags().StringVar(&replayLog, "replay", "", "Replay a recorded event log instead of serving")
	return cmd
}

func buildLogger(cfg *config.Config) *slog.Logger {
	logCfg := cfg.LogConfig()
	if cfg.Logging.Path != "" {
		if f, err := os.OpenFile(cfg.Logging.Path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600); err == nil {
			logCfg.Output = io.MultiWriter(os.Stderr, f)
		}
	}
	return observability.NewLogger(logCfg)
}

func runReplay(cfg *config.Config, recordedPath string, logger *slog.Logger) error {
	tape, err := replay.Load(recordedPath)
	if err != nil {
		return fmt.Errorf("%w: %v", engine.ErrChainVerification, err)
	}
	head, err := replay.Run(tape, cfg.Storage.EventLogPath, logger)
	if err != nil {
		return fmt.Errorf("%w: %v", engine.ErrChainVerification, err)
	}
	fmt.Printf("replayed %d events, head seq %d hash %s\n", len(tape.Events), head.Seq, head.Hash)
	return nil
}
