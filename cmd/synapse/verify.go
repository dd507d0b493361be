package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/haasonsaas/synapse/internal/audit"
	"github.com/haasonsaas/synapse/internal/config"
	"github.com/haasonsaas/synapse/internal/engine"
	"github.com/haasonsaas/synapse/internal/worldmodel"
)

func buildVerifyCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "verify",
		Short: "Verify the event and audit log hash chains",
		Long: `Replay both append-only logs hash-by-hash and report their chain heads.
The first mismatch fails with exit code 2.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("%w: %v", errConfig, err)
			}

			head, err := verifyEventLog(cfg.Storage.EventLogPath)
			if err != nil {
				return err
			}
			fmt.Printf("event log ok: %s (seq %d, hash %s)\n", cfg.Storage.EventLogPath, head.Seq, head.Hash)

			seq, hash, err := verifyAuditLog(cfg.Storage.AuditLogPath)
			if err != nil {
				return err
			}
			fmt.Printf("audit log ok: %s (seq %d, hash %s)\n", cfg.Storage.AuditLogPath, seq, hash)
			return nil
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to the policy document")
	return cmd
}

func verifyEventLog(path string) (worldmodel.Head, error) {
	if _, err := os.Stat(path); err != nil {
		return worldmodel.Head{}, fmt.Errorf("%w: %v", errConfig, err)
	}
	head, err := worldmodel.VerifyFile(path)
	if err != nil {
		return worldmodel.Head{}, fmt.Errorf("%w: %s: %v", engine.ErrChainVerification, path, err)
	}
	return head, nil
}

// verifyAuditLog opens the audit log, which replays and verifies its chain.
func verifyAuditLog(path string) (int64, string, error) {
	if _, err := os.Stat(path); err != nil {
		return 0, "", fmt.Errorf("%w: %v", errConfig, err)
	}
	log, err := audit.Open(path, audit.Options{})
	if err != nil {
		return 0, "", fmt.Errorf("%w: %s: %v", engine.ErrChainVerification, path, err)
	}
	defer log.Close()
	seq, hash := log.Head()
	return seq, hash, nil
}
