package main

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/haasonsaas/synapse/internal/audit"
	"github.com/haasonsaas/synapse/internal/config"
	"github.com/haasonsaas/synapse/internal/permission"
	"github.com/haasonsaas/synapse/internal/store"
)

func buildTokensCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tokens",
		Short: "Issue, revoke, and list approval tokens",
		Long: `Approval tokens grant an agent a scope for a bounded time. Issuance and
revocation are audited, so these commands append to the audit log and must
not run while the engine holds it.`,
	}
	cmd.AddCommand(buildTokensIssueCmd(), buildTokensRevokeCmd(), buildTokensListCmd())
	return cmd
}

// tokenAuthority builds the permission layer over the configured store and
// audit log, exactly as the engine wires it, so signatures match.
func tokenAuthority(configPath string) (*permission.Layer, *store.Store, func(), error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("%w: %v", errConfig, err)
	}
	if cfg.Secret == "" {
		return nil, nil, nil, fmt.Errorf("%w: a token secret is required (set %s)", errConfig, config.EnvSecret)
	}

	st, err := store.Open(cfg.Storage.StorePath)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("%w: %v", errConfig, err)
	}
	auditLog, err := audit.Open(cfg.Storage.AuditLogPath, audit.Options{})
	if err != nil {
		st.Close()
		return nil, nil, nil, err
	}
	layer, err := permission.New(permission.Options{
		Secret:    []byte(cfg.Secret),
		Grantable: cfg.Scopes.Grantable,
		Store:     st,
		Audit:     auditLog,
	})
	if err != nil {
		auditLog.Close()
		st.Close()
		return nil, nil, nil, err
	}
	cleanup := func() {
		auditLog.Close()
		st.Close()
	}
	return layer, st, cleanup, nil
}

func buildTokensIssueCmd() *cobra.Command {
	var (
		configPath string
		agentID    string
		scope      string
		ttl        time.Duration
	)
	cmd := &cobra.Command{
		Use:   "issue",
		Short: "Issue a signed approval token",
		Example: `  synapse tokens issue --agent explorer-1 --scope camera --ttl 1h
  synapse tokens issue --agent explorer-1 --scope filesystem:write --ttl 10m`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if agentID == "" || scope == "" {
				return fmt.Errorf("%w: --agent and --scope are required", errConfig)
			}
			layer, _, cleanup, err := tokenAuthority(configPath)
			if err != nil {
				return err
			}
			defer cleanup()

			issued, err := layer.Issue(cmd.Context(), agentID, scope, ttl)
			if err != nil {
				return err
			}
			fmt.Printf("token_id: %s\nagent_id: %s\nscope: %s\nexpires_at: %s\ntoken: %s\n",
				issued.TokenID, issued.AgentID, issued.Scope, issued.ExpiresAt.Format(time.RFC3339), issued.Signed)
			return nil
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to the policy document")
	cmd.Flags().StringVar(&agentID, "agent", "", "Agent the token is bound to")
	cmd.Flags().StringVar(&scope, "scope", "", "Scope the token grants")
	cmd.Flags().DurationVar(&ttl, "ttl", time.Hour, "Token lifetime")
	return cmd
}

func buildTokensRevokeCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "revoke <token_id>",
		Short: "Revoke an issued token",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			layer, _, cleanup, err := tokenAuthority(configPath)
			if err != nil {
				return err
			}
			defer cleanup()

			if err := layer.Revoke(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Printf("revoked %s\n", args[0])
			return nil
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to the policy document")
	return cmd
}

func buildTokensListCmd() *cobra.Command {
	var (
		configPath string
		agentID    string
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List issued tokens, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("%w: %v", errConfig, err)
			}
			st, err := store.Open(cfg.Storage.StorePath)
			if err != nil {
				return fmt.Errorf("%w: %v", errConfig, err)
			}
			defer st.Close()

			tokens, err := st.ListTokens(cmd.Context(), agentID)
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "TOKEN_ID\tAGENT\tSCOPE\tEXPIRES\tREVOKED")
			for _, token := range tokens {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%t\n",
					token.TokenID, token.AgentID, token.Scope,
					token.ExpiresAt.Format(time.RFC3339), token.Revoked)
			}
			return w.Flush()
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to the policy document")
	cmd.Flags().StringVar(&agentID, "agent", "", "Filter by agent id")
	return cmd
}
