package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/notno/agentcom/internal/config"
	"github.com/notno/agentcom/internal/httpapi"
)

// AdminCmd groups operator-only subcommands that don't belong behind the
// HTTP control surface itself — minting the first admin session token has
// to happen out of band, since every admin HTTP endpoint requires one
// already (spec.md §6's admin-gated endpoints).
func AdminCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "admin",
		Short: "Operator-only maintenance commands",
	}
	cmd.AddCommand(issueTokenCmd())
	return cmd
}

func issueTokenCmd() *cobra.Command {
	var subject string
	cmd := &cobra.Command{
		Use:   "issue-token",
		Short: "Mint an admin session token for use against the HTTP control surface",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(cfgFile)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if cfg.Admin.JWTSecret == "" {
				return fmt.Errorf("Admin.JWTSecret is not set in %s", cfgFile)
			}
			ttl := time.Duration(cfg.Admin.TokenTTLSec) * time.Second
			token, err := httpapi.NewAdminSession(cfg.Admin.JWTSecret, subject, ttl)
			if err != nil {
				return fmt.Errorf("mint admin session: %w", err)
			}
			fmt.Println(token)
			return nil
		},
	}
	cmd.Flags().StringVar(&subject, "subject", "operator", "subject claim recorded in the minted token")
	return cmd
}
