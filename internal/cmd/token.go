package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/amurg-ai/wsrouter/internal/auth"
	"github.com/amurg-ai/wsrouter/internal/config"
)

func newTokenCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token <subject>",
		Short: "Mint a client token signed with the builtin secret",
		Long: "Mint an HS256 token for the builtin provider. Use it as the subscribe token " +
			"or as the bearer token of the admin API (with --role admin).",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(resolveConfigPath(cmd, nil, defaultConfigPath))
			if err != nil {
				return fmt.Errorf("error: %w", err)
			}
			if cfg.Auth.Provider != "builtin" {
				return fmt.Errorf("auth provider is %q, tokens come from its issuer", cfg.Auth.Provider)
			}

			roles, _ := cmd.Flags().GetStringSlice("role")
			ttl, _ := cmd.Flags().GetDuration("ttl")
			svc := auth.NewService(cfg.Auth.JWTSecret, cfg.Auth.Issuer, cfg.Auth.Audience)
			tok, err := svc.IssueToken(args[0], roles, ttl)
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), tok)
			return nil
		},
	}
	cmd.Flags().StringSlice("role", nil, "role claim to include (repeatable)")
	cmd.Flags().Duration("ttl", time.Hour, "token lifetime")
	return cmd
}
