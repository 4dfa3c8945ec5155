package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"termrelay/internal/config"
	"termrelay/internal/hub"
)

func tokenCmd(configPath *string) *cobra.Command {
	var (
		secret  string
		subject string
		ttl     time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue an admin bearer token for the relay's /api endpoints",
		RunE: func(cmd *cobra.Command, args []string) error {
			if secret == "" {
				cfg, err := config.Load(*configPath)
				if err != nil {
					return err
				}
				secret = cfg.Relay.AdminSecret
			}
			if secret == "" {
				return errors.New("admin secret required (--secret, admin_secret or TERMRELAY_ADMIN_SECRET)")
			}
			token, err := hub.NewTokenManager(secret).Issue(hub.Claims{Subject: subject, Scope: hub.ScopeAdmin}, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().StringVar(&secret, "secret", "", "signing secret (defaults to the relay's admin_secret)")
	cmd.Flags().StringVar(&subject, "subject", "admin", "token subject")
	cmd.Flags().DurationVar(&ttl, "ttl", time.Hour, "token lifetime")
	return cmd
}
