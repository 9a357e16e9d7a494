package main

import (
	"DelayLedger/internal/auth"
	"DelayLedger/internal/identity"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

func newTokenCmd(s *settings) *cobra.Command {
	var ttl time.Duration

	cmd := &cobra.Command{
		Use:   "token <identity>",
		Short: "Issue a bearer token",
		Long: `Issue an HS256 bearer token for the HTTP API, signed with auth.jwt_secret.

Examples:
  delayctl token acme-air
  delayctl token admin --ttl 15m`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := s.load()
			if err != nil {
				return err
			}
			if cfg.Auth.JWTSecret == "" {
				return fmt.Errorf("auth.jwt_secret is not set")
			}
			who, err := identity.Parse(args[0])
			if err != nil {
				return err
			}
			if ttl <= 0 {
				ttl = cfg.Auth.TokenTTL
			}

			tok, err := auth.NewAuthenticator(cfg.Auth.JWTSecret, cfg.Auth.Issuer).Issue(who, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), tok)
			return nil
		},
	}
	cmd.Flags().DurationVar(&ttl, "ttl", 0, "token lifetime (default auth.token_ttl)")
	return cmd
}
