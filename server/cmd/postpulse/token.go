package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"postpulse/server/internal/auth"
)

// newTokenCommand 签发开发用令牌，生产环境的令牌由外部身份系统签发
func newTokenCommand(opts *rootOptions) *cobra.Command {
	var (
		userID   int64
		username string
		ttl      time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a development bearer token",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if userID <= 0 {
				return fmt.Errorf("--user must be positive")
			}
			cfg, _, err := opts.load()
			if err != nil {
				return err
			}
			if ttl <= 0 {
				ttl = cfg.Auth.TokenTTL
			}
			token, err := auth.GenerateToken(userID, username, ttl, cfg.Auth.JWTSecret)
			if err != nil {
				return fmt.Errorf("sign token: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().Int64Var(&userID, "user", 0, "numeric user id")
	cmd.Flags().StringVar(&username, "username", "", "display name embedded in the token")
	cmd.Flags().DurationVar(&ttl, "ttl", 0, "token lifetime (default from config)")
	return cmd
}
