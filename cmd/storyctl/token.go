package main

import (
	"fmt"
	"time"

	"story-graph-server/internal/handler"

	"github.com/spf13/cobra"
)

// NewTokenCommand выпускает JWT для локальной отладки API.
func NewTokenCommand(_ *RootOptions) *cobra.Command {
	var (
		user     string
		validity time.Duration
	)

	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a bearer token for the HTTP API (uses JWT_SECRET)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			userID, err := parseUser(user)
			if err != nil {
				return err
			}
			cfg, err := loadConfig(false)
			if err != nil {
				return err
			}
			if cfg.JWTSecret == "" {
				return fmt.Errorf("JWT_SECRET is not set")
			}
			token, err := handler.GenerateToken(userID, cfg.JWTSecret, validity)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "user_id=%s\n%s\n", userID, token)
			return nil
		},
	}
	cmd.Flags().StringVar(&user, "user", "", "user id (uuid, random if empty)")
	cmd.Flags().DurationVar(&validity, "ttl", 24*time.Hour, "token lifetime")
	return cmd
}
