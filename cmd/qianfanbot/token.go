package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/memohai/qianfanbot/internal/auth"
)

var tokenCmd = &cobra.Command{
	Use:   "token <user-id>",
	Short: "Issue an API token for a web user",
	Args:  cobra.ExactArgs(1),
	RunE:  runToken,
}

func init() {
	tokenCmd.Flags().String("name", "", "Display name stored with the user")
	tokenCmd.Flags().Duration("expires", 0, "Token lifetime (defaults to auth.jwt_expires_in)")
}

func runToken(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if cfg.Auth.JWTSecret == "" {
		return fmt.Errorf("auth.jwt_secret is required to issue tokens")
	}
	expires, _ := cmd.Flags().GetDuration("expires")
	if expires <= 0 {
		expires, err = time.ParseDuration(cfg.Auth.JWTExpiresIn)
		if err != nil {
			return fmt.Errorf("parse auth.jwt_expires_in: %w", err)
		}
	}
	name, _ := cmd.Flags().GetString("name")
	token, expiresAt, err := auth.GenerateToken(args[0], name, cfg.Auth.JWTSecret, expires)
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), token)
	fmt.Fprintf(cmd.ErrOrStderr(), "expires at %s\n", expiresAt.Format(time.RFC3339))
	return nil
}
