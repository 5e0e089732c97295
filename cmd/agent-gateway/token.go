// ABOUTME: Credential commands: mint access tokens and hash shared secrets
// ABOUTME: Tokens are signed with auth.jwt_secret from the gateway config

package main

import (
	"bufio"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/2389/agent-gateway/internal/auth"
	"github.com/2389/agent-gateway/internal/config"
)

func newTokenCmd(configPath func() string) *cobra.Command {
	var (
		subject  string
		username string
		role     string
		scopes   []string
		ttl      time.Duration
	)

	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint an access token for a user",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if role != auth.RoleUser && role != auth.RoleAdmin {
				return fmt.Errorf("role must be %q or %q, got %q", auth.RoleUser, auth.RoleAdmin, role)
			}
			if ttl <= 0 {
				return errors.New("ttl must be positive")
			}

			cfg, err := config.Load(configPath())
			if err != nil {
				return fmt.Errorf("loading config: %w", err)
			}

			if subject == "" {
				subject = uuid.New().String()
			}
			claims := auth.Claims{
				Username:         username,
				Role:             role,
				Scopes:           scopes,
				RegisteredClaims: jwt.RegisteredClaims{Subject: subject},
			}
			token, err := auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret), nil).Generate(claims, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}

	cmd.Flags().StringVar(&subject, "subject", "", "user id (default a random uuid)")
	cmd.Flags().StringVar(&username, "username", "", "display username")
	cmd.Flags().StringVar(&role, "role", auth.RoleUser, "role: user or admin")
	cmd.Flags().StringSliceVar(&scopes, "scope", nil, "scope to grant (repeatable, default the role's scopes)")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime")
	return cmd
}

func newHashSecretCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "hash-secret [secret]",
		Short: "Hash a shared secret for auth.shared_secret_hash",
		Long:  "Hash a shared secret for auth.shared_secret_hash. The secret is read from stdin when no argument is given.",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var secret string
			if len(args) == 1 {
				secret = args[0]
			} else {
				line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
				if err != nil && line == "" {
					return errors.New("no secret given on stdin")
				}
				secret = strings.TrimRight(line, "\r\n")
			}

			hash, err := auth.HashSecret(secret)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), hash)
			return nil
		},
	}
}
