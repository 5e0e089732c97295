// ABOUTME: init command that writes a starter gateway config file
// ABOUTME: Generates a random JWT secret and fills in every default

package main

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/2389/agent-gateway/internal/config"
)

type initOptions struct {
	httpAddr  string
	dbPath    string
	logLevel  string
	logFormat string
	worker    bool
	force     bool
}

func newInitCmd(configPath func() string) *cobra.Command {
	opts := initOptions{}

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a new config file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			outputFile := configPath()
			if opts.dbPath == "" {
				opts.dbPath = filepath.Join(getDataPath(), "gateway.db")
			}

			if _, err := os.Stat(outputFile); err == nil && !opts.force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", outputFile)
			}

			secret, err := generateSecret()
			if err != nil {
				return err
			}

			if err := os.MkdirAll(filepath.Dir(outputFile), 0o755); err != nil {
				return fmt.Errorf("creating config directory: %w", err)
			}
			if err := os.WriteFile(outputFile, []byte(renderConfig(opts, secret)), 0o600); err != nil {
				return fmt.Errorf("writing config file: %w", err)
			}

			dataDir := filepath.Dir(opts.dbPath)
			if err := os.MkdirAll(dataDir, 0o755); err != nil {
				return fmt.Errorf("creating data directory: %w", err)
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Config written to %s\n", outputFile)
			fmt.Fprintf(out, "Data directory: %s\n", dataDir)
			fmt.Fprintln(out, "\nTo start the server:")
			fmt.Fprintln(out, "  agent-gateway serve")
			return nil
		},
	}

	cmd.Flags().StringVar(&opts.httpAddr, "http-addr", config.DefaultHTTPAddr, "HTTP listen address")
	cmd.Flags().StringVar(&opts.dbPath, "db", "", "SQLite database path (default under $XDG_DATA_HOME/agent-gateway)")
	cmd.Flags().StringVar(&opts.logLevel, "log-level", "info", "log level (debug/info/warn/error)")
	cmd.Flags().StringVar(&opts.logFormat, "log-format", "text", "log format (text/json)")
	cmd.Flags().BoolVar(&opts.worker, "worker", true, "run the task worker")
	cmd.Flags().BoolVar(&opts.force, "force", false, "overwrite an existing config file")
	return cmd
}

// generateSecret returns 32 random bytes, base64 encoded.
func generateSecret() (string, error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("generating jwt secret: %w", err)
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}

func renderConfig(opts initOptions, secret string) string {
	var cfg strings.Builder
	cfg.WriteString("# agent-gateway configuration\n")
	cfg.WriteString("# Generated by agent-gateway init\n\n")

	cfg.WriteString("server:\n")
	cfg.WriteString(fmt.Sprintf("  http_addr: %q\n", opts.httpAddr))
	cfg.WriteString("\n")

	cfg.WriteString("database:\n")
	cfg.WriteString(fmt.Sprintf("  path: %q\n", opts.dbPath))
	cfg.WriteString("\n")

	cfg.WriteString("auth:\n")
	cfg.WriteString(fmt.Sprintf("  jwt_secret: %q\n", secret))
	cfg.WriteString("  # shared_secret_hash: output of `agent-gateway hash-secret`\n")
	cfg.WriteString(fmt.Sprintf("  revocation_prune_interval: %q\n", config.DefaultRevocationPrune))
	cfg.WriteString("\n")

	cfg.WriteString("ws:\n")
	cfg.WriteString("  allow_remote: false\n")
	cfg.WriteString("  trust_forwarded_headers: false\n")
	cfg.WriteString(fmt.Sprintf("  max_payload_bytes: %d\n", config.DefaultMaxPayloadBytes))
	cfg.WriteString(fmt.Sprintf("  max_buffered_bytes: %d\n", config.DefaultMaxBufferedBytes))
	cfg.WriteString(fmt.Sprintf("  rate_limit_per_minute: %d\n", config.DefaultRateLimitPerMinute))
	cfg.WriteString(fmt.Sprintf("  heartbeat_interval: %q\n", config.DefaultHeartbeatInterval))
	cfg.WriteString(fmt.Sprintf("  handshake_timeout: %q\n", config.DefaultHandshakeTimeout))
	cfg.WriteString("\n")

	cfg.WriteString("worker:\n")
	cfg.WriteString(fmt.Sprintf("  enabled: %t\n", opts.worker))
	cfg.WriteString(fmt.Sprintf("  poll_interval: %q\n", config.DefaultPollInterval))
	cfg.WriteString(fmt.Sprintf("  max_concurrency: %d\n", config.DefaultMaxConcurrency))
	cfg.WriteString(fmt.Sprintf("  error_limit: %d\n", config.DefaultErrorLimit))
	cfg.WriteString("\n")

	cfg.WriteString("idempotency:\n")
	cfg.WriteString(fmt.Sprintf("  ttl: %q\n", config.DefaultIdempotencyTTL))
	cfg.WriteString(fmt.Sprintf("  sweep_schedule: %q\n", config.DefaultSweepSchedule))
	cfg.WriteString("\n")

	cfg.WriteString("telemetry:\n")
	cfg.WriteString("  enabled: false\n")
	cfg.WriteString("  exporter: \"none\"\n")
	cfg.WriteString("\n")

	cfg.WriteString("logging:\n")
	cfg.WriteString(fmt.Sprintf("  level: %q\n", opts.logLevel))
	cfg.WriteString(fmt.Sprintf("  format: %q\n", opts.logFormat))

	return cfg.String()
}
