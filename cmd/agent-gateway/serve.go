// ABOUTME: serve and health commands for running and probing the gateway
// ABOUTME: serve prints the startup banner and blocks until a shutdown signal

package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/2389/agent-gateway/internal/config"
	"github.com/2389/agent-gateway/internal/gateway"
)

func newServeCmd(configPath func() string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the gateway server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			path := configPath()

			cyan := color.New(color.FgCyan)
			cyan.Print(banner)
			gray := color.New(color.FgHiBlack)
			gray.Printf("    version: %s\n\n", version)

			cfg, err := config.Load(path)
			if err != nil {
				return fmt.Errorf("loading config: %w", err)
			}

			logger := setupLogger(cfg.Logging, os.Stdout)

			green := color.New(color.FgGreen)
			yellow := color.New(color.FgYellow)

			green.Print("    ▶ ")
			fmt.Printf("Config:    %s\n", path)
			green.Print("    ▶ ")
			fmt.Printf("HTTP:      %s\n", cfg.Server.HTTPAddr)
			green.Print("    ▶ ")
			fmt.Printf("Database:  %s\n", cfg.Database.Path)
			green.Print("    ▶ ")
			fmt.Printf("Worker:    ")
			if cfg.Worker.Enabled {
				cyan.Printf("%d slots", cfg.Worker.MaxConcurrency)
				gray.Printf(" (poll %s)", cfg.Worker.PollInterval)
			} else {
				yellow.Print("disabled")
			}
			fmt.Println()
			if cfg.WS.AllowRemote {
				green.Print("    ▶ ")
				fmt.Printf("Remote:    ")
				yellow.Print("allowed")
				fmt.Println()
			}
			fmt.Println()

			logger.Info("starting agent-gateway",
				"config", path,
				"http_addr", cfg.Server.HTTPAddr,
				"config_hash", cfg.Hash(),
			)

			gw, err := gateway.New(cfg, logger, gateway.WithVersion(version))
			if err != nil {
				return fmt.Errorf("creating gateway: %w", err)
			}
			return gw.Run(cmd.Context())
		},
	}
}

func newHealthCmd(configPath func() string) *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "health",
		Short: "Check gateway health",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if addr == "" {
				cfg, err := config.Load(configPath())
				if err != nil {
					return fmt.Errorf("loading config: %w", err)
				}
				addr = cfg.Server.HTTPAddr
			}

			url := fmt.Sprintf("http://%s/health", addr)
			req, err := http.NewRequestWithContext(cmd.Context(), http.MethodGet, url, nil)
			if err != nil {
				return fmt.Errorf("creating request: %w", err)
			}

			resp, err := http.DefaultClient.Do(req)
			if err != nil {
				return fmt.Errorf("health check failed: %w", err)
			}
			defer resp.Body.Close()

			if resp.StatusCode != http.StatusOK {
				return fmt.Errorf("unhealthy: status %d", resp.StatusCode)
			}

			var body struct {
				Version     string `json:"version"`
				Connections int    `json:"connections"`
			}
			if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
				return fmt.Errorf("decoding health response: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "healthy (version %s, %d connections)\n", body.Version, body.Connections)
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "gateway HTTP address (default server.http_addr from config)")
	return cmd
}
