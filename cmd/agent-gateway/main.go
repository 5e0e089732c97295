// ABOUTME: Entry point for the agent-gateway server and its operator commands
// ABOUTME: Builds the cobra command tree and resolves the config file location

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

// Version is set at build time.
var version = "dev"

const banner = `
                         _                    _
  __ _  __ _  ___ _ __ | |_       __ _  __ _| |_ _____      ____ _ _   _
 / _' |/ _' |/ _ \ '_ \| __|____ / _' |/ _' | __/ _ \ \ /\ / / _' | | | |
| (_| | (_| |  __/ | | | ||_____| (_| | (_| | ||  __/\ V  V / (_| | |_| |
 \__,_|\__, |\___|_| |_|\__|     \__, |\__,_|\__\___| \_/\_/ \__,_|\__, |
       |___/                     |___/                            |___/
`

// getConfigPath returns the path to the gateway config file.
// Priority: AGENT_GATEWAY_CONFIG env var > XDG_CONFIG_HOME/agent-gateway/gateway.yaml > ~/.config/agent-gateway/gateway.yaml
func getConfigPath() string {
	if envPath := os.Getenv("AGENT_GATEWAY_CONFIG"); envPath != "" {
		return envPath
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "gateway.yaml"
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	return filepath.Join(configDir, "agent-gateway", "gateway.yaml")
}

// getDataPath returns the directory holding the gateway database.
// Priority: XDG_DATA_HOME/agent-gateway > ~/.local/share/agent-gateway
func getDataPath() string {
	dataDir := os.Getenv("XDG_DATA_HOME")
	if dataDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "data"
		}
		dataDir = filepath.Join(homeDir, ".local", "share")
	}

	return filepath.Join(dataDir, "agent-gateway")
}

func main() {
	_ = godotenv.Load()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:           "agent-gateway",
		Short:         "Multi-channel gateway for AI agent sessions",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "",
		"config file (default $AGENT_GATEWAY_CONFIG or ~/.config/agent-gateway/gateway.yaml)")

	resolve := func() string {
		if configPath != "" {
			return configPath
		}
		return getConfigPath()
	}

	root.AddCommand(
		newServeCmd(resolve),
		newInitCmd(resolve),
		newTokenCmd(resolve),
		newHashSecretCmd(),
		newHealthCmd(resolve),
		newVersionCmd(),
	)
	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the gateway version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "agent-gateway %s\n", version)
		},
	}
}
