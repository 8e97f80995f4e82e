// ABOUTME: Entry point for shard-fleet, a gateway connection-fleet orchestrator
// ABOUTME: Runs the controller (serve), a worker process (worker), and operator helpers

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

const banner = `
     _                   _        __ _           _
 ___| |__   __ _ _ __ __| |      / _| | ___  ___| |_
/ __| '_ \ / _' | '__/ _' |_____| |_| |/ _ \/ _ \ __|
\__ \ | | | (_| | | | (_| |_____|  _| |  __/  __/ |_
|___/_| |_|\__,_|_|  \__,_|     |_| |_|\___|\___|\__|
`

// getConfigPath returns the path to the config file.
// Priority: --config flag > SHARD_FLEET_CONFIG env var > XDG_CONFIG_HOME/shard-fleet/config.yaml > ~/.config/shard-fleet/config.yaml
func getConfigPath(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}
	if envPath := os.Getenv("SHARD_FLEET_CONFIG"); envPath != "" {
		return envPath
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "config.yaml" // fallback
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	return filepath.Join(configDir, "shard-fleet", "config.yaml")
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "shard-fleet",
		Short:         "Gateway connection-fleet orchestrator",
		Long:          "shard-fleet runs many gateway shards across workers, pacing identifies per concurrency bucket.",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().String("config", "", "config file (default $SHARD_FLEET_CONFIG or ~/.config/shard-fleet/config.yaml)")

	root.AddCommand(
		newServeCmd(),
		newWorkerCmd(),
		newBucketsCmd(),
		newInitCmd(),
		newHealthCmd(),
		newShardsCmd(),
	)
	return root
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		color.New(color.FgRed).Fprint(os.Stderr, "Error: ")
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
