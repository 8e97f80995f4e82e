// ABOUTME: serve command: loads config and runs the fleet controller with its HTTP server
// ABOUTME: Prints the startup banner and blocks until interrupted

package main

import (
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/2389/shard-fleet/internal/config"
	"github.com/2389/shard-fleet/internal/gateway"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the fleet controller",
		RunE: func(cmd *cobra.Command, args []string) error {
			flagPath, _ := cmd.Flags().GetString("config")
			return runServe(cmd, getConfigPath(flagPath))
		},
	}
}

func runServe(cmd *cobra.Command, configPath string) error {
	ctx := cmd.Context()

	// Print banner
	cyan := color.New(color.FgCyan)
	cyan.Print(banner)

	gray := color.New(color.FgHiBlack)
	gray.Printf("    version: %s\n\n", version)

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := setupLogger(cfg.Logging, os.Stdout)

	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow)

	green.Print("    ▶ ")
	fmt.Printf("Config:    %s\n", configPath)
	green.Print("    ▶ ")
	fmt.Printf("HTTP:      %s\n", cfg.Server.HTTPAddr)
	green.Print("    ▶ ")
	fmt.Printf("Shards:    %d of %d, %d per worker ", len(cfg.ShardList()), cfg.Fleet.ShardCount, cfg.Fleet.ShardsPerWorker)
	yellow.Printf("[%s]\n", cfg.Fleet.Mode)
	green.Print("    ▶ ")
	fmt.Printf("Sessions:  %s", cfg.Session.Driver)
	if cfg.Session.Driver == config.DriverSQLite {
		gray.Printf(" (%s)", cfg.Session.Path)
	}
	fmt.Println()
	if cfg.Gateway.MaxConcurrencyOverride > 0 {
		green.Print("    ▶ ")
		fmt.Printf("Identify:  max concurrency %d ", cfg.Gateway.MaxConcurrencyOverride)
		gray.Print("(override)")
		fmt.Println()
	}
	fmt.Println()

	logger.Info("starting shard-fleet",
		"config", configPath,
		"http_addr", cfg.Server.HTTPAddr,
		"shard_count", cfg.Fleet.ShardCount,
		"mode", cfg.Fleet.Mode,
	)

	gw, err := gateway.New(cfg, logger)
	if err != nil {
		return fmt.Errorf("creating gateway: %w", err)
	}

	return gw.Run(ctx)
}
