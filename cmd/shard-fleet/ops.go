// ABOUTME: Operator commands: init, health, shards, and buckets
// ABOUTME: Talk to a running controller over HTTP or inspect the identify bucket layout

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/2389/shard-fleet/internal/config"
	"github.com/2389/shard-fleet/internal/gateway"
	"github.com/2389/shard-fleet/internal/gatewayinfo"
	"github.com/2389/shard-fleet/internal/identify"
)

func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	flagPath, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(getConfigPath(flagPath))
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	return cfg, nil
}

func newInitCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write an example config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			flagPath, _ := cmd.Flags().GetString("config")
			return writeExampleConfig(cmd.OutOrStdout(), getConfigPath(flagPath), force)
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	return cmd
}

func writeExampleConfig(out io.Writer, path string, force bool) error {
	if _, err := os.Stat(path); err == nil && !force {
		return fmt.Errorf("%s already exists (use --force to overwrite)", path)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	if err := os.WriteFile(path, []byte(config.Example), 0o600); err != nil {
		return fmt.Errorf("writing config: %w", err)
	}

	color.New(color.FgGreen).Fprint(out, "✓ ")
	fmt.Fprintf(out, "Config written to %s\n", path)
	fmt.Fprintln(out, "  Set SHARD_FLEET_TOKEN (or gateway.max_concurrency_override) and run: shard-fleet serve")
	return nil
}

// get issues a GET against the controller's HTTP server.
func get(ctx context.Context, addr, path string) (*http.Response, error) {
	url := fmt.Sprintf("http://%s%s", addr, path)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	return http.DefaultClient.Do(req)
}

func newHealthCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Check that a running controller is healthy",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			resp, err := get(cmd.Context(), cfg.Server.HTTPAddr, "/health")
			if err != nil {
				return fmt.Errorf("health check failed: %w", err)
			}
			defer resp.Body.Close()

			if resp.StatusCode != http.StatusOK {
				return fmt.Errorf("unhealthy: status %d", resp.StatusCode)
			}
			fmt.Fprintln(cmd.OutOrStdout(), "healthy")
			return nil
		},
	}
}

func newShardsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "shards",
		Short: "List shard statuses from a running controller",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			resp, err := get(cmd.Context(), cfg.Server.HTTPAddr, "/api/shards")
			if err != nil {
				return fmt.Errorf("listing shards: %w", err)
			}
			defer resp.Body.Close()

			if resp.StatusCode != http.StatusOK {
				body, _ := io.ReadAll(resp.Body)
				return fmt.Errorf("listing shards: status %d: %s", resp.StatusCode, body)
			}
			var shards []gateway.ShardStatusResponse
			if err := json.NewDecoder(resp.Body).Decode(&shards); err != nil {
				return fmt.Errorf("decoding response: %w", err)
			}
			return printShards(cmd.OutOrStdout(), shards)
		},
	}
}

func printShards(out io.Writer, shards []gateway.ShardStatusResponse) error {
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "SHARD\tWORKER\tSTATUS\tERROR")
	for _, s := range shards {
		fmt.Fprintf(tw, "%d\t%d\t%s\t%s\n", s.ShardID, s.WorkerID, statusColor(s.Status).Sprint(s.Status), s.Error)
	}
	return tw.Flush()
}

func statusColor(status string) *color.Color {
	switch status {
	case "ready":
		return color.New(color.FgGreen)
	case "connecting", "resuming":
		return color.New(color.FgYellow)
	case "idle":
		return color.New(color.FgHiBlack)
	default:
		return color.New(color.FgRed)
	}
}

func newBucketsCmd() *cobra.Command {
	var shardCount, maxConcurrency int
	cmd := &cobra.Command{
		Use:   "buckets",
		Short: "Show which identify bucket each shard falls into",
		Long: "Prints the shard to bucket mapping used to pace identifies. Without " +
			"--max-concurrency the quota is fetched using the configured gateway token.",
		RunE: func(cmd *cobra.Command, args []string) error {
			if shardCount <= 0 || maxConcurrency <= 0 {
				cfg, err := loadConfig(cmd)
				if err != nil {
					return err
				}
				if shardCount <= 0 {
					shardCount = cfg.Fleet.ShardCount
				}
				if maxConcurrency <= 0 {
					maxConcurrency, err = fetchMaxConcurrency(cmd.Context(), cfg)
					if err != nil {
						return err
					}
				}
			}
			return printBuckets(cmd.OutOrStdout(), shardCount, maxConcurrency)
		},
	}
	cmd.Flags().IntVar(&shardCount, "shard-count", 0, "total shards (default from config)")
	cmd.Flags().IntVar(&maxConcurrency, "max-concurrency", 0, "identify max concurrency (default fetched)")
	return cmd
}

func fetchMaxConcurrency(ctx context.Context, cfg *config.Config) (int, error) {
	if cfg.Gateway.MaxConcurrencyOverride > 0 {
		return cfg.Gateway.MaxConcurrencyOverride, nil
	}
	provider, err := gatewayinfo.NewHTTPProvider(cfg.Gateway.APIURL, cfg.Gateway.Token, &http.Client{Timeout: 10 * time.Second})
	if err != nil {
		return 0, err
	}
	info, err := provider.FetchGatewayInformation(ctx)
	if err != nil {
		return 0, fmt.Errorf("fetching gateway information: %w", err)
	}
	return info.SessionStartLimit.MaxConcurrency, nil
}

func printBuckets(out io.Writer, shardCount, maxConcurrency int) error {
	if shardCount <= 0 {
		return fmt.Errorf("shard count must be positive")
	}
	if maxConcurrency <= 0 {
		return fmt.Errorf("max concurrency must be positive")
	}

	buckets := make([][]int, maxConcurrency)
	for id := 0; id < shardCount; id++ {
		b := identify.BucketFor(id, maxConcurrency)
		buckets[b] = append(buckets[b], id)
	}

	cyan := color.New(color.FgCyan)
	fmt.Fprintf(out, "%d shards, max concurrency %d\n\n", shardCount, maxConcurrency)
	for b, ids := range buckets {
		if len(ids) == 0 {
			continue
		}
		cyan.Fprintf(out, "bucket %d", b)
		fmt.Fprintf(out, "  %v\n", ids)
	}
	return nil
}
