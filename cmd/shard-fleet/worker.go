// ABOUTME: worker command: the child-process entrypoint spawned by the controller in process mode
// ABOUTME: Speaks CBOR frames on stdin/stdout and logs to stderr

package main

import (
	"fmt"
	"os"
	"os/signal"
	"strings"

	"github.com/spf13/cobra"

	"github.com/2389/shard-fleet/internal/config"
	"github.com/2389/shard-fleet/internal/fleet"
	"github.com/2389/shard-fleet/internal/transport"
	"github.com/2389/shard-fleet/internal/worker"
)

type workerFlags struct {
	workerID   int
	shards     string
	shardCount int
	events     string
	logLevel   string
	logFormat  string
}

func newWorkerCmd() *cobra.Command {
	var f workerFlags
	cmd := &cobra.Command{
		Use:    "worker",
		Short:  "Run a shard worker over stdin/stdout (spawned by serve)",
		Hidden: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			opts, err := f.options(cmd.Flags().Changed("events"))
			if err != nil {
				return err
			}
			return runWorker(cmd, f, opts)
		},
	}
	cmd.Flags().IntVar(&f.workerID, "worker-id", 0, "worker id, for logs")
	cmd.Flags().StringVar(&f.shards, "shards", "", "comma-separated shard ids owned by this worker")
	cmd.Flags().IntVar(&f.shardCount, "shard-count", 0, "total shards in the fleet")
	cmd.Flags().StringVar(&f.events, "events", "", "comma-separated shard events to forward (default all)")
	cmd.Flags().StringVar(&f.logLevel, "log-level", "info", "debug, info, warn, error")
	cmd.Flags().StringVar(&f.logFormat, "log-format", "text", "text or json")
	_ = cmd.MarkFlagRequired("shards")
	_ = cmd.MarkFlagRequired("shard-count")
	return cmd
}

// options turns the flags into host options. eventsSet distinguishes an
// empty --events (forward nothing) from an absent one (forward all).
func (f workerFlags) options(eventsSet bool) (worker.Options, error) {
	ids, err := fleet.ParseShardList(f.shards)
	if err != nil {
		return worker.Options{}, err
	}
	if len(ids) == 0 {
		return worker.Options{}, fmt.Errorf("--shards must list at least one shard")
	}
	if f.shardCount <= 0 {
		return worker.Options{}, fmt.Errorf("--shard-count must be positive")
	}

	opts := worker.Options{ShardIDs: ids, ShardCount: f.shardCount}
	if eventsSet {
		opts.ForwardEvents = []string{}
		for _, name := range strings.Split(f.events, ",") {
			if name = strings.TrimSpace(name); name != "" {
				opts.ForwardEvents = append(opts.ForwardEvents, name)
			}
		}
	}
	return opts, nil
}

func runWorker(cmd *cobra.Command, f workerFlags, opts worker.Options) error {
	logger := setupLogger(config.LoggingConfig{Level: f.logLevel, Format: f.logFormat}, os.Stderr).
		With("worker_id", f.workerID, "pid", os.Getpid())
	opts.Logger = logger

	// Ctrl-C reaches the whole process group; the controller decides when
	// workers stop, by destroying shards and closing stdin.
	signal.Ignore(os.Interrupt)

	conn := transport.WorkerStdio()
	defer conn.Close()

	host := worker.NewHost(conn, opts)
	if err := host.Run(cmd.Context()); err != nil {
		logger.Error("worker stopped", "error", err)
		return fmt.Errorf("worker %d: %w", f.workerID, err)
	}
	logger.Info("worker stopped")
	return nil
}
