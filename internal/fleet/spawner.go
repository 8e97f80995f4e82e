// ABOUTME: Worker spawning strategies: goroutines over in-process pipes, or child processes over stdio.
// ABOUTME: Each spawn returns a Handle carrying the controller end of the worker's channel.

package fleet

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"

	"github.com/2389/shard-fleet/internal/metrics"
	"github.com/2389/shard-fleet/internal/shard"
	"github.com/2389/shard-fleet/internal/transport"
	"github.com/2389/shard-fleet/internal/worker"
)

// WorkerSpec describes the worker to start.
type WorkerSpec struct {
	ID         int
	ShardIDs   []int
	ShardCount int
}

// Spawner starts workers.
type Spawner interface {
	Spawn(ctx context.Context, spec WorkerSpec) (*Handle, error)
}

// Handle is a running worker as seen by the controller.
type Handle struct {
	// Conn is the controller end of the worker's channel.
	Conn transport.Conn

	kill     func() error
	killOnce sync.Once
	done     chan struct{}
	err      error
}

// NewHandle wraps conn. kill must stop the worker; the spawner calls exit
// once the worker has stopped.
func NewHandle(conn transport.Conn, kill func() error) *Handle {
	return &Handle{Conn: conn, kill: kill, done: make(chan struct{})}
}

// Kill stops the worker. Safe to call more than once.
func (h *Handle) Kill() error {
	var err error
	h.killOnce.Do(func() {
		if h.kill != nil {
			err = h.kill()
		}
	})
	return err
}

// Wait blocks until the worker has stopped and returns why.
func (h *Handle) Wait() error {
	<-h.done
	return h.err
}

// Done is closed once the worker has stopped.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Exit records that the worker stopped with err. Call it exactly once.
func (h *Handle) Exit(err error) {
	h.err = err
	close(h.done)
}

// InProcessSpawner runs each worker's Host on a goroutine, connected by
// transport.Pipe.
type InProcessSpawner struct {
	Factory       shard.Factory
	Setup         func(shard.Shard) error
	ForwardEvents []string
	Logger        *slog.Logger
	Metrics       *metrics.Metrics
}

// Spawn starts a worker goroutine.
func (s *InProcessSpawner) Spawn(ctx context.Context, spec WorkerSpec) (*Handle, error) {
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}

	controllerEnd, workerEnd := transport.Pipe()
	host := worker.NewHost(workerEnd, worker.Options{
		ShardIDs:      spec.ShardIDs,
		ShardCount:    spec.ShardCount,
		Factory:       s.Factory,
		Setup:         s.Setup,
		ForwardEvents: s.ForwardEvents,
		Logger:        logger.With("worker_id", spec.ID),
		Metrics:       s.Metrics,
	})

	runCtx, cancel := context.WithCancel(context.Background())
	h := NewHandle(controllerEnd, func() error {
		cancel()
		return controllerEnd.Close()
	})
	go func() {
		err := host.Run(runCtx)
		workerEnd.Close()
		cancel()
		h.Exit(err)
	}()
	return h, nil
}

// ProcessSpawner re-executes a binary (by default the running one) with the
// worker subcommand. Frames travel over the child's stdin and stdout; the
// child's stderr is passed through.
type ProcessSpawner struct {
	// Path is the executable. Empty means os.Executable().
	Path string

	// Args are appended after the worker flags, e.g. logging flags.
	Args []string

	// Env is added to the inherited environment.
	Env []string

	ForwardEvents []string
	Stderr        io.Writer
	Logger        *slog.Logger
}

func (s *ProcessSpawner) command(spec WorkerSpec) (*exec.Cmd, error) {
	path := s.Path
	if path == "" {
		exe, err := os.Executable()
		if err != nil {
			return nil, fmt.Errorf("locating executable: %w", err)
		}
		path = exe
	}

	args := []string{
		"worker",
		"--worker-id", strconv.Itoa(spec.ID),
		"--shards", joinInts(spec.ShardIDs),
		"--shard-count", strconv.Itoa(spec.ShardCount),
	}
	if s.ForwardEvents != nil {
		args = append(args, "--events", strings.Join(s.ForwardEvents, ","))
	}
	args = append(args, s.Args...)

	cmd := exec.Command(path, args...)
	cmd.Env = append(os.Environ(), s.Env...)
	cmd.Stderr = s.Stderr
	if cmd.Stderr == nil {
		cmd.Stderr = os.Stderr
	}
	return cmd, nil
}

// Spawn starts a worker process.
func (s *ProcessSpawner) Spawn(ctx context.Context, spec WorkerSpec) (*Handle, error) {
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}

	cmd, err := s.command(spec)
	if err != nil {
		return nil, err
	}
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("worker %d stdin: %w", spec.ID, err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("worker %d stdout: %w", spec.ID, err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("starting worker %d: %w", spec.ID, err)
	}
	logger.Info("worker process started", "worker_id", spec.ID, "pid", cmd.Process.Pid, "shard_ids", spec.ShardIDs)

	conn := transport.NewStreamConn(transport.RoleController, stdout, stdin, stdin)
	h := NewHandle(conn, func() error {
		conn.Close()
		return cmd.Process.Kill()
	})
	go func() {
		// Wait closes stdout, so let the reader drain it first.
		<-conn.ReadDone()
		err := cmd.Wait()
		conn.Close()
		logger.Info("worker process exited", "worker_id", spec.ID, "error", err)
		h.Exit(err)
	}()
	return h, nil
}

func joinInts(ids []int) string {
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = strconv.Itoa(id)
	}
	return strings.Join(parts, ",")
}

// ParseShardList parses a comma-separated list of shard ids.
func ParseShardList(s string) ([]int, error) {
	if strings.TrimSpace(s) == "" {
		return nil, nil
	}
	fields := strings.Split(s, ",")
	ids := make([]int, 0, len(fields))
	for _, f := range fields {
		id, err := strconv.Atoi(strings.TrimSpace(f))
		if err != nil {
			return nil, fmt.Errorf("invalid shard id %q: %w", f, err)
		}
		ids = append(ids, id)
	}
	return ids, nil
}
