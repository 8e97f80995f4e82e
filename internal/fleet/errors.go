// ABOUTME: Errors returned by the fleet controller to its callers.
// ABOUTME: Worker-reported command failures surface as *CommandError.

package fleet

import (
	"errors"
	"fmt"

	"github.com/2389/shard-fleet/internal/protocol"
)

var (
	// ErrUnknownShard is returned for shard ids outside the fleet.
	ErrUnknownShard = errors.New("shard is not part of this fleet")

	// ErrWorkerExited fails callers whose worker died before replying.
	ErrWorkerExited = errors.New("worker exited before replying")

	// ErrWorkerUnavailable is returned while a worker is being restarted.
	ErrWorkerUnavailable = errors.New("worker is not running")

	// ErrReadyTimeout is returned by Start when a worker never reports ready.
	ErrReadyTimeout = errors.New("worker did not report ready in time")

	// ErrClosed is returned after Close.
	ErrClosed = errors.New("controller closed")
)

// CommandError is a command the worker executed and reported as failed.
type CommandError struct {
	ShardID int
	Op      protocol.Op
	Message string
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("shard %d %s failed: %s", e.ShardID, e.Op, e.Message)
}
