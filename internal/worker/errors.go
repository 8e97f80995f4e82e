// ABOUTME: Command-local error types reported by the worker host.
// ABOUTME: These never stop the worker; only transport errors do.

package worker

import (
	"errors"
	"fmt"

	"github.com/2389/shard-fleet/internal/protocol"
)

// ErrFetcherClosed is returned to shards whose context request was
// outstanding when the worker stopped.
var ErrFetcherClosed = errors.New("worker stopped before the controller answered")

// UnknownShardError reports a command for a shard this worker does not own.
type UnknownShardError struct {
	ShardID int
}

func (e *UnknownShardError) Error() string {
	return fmt.Sprintf("shard %d is not assigned to this worker", e.ShardID)
}

// ShardOperationError reports that a shard rejected a lifecycle operation.
type ShardOperationError struct {
	ShardID int
	Op      protocol.Op
	Err     error
}

func (e *ShardOperationError) Error() string {
	return fmt.Sprintf("shard %d %s: %v", e.ShardID, e.Op, e.Err)
}

func (e *ShardOperationError) Unwrap() error { return e.Err }
