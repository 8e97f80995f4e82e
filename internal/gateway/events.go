// ABOUTME: Logs shard lifecycle events forwarded from the workers
// ABOUTME: Subscriptions are held by the gateway and released on shutdown

package gateway

import (
	"context"
	"log/slog"

	"github.com/2389/shard-fleet/internal/shard"
)

// watchEvents subscribes the gateway logger to the fleet's forwarded
// shard events.
func (g *Gateway) watchEvents() {
	bus := g.fleet.Events()
	logAt := map[string]slog.Level{
		shard.EventReady:         slog.LevelInfo,
		shard.EventResumed:       slog.LevelInfo,
		shard.EventClosed:        slog.LevelInfo,
		shard.EventError:         slog.LevelWarn,
		shard.EventDebug:         slog.LevelDebug,
		shard.EventHelloReceived: slog.LevelDebug,
		shard.EventDispatch:      slog.LevelDebug,
	}
	for name, level := range logAt {
		g.eventSubs.Add(bus.Subscribe(name, func(e shard.Event) {
			g.logger.Log(context.Background(), level, "shard event", "shard_id", e.ShardID, "event", e.Name, "data", e.Data)
		}))
	}
}
