// Package gateway wires the shard-fleet server together.
//
// # Overview
//
// New builds every component from a config.Config: the session store
// (memory or SQLite), the gateway info provider (cached HTTP lookup, or a
// fixed max concurrency override), the identify limiter, the prometheus
// registry, the worker spawner for fleet.mode, and the fleet controller.
//
// Run listens on server.http_addr, starts the fleet, and connects every
// shard in the background while the identify limiter paces them. When the
// context ends, shards are destroyed with intent to resume so their
// sessions survive a restart, then workers, HTTP, and the store are closed.
//
// # HTTP API
//
//	GET  /health                     liveness
//	GET  /health/ready               503 until every worker is ready
//	GET  /api/shards                 status of every shard
//	GET  /api/shards/{id}            status of one shard
//	POST /api/shards/{id}/connect    connect a shard
//	POST /api/shards/{id}/destroy    destroy a shard; body {code, reason, recover}
//	POST /api/shards/{id}/send       relay a JSON payload to a shard
//	GET  /api/gateway                gateway info and session start limits
//	GET  /metrics                    prometheus metrics (metrics.enabled)
package gateway
