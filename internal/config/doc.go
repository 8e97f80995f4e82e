// Package config handles configuration loading for shard-fleet.
//
// # Overview
//
// Configuration is loaded from a YAML file, or a TOML file when the path
// ends in .toml, with environment variable expansion. Missing values get
// defaults and the result is validated before it is returned.
//
// # Environment Variable Expansion
//
// Configuration values can reference environment variables:
//
//	gateway:
//	  token: "${SHARD_FLEET_TOKEN}"
//
// Syntax: ${VAR_NAME}. Unset variables expand to the empty string.
//
// # Duration Parsing
//
// Duration values use Go's time.ParseDuration syntax:
//
//	identify:
//	  interval: "5s"
//	  max_jitter: "1500ms"
//
// # Configuration Sections
//
// HTTP server (health, shard status, metrics):
//
//	server:
//	  http_addr: "127.0.0.1:8080"
//
// Gateway API:
//
//	gateway:
//	  token: "${SHARD_FLEET_TOKEN}"
//	  api_url: "https://discord.com/api/v10"
//	  info_ttl: "5m"
//	  max_concurrency_override: 0   # positive skips the API lookup
//
// Fleet:
//
//	fleet:
//	  shard_count: 4
//	  shard_ids: [0, 1]        # default: every shard
//	  shards_per_worker: 2
//	  mode: "inprocess"        # inprocess, process
//	  ready_timeout: "30s"
//	  restart_backoff: "1s"
//	  forward_events: ["ready", "closed"]
//
// Sessions:
//
//	session:
//	  driver: "sqlite"         # memory, sqlite
//	  path: "./shard-fleet.db"
//
// Logging and metrics:
//
//	logging:
//	  level: "info"            # debug, info, warn, error
//	  format: "text"           # text, json
//	metrics:
//	  enabled: true
//	  path: "/metrics"
//
// The same keys work in TOML:
//
//	[fleet]
//	shard_count = 4
//	mode = "process"
package config
