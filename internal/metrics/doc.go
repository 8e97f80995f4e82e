// Package metrics defines the Prometheus collectors exported by shard-fleet.
package metrics
