// Package events provides a small typed publish/subscribe bus.
//
// Shards publish lifecycle events by name; the worker host subscribes to the
// names it forwards and holds the returned subscriptions in a Group so they
// can all be released when the shard is destroyed.
package events
