// Package shard defines the shard contract the worker host drives.
//
// A Shard is an external state machine: it connects, is destroyed, relays
// payloads, reports a Status, and publishes named events on its bus. It
// obtains session state and identify permission through a ContextFetcher
// rather than owning them.
//
// Loopback is a complete shard that never touches the network. It is
// useful for exercising a fleet end to end: it resumes stored sessions,
// queues for identify when it has none, and echoes every Send back as a
// dispatch event.
package shard
