// Package session stores resumable gateway session state per shard.
//
// The Store interface is deliberately tiny (Get, Set, Delete). The
// controller owns one Store for the process and answers worker session
// requests from it, so workers never hold session state themselves.
//
// Implementations:
//
//   - MemoryStore: process lifetime only
//   - SQLiteStore: survives restarts (modernc.org/sqlite, WAL mode)
package session
