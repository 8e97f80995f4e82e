// Package worker hosts a fixed set of shards inside one worker and executes
// the controller's commands against them.
//
// # Startup
//
// Host.Run builds a shard for every assigned id, binding each to a Fetcher
// so the shard can ask the controller for session state and identify
// grants. It runs the optional Setup hook, subscribes to the forwarded
// event names, and finally sends WorkerReady. The controller must not send
// lifecycle commands before it sees WorkerReady.
//
// # Commands
//
//   - Connect: connect the shard, then reply Connected
//   - Destroy: cancel a connect directly ahead of it, wait for every
//     earlier lifecycle command for the shard to reply, then destroy the
//     shard and reply Destroyed. An overtaken connect still replies
//     Connected first.
//   - Send: relay the payload; no reply on success
//   - FetchStatus: reply FetchStatusResponse with the request's nonce
//   - SessionInfoResponse, ShardCanIdentify: handed to the Fetcher
//
// Connect, Destroy and FetchStatus failures are reported as CommandFailed
// and logged; Send failures are only logged. None of them stop the worker.
//
// # Failure
//
// A transport error (a dropped or corrupt channel) ends Run with that
// error. The process is expected to exit and be restarted by the
// controller.
package worker
