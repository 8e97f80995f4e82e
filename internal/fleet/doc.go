// Package fleet runs a sharded gateway connection fleet from one
// controller.
//
// The controller splits the shard ids into static per-worker chunks
// (Assign), starts one worker per chunk through a Spawner, and waits for
// every worker's WorkerReady before accepting commands. Workers run either
// as goroutines (InProcessSpawner) or as child processes speaking CBOR over
// stdio (ProcessSpawner).
//
// The controller is the single identify authority for the fleet: shards in
// every worker queue on its identify.Limiter through WaitForIdentify
// requests, and read and write sessions through its session.Store.
//
// When a worker's channel fails, callers waiting on that worker get
// ErrWorkerExited, the worker is restarted after the restart backoff, and
// shards that were connected are connected again.
package fleet
