// Package identify rate-limits the IDENTIFY handshake across every shard of
// a bot application.
//
// # Buckets
//
// The gateway allows max_concurrency identifies per interval. Shards are
// grouped into buckets by shardID % maxConcurrency. Each bucket grants one
// identify at a time, in arrival order, and spaces consecutive grants by at
// least the interval (5s). When a waiter reaches the head of a bucket whose
// window is still open it sleeps for the remaining time plus a random
// jitter in [0, 1.5s), so the identify payload lands just after the
// server-side window resets.
//
// Buckets with different keys never block each other.
//
// # Usage
//
//	limiter := identify.New(provider)
//	if err := limiter.WaitForIdentify(ctx, shardID); err != nil {
//	    return err // do not identify
//	}
//
// Acquire and Do hold the grant across caller work and release it on every
// exit path.
//
// # Single authority
//
// The quota is global to the application. A fleet with several workers must
// route every identify through one Limiter; the fleet controller owns it.
package identify
