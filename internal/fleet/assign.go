// ABOUTME: Static shard-to-worker assignment.
// ABOUTME: Splits the fleet's shard ids into contiguous, disjoint per-worker chunks.

package fleet

// Assign splits shardIDs into chunks of at most perWorker ids, preserving
// order. Every id lands in exactly one chunk. perWorker below 1 is treated
// as 1.
func Assign(shardIDs []int, perWorker int) [][]int {
	if perWorker < 1 {
		perWorker = 1
	}
	chunks := make([][]int, 0, (len(shardIDs)+perWorker-1)/perWorker)
	for start := 0; start < len(shardIDs); start += perWorker {
		end := min(start+perWorker, len(shardIDs))
		chunk := make([]int, end-start)
		copy(chunk, shardIDs[start:end])
		chunks = append(chunks, chunk)
	}
	return chunks
}

// Range returns 0..n-1.
func Range(n int) []int {
	ids := make([]int, n)
	for i := range ids {
		ids[i] = i
	}
	return ids
}
