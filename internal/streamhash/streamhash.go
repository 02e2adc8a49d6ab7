// Package streamhash computes the deterministic, collision-tolerated
// 64-bit hash used as the first half of an LSM index key (spec §3:
// "Index entry... stream-name-hash: 64-bit"). It uses the same hash/fnv
// stdlib package the teacher's request-routing code (server/job.go) uses
// to shard work by key — no third-party hash library in the retrieval
// pack offers anything FNV-64a doesn't already provide for this purpose.
package streamhash

import "hash/fnv"

// Hash returns the FNV-1a 64-bit hash of a stream name. Collisions are
// expected and tolerated: callers must confirm the actual stream name
// after reading the candidate record back from the chunk log (spec §3,
// §9 "Hash collisions on stream-hash").
func Hash(streamName string) uint64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(streamName))
	return h.Sum64()
}
