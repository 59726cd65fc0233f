package slab

import "github.com/cespare/xxhash/v2"

// bucketFor maps key to its chain in the fixed-size bucket array.
func bucketFor(key []byte, nbuckets int) int {
	return int(xxhash.Sum64(key) % uint64(nbuckets))
}
