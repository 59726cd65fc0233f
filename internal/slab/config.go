// Package slab implements the segment/slab store (C3): items are packed
// into fixed-size chunks grouped into size classes, backed by a chained
// hash index and a per-class LRU, with pluggable eviction. Unlike the
// cuckoo engine it grows its backing memory on demand, up to a configured
// slab budget, trading fixed footprint for flexible item sizes.
package slab

import (
	"github.com/pelikan-go/storectl/internal/item"
)

// EvictionPolicy selects how a class reclaims a chunk when the engine's
// slab budget (MaxSlabs) is exhausted and the class has no free chunk.
type EvictionPolicy int

const (
	// EvictNone never reclaims; Set-family ops return ErrNoMem once the
	// engine's slab budget is exhausted and the class has no free chunk.
	EvictNone EvictionPolicy = iota
	// EvictRandom evicts a uniformly random live item from the class.
	EvictRandom
	// EvictLRU evicts the class's least recently used item.
	EvictLRU
	// EvictExpiredFirst evicts the oldest already-expired item if one
	// exists, falling back to EvictLRU otherwise.
	EvictExpiredFirst
)

// Config tunes the slab engine.
type Config struct {
	// SlabSize is the size in bytes of one slab allocation.
	SlabSize int
	// MinChunk and MaxChunk bound the per-class chunk size; classes grow
	// geometrically from MinChunk by Factor until they would exceed
	// MaxChunk.
	MinChunk, MaxChunk int
	// Factor is the growth ratio between consecutive size classes
	// (memcached's default is 1.25).
	Factor float64
	// MaxSlabs bounds the total number of slab allocations across every
	// class; once reached, classes evict rather than grow.
	MaxSlabs int
	// HashBuckets is the fixed bucket count of the chained hash index.
	HashBuckets int
	EvictPolicy EvictionPolicy
	// MoveToHeadOnGet re-links a hit to the front of its class LRU list;
	// disabling it trades recency accuracy for fewer list operations
	// under read-heavy workloads.
	MoveToHeadOnGet bool
	// Seed seeds EvictRandom's victim selection; zero seeds from the
	// current time.
	Seed int64
}

func (c Config) withDefaults() Config {
	if c.SlabSize == 0 {
		c.SlabSize = 1024 * 1024
	}
	if c.MinChunk == 0 {
		c.MinChunk = 48
	}
	if c.MaxChunk == 0 {
		c.MaxChunk = c.SlabSize / 2
	}
	if c.Factor == 0 {
		c.Factor = 1.25
	}
	if c.HashBuckets == 0 {
		c.HashBuckets = 1024
	}
	if c.MaxSlabs == 0 {
		c.MaxSlabs = 1 << 20 // effectively unbounded unless the caller sets one
	}
	return c
}

var (
	ErrNotFound     = engineError("slab: item not found")
	ErrExists       = engineError("slab: item already exists")
	ErrNotStored    = engineError("slab: item not stored")
	ErrNoMem        = engineError("slab: no memory available")
	ErrOversized    = engineError("slab: item exceeds largest size class")
	ErrCASMismatch  = engineError("slab: CAS token mismatch")
	ErrInvalidKey   = engineError("slab: key must not be empty")
	ErrKeyTooLong   = engineError("slab: key exceeds maximum length")
	ErrNonNumericOp = item.ErrNonNumeric
)

type engineError string

func (e engineError) Error() string { return string(e) }
