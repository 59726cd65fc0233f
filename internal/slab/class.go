package slab

import "container/list"

// chunkRef locates a single fixed-size chunk inside a class's slabs.
type chunkRef struct {
	slabIdx int
	offset  int
}

// class groups chunks of one fixed size. It owns the backing slab memory
// (grown one SlabSize slab at a time, up to the engine's global MaxSlabs
// budget) and the
// per-class LRU used for eviction and EvictExpiredFirst scanning.
type class struct {
	chunkSize int
	slabs     [][]byte
	free      []chunkRef
	lru       *list.List // Value is *entry
}

func newClass(chunkSize int) *class {
	return &class{chunkSize: chunkSize, lru: list.New()}
}

// buildClasses derives the geometric size-class table memcached-style:
// each class's chunk size is roughly the previous one times factor,
// rounded up, until MaxChunk is reached.
func buildClasses(cfg Config) []*class {
	var classes []*class
	size := cfg.MinChunk
	for size <= cfg.MaxChunk {
		classes = append(classes, newClass(size))
		next := int(float64(size) * cfg.Factor)
		if next <= size {
			next = size + 1
		}
		size = next
	}
	if len(classes) == 0 {
		classes = append(classes, newClass(cfg.MaxChunk))
	}
	// The last class always absorbs everything up to MaxChunk exactly,
	// even if the geometric progression overshot it.
	classes[len(classes)-1].chunkSize = cfg.MaxChunk
	return classes
}

func classFor(classes []*class, need int) (int, bool) {
	for i, c := range classes {
		if need <= c.chunkSize {
			return i, true
		}
	}
	return 0, false
}

// chunk returns the byte slice backing ref within c.
func (c *class) chunk(ref chunkRef) []byte {
	start := ref.offset
	return c.slabs[ref.slabIdx][start : start+c.chunkSize]
}

// grow appends a new slab of slabSize bytes, carving it into chunkSize
// chunks and pushing every chunk onto the free list. It reports the
// number of chunks added.
func (c *class) grow(slabSize int) int {
	mem := make([]byte, slabSize)
	slabIdx := len(c.slabs)
	c.slabs = append(c.slabs, mem)

	n := 0
	for off := 0; off+c.chunkSize <= slabSize; off += c.chunkSize {
		c.free = append(c.free, chunkRef{slabIdx: slabIdx, offset: off})
		n++
	}
	return n
}

func (c *class) popFree() (chunkRef, bool) {
	if len(c.free) == 0 {
		return chunkRef{}, false
	}
	ref := c.free[len(c.free)-1]
	c.free = c.free[:len(c.free)-1]
	return ref, true
}

func (c *class) pushFree(ref chunkRef) {
	c.free = append(c.free, ref)
}
