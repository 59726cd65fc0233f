package slab

import "container/list"

// entry is the hash index's unit of storage: one live item, its chunk
// location, its chain link to the next entry hashing to the same bucket,
// and its position in its size class's LRU list.
//
// Key and value bytes live inline in the class chunk (ref), not in
// separate Go allocations, so the arena — not the garbage collector —
// owns the memory backing cached data.
type entry struct {
	klen, vlen int
	flags      uint32
	expiry     int64
	cas        uint64

	classIdx int
	ref      chunkRef

	next    *entry
	lruElem *list.Element
}

func (e *entry) key(classes []*class) []byte {
	buf := classes[e.classIdx].chunk(e.ref)
	return buf[:e.klen]
}

func (e *entry) value(classes []*class) []byte {
	buf := classes[e.classIdx].chunk(e.ref)
	return buf[e.klen : e.klen+e.vlen]
}

func (e *entry) expired(now int64) bool {
	return e.expiry != 0 && e.expiry <= now
}
