package slab

import (
	"container/list"
	"math/rand"
	"strconv"
	"time"

	"github.com/pelikan-go/storectl/internal/item"
)

// Engine is a segment/slab-backed key/value store: items are packed into
// fixed-size chunks grouped into size classes, indexed by a chained hash
// table, with per-class LRU eviction. Engine carries no internal locking;
// callers serialize access the same way the worker thread serializes
// access to the rest of the request-processing pipeline.
type Engine struct {
	cfg     Config
	classes []*class
	buckets []*entry
	cas     *item.CASCounter
	rng     *rand.Rand
	nitem   int
	nslabs  int
}

// NewEngine builds the size-class table and hash index described by cfg.
func NewEngine(cfg Config, cas *item.CASCounter) (*Engine, error) {
	cfg = cfg.withDefaults()
	if cfg.MinChunk <= 0 || cfg.MaxChunk < cfg.MinChunk {
		return nil, engineError("slab: invalid chunk size bounds")
	}

	seed := cfg.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}

	return &Engine{
		cfg:     cfg,
		classes: buildClasses(cfg),
		buckets: make([]*entry, cfg.HashBuckets),
		cas:     cas,
		rng:     rand.New(rand.NewSource(seed)),
	}, nil
}

// NItem returns the number of items held in the store. An expired item
// stays counted until a lookup of its key or an eviction reclaims it.
func (e *Engine) NItem() int { return e.nitem }

func validateKey(key []byte) error {
	if len(key) == 0 {
		return ErrInvalidKey
	}
	if len(key) > item.MaxKeyLen {
		return ErrKeyTooLong
	}
	return nil
}

func (e *Engine) lookup(key []byte, now int64) (*entry, int, *entry) {
	b := bucketFor(key, len(e.buckets))
	var prev *entry
	for ent := e.buckets[b]; ent != nil; ent = ent.next {
		if ent.klen == len(key) && bytesEqual(ent.key(e.classes), key) {
			if ent.expired(now) {
				// An expired entry is logically absent: reclaim its chunk
				// so a following insert does not leave a second entry for
				// the same key in the chain.
				e.unlink(ent, b, prev)
				return nil, b, nil
			}
			return ent, b, prev
		}
		prev = ent
	}
	return nil, b, nil
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// Get returns the item for key, or ok=false if absent or expired. A hit
// moves the entry to the front of its class's LRU list when
// Config.MoveToHeadOnGet is set.
func (e *Engine) Get(key []byte, now int64) (*item.Item, bool) {
	ent, _, _ := e.lookup(key, now)
	if ent == nil {
		return nil, false
	}
	if e.cfg.MoveToHeadOnGet {
		e.classes[ent.classIdx].lru.MoveToFront(ent.lruElem)
	}
	return e.toItem(ent), true
}

func (e *Engine) toItem(ent *entry) *item.Item {
	return &item.Item{
		Key:    ent.key(e.classes),
		Value:  ent.value(e.classes),
		Flags:  ent.flags,
		Expiry: ent.expiry,
		CAS:    ent.cas,
	}
}

// Set stores key unconditionally, replacing any existing item.
func (e *Engine) Set(key, value []byte, flags uint32, expiry int64, now int64) error {
	if err := validateKey(key); err != nil {
		return err
	}
	existing, bucket, prev := e.lookup(key, now)
	if existing != nil {
		return e.overwrite(existing, bucket, prev, key, value, flags, expiry, now)
	}
	return e.insert(key, value, flags, expiry, bucket, now)
}

// Add stores key only if it does not already exist.
func (e *Engine) Add(key, value []byte, flags uint32, expiry int64, now int64) error {
	if err := validateKey(key); err != nil {
		return err
	}
	existing, bucket, _ := e.lookup(key, now)
	if existing != nil {
		return ErrExists
	}
	return e.insert(key, value, flags, expiry, bucket, now)
}

// Replace stores key only if it already exists.
func (e *Engine) Replace(key, value []byte, flags uint32, expiry int64, now int64) error {
	if err := validateKey(key); err != nil {
		return err
	}
	existing, bucket, prev := e.lookup(key, now)
	if existing == nil {
		return ErrNotStored
	}
	return e.overwrite(existing, bucket, prev, key, value, flags, expiry, now)
}

// Append joins suffix to the end of the existing value. Flags and expiry
// are left untouched, matching memcached's append/prepend semantics.
func (e *Engine) Append(key, suffix []byte, now int64) error {
	return e.concat(key, suffix, false, now)
}

// Prepend joins prefix to the start of the existing value.
func (e *Engine) Prepend(key, prefix []byte, now int64) error {
	return e.concat(key, prefix, true, now)
}

func (e *Engine) concat(key, extra []byte, prepend bool, now int64) error {
	existing, bucket, prev := e.lookup(key, now)
	if existing == nil {
		return ErrNotStored
	}
	old := append([]byte(nil), existing.value(e.classes)...)
	var merged []byte
	if prepend {
		merged = append(append([]byte(nil), extra...), old...)
	} else {
		merged = append(old, extra...)
	}
	// §4.3: APPEND/PREPEND "on class overflow fails NOT_STORED" — unlike
	// a plain overwrite (SET/REPLACE/CAS), which reports OVERSIZED. Check
	// the class bound up front so overwrite's own ErrOversized path is
	// never reached from this call.
	if _, ok := classFor(e.classes, len(key)+len(merged)); !ok {
		return ErrNotStored
	}
	return e.overwrite(existing, bucket, prev, key, merged, existing.flags, existing.expiry, now)
}

// CAS stores key only if its current CAS token equals token; it reports
// ErrNotFound if key is absent and ErrCASMismatch if token is stale.
func (e *Engine) CAS(key, value []byte, flags uint32, expiry int64, token uint64, now int64) error {
	existing, bucket, prev := e.lookup(key, now)
	if existing == nil {
		return ErrNotFound
	}
	if existing.cas != token {
		return ErrCASMismatch
	}
	return e.overwrite(existing, bucket, prev, key, value, flags, expiry, now)
}

// Delete removes key if present, regardless of whether it has expired.
func (e *Engine) Delete(key []byte) bool {
	b := bucketFor(key, len(e.buckets))
	var prev *entry
	for ent := e.buckets[b]; ent != nil; ent = ent.next {
		if ent.klen == len(key) && bytesEqual(ent.key(e.classes), key) {
			e.unlink(ent, b, prev)
			return true
		}
		prev = ent
	}
	return false
}

// Incr parses the existing value as an unsigned decimal integer, adds
// delta with saturation, and rewrites the value in place.
func (e *Engine) Incr(key []byte, delta uint64, now int64) (uint64, error) {
	return e.arith(key, delta, true, now)
}

// Decr mirrors Incr but subtracts, saturating at 0.
func (e *Engine) Decr(key []byte, delta uint64, now int64) (uint64, error) {
	return e.arith(key, delta, false, now)
}

func (e *Engine) arith(key []byte, delta uint64, add bool, now int64) (uint64, error) {
	existing, _, _ := e.lookup(key, now)
	if existing == nil {
		return 0, ErrNotFound
	}
	old, err := strconv.ParseUint(string(existing.value(e.classes)), 10, 64)
	if err != nil {
		return 0, item.ErrNonNumeric
	}

	var v uint64
	if add {
		v = old + delta
		if v < old {
			v = ^uint64(0)
		}
	} else if delta > old {
		v = 0
	} else {
		v = old - delta
	}

	text := strconv.AppendUint(nil, v, 10)
	capacity := e.classes[existing.classIdx].chunkSize - existing.klen
	if len(text) <= capacity {
		// Fits in the existing chunk without reallocation: memcached's
		// own INCR/DECR never grows an item's footprint.
		buf := e.classes[existing.classIdx].chunk(existing.ref)
		copy(buf[existing.klen:], text)
		existing.vlen = len(text)
		existing.cas = e.cas.Next()
		return v, nil
	}

	// Unreachable in practice (decimal uint64 text is at most 20 bytes,
	// far under any realistic MinChunk), kept as a fallback that moves
	// the item to a larger-enough class rather than panicking.
	key = append([]byte(nil), existing.key(e.classes)...)
	flags, expiry := existing.flags, existing.expiry
	b := bucketFor(key, len(e.buckets))
	var prev *entry
	for ent := e.buckets[b]; ent != nil; ent = ent.next {
		if ent == existing {
			break
		}
		prev = ent
	}
	if err := e.overwrite(existing, b, prev, key, text, flags, expiry, now); err != nil {
		return 0, err
	}
	return v, nil
}

// FlushAll removes every item, reclaiming all chunks back to their
// classes' free lists without releasing the underlying slab memory.
func (e *Engine) FlushAll() {
	for _, c := range e.classes {
		for el := c.lru.Front(); el != nil; el = el.Next() {
			c.pushFree(el.Value.(*entry).ref)
		}
		c.lru.Init()
	}
	for i := range e.buckets {
		e.buckets[i] = nil
	}
	e.nitem = 0
}

func (e *Engine) insert(key, value []byte, flags uint32, expiry int64, bucket int, now int64) error {
	need := len(key) + len(value)
	classIdx, ok := classFor(e.classes, need)
	if !ok {
		return ErrOversized
	}

	ref, err := e.allocChunk(classIdx, now)
	if err != nil {
		return err
	}

	c := e.classes[classIdx]
	buf := c.chunk(ref)
	copy(buf, key)
	copy(buf[len(key):], value)

	ent := &entry{
		klen:     len(key),
		vlen:     len(value),
		flags:    flags,
		expiry:   expiry,
		cas:      e.cas.Next(),
		classIdx: classIdx,
		ref:      ref,
	}
	ent.lruElem = c.lru.PushFront(ent)
	ent.next = e.buckets[bucket]
	e.buckets[bucket] = ent
	e.nitem++
	return nil
}

func (e *Engine) overwrite(ent *entry, bucket int, prev *entry, key, value []byte, flags uint32, expiry int64, now int64) error {
	need := len(key) + len(value)
	classIdx, ok := classFor(e.classes, need)
	if !ok {
		return ErrOversized
	}

	if classIdx == ent.classIdx && need <= e.classes[classIdx].chunkSize {
		buf := e.classes[classIdx].chunk(ent.ref)
		copy(buf, key)
		copy(buf[len(key):], value)
		ent.klen, ent.vlen = len(key), len(value)
		ent.flags, ent.expiry = flags, expiry
		ent.cas = e.cas.Next()
		e.classes[classIdx].lru.MoveToFront(ent.lruElem)
		return nil
	}

	// The new value no longer fits the current chunk class: unlink and
	// re-insert into the right-sized class.
	e.unlink(ent, bucket, prev)
	return e.insert(key, value, flags, expiry, bucketFor(key, len(e.buckets)), now)
}

func (e *Engine) unlink(ent *entry, bucket int, prev *entry) {
	if prev == nil {
		e.buckets[bucket] = ent.next
	} else {
		prev.next = ent.next
	}
	c := e.classes[ent.classIdx]
	c.lru.Remove(ent.lruElem)
	c.pushFree(ent.ref)
	e.nitem--
}

// allocChunk satisfies one chunk from classIdx's free list, growing a new
// slab if the engine's global slab budget allows, or evicting a victim
// from the same class per Config.EvictPolicy otherwise.
func (e *Engine) allocChunk(classIdx int, now int64) (chunkRef, error) {
	c := e.classes[classIdx]
	if ref, ok := c.popFree(); ok {
		return ref, nil
	}

	if e.nslabs < e.cfg.MaxSlabs {
		c.grow(e.cfg.SlabSize)
		e.nslabs++
		ref, _ := c.popFree()
		return ref, nil
	}

	if e.evictFrom(classIdx, now) {
		ref, _ := c.popFree()
		return ref, nil
	}

	return chunkRef{}, ErrNoMem
}

// evictFrom reclaims one chunk from classIdx's own LRU per the engine's
// eviction policy, returning whether a victim was found.
func (e *Engine) evictFrom(classIdx int, now int64) bool {
	c := e.classes[classIdx]
	if c.lru.Len() == 0 {
		return false
	}

	switch e.cfg.EvictPolicy {
	case EvictNone:
		return false
	case EvictRandom:
		n := c.lru.Len()
		idx := e.rng.Intn(n)
		el := c.lru.Front()
		for i := 0; i < idx; i++ {
			el = el.Next()
		}
		e.evictElement(el, classIdx)
		return true
	case EvictExpiredFirst:
		for el := c.lru.Back(); el != nil; el = el.Prev() {
			if el.Value.(*entry).expired(now) {
				e.evictElement(el, classIdx)
				return true
			}
		}
		e.evictElement(c.lru.Back(), classIdx)
		return true
	default: // EvictLRU
		e.evictElement(c.lru.Back(), classIdx)
		return true
	}
}

func (e *Engine) evictElement(el *list.Element, classIdx int) {
	ent := el.Value.(*entry)
	key := append([]byte(nil), ent.key(e.classes)...)
	b := bucketFor(key, len(e.buckets))
	var prev *entry
	for cur := e.buckets[b]; cur != nil; cur = cur.next {
		if cur == ent {
			e.unlink(ent, b, prev)
			return
		}
		prev = cur
	}
}
