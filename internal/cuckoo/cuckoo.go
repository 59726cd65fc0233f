// Copyright (c) 2014 Utkan Güngördü <utkan@freeconsole.org>
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License
// along with this program. If not, see <http://www.gnu.org/licenses/>.

package cuckoo

import "github.com/pelikan-go/storectl/internal/item"

// Engine is a fixed-footprint key/value store using D-ary cuckoo hashing
// with bounded displacement. It never reallocates: Insert either succeeds
// in place or returns ErrNoMem, leaving the table exactly as it was
// before the call. Engine carries no internal locking; callers serialize
// access the same way the worker thread serializes access to the rest of
// the request-processing pipeline.
type Engine struct {
	cfg   Config
	slots []slot
	seeds []uint32
	rng   *fastrand
	cas   *item.CASCounter
	nlive int
}

// NewEngine allocates a table of cfg.NSlot fixed-size slots.
func NewEngine(cfg Config, cas *item.CASCounter) (*Engine, error) {
	cfg = cfg.withDefaults()
	if cfg.NSlot <= 0 {
		return nil, tableError("cuckoo: NSlot must be positive")
	}
	if cfg.Capacity() <= 0 {
		return nil, tableError("cuckoo: SlotSize too small for item header")
	}
	return &Engine{
		cfg:   cfg,
		slots: make([]slot, cfg.NSlot),
		seeds: hashSeeds(cfg.Seed, cfg.D),
		rng:   newFastrand(cfg.Seed),
		cas:   cas,
	}, nil
}

// NLive returns the number of live (non-empty) slots.
func (e *Engine) NLive() int { return e.nlive }

// NSlot returns the fixed table size.
func (e *Engine) NSlot() int { return len(e.slots) }

func (e *Engine) candidates(key []byte) []int {
	out := make([]int, len(e.seeds))
	for i, s := range e.seeds {
		out[i] = candidateIndex(key, s, len(e.slots))
	}
	return out
}

// Get computes the D candidate slot indices and returns the first slot
// whose key matches and which is not expired. Complexity O(D).
func (e *Engine) Get(key []byte, now int64) (*item.Item, bool) {
	for _, idx := range e.candidates(key) {
		s := &e.slots[idx]
		if !s.empty() && bytesEqual(s.it.Key, key) && !s.it.Expired(now) {
			return &s.it, true
		}
	}
	return nil, false
}

// Update overwrites the item matching key in place, bumping its CAS
// token. Update assumes key is already known present, typically via a
// prior Get; it reports ErrNoMem if key is not found in any candidate
// slot.
func (e *Engine) Update(key, value []byte, flags uint32, expiry int64) error {
	if len(value)+len(key) > e.cfg.Capacity() {
		return ErrOversized
	}
	for _, idx := range e.candidates(key) {
		s := &e.slots[idx]
		if !s.empty() && bytesEqual(s.it.Key, key) {
			s.it.Value = append(s.it.Value[:0], value...)
			s.it.Flags = flags
			s.it.Expiry = expiry
			s.it.CAS = e.cas.Next()
			return nil
		}
	}
	return ErrNoMem
}

// Delete clears the slot holding key, if present, regardless of whether
// it has expired: expiry only governs Get and insert-reclaim semantics,
// never deletion. It reports whether key was present.
func (e *Engine) Delete(key []byte) bool {
	for _, idx := range e.candidates(key) {
		s := &e.slots[idx]
		if !s.empty() && bytesEqual(s.it.Key, key) {
			*s = slot{}
			e.nlive--
			return true
		}
	}
	return false
}

// Insert places a new item: occupy an empty (or, under PolicyExpire, an
// expired) candidate if one exists; otherwise evict a victim by policy
// and recursively re-home it up to DisplaceMax levels, rolling back
// every intermediate move if the bound is exceeded.
func (e *Engine) Insert(key, value []byte, flags uint32, expiry int64, now int64) error {
	if len(key) == 0 {
		return ErrInvalidKey
	}
	if len(value)+len(key) > e.cfg.Capacity() {
		return ErrOversized
	}

	cand := e.candidates(key)
	if idx, ok := e.emptyAmong(cand, now); ok {
		// Under PolicyExpire, idx may hold an already-expired occupant
		// rather than a genuinely free slot: the slot count (nlive)
		// only changes when a free slot is consumed, never when an
		// expired occupant is overwritten in place.
		wasFree := e.slots[idx].empty()
		e.occupy(idx, key, value, flags, expiry)
		if wasFree {
			e.nlive++
		}
		return nil
	}

	landedFree, err := e.displaceInsert(key, value, flags, expiry, cand, now)
	if err != nil {
		return err
	}
	if landedFree {
		e.nlive++
	}
	return nil
}

// emptyAmong returns the first candidate slot that is unoccupied, or —
// under PolicyExpire — occupied by an already-expired item.
func (e *Engine) emptyAmong(cand []int, now int64) (int, bool) {
	for _, idx := range cand {
		s := &e.slots[idx]
		if s.empty() {
			return idx, true
		}
		if e.cfg.Policy == PolicyExpire && s.it.Expired(now) {
			return idx, true
		}
	}
	return 0, false
}

func (e *Engine) occupy(idx int, key, value []byte, flags uint32, expiry int64) {
	e.slots[idx] = slot{it: item.Item{
		Key:    append([]byte(nil), key...),
		Value:  append([]byte(nil), value...),
		Flags:  flags,
		Expiry: expiry,
		CAS:    e.cas.Next(),
	}}
}

// move records the state of a slot immediately before displaceInsert
// overwrote it, so a failed displacement chain can be replayed in
// reverse and leave the table exactly as it was.
type move struct {
	idx  int
	prev item.Item
}

// displaceInsert returns whether the chain's terminal slot was a
// genuinely free slot (as opposed to an expired occupant reclaimed in
// place), so the caller can update nlive correctly: reclaiming an
// expired occupant does not change the number of occupied slots.
func (e *Engine) displaceInsert(key, value []byte, flags uint32, expiry int64, cand []int, now int64) (bool, error) {
	var path []move

	curKey := append([]byte(nil), key...)
	curValue := append([]byte(nil), value...)
	curFlags := flags
	curExpiry := expiry
	curCand := cand

	for depth := 0; depth <= e.cfg.DisplaceMax; depth++ {
		if idx, ok := e.emptyAmong(curCand, now); ok {
			wasFree := e.slots[idx].empty()
			path = append(path, move{idx: idx, prev: e.slots[idx].it})
			e.occupy(idx, curKey, curValue, curFlags, curExpiry)
			return wasFree, nil
		}

		if depth == e.cfg.DisplaceMax {
			break
		}

		victimIdx := e.pickVictim(curCand, now)
		victim := e.slots[victimIdx].it

		path = append(path, move{idx: victimIdx, prev: victim})
		e.occupy(victimIdx, curKey, curValue, curFlags, curExpiry)

		curKey = victim.Key
		curValue = victim.Value
		curFlags = victim.Flags
		curExpiry = victim.Expiry
		curCand = e.candidates(curKey)
	}

	// Overflow: replay the recorded path in reverse, restoring every
	// slot we touched. No partial displacement chain is ever visible.
	for i := len(path) - 1; i >= 0; i-- {
		e.slots[path[i].idx] = slot{it: path[i].prev}
	}
	return false, ErrNoMem
}

// pickVictim selects the displacement victim among cand per the engine's
// configured Policy.
func (e *Engine) pickVictim(cand []int, now int64) int {
	switch e.cfg.Policy {
	case PolicyExpire:
		best := cand[0]
		bestRank := e.expiryRank(e.slots[best].it, now)
		for _, idx := range cand[1:] {
			r := e.expiryRank(e.slots[idx].it, now)
			if r < bestRank {
				best = idx
				bestRank = r
			}
		}
		return best
	default: // PolicyRandom
		return cand[e.rng.intn(len(cand))]
	}
}

// expiryRank orders candidates by earliest expiry first; Never (0) sorts
// last since it means the item never expires.
func (e *Engine) expiryRank(it item.Item, now int64) int64 {
	if it.Expiry == item.Never {
		return int64(^uint64(0) >> 1) // max int64
	}
	return it.Expiry
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
