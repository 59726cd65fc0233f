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

// Package cuckoo implements the fixed-footprint cuckoo hash engine (C2): a
// contiguous array of N equal-sized slots, D MurmurHash3-seeded candidate
// indices per key, and bounded-displacement insertion with full rollback
// on overflow. Unlike a growable hash map, the table never reallocates:
// insert either succeeds in place or fails with ErrNoMem, leaving the
// table exactly as it was.
package cuckoo

import "github.com/pelikan-go/storectl/internal/item"

// itemHeaderSize approximates the fixed per-slot overhead (flags, expiry,
// cas, explicit klen/vlen) that is not available for key+value bytes.
const itemHeaderSize = 32

// Policy selects how eviction victims are chosen, and whether an expired
// occupant counts as empty for insertion purposes.
type Policy int

const (
	// PolicyRandom picks the displacement victim uniformly at random
	// among the D candidates; an expired slot is not implicitly
	// reclaimed by insert (only by Delete or eviction).
	PolicyRandom Policy = iota
	// PolicyExpire treats an expired occupant as an empty slot for
	// insertion, and picks the candidate with the earliest expiry
	// (ties broken by lowest index) as the displacement victim.
	PolicyExpire
)

// Config tunes the cuckoo engine.
type Config struct {
	// SlotSize is the total per-slot footprint in bytes, inclusive of
	// header; key+value must fit in SlotSize-32.
	SlotSize int
	// NSlot is the fixed number of slots in the table.
	NSlot int
	// D is the number of candidate hash functions (default 2).
	D int
	// DisplaceMax bounds how many displacement levels Insert will
	// attempt before rolling back and returning ErrNoMem (default 2).
	DisplaceMax int
	Policy      Policy
	// Seed is mixed into every candidate hash function's per-function
	// seed so repeated runs with the same Config produce identical
	// table layouts, per the "identical configurations yield identical
	// layouts" requirement.
	Seed uint32
}

// Capacity returns the number of key+value bytes available in a slot.
func (c Config) Capacity() int {
	return c.SlotSize - itemHeaderSize
}

func (c Config) withDefaults() Config {
	if c.D == 0 {
		c.D = 2
	}
	if c.DisplaceMax == 0 {
		c.DisplaceMax = 2
	}
	return c
}

var (
	// ErrNoMem is returned by Insert when no slot could be found or
	// freed by displacement within DisplaceMax levels. The table is
	// left exactly as it was before the call.
	ErrNoMem = tableError("cuckoo: no memory available")
	// ErrOversized is returned when key+value exceeds the slot
	// capacity.
	ErrOversized = tableError("cuckoo: item exceeds slot capacity")
	// ErrInvalidKey is returned for a zero-length key: the table uses
	// klen==0 to mark a slot empty, so an empty key can never be
	// stored.
	ErrInvalidKey = tableError("cuckoo: key must not be empty")
)

type tableError string

func (e tableError) Error() string { return string(e) }

// slot holds exactly one item inline; it is empty iff len(it.Key) == 0.
type slot struct {
	it item.Item
}

func (s *slot) empty() bool { return len(s.it.Key) == 0 }
