// Copyright (c) 2014-2015 Utkan Güngördü <utkan@freeconsole.org>
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

import "github.com/spaolacci/murmur3"

// hashSeeds derives the D per-function seeds deterministically from the
// table's configured Seed, so identical configurations always produce
// identical layouts (useful for tests, per spec).
func hashSeeds(base uint32, d int) []uint32 {
	seeds := make([]uint32, d)
	for i := 0; i < d; i++ {
		// golden-ratio mixing so adjacent function indices don't
		// produce correlated seeds.
		seeds[i] = base + uint32(i+1)*0x9e3779b1
	}
	return seeds
}

// candidateIndex returns the slot index for key under the hash function
// seeded by seed, modulo nslot.
func candidateIndex(key []byte, seed uint32, nslot int) int {
	h := murmur3.Sum32WithSeed(key, seed)
	return int(h) % nslot
}
