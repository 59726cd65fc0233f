package cuckoo

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHashSeedsDeterministic(t *testing.T) {
	a := hashSeeds(42, 4)
	b := hashSeeds(42, 4)
	assert.Equal(t, a, b)

	c := hashSeeds(7, 4)
	assert.NotEqual(t, a, c)
}

func TestCandidateIndexInRange(t *testing.T) {
	seeds := hashSeeds(1, 2)
	for _, k := range [][]byte{[]byte("k1"), []byte("k2"), []byte("a-much-longer-key-value")} {
		for _, s := range seeds {
			idx := candidateIndex(k, s, 16)
			assert.GreaterOrEqual(t, idx, 0)
			assert.Less(t, idx, 16)
		}
	}
}

func TestCandidateIndexStable(t *testing.T) {
	seed := hashSeeds(9, 1)[0]
	a := candidateIndex([]byte("stable-key"), seed, 1024)
	b := candidateIndex([]byte("stable-key"), seed, 1024)
	assert.Equal(t, a, b)
}
