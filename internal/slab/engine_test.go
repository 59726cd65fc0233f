package slab

import (
	"fmt"
	"testing"

	"github.com/pelikan-go/storectl/internal/item"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestEngine(t *testing.T, cfg Config) *Engine {
	t.Helper()
	e, err := NewEngine(cfg, item.NewCASCounter())
	require.NoError(t, err)
	return e
}

func TestSetGetDelete(t *testing.T) {
	e := newTestEngine(t, Config{SlabSize: 4096, MinChunk: 48, MaxChunk: 1024, Seed: 1})

	require.NoError(t, e.Set([]byte("k"), []byte("v1"), 0, item.Never, 0))
	it, ok := e.Get([]byte("k"), 0)
	require.True(t, ok)
	assert.Equal(t, "v1", string(it.Value))

	require.NoError(t, e.Set([]byte("k"), []byte("v2"), 0, item.Never, 0))
	it, ok = e.Get([]byte("k"), 0)
	require.True(t, ok)
	assert.Equal(t, "v2", string(it.Value))

	assert.True(t, e.Delete([]byte("k")))
	_, ok = e.Get([]byte("k"), 0)
	assert.False(t, ok)
	assert.False(t, e.Delete([]byte("k")))
}

func TestAddReplace(t *testing.T) {
	e := newTestEngine(t, Config{SlabSize: 4096, MinChunk: 48, MaxChunk: 1024, Seed: 2})

	require.NoError(t, e.Add([]byte("k"), []byte("v1"), 0, item.Never, 0))
	assert.ErrorIs(t, e.Add([]byte("k"), []byte("v2"), 0, item.Never, 0), ErrExists)

	assert.ErrorIs(t, e.Replace([]byte("missing"), []byte("v"), 0, item.Never, 0), ErrNotStored)
	require.NoError(t, e.Replace([]byte("k"), []byte("v2"), 0, item.Never, 0))

	it, ok := e.Get([]byte("k"), 0)
	require.True(t, ok)
	assert.Equal(t, "v2", string(it.Value))
}

func TestAppendPrepend(t *testing.T) {
	e := newTestEngine(t, Config{SlabSize: 4096, MinChunk: 48, MaxChunk: 1024, Seed: 3})

	assert.ErrorIs(t, e.Append([]byte("k"), []byte("x"), 0), ErrNotStored)

	require.NoError(t, e.Set([]byte("k"), []byte("mid"), 0, item.Never, 0))
	require.NoError(t, e.Append([]byte("k"), []byte("-end"), 0))
	require.NoError(t, e.Prepend([]byte("k"), []byte("start-"), 0))

	it, ok := e.Get([]byte("k"), 0)
	require.True(t, ok)
	assert.Equal(t, "start-mid-end", string(it.Value))
}

func TestCASSequence(t *testing.T) {
	e := newTestEngine(t, Config{SlabSize: 4096, MinChunk: 48, MaxChunk: 1024, Seed: 4})

	assert.ErrorIs(t, e.CAS([]byte("k"), []byte("v"), 0, item.Never, 1, 0), ErrNotFound)

	require.NoError(t, e.Set([]byte("k"), []byte("v1"), 0, item.Never, 0))
	it, _ := e.Get([]byte("k"), 0)
	staleToken := it.CAS

	require.NoError(t, e.CAS([]byte("k"), []byte("v2"), 0, item.Never, staleToken, 0))

	// Reusing the now-stale token must fail.
	err := e.CAS([]byte("k"), []byte("v3"), 0, item.Never, staleToken, 0)
	assert.ErrorIs(t, err, ErrCASMismatch)

	it, _ = e.Get([]byte("k"), 0)
	assert.Equal(t, "v2", string(it.Value))
}

func TestIncrDecr(t *testing.T) {
	e := newTestEngine(t, Config{SlabSize: 4096, MinChunk: 48, MaxChunk: 1024, Seed: 5})

	require.NoError(t, e.Set([]byte("n"), []byte("10"), 0, item.Never, 0))

	v, err := e.Incr([]byte("n"), 5, 0)
	require.NoError(t, err)
	assert.Equal(t, uint64(15), v)

	v, err = e.Decr([]byte("n"), 20, 0)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), v)

	_, err = e.Incr([]byte("missing"), 1, 0)
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, e.Set([]byte("s"), []byte("not-a-number"), 0, item.Never, 0))
	_, err = e.Incr([]byte("s"), 1, 0)
	assert.ErrorIs(t, err, item.ErrNonNumeric)
}

func TestGetExpired(t *testing.T) {
	e := newTestEngine(t, Config{SlabSize: 4096, MinChunk: 48, MaxChunk: 1024, Seed: 6})
	require.NoError(t, e.Set([]byte("k"), []byte("v"), 0, 50, 0))

	_, ok := e.Get([]byte("k"), 100)
	assert.False(t, ok)
}

func TestOversizedRejected(t *testing.T) {
	e := newTestEngine(t, Config{SlabSize: 512, MinChunk: 48, MaxChunk: 256, Seed: 7})
	big := make([]byte, 1000)
	err := e.Set([]byte("k"), big, 0, item.Never, 0)
	assert.ErrorIs(t, err, ErrOversized)
}

func TestEvictLRUUnderSlabBudget(t *testing.T) {
	e := newTestEngine(t, Config{
		SlabSize: 256, MinChunk: 48, MaxChunk: 48, MaxSlabs: 1,
		EvictPolicy: EvictLRU, Seed: 8,
	})

	// One 256-byte slab of 48-byte chunks holds 5 chunks. Inserting a
	// 6th distinct key must evict the least recently used (the first
	// key inserted, since none were re-Get).
	for i := 0; i < 5; i++ {
		require.NoError(t, e.Set([]byte(fmt.Sprintf("k%d", i)), []byte("v"), 0, item.Never, 0))
	}
	require.NoError(t, e.Set([]byte("k5"), []byte("v"), 0, item.Never, 0))

	_, ok := e.Get([]byte("k0"), 0)
	assert.False(t, ok, "oldest key should have been evicted")

	_, ok = e.Get([]byte("k5"), 0)
	assert.True(t, ok)
	assert.Equal(t, 5, e.NItem())
}

func TestEvictNoneReturnsNoMem(t *testing.T) {
	e := newTestEngine(t, Config{
		SlabSize: 256, MinChunk: 48, MaxChunk: 48, MaxSlabs: 1,
		EvictPolicy: EvictNone, Seed: 9,
	})

	for i := 0; i < 5; i++ {
		require.NoError(t, e.Set([]byte(fmt.Sprintf("k%d", i)), []byte("v"), 0, item.Never, 0))
	}
	err := e.Set([]byte("k5"), []byte("v"), 0, item.Never, 0)
	assert.ErrorIs(t, err, ErrNoMem)
}

func TestFlushAll(t *testing.T) {
	e := newTestEngine(t, Config{SlabSize: 4096, MinChunk: 48, MaxChunk: 1024, Seed: 10})

	require.NoError(t, e.Set([]byte("a"), []byte("1"), 0, item.Never, 0))
	require.NoError(t, e.Set([]byte("b"), []byte("2"), 0, item.Never, 0))
	assert.Equal(t, 2, e.NItem())

	e.FlushAll()
	assert.Equal(t, 0, e.NItem())

	_, ok := e.Get([]byte("a"), 0)
	assert.False(t, ok)

	// Flushed chunks return to the free list, so a later insert must
	// not grow a new slab.
	require.NoError(t, e.Set([]byte("c"), []byte("3"), 0, item.Never, 0))
	it, ok := e.Get([]byte("c"), 0)
	require.True(t, ok)
	assert.Equal(t, "3", string(it.Value))
}

func TestMoveToHeadOnGet(t *testing.T) {
	e := newTestEngine(t, Config{
		SlabSize: 256, MinChunk: 48, MaxChunk: 48, MaxSlabs: 1,
		EvictPolicy: EvictLRU, MoveToHeadOnGet: true, Seed: 11,
	})

	for i := 0; i < 5; i++ {
		require.NoError(t, e.Set([]byte(fmt.Sprintf("k%d", i)), []byte("v"), 0, item.Never, 0))
	}
	// Touch k0 so it's no longer the least recently used.
	_, ok := e.Get([]byte("k0"), 0)
	require.True(t, ok)

	require.NoError(t, e.Set([]byte("k5"), []byte("v"), 0, item.Never, 0))

	_, ok = e.Get([]byte("k0"), 0)
	assert.True(t, ok, "recently touched key should survive eviction")
	_, ok = e.Get([]byte("k1"), 0)
	assert.False(t, ok, "untouched oldest key should be evicted instead")
}
