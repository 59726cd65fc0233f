package process

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pelikan-go/storectl/internal/item"
	"github.com/pelikan-go/storectl/internal/metrics"
	"github.com/pelikan-go/storectl/internal/proto"
	"github.com/pelikan-go/storectl/internal/slab"
)

func newSlabProcessor(t *testing.T) (*Processor, *slab.Engine) {
	t.Helper()
	eng, err := slab.NewEngine(slab.Config{}, item.NewCASCounter())
	require.NoError(t, err)
	return NewSlabProcessor(eng, metrics.NewRegistry(), "test", true), eng
}

// TestSetGetDelete is seed scenario 3: SET foo -> STORED, GET foo ->
// VALUE+END, DELETE foo -> DELETED, GET foo -> END (miss).
func TestSetGetDelete(t *testing.T) {
	p, _ := newSlabProcessor(t)

	resp := p.Process(&proto.Request{
		Verb: proto.VerbSet, Keys: [][]byte{[]byte("foo")}, Value: []byte("bar"),
	}, 0)
	assert.Equal(t, proto.RespStored, resp.Code)

	resp = p.Process(&proto.Request{Verb: proto.VerbGet, Keys: [][]byte{[]byte("foo")}}, 0)
	require.Equal(t, proto.RespValue, resp.Code)
	require.Len(t, resp.Values, 1)
	assert.Equal(t, "bar", string(resp.Values[0].Value))

	resp = p.Process(&proto.Request{Verb: proto.VerbDelete, Keys: [][]byte{[]byte("foo")}}, 0)
	assert.Equal(t, proto.RespDeleted, resp.Code)

	resp = p.Process(&proto.Request{Verb: proto.VerbGet, Keys: [][]byte{[]byte("foo")}}, 0)
	require.Equal(t, proto.RespValue, resp.Code)
	assert.Empty(t, resp.Values)
}

// TestCASSequence is seed scenario 4.
func TestCASSequence(t *testing.T) {
	p, _ := newSlabProcessor(t)

	resp := p.Process(&proto.Request{Verb: proto.VerbSet, Keys: [][]byte{[]byte("k")}, Value: []byte("a")}, 0)
	require.Equal(t, proto.RespStored, resp.Code)

	resp = p.Process(&proto.Request{Verb: proto.VerbGets, Keys: [][]byte{[]byte("k")}}, 0)
	require.Len(t, resp.Values, 1)
	c1 := resp.Values[0].CAS

	resp = p.Process(&proto.Request{Verb: proto.VerbCAS, Keys: [][]byte{[]byte("k")}, Value: []byte("b"), CAS: c1}, 0)
	assert.Equal(t, proto.RespStored, resp.Code)

	resp = p.Process(&proto.Request{Verb: proto.VerbCAS, Keys: [][]byte{[]byte("k")}, Value: []byte("c"), CAS: c1}, 0)
	assert.Equal(t, proto.RespExists, resp.Code)
}

// TestIncrNonNumeric is seed scenario 5.
func TestIncrNonNumeric(t *testing.T) {
	p, _ := newSlabProcessor(t)

	resp := p.Process(&proto.Request{Verb: proto.VerbSet, Keys: [][]byte{[]byte("k")}, Value: []byte("abc")}, 0)
	require.Equal(t, proto.RespStored, resp.Code)

	resp = p.Process(&proto.Request{Verb: proto.VerbIncr, Keys: [][]byte{[]byte("k")}, Delta: 1}, 0)
	require.Equal(t, proto.RespClientError, resp.Code)
	assert.Equal(t, "cannot increment or decrement non-numeric value", resp.Message)
}

func TestMultiGetPartialHit(t *testing.T) {
	p, _ := newSlabProcessor(t)
	p.Process(&proto.Request{Verb: proto.VerbSet, Keys: [][]byte{[]byte("a")}, Value: []byte("1")}, 0)

	resp := p.Process(&proto.Request{Verb: proto.VerbGet, Keys: [][]byte{[]byte("a"), []byte("b")}}, 0)
	require.Equal(t, proto.RespValue, resp.Code)
	require.Len(t, resp.Values, 1)
	assert.Equal(t, "a", string(resp.Values[0].Key))
}

func TestAddThenAddFails(t *testing.T) {
	p, _ := newSlabProcessor(t)
	resp := p.Process(&proto.Request{Verb: proto.VerbAdd, Keys: [][]byte{[]byte("k")}, Value: []byte("v")}, 0)
	require.Equal(t, proto.RespStored, resp.Code)

	resp = p.Process(&proto.Request{Verb: proto.VerbAdd, Keys: [][]byte{[]byte("k")}, Value: []byte("v2")}, 0)
	assert.Equal(t, proto.RespNotStored, resp.Code)
}

func TestStatsAndVersion(t *testing.T) {
	p, _ := newSlabProcessor(t)
	p.Process(&proto.Request{Verb: proto.VerbSet, Keys: [][]byte{[]byte("k")}, Value: []byte("v")}, 0)

	resp := p.Process(&proto.Request{Verb: proto.VerbStats}, 0)
	require.Equal(t, proto.RespStats, resp.Code)
	assert.NotEmpty(t, resp.Stats)

	resp = p.Process(&proto.Request{Verb: proto.VerbVersion}, 0)
	assert.Equal(t, "test", resp.Message)
}
