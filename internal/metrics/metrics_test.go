package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIncAndStatLines(t *testing.T) {
	r := NewRegistry()
	r.Inc("cmd_get")
	r.Inc("cmd_get")
	r.Inc("get_hits")

	lines := r.StatLines()
	require.Len(t, lines, len(Defs))

	byName := make(map[string]string, len(lines))
	for _, l := range lines {
		byName[l.Name] = l.Value
	}
	assert.Equal(t, "2", byName["cmd_get"])
	assert.Equal(t, "1", byName["get_hits"])
	assert.Equal(t, "0", byName["cmd_delete"])
}

func TestIncUnknownNameIsNoop(t *testing.T) {
	r := NewRegistry()
	assert.NotPanics(t, func() { r.Inc("no_such_counter") })
}

func TestMustRegister(t *testing.T) {
	r := NewRegistry()
	reg := prometheus.NewRegistry()
	assert.NotPanics(t, func() { r.MustRegister(reg) })

	families, err := reg.Gather()
	require.NoError(t, err)
	assert.Len(t, families, len(Defs))
}
