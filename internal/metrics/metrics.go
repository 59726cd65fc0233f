// Package metrics holds the declarative counter table described by the
// design notes' "X-macro code generation for options and metrics": one
// slice of {name, help} drives both a prometheus.Counter registration
// and the admin port's STAT <name> <value> text, instead of hand
// duplicating the name list in two places.
package metrics

import (
	"strconv"

	dto "github.com/prometheus/client_model/go"

	"github.com/prometheus/client_golang/prometheus"
)

// CounterDef is one entry of the declarative metric table.
type CounterDef struct {
	Name string
	Help string
}

// Defs is the single source of truth for every counter this build
// exposes. Adding a metric means adding one line here; Registry picks it
// up for both Prometheus registration and `stats` output automatically.
var Defs = []CounterDef{
	{"cmd_get", "total GET/GETS commands received"},
	{"cmd_set", "total SET/ADD/REPLACE/APPEND/PREPEND/CAS commands received"},
	{"cmd_delete", "total DELETE commands received"},
	{"cmd_incr", "total INCR commands received"},
	{"cmd_decr", "total DECR commands received"},
	{"cmd_flush", "total FLUSHALL commands received"},
	{"get_hits", "GET/GETS keys found"},
	{"get_misses", "GET/GETS keys not found"},
	{"delete_hits", "DELETE keys found"},
	{"delete_misses", "DELETE keys not found"},
	{"cas_hits", "CAS operations that matched the expected token"},
	{"cas_misses", "CAS operations against an absent key"},
	{"cas_badval", "CAS operations with a stale token"},
	{"incr_hits", "INCR keys found"},
	{"incr_misses", "INCR keys not found"},
	{"decr_hits", "DECR keys found"},
	{"decr_misses", "DECR keys not found"},
	{"non_numeric", "INCR/DECR attempts against a non-numeric value"},
	{"not_stored", "ADD/REPLACE/APPEND/PREPEND conditions that failed"},
	{"oversized", "stores rejected for exceeding engine capacity"},
	{"no_mem", "stores rejected after the eviction budget was exhausted"},
	{"server_error", "operations that failed at the engine level"},
	{"conn_dropped", "connections dropped because the ring array was full (not incremented in this build)"},
	{"conn_timeout", "connections closed for exceeding the idle timeout (not incremented: this build has no idle timeout)"},
}

// StatLine is one "STAT <name> <value>" line.
type StatLine struct {
	Name  string
	Value string
}

// Registry owns one prometheus.Counter per CounterDef and renders STAT
// lines from the same values, per §5 ("per-counter relaxed atomic
// increments") and §9's declarative-metrics expansion.
type Registry struct {
	counters map[string]prometheus.Counter
	order    []string
}

// NewRegistry builds a counter for every entry in Defs.
func NewRegistry() *Registry {
	r := &Registry{
		counters: make(map[string]prometheus.Counter, len(Defs)),
		order:    make([]string, 0, len(Defs)),
	}
	for _, d := range Defs {
		r.counters[d.Name] = prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "pelikan",
			Name:      d.Name,
			Help:      d.Help,
		})
		r.order = append(r.order, d.Name)
	}
	return r
}

// Inc increments the named counter; it is a no-op for an unknown name so
// callers never need a defensive existence check before incrementing.
func (r *Registry) Inc(name string) {
	if c, ok := r.counters[name]; ok {
		c.Inc()
	}
}

// MustRegister registers every counter with reg (typically a
// prometheus.Registry owned by the admin port).
func (r *Registry) MustRegister(reg prometheus.Registerer) {
	for _, name := range r.order {
		reg.MustRegister(r.counters[name])
	}
}

// StatLines renders every counter's current value in Defs' declared
// order, for the admin `stats` command.
func (r *Registry) StatLines() []StatLine {
	lines := make([]StatLine, 0, len(r.order))
	for _, name := range r.order {
		var m dto.Metric
		if err := r.counters[name].Write(&m); err != nil {
			continue
		}
		lines = append(lines, StatLine{
			Name:  name,
			Value: strconv.FormatFloat(m.GetCounter().GetValue(), 'f', 0, 64),
		})
	}
	return lines
}
