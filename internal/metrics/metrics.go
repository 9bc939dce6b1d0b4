// Package metrics exposes the counters an operator scrapes to watch a bus
// deployment: tasks claimed, tasks closed by outcome, and gate blocks by
// gate name. Grounded on the pack's github.com/prometheus/client_golang
// dependency (carried by jordigilh-kubernaut's go.mod) using the standard
// promauto registration idiom, since no pack repo ships a production
// metrics.go to imitate directly.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry bundles the bus's counters against their own registry, so a
// worker process's metrics never collide with another process's default
// registerer when multiple binaries share a machine.
type Registry struct {
	reg *prometheus.Registry

	TasksClaimed *prometheus.CounterVec
	TasksClosed  *prometheus.CounterVec
	GatesBlocked *prometheus.CounterVec
}

// New constructs a Registry with all bus counters registered.
func New() *Registry {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Registry{
		reg: reg,
		TasksClaimed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "bus_tasks_claimed_total",
			Help: "Total tasks claimed from an agent's inbox.",
		}, []string{"agent"}),
		TasksClosed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "bus_tasks_closed_total",
			Help: "Total tasks closed, labeled by outcome.",
		}, []string{"agent", "outcome"}),
		GatesBlocked: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "bus_gate_blocked_total",
			Help: "Total runtime gate chain blocks, labeled by gate name.",
		}, []string{"agent", "gate"}),
	}
}

// Handler returns the HTTP handler to mount at /metrics.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{})
}
