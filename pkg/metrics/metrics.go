// Package metrics exposes the core counters as prometheus collectors.
//
// Collectors are registered on a dedicated registry so embedding
// applications control exposure; Handler serves them over HTTP when
// the server enables it.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	registry = prometheus.NewRegistry()

	// Inserts counts records written, by store.
	Inserts = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "nowdb_inserts_total",
		Help: "Records inserted per store.",
	}, []string{"store"})

	// Sorts counts background sort runs, by store.
	Sorts = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "nowdb_sorts_total",
		Help: "Waiting files sorted per store.",
	}, []string{"store"})

	// Statements counts executed statements, by verb.
	Statements = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "nowdb_statements_total",
		Help: "Statements executed per verb.",
	}, []string{"verb"})

	// Sessions tracks the number of live sessions.
	Sessions = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "nowdb_sessions",
		Help: "Currently open sessions.",
	})
)

func init() {
	registry.MustRegister(Inserts, Sorts, Statements, Sessions)
}

// Handler serves the registry in the prometheus text format.
func Handler() http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}
