// Package metrics exports engine activity as Prometheus metrics.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/nidhogg/tempus/internal/travel"
)

// Metrics implements travel.Observer on a private registry.
type Metrics struct {
	reg *prometheus.Registry

	transitions    *prometheus.CounterVec
	queries        *prometheus.CounterVec
	indexFallbacks prometheus.Counter
}

var _ travel.Observer = (*Metrics)(nil)

// New registers the tempus collectors plus the Go and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)
	return &Metrics{
		reg: reg,
		// Labels: op (travel, return, forward, back), code (OK or error code)
		transitions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tempus",
			Name:      "transitions_total",
			Help:      "Relocation attempts by operation and outcome",
		}, []string{"op", "code"}),
		// Labels: mode (current, at), code
		queries: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tempus",
			Name:      "location_queries_total",
			Help:      "Location queries by mode and outcome",
		}, []string{"mode", "code"}),
		indexFallbacks: f.NewCounter(prometheus.CounterOpts{
			Namespace: "tempus",
			Name:      "index_fallbacks_total",
			Help:      "Current-state reads that scanned the log instead of using the index",
		}),
	}
}

func (m *Metrics) Transition(op string, code travel.Code) {
	m.transitions.WithLabelValues(op, string(code)).Inc()
}

func (m *Metrics) Query(mode string, code travel.Code) {
	m.queries.WithLabelValues(mode, string(code)).Inc()
}

func (m *Metrics) IndexFallback() { m.indexFallbacks.Inc() }

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{Registry: m.reg})
}
