// Package metrics exposes prometheus counters for every PPDB personality
// and backs the memcached "stats" command's required counters.
package metrics

import (
	"net/http"
	"time"

	dto "github.com/prometheus/client_model/go"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Multiplexer metrics
	ConnectionsAccepted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ppdb_connections_accepted_total",
			Help: "Total accepted connections by personality",
		},
		[]string{"service"},
	)

	ConnectionsRejected = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ppdb_connections_rejected_total",
			Help: "Total connections rejected due to a full worker queue (backpressure by drop)",
		},
		[]string{"service"},
	)

	ConnectionsActive = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "ppdb_connections_active",
			Help: "Currently open connections by personality",
		},
		[]string{"service"},
	)

	WorkersActive = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "ppdb_workers_active",
			Help: "Current worker pool size by personality",
		},
		[]string{"service"},
	)

	WorkersRestarted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ppdb_workers_restarted_total",
			Help: "Total worker replacements performed by the health monitor",
		},
		[]string{"service"},
	)

	// KV metrics — also drive the memcached "stats" command
	CmdGet = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ppdb_kv_cmd_get_total", Help: "Total get/gets commands processed",
	})
	CmdSet = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ppdb_kv_cmd_set_total", Help: "Total set/add/replace/append/prepend/cas commands processed",
	})
	CmdDelete = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ppdb_kv_cmd_delete_total", Help: "Total delete commands processed",
	})
	GetHits = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ppdb_kv_get_hits_total", Help: "Total get/gets hits",
	})
	GetMisses = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ppdb_kv_get_misses_total", Help: "Total get/gets misses",
	})
	TotalItems = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ppdb_kv_total_items_total", Help: "Total items ever stored",
	})
	BytesStored = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "ppdb_kv_bytes", Help: "Approximate bytes currently stored",
	})
	CurrItems = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "ppdb_kv_curr_items", Help: "Items currently held in the store",
	})

	// Forwarder metrics
	ForwarderBytes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ppdb_forwarder_bytes_total",
			Help: "Bytes copied per forwarder rule and direction",
		},
		[]string{"rule", "direction"},
	)

	ForwarderFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ppdb_forwarder_failures_total",
			Help: "Forwarder direction failures per rule",
		},
		[]string{"rule", "direction"},
	)
)

func init() {
	prometheus.MustRegister(
		ConnectionsAccepted,
		ConnectionsRejected,
		ConnectionsActive,
		WorkersActive,
		WorkersRestarted,
		CmdGet,
		CmdSet,
		CmdDelete,
		GetHits,
		GetMisses,
		TotalItems,
		BytesStored,
		CurrItems,
		ForwarderBytes,
		ForwarderFailures,
	)
}

// Handler returns the Prometheus HTTP handler for a personality's
// optional /metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Value reads a Counter's current value, for callers (like the
// memcached "stats" command) that need to render it outside of a
// scrape.
func Value(c prometheus.Counter) float64 {
	var m dto.Metric
	if err := c.Write(&m); err != nil {
		return 0
	}
	return m.GetCounter().GetValue()
}

// GaugeValue reads a Gauge's current value the same way Value reads a
// Counter.
func GaugeValue(g prometheus.Gauge) float64 {
	var m dto.Metric
	if err := g.Write(&m); err != nil {
		return 0
	}
	return m.GetGauge().GetValue()
}

// Timer is a helper for timing operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the duration to a histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(time.Since(t.start).Seconds())
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
