package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "socketkit"

var (
	descConnsActive = prometheus.NewDesc(namespace+"_connections_active",
		"Connections currently open.", nil, nil)
	descConnsTotal = prometheus.NewDesc(namespace+"_connections_total",
		"Connections opened since start.", nil, nil)
	descBytesIn = prometheus.NewDesc(namespace+"_bytes_received_total",
		"Bytes read from the network.", nil, nil)
	descBytesOut = prometheus.NewDesc(namespace+"_bytes_sent_total",
		"Bytes written to the network.", nil, nil)
	descReconnects = prometheus.NewDesc(namespace+"_reconnects_total",
		"Session reconnections.", nil, nil)
	descTimeouts = prometheus.NewDesc(namespace+"_timeouts_total",
		"Connect and read deadlines that expired.", nil, nil)
	descErrors = prometheus.NewDesc(namespace+"_errors_total",
		"Errors recorded.", nil, nil)
)

// Describe implements [prometheus.Collector].
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- descConnsActive
	ch <- descConnsTotal
	ch <- descBytesIn
	ch <- descBytesOut
	ch <- descReconnects
	ch <- descTimeouts
	ch <- descErrors
}

// Collect implements [prometheus.Collector].  Values are read from the
// same atomics [Collector.Snapshot] uses.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	ch <- prometheus.MustNewConstMetric(descConnsActive, prometheus.GaugeValue, float64(c.ActiveConnections()))
	ch <- prometheus.MustNewConstMetric(descConnsTotal, prometheus.CounterValue, float64(c.TotalConnections()))
	ch <- prometheus.MustNewConstMetric(descBytesIn, prometheus.CounterValue, float64(c.TotalBytesIn()))
	ch <- prometheus.MustNewConstMetric(descBytesOut, prometheus.CounterValue, float64(c.TotalBytesOut()))
	ch <- prometheus.MustNewConstMetric(descReconnects, prometheus.CounterValue, float64(c.Reconnects()))
	ch <- prometheus.MustNewConstMetric(descTimeouts, prometheus.CounterValue, float64(c.Timeouts()))
	ch <- prometheus.MustNewConstMetric(descErrors, prometheus.CounterValue, float64(c.ErrorCount()))
}

// Handler serves c in the Prometheus text format on a private registry,
// so several collectors in one process never collide.
func Handler(c *Collector) http.Handler {
	reg := prometheus.NewRegistry()
	reg.MustRegister(c)
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}
