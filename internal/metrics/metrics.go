package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the service's prometheus collectors on a private registry
type Metrics struct {
	registry *prometheus.Registry

	ordersAccepted prometheus.Counter
	ordersLate     prometheus.Counter
	batchesFailed  prometheus.Counter
	rowsIngested   *prometheus.CounterVec
	ingestFailures *prometheus.CounterVec
	lastIngest     *prometheus.GaugeVec
	httpRequests   *prometheus.CounterVec
	httpDuration   *prometheus.HistogramVec
}

// New registers all collectors
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		ordersAccepted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "auction_orders_accepted_total",
			Help: "Orders written to the ledger.",
		}),
		ordersLate: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "auction_orders_late_total",
			Help: "Orders dropped because they arrived after gate closure.",
		}),
		batchesFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "auction_order_batches_rejected_total",
			Help: "Order batches rejected for an unknown key or a malformed order.",
		}),
		rowsIngested: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "auction_reference_rows_ingested_total",
			Help: "Reference price rows written by the market data updater.",
		}, []string{"table"}),
		ingestFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "auction_ingest_failures_total",
			Help: "Failed market data updates.",
		}, []string{"table"}),
		lastIngest: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "auction_ingest_last_success_timestamp_seconds",
			Help: "Unix time of the last successful market data update.",
		}, []string{"table"}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "auction_http_requests_total",
			Help: "HTTP requests by route and status code.",
		}, []string{"route", "method", "code"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "auction_http_request_duration_seconds",
			Help:    "HTTP request latency by route.",
			Buckets: prometheus.DefBuckets,
		}, []string{"route", "method"}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.ordersAccepted,
		m.ordersLate,
		m.batchesFailed,
		m.rowsIngested,
		m.ingestFailures,
		m.lastIngest,
		m.httpRequests,
		m.httpDuration,
	)
	return m
}

// Handler serves the registry in the prometheus exposition format
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Registry exposes the underlying registry
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) OrdersSubmitted(accepted, late int) {
	m.ordersAccepted.Add(float64(accepted))
	m.ordersLate.Add(float64(late))
}

func (m *Metrics) OrdersRejected() {
	m.batchesFailed.Inc()
}

func (m *Metrics) RowsIngested(table string, n int) {
	m.rowsIngested.WithLabelValues(table).Add(float64(n))
	m.lastIngest.WithLabelValues(table).SetToCurrentTime()
}

func (m *Metrics) IngestFailed(table string) {
	m.ingestFailures.WithLabelValues(table).Inc()
}

// ObserveHTTP records one served request
func (m *Metrics) ObserveHTTP(route, method string, code int, elapsed time.Duration) {
	m.httpRequests.WithLabelValues(route, method, strconv.Itoa(code)).Inc()
	m.httpDuration.WithLabelValues(route, method).Observe(elapsed.Seconds())
}
