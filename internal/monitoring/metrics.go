package monitoring

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the bus.
type Metrics struct {
	// HTTP metrics
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec

	// Transaction metrics
	TxnsSubmitted   *prometheus.CounterVec
	TxnsReplied     prometheus.Counter
	TxnsFailed      prometheus.Counter
	TxnPayloadBytes prometheus.Histogram

	// Proc metrics
	ProcsActive prometheus.Gauge
	ProcsTotal  prometheus.Counter

	// Death notification metrics
	DeathsDelivered prometheus.Counter

	// Instance metrics
	InstancesActive prometheus.Gauge

	// WebSocket metrics
	WSConnections prometheus.Gauge

	// System metrics
	Uptime    prometheus.Gauge
	startTime time.Time

	// Snapshot for the JSON status endpoint
	snapshot Snapshot
	mu       sync.RWMutex
}

// Snapshot holds current metric values for the JSON status endpoint.
type Snapshot struct {
	TotalRequests   int64   `json:"total_requests"`
	TxnsSubmitted   int64   `json:"txns_submitted"`
	TxnsReplied     int64   `json:"txns_replied"`
	TxnsFailed      int64   `json:"txns_failed"`
	ActiveProcs     int64   `json:"active_procs"`
	ActiveInstances int64   `json:"active_instances"`
	DeathsDelivered int64   `json:"deaths_delivered"`
	UptimeSeconds   float64 `json:"uptime_seconds"`
}

// NewMetrics creates a metrics collector registered on the given registerer.
// Passing a fresh prometheus.NewRegistry keeps parallel instances (and
// tests) from colliding on metric names.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		startTime: time.Now(),

		RequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tether_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		RequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "tether_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
			},
			[]string{"method", "path"},
		),

		TxnsSubmitted: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tether_txns_submitted_total",
				Help: "Total number of submitted transactions",
			},
			[]string{"flavor"},
		),
		TxnsReplied: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "tether_txns_replied_total",
				Help: "Total number of synchronous transactions answered",
			},
		),
		TxnsFailed: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "tether_txns_failed_total",
				Help: "Total number of transactions failed back to their sender",
			},
		),
		TxnPayloadBytes: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "tether_txn_payload_bytes",
				Help:    "Transaction payload sizes in bytes",
				Buckets: []float64{64, 256, 1024, 4096, 16384, 65536, 262144, 1048576},
			},
		),

		ProcsActive: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "tether_procs_active",
				Help: "Number of open procs",
			},
		),
		ProcsTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "tether_procs_total",
				Help: "Total number of procs opened",
			},
		),

		DeathsDelivered: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "tether_deaths_delivered_total",
				Help: "Total number of death notifications delivered",
			},
		),

		InstancesActive: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "tether_instances_active",
				Help: "Number of mounted bus instances",
			},
		),

		WSConnections: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "tether_ws_connections",
				Help: "Number of active WebSocket event subscribers",
			},
		),

		Uptime: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "tether_uptime_seconds",
				Help: "Service uptime in seconds",
			},
		),
	}
}

// RecordRequest records one HTTP request.
func (m *Metrics) RecordRequest(method, path, status string, duration time.Duration) {
	m.RequestsTotal.WithLabelValues(method, path, status).Inc()
	m.RequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
	m.mu.Lock()
	m.snapshot.TotalRequests++
	m.mu.Unlock()
}

// TxnSubmitted records one submitted transaction.
func (m *Metrics) TxnSubmitted(oneway bool, payloadBytes int) {
	flavor := "sync"
	if oneway {
		flavor = "oneway"
	}
	m.TxnsSubmitted.WithLabelValues(flavor).Inc()
	m.TxnPayloadBytes.Observe(float64(payloadBytes))
	m.mu.Lock()
	m.snapshot.TxnsSubmitted++
	m.mu.Unlock()
}

// TxnReplied records one answered synchronous transaction.
func (m *Metrics) TxnReplied() {
	m.TxnsReplied.Inc()
	m.mu.Lock()
	m.snapshot.TxnsReplied++
	m.mu.Unlock()
}

// TxnFailed records one transaction failed back to its sender.
func (m *Metrics) TxnFailed() {
	m.TxnsFailed.Inc()
	m.mu.Lock()
	m.snapshot.TxnsFailed++
	m.mu.Unlock()
}

// ProcOpened records a proc opening.
func (m *Metrics) ProcOpened() {
	m.ProcsActive.Inc()
	m.ProcsTotal.Inc()
	m.mu.Lock()
	m.snapshot.ActiveProcs++
	m.mu.Unlock()
}

// ProcClosed records a proc closing.
func (m *Metrics) ProcClosed() {
	m.ProcsActive.Dec()
	m.mu.Lock()
	m.snapshot.ActiveProcs--
	m.mu.Unlock()
}

// DeathDelivered records one death notification delivery.
func (m *Metrics) DeathDelivered() {
	m.DeathsDelivered.Inc()
	m.mu.Lock()
	m.snapshot.DeathsDelivered++
	m.mu.Unlock()
}

// InstanceMounted adjusts the mounted instance gauge.
func (m *Metrics) InstanceMounted(delta int) {
	m.InstancesActive.Add(float64(delta))
	m.mu.Lock()
	m.snapshot.ActiveInstances += int64(delta)
	m.mu.Unlock()
}

// GetSnapshot returns current metric values for the JSON status endpoint.
func (m *Metrics) GetSnapshot() Snapshot {
	m.mu.RLock()
	snap := m.snapshot
	m.mu.RUnlock()
	snap.UptimeSeconds = time.Since(m.startTime).Seconds()
	return snap
}
