// Package monitoring defines the Prometheus metrics for the daemon: HTTP
// request counters and latencies, transaction throughput and payload sizes,
// proc and instance lifecycle gauges, and death-notification delivery counts.
//
// Metrics are built against an injected Registerer so tests can use isolated
// registries, plus an internal snapshot consumed by the health endpoint.
package monitoring
