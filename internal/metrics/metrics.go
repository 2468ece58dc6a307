// Package metrics implements the Prometheus side of C10: counters,
// histograms, and gauges for connections, WS events, F&O search, tick
// parsing, fan-out latency, and upstream reconnects (spec §4.10).
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Metrics bundles every collector this gateway registers. Grounded on
// ws/internal/shared/limits/resource_guard.go's use of prometheus gauges
// for CPU/memory/connections, generalized to the rest of spec §4.10's
// named series.
type Metrics struct {
	WSConnectionsByApiKey *prometheus.GaugeVec
	WSEventsTotal         *prometheus.CounterVec
	FOSearchRequestsTotal *prometheus.CounterVec
	FOSearchLatency       prometheus.Histogram
	TickParseTotal        prometheus.Counter
	TickParseErrorsTotal  prometheus.Counter
	FanOutLatency         prometheus.Histogram
	UpstreamReconnects    prometheus.Counter
	HTTPLatency           *prometheus.HistogramVec
	FanOutDropsTotal      prometheus.Counter

	ProcessCPUPercent  prometheus.Gauge
	ProcessMemoryBytes prometheus.Gauge
	ProcessGoroutines  prometheus.Gauge
	ProcessConnections prometheus.Gauge
}

// New registers every collector against reg. Pass prometheus.NewRegistry()
// for isolated tests, or prometheus.DefaultRegisterer in production.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		WSConnectionsByApiKey: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "ws_connections_by_api_key",
			Help: "Current concurrent WebSocket connections, labeled by api_key.",
		}, []string{"api_key"}),
		WSEventsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ws_events_total",
			Help: "Total WS events processed, labeled by api_key and event.",
		}, []string{"api_key", "event"}),
		FOSearchRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fo_search_requests_total",
			Help: "Instrument search requests, labeled by whether the F&O query parsed structurally.",
		}, []string{"parsed"}),
		FOSearchLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "fo_search_latency_seconds",
			Help:    "Instrument search latency.",
			Buckets: prometheus.DefBuckets,
		}),
		TickParseTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tick_parse_total",
			Help: "Total binary tick packets parsed successfully.",
		}),
		TickParseErrorsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tick_parse_errors_total",
			Help: "Total binary tick packets that failed to parse.",
		}),
		FanOutLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "fanout_latency_seconds",
			Help:    "Time from tick parse to broadcast dispatch completion.",
			Buckets: prometheus.ExponentialBuckets(0.0001, 2, 14),
		}),
		UpstreamReconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "upstream_reconnects_total",
			Help: "Total upstream WS reconnect attempts.",
		}),
		HTTPLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latency, labeled by route and status class.",
			Buckets: prometheus.DefBuckets,
		}, []string{"route", "status"}),
		FanOutDropsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fanout_drops_total",
			Help: "Total ticks dropped for slow clients.",
		}),
		ProcessCPUPercent: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "process_cpu_percent",
			Help: "Host CPU utilization sampled by the admission guard.",
		}),
		ProcessMemoryBytes: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "process_memory_bytes",
			Help: "Host memory in use, sampled by the admission guard.",
		}),
		ProcessGoroutines: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "process_goroutines",
			Help: "Current goroutine count, sampled by the admission guard.",
		}),
		ProcessConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "process_connections",
			Help: "Current live WebSocket connections tracked by the admission guard.",
		}),
	}

	reg.MustRegister(
		m.WSConnectionsByApiKey, m.WSEventsTotal, m.FOSearchRequestsTotal, m.FOSearchLatency,
		m.TickParseTotal, m.TickParseErrorsTotal, m.FanOutLatency, m.UpstreamReconnects,
		m.HTTPLatency, m.FanOutDropsTotal,
		m.ProcessCPUPercent, m.ProcessMemoryBytes, m.ProcessGoroutines, m.ProcessConnections,
	)
	return m
}
