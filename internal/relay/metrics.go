package relay

import (
	"context"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

// Metrics holds the relay's Prometheus metrics, modeled on the
// ProxyMetrics shape in cmd/pulse-sensor-proxy/metrics.go.
type Metrics struct {
	ReviewRequests   *prometheus.CounterVec
	ReviewLatency    *prometheus.HistogramVec
	ManagerConnected prometheus.Gauge
	RegistrySize     prometheus.Gauge
	PendingCount     prometheus.Gauge
	HTTPResponses    *prometheus.CounterVec

	registry *prometheus.Registry
	server   *http.Server
}

// NewMetrics creates and registers every relay metric against a private
// registry (never the global default, which keeps tests hermetic).
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		ReviewRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_review_requests_total",
			Help: "Review RPCs sent to the manager by frame type and result.",
		}, []string{"frame_type", "result"}),
		ReviewLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "relay_review_latency_seconds",
			Help:    "Review RPC round-trip latency by frame type.",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 2.5, 5, 8},
		}, []string{"frame_type"}),
		ManagerConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "relay_manager_connected",
			Help: "1 if a manager channel is currently connected, 0 otherwise.",
		}),
		RegistrySize: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "relay_connection_registry_size",
			Help: "Number of client connections currently registered for relayed CONNECT tunnels.",
		}),
		PendingCount: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "relay_pending_decisions",
			Help: "Number of in-flight review RPCs awaiting a manager reply.",
		}),
		HTTPResponses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_http_responses_total",
			Help: "HTTP proxy responses served to clients by status class.",
		}, []string{"status"}),
		registry: reg,
	}

	reg.MustRegister(
		m.ReviewRequests,
		m.ReviewLatency,
		m.ManagerConnected,
		m.RegistrySize,
		m.PendingCount,
		m.HTTPResponses,
	)

	return m
}

func (m *Metrics) observeReview(frameType FrameType, elapsed time.Duration, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.ReviewRequests.WithLabelValues(string(frameType), result).Inc()
	m.ReviewLatency.WithLabelValues(string(frameType)).Observe(elapsed.Seconds())
}

// SampleGauges refreshes the point-in-time gauges from their live sources.
// Called periodically by the relay rather than on every mutation, since
// registry and pending-table sizes only need to be approximately current.
func (m *Metrics) SampleGauges(registrySize, pendingCount int) {
	if m == nil {
		return
	}
	m.RegistrySize.Set(float64(registrySize))
	m.PendingCount.Set(float64(pendingCount))
}

// RecordHTTPResponse buckets a response's status code into its class
// ("2xx", "4xx", ...) for a low-cardinality label.
func (m *Metrics) RecordHTTPResponse(status int) {
	if m == nil {
		return
	}
	class := "other"
	switch {
	case status >= 200 && status < 300:
		class = "2xx"
	case status >= 300 && status < 400:
		class = "3xx"
	case status >= 400 && status < 500:
		class = "4xx"
	case status >= 500:
		class = "5xx"
	}
	m.HTTPResponses.WithLabelValues(class).Inc()
}

// Start serves /metrics on addr. An empty address or "disabled" is a no-op.
func (m *Metrics) Start(addr string) error {
	if m == nil || addr == "" || strings.EqualFold(addr, "disabled") {
		log.Info().Msg("metrics server disabled")
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}))

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}

	m.server = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := m.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Str("addr", addr).Msg("metrics server stopped unexpectedly")
		}
	}()

	log.Info().Str("addr", addr).Msg("metrics server started")
	return nil
}

// Shutdown gracefully stops the metrics server, if running.
func (m *Metrics) Shutdown(ctx context.Context) {
	if m == nil || m.server == nil {
		return
	}
	_ = m.server.Shutdown(ctx)
}
