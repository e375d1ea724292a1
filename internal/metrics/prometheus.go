// Package metrics provides a Prometheus metrics registry for the gateway.
//
// All metrics are scoped to a private registry (not the global default) so
// they don't interfere with host-level metrics when embedded in other
// applications. The /metrics HTTP handler is exposed via Handler().
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttpadaptor"
)

// Registry holds all exported metrics.
type Registry struct {
	reg *prometheus.Registry

	// gateway_inflight_requests
	inFlight prometheus.Gauge

	// gateway_http_requests_total{route,status}
	httpRequestsTotal *prometheus.CounterVec

	// gateway_http_request_duration_seconds{route}
	httpDuration *prometheus.HistogramVec

	// pool_key_available_total{state} — gauge, count of keys currently in
	// each availability state (ready, rate_limited, backoff)
	poolKeyAvailable *prometheus.GaugeVec

	// pool_acquisitions_total
	poolAcquisitions prometheus.Counter

	// pool_acquisition_failures_total — no key available across a full scan
	poolAcquisitionFailures prometheus.Counter

	// key_backoff_seconds{key_preview} — gauge, current backoff timer per key
	keyBackoffSeconds *prometheus.GaugeVec

	// usage_sync_queue_depth — gauge
	usageSyncQueueDepth prometheus.Gauge

	// usage_sync_dropped_total
	usageSyncDropped prometheus.Counter

	// egress_session_rotations_total
	egressSessionRotations prometheus.Counter

	// egress_circuit_state{base_url} — gauge, 0=closed 1=open 2=half-open
	egressCircuitState *prometheus.GaugeVec

	// forwarder_upstream_duration_seconds{stream,outcome}
	forwarderUpstreamDuration *prometheus.HistogramVec

	// retry_attempts_total{outcome}
	retryAttempts *prometheus.CounterVec

	// gateway_build_info{version}
	buildInfo *prometheus.GaugeVec

	metricsHandler fasthttp.RequestHandler
}

// New builds a Registry with a private prometheus.Registry (plus the
// standard Go/process collectors) and registers every metric below.
func New() *Registry {
	reg := prometheus.NewRegistry()

	reg.MustRegister(prometheus.NewGoCollector())
	reg.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	r := &Registry{
		reg: reg,

		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "gateway_inflight_requests",
			Help: "Current number of in-flight HTTP requests handled by the gateway",
		}),

		httpRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_http_requests_total",
				Help: "Total number of HTTP requests handled by the gateway",
			},
			[]string{"route", "status"},
		),

		httpDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "gateway_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds (end-to-end, includes upstream)",
				Buckets: []float64{0.001, 0.002, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 20, 30, 60, 300},
			},
			[]string{"route"},
		),

		poolKeyAvailable: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "pool_key_available_total",
				Help: "Number of keys currently in each availability state",
			},
			[]string{"state"},
		),

		poolAcquisitions: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pool_acquisitions_total",
			Help: "Total successful key acquisitions from the pool",
		}),

		poolAcquisitionFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pool_acquisition_failures_total",
			Help: "Total scans of the pool that found no available key",
		}),

		keyBackoffSeconds: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "key_backoff_seconds",
				Help: "Current backoff timer in seconds, by key preview",
			},
			[]string{"key_preview"},
		),

		usageSyncQueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "usage_sync_queue_depth",
			Help: "Current depth of the usage-sync task queue",
		}),

		usageSyncDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "usage_sync_dropped_total",
			Help: "Total usage-sync tasks dropped because the queue was full",
		}),

		egressSessionRotations: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "egress_session_rotations_total",
			Help: "Total egress proxy session tokens minted",
		}),

		egressCircuitState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "egress_circuit_state",
				Help: "Egress proxy breaker state per base URL (0=closed,1=open,2=half-open)",
			},
			[]string{"base_url"},
		),

		forwarderUpstreamDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "forwarder_upstream_duration_seconds",
				Help:    "Upstream dispatch duration in seconds, by stream mode and outcome",
				Buckets: []float64{0.001, 0.002, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 20, 30, 60, 300},
			},
			[]string{"stream", "outcome"},
		),

		retryAttempts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "retry_attempts_total",
				Help: "Total Retry Controller attempts, by outcome",
			},
			[]string{"outcome"},
		),

		buildInfo: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "gateway_build_info",
				Help: "Build information",
			},
			[]string{"version"},
		),
	}

	reg.MustRegister(
		r.inFlight,
		r.httpRequestsTotal,
		r.httpDuration,
		r.poolKeyAvailable,
		r.poolAcquisitions,
		r.poolAcquisitionFailures,
		r.keyBackoffSeconds,
		r.usageSyncQueueDepth,
		r.usageSyncDropped,
		r.egressSessionRotations,
		r.egressCircuitState,
		r.forwarderUpstreamDuration,
		r.retryAttempts,
		r.buildInfo,
	)

	h := promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
	r.metricsHandler = fasthttpadaptor.NewFastHTTPHandler(h)

	return r
}

func (r *Registry) IncInFlight() { r.inFlight.Inc() }
func (r *Registry) DecInFlight() { r.inFlight.Dec() }

// ObserveHTTP records end-to-end HTTP metrics.
func (r *Registry) ObserveHTTP(route string, statusCode int, dur time.Duration) {
	status := strconv.Itoa(statusCode)
	r.httpRequestsTotal.WithLabelValues(route, status).Inc()
	r.httpDuration.WithLabelValues(route).Observe(dur.Seconds())
}

// SetPoolState reports the current count of keys in each availability
// state (called after every Snapshot-producing operation).
func (r *Registry) SetPoolState(ready, rateLimited, backoff int) {
	r.poolKeyAvailable.WithLabelValues("ready").Set(float64(ready))
	r.poolKeyAvailable.WithLabelValues("rate_limited").Set(float64(rateLimited))
	r.poolKeyAvailable.WithLabelValues("backoff").Set(float64(backoff))
}

func (r *Registry) RecordAcquisition()        { r.poolAcquisitions.Inc() }
func (r *Registry) RecordAcquisitionFailure() { r.poolAcquisitionFailures.Inc() }

// SetKeyBackoff reports the current backoff timer for one key preview.
func (r *Registry) SetKeyBackoff(keyPreview string, seconds float64) {
	r.keyBackoffSeconds.WithLabelValues(keyPreview).Set(seconds)
}

// SetUsageSyncQueueDepth reports the current usage-sync channel depth.
func (r *Registry) SetUsageSyncQueueDepth(depth int) {
	r.usageSyncQueueDepth.Set(float64(depth))
}

func (r *Registry) RecordUsageSyncDropped() { r.usageSyncDropped.Inc() }

func (r *Registry) RecordEgressSessionRotation() { r.egressSessionRotations.Inc() }

// SetEgressCircuitState reports a gobreaker state (0/1/2) for one egress
// proxy base URL.
func (r *Registry) SetEgressCircuitState(baseURL string, state int64) {
	r.egressCircuitState.WithLabelValues(baseURL).Set(float64(state))
}

// ObserveForwarderUpstream records one Forwarder dispatch's duration.
func (r *Registry) ObserveForwarderUpstream(streaming bool, outcome string, dur time.Duration) {
	stream := "false"
	if streaming {
		stream = "true"
	}
	r.forwarderUpstreamDuration.WithLabelValues(stream, outcome).Observe(dur.Seconds())
}

// RecordRetryAttempt records one Retry Controller loop iteration's outcome
// ("success", "classified_failure", "transport_error", "exhausted").
func (r *Registry) RecordRetryAttempt(outcome string) {
	r.retryAttempts.WithLabelValues(outcome).Inc()
}

func (r *Registry) SetBuildInfo(version string) {
	r.buildInfo.WithLabelValues(version).Set(1)
}

func (r *Registry) Handler() fasthttp.RequestHandler {
	return r.metricsHandler
}

func (r *Registry) PromRegistry() *prometheus.Registry { return r.reg }
