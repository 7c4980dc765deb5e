// Package metrics provides a Prometheus metrics registry for the adapter.
//
// All metrics are scoped to a private registry (not the global default) so
// they don't interfere with host-level metrics when embedded in other
// applications. The /metrics HTTP handler is exposed via Handler().
package metrics

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttpadaptor"
)

// Registry holds all exported metrics.
type Registry struct {
	reg *prometheus.Registry

	// adapter_inflight_requests
	inFlight prometheus.Gauge

	// adapter_http_requests_total{route,status}
	httpRequestsTotal *prometheus.CounterVec

	// adapter_http_request_duration_seconds{route}
	httpDuration *prometheus.HistogramVec

	// cache_hits_total / cache_misses_total
	cacheHits   prometheus.Counter
	cacheMisses prometheus.Counter

	// adapter_cache_operations_total{op,result}
	cacheOps *prometheus.CounterVec

	// adapter_coalesced_waits_total — same-key requests that shared an
	// in-flight upstream dispatch instead of issuing their own.
	coalescedWaits prometheus.Counter

	// adapter_upstream_retries_total
	upstreamRetries prometheus.Counter

	// adapter_fallback_activations_total
	fallbackActivations prometheus.Counter

	// circuit_breaker_state — 0=closed, 1=open, 2=half-open
	circuitBreakerState prometheus.Gauge

	// adapter_circuit_breaker_transitions_total{to_state}
	cbTransitions *prometheus.CounterVec

	// adapter_ratelimit_total{result}
	rateLimitTotal *prometheus.CounterVec

	// adapter_errors_total{kind}
	errorsTotal *prometheus.CounterVec

	// adapter_build_info{version}
	buildInfo *prometheus.GaugeVec

	cbMu        sync.Mutex
	lastCBState float64

	metricsHandler fasthttp.RequestHandler
}

func New() *Registry {
	reg := prometheus.NewRegistry()

	// Baseline runtime metrics even with a private registry.
	reg.MustRegister(prometheus.NewGoCollector())
	reg.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	r := &Registry{
		reg:         reg,
		lastCBState: -1,

		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "adapter_inflight_requests",
			Help: "Current number of in-flight HTTP requests handled by the adapter",
		}),

		httpRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "adapter_http_requests_total",
				Help: "Total number of HTTP requests handled by the adapter",
			},
			[]string{"route", "status"},
		),

		httpDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "adapter_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds (end-to-end, includes cache + upstream)",
				Buckets: []float64{0.001, 0.002, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 20, 30, 60},
			},
			[]string{"route"},
		),

		cacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cache_hits_total",
			Help: "Total cache hits",
		}),

		cacheMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cache_misses_total",
			Help: "Total cache misses",
		}),

		cacheOps: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "adapter_cache_operations_total",
				Help: "Cache operations by type and result",
			},
			[]string{"op", "result"},
		),

		coalescedWaits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "adapter_coalesced_waits_total",
			Help: "Requests that waited on an identical in-flight upstream dispatch",
		}),

		upstreamRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "adapter_upstream_retries_total",
			Help: "Upstream call retries after a transient failure",
		}),

		fallbackActivations: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "adapter_fallback_activations_total",
			Help: "Sticky switches from the primary to the fallback model",
		}),

		circuitBreakerState: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "circuit_breaker_state",
			Help: "Circuit breaker state (0=closed,1=open,2=half-open)",
		}),

		cbTransitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "adapter_circuit_breaker_transitions_total",
				Help: "Circuit breaker transitions to a new state",
			},
			[]string{"to_state"},
		),

		rateLimitTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "adapter_ratelimit_total",
				Help: "Rate limit decisions",
			},
			[]string{"result"},
		),

		errorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "adapter_errors_total",
				Help: "Request errors by kind",
			},
			[]string{"kind"},
		),

		buildInfo: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "adapter_build_info",
				Help: "Build information",
			},
			[]string{"version"},
		),
	}

	reg.MustRegister(
		r.inFlight,
		r.httpRequestsTotal,
		r.httpDuration,
		r.cacheHits,
		r.cacheMisses,
		r.cacheOps,
		r.coalescedWaits,
		r.upstreamRetries,
		r.fallbackActivations,
		r.circuitBreakerState,
		r.cbTransitions,
		r.rateLimitTotal,
		r.errorsTotal,
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
	r.httpRequestsTotal.WithLabelValues(route, strconv.Itoa(statusCode)).Inc()
	r.httpDuration.WithLabelValues(route).Observe(dur.Seconds())
}

func (r *Registry) CacheGetHit() {
	r.cacheHits.Inc()
	r.cacheOps.WithLabelValues("get", "hit").Inc()
}

func (r *Registry) CacheGetMiss() {
	r.cacheMisses.Inc()
	r.cacheOps.WithLabelValues("get", "miss").Inc()
}

func (r *Registry) CacheGetBypass() {
	r.cacheOps.WithLabelValues("get", "bypass").Inc()
}

func (r *Registry) CacheSetOK() {
	r.cacheOps.WithLabelValues("set", "ok").Inc()
}

func (r *Registry) CacheSetError() {
	r.cacheOps.WithLabelValues("set", "error").Inc()
}

func (r *Registry) RecordCoalescedWait() {
	r.coalescedWaits.Inc()
}

func (r *Registry) RecordRetry() {
	r.upstreamRetries.Inc()
}

func (r *Registry) RecordFallbackActivation() {
	r.fallbackActivations.Inc()
}

func (r *Registry) RecordRateLimit(result string) {
	r.rateLimitTotal.WithLabelValues(result).Inc()
}

func (r *Registry) RecordError(kind string) {
	r.errorsTotal.WithLabelValues(kind).Inc()
}

// SetCircuitBreaker sets the circuit breaker state gauge and increments a
// transition counter when the state changes.
func (r *Registry) SetCircuitBreaker(state int64) {
	r.circuitBreakerState.Set(float64(state))

	r.cbMu.Lock()
	if r.lastCBState != float64(state) {
		r.lastCBState = float64(state)
		r.cbTransitions.WithLabelValues(strconv.FormatInt(state, 10)).Inc()
	}
	r.cbMu.Unlock()
}

func (r *Registry) SetBuildInfo(version string) {
	// Gauge is used so the time series always exists.
	r.buildInfo.WithLabelValues(version).Set(1)
}

func (r *Registry) Handler() fasthttp.RequestHandler {
	return r.metricsHandler
}

func (r *Registry) PromRegistry() *prometheus.Registry { return r.reg }
