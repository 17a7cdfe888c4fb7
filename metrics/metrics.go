// Package metrics exposes the key escrow service's Prometheus metrics.
package metrics

import (
	"context"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "kms"

var (
	// ProtocolSteps counts provisioning step outcomes.
	ProtocolSteps = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "protocol_steps_total",
			Help:      "Provisioning protocol steps by step and outcome.",
		},
		[]string{"step", "outcome"},
	)

	// SweptRecords counts records removed by the expiry sweep.
	SweptRecords = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "swept_records_total",
			Help:      "Expired records deleted by the sweep.",
		},
		[]string{"kind"},
	)

	// SweepFailures counts sweeps that returned an error.
	SweepFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sweep_failures_total",
			Help:      "Expiry sweeps that failed.",
		},
	)

	// FederationFailures counts rejected federation responses by failed check.
	FederationFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "federation_failures_total",
			Help:      "Rejected federation responses.",
		},
		[]string{"reason"},
	)

	// MirrorWrites counts escrow mirror writes by backend and result.
	MirrorWrites = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "escrow_mirror_writes_total",
			Help:      "Escrow record replications by backend and result.",
		},
		[]string{"backend", "result"},
	)

	httpInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "http_in_flight_requests",
		Help:      "In-flight HTTP requests.",
	})

	serviceInfo = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "service_info",
		Help:      "Always 1, labelled with the service name.",
	}, []string{"service"})

	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latencies in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "route", "status"},
	)
)

var (
	registry     = prometheus.NewRegistry()
	registerOnce sync.Once
)

// Registry returns the registry holding the service's collectors.
func Registry() *prometheus.Registry {
	registerOnce.Do(func() {
		registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
			ProtocolSteps,
			SweptRecords,
			SweepFailures,
			FederationFailures,
			MirrorWrites,
			serviceInfo,
			httpInFlight,
			httpRequestDuration,
		)
	})
	return registry
}

// RecordStep counts one provisioning step outcome.
func RecordStep(step, outcome string) {
	ProtocolSteps.WithLabelValues(step, outcome).Inc()
}

// Instrument measures in-flight requests and latency per chi route pattern.
func Instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		httpInFlight.Inc()
		defer httpInFlight.Dec()

		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, code: http.StatusOK}
		next.ServeHTTP(sw, r)

		route := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		httpRequestDuration.WithLabelValues(r.Method, route, strconv.Itoa(sw.code)).Observe(time.Since(start).Seconds())
	})
}

type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}

// MetricsServer serves /metrics on a dedicated listener.
type MetricsServer struct {
	srv *http.Server
}

// New creates a metrics server for the named service listening on addr.
func New(service, addr string) (*MetricsServer, error) {
	reg := Registry()
	mux := http.NewServeMux()
	serviceInfo.WithLabelValues(service).Set(1)
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	return &MetricsServer{
		srv: &http.Server{
			Addr:              addr,
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
		},
	}, nil
}

func (s *MetricsServer) ListenAndServe() error {
	return s.srv.ListenAndServe()
}

func (s *MetricsServer) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}
