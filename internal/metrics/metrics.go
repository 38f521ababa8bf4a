package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	BuildInfo = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "carrier_analytics_build_info",
		Help: "Build information of the carrier analytics service",
	}, []string{"version", "commit", "date"})

	IngestResults = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "carrier_analytics_ingest_results_total",
		Help: "Call events received by ingest, by result.",
	}, []string{"result"})
	CarriersCreated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "carrier_analytics_carriers_created_total",
		Help: "Carrier identities created on first sighting.",
	})
	RecomputeDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "carrier_analytics_rollup_recompute_seconds",
		Help:    "Time spent recomputing one carrier rollup.",
		Buckets: prometheus.ExponentialBuckets(0.0005, 2, 14),
	})
	RebuildCarriers = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "carrier_analytics_rebuild_carriers_total",
		Help: "Carriers processed by a full rollup rebuild, by result.",
	}, []string{"result"})

	HTTPRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "carrier_analytics_http_requests_total",
		Help: "HTTP requests served, by route and status code.",
	}, []string{"route", "code"})
	HTTPDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "carrier_analytics_http_request_duration_seconds",
		Help:    "HTTP request latency by route.",
		Buckets: prometheus.DefBuckets,
	}, []string{"route"})
	HTTPInFlight = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "carrier_analytics_http_in_flight_requests",
		Help: "HTTP requests currently being served.",
	})
)

// Ingest results.
const (
	ResultAccepted  = "accepted"
	ResultDuplicate = "duplicate"
	ResultInvalid   = "invalid"
	ResultError     = "error"
)

// StatusRecorder captures the status code written by a handler.
type StatusRecorder struct {
	http.ResponseWriter
	Status int
}

func (r *StatusRecorder) WriteHeader(code int) {
	r.Status = code
	r.ResponseWriter.WriteHeader(code)
}

// Instrument wraps next with request count, latency and in-flight metrics.
// The route label is the matched ServeMux pattern.
func Instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		HTTPInFlight.Inc()
		defer HTTPInFlight.Dec()
		start := time.Now()
		rec, ok := w.(*StatusRecorder)
		if !ok {
			rec = &StatusRecorder{ResponseWriter: w, Status: http.StatusOK}
		}
		next.ServeHTTP(rec, req)
		route := req.Pattern
		if route == "" {
			route = "unmatched"
		}
		HTTPRequests.WithLabelValues(route, strconv.Itoa(rec.Status)).Inc()
		HTTPDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
	})
}
