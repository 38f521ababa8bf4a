// Package httpapi exposes ingest, analytics, matching and carrier lookups
// over HTTP.
package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"carrier_analytics/internal/analytics"
	"carrier_analytics/internal/auth"
	"carrier_analytics/internal/ingest"
	"carrier_analytics/internal/matching"
	"carrier_analytics/internal/metrics"
	"carrier_analytics/internal/store"
)

const maxBodyBytes = 1 << 20

// Deps are the services the router dispatches to.
type Deps struct {
	Store     *store.Store
	Ingest    *ingest.Service
	Analytics *analytics.Service
	Matching  *matching.Engine
	Gate      *auth.Gate
	Logger    *slog.Logger

	Production     bool
	MetricsEnabled bool
	CORSOrigins    []string
	APIKeyHeader   string
}

// Router builds HTTP handlers for /api/v1, /health and /metrics.
type Router struct {
	errorWriter
	store        *store.Store
	ingest       *ingest.Service
	analytics    *analytics.Service
	matching     *matching.Engine
	gate         *auth.Gate
	metrics      bool
	corsOrigins  []string
	apiKeyHeader string
}

func NewRouter(d Deps) *Router {
	log := d.Logger
	if log == nil {
		log = slog.Default()
	}
	header := d.APIKeyHeader
	if header == "" {
		header = auth.DefaultHeader
	}
	return &Router{
		errorWriter:  errorWriter{log: log, production: d.Production},
		store:        d.Store,
		ingest:       d.Ingest,
		analytics:    d.Analytics,
		matching:     d.Matching,
		gate:         d.Gate,
		metrics:      d.MetricsEnabled,
		corsOrigins:  d.CORSOrigins,
		apiKeyHeader: header,
	}
}

func (r *Router) Register(mux *http.ServeMux) {
	ingestOnly := r.gate.RequireIngest
	read := r.gate.RequireRead

	mux.Handle("POST /api/v1/events/call-completed", ingestOnly(http.HandlerFunc(r.callCompleted)))

	mux.Handle("GET /api/v1/metrics/overview", read(http.HandlerFunc(r.overview)))
	mux.Handle("GET /api/v1/metrics/trends", read(http.HandlerFunc(r.trends)))
	mux.Handle("GET /api/v1/metrics/recent-calls", read(http.HandlerFunc(r.recentCalls)))
	mux.Handle("GET /api/v1/metrics/rate-variance-distribution", read(http.HandlerFunc(r.rateVariance)))
	mux.Handle("GET /api/v1/metrics/conversion-funnel", read(http.HandlerFunc(r.conversionFunnel)))

	mux.Handle("GET /api/v1/breakdowns/by-lane", read(http.HandlerFunc(r.byLane)))
	mux.Handle("GET /api/v1/breakdowns/by-equipment", read(http.HandlerFunc(r.byEquipment)))
	mux.Handle("GET /api/v1/breakdowns/by-carrier", read(http.HandlerFunc(r.byCarrier)))

	mux.Handle("POST /api/v1/matching/find-carriers", read(http.HandlerFunc(r.findCarriers)))
	mux.Handle("GET /api/v1/intelligence/recommendations", read(http.HandlerFunc(r.recommendations)))

	mux.Handle("GET /api/v1/carriers", read(http.HandlerFunc(r.listCarriers)))
	mux.Handle("GET /api/v1/carriers/{id}", read(http.HandlerFunc(r.carrier)))
	mux.Handle("GET /api/v1/carriers/{id}/equipment", read(http.HandlerFunc(r.carrierEquipment)))
	mux.Handle("GET /api/v1/carriers/{id}/lanes", read(http.HandlerFunc(r.carrierLanes)))

	mux.HandleFunc("GET /health", r.health)
	if r.metrics {
		mux.Handle("GET /metrics", promhttp.Handler())
	}
}

// Handler returns the full middleware chain around a fresh mux.
func (r *Router) Handler() http.Handler {
	mux := http.NewServeMux()
	r.Register(mux)
	h := metrics.Instrument(mux)
	h = r.corsHandler()(h)
	return r.withRequestLog(h)
}

func (r *Router) callCompleted(w http.ResponseWriter, req *http.Request) {
	var env ingest.Envelope
	if err := decodeBody(w, req, &env); err != nil {
		r.writeError(w, req, err)
		return
	}
	res, err := r.ingest.Ingest(req.Context(), env)
	if err != nil {
		r.writeError(w, req, err)
		return
	}
	r.respondJSON(w, http.StatusCreated, res)
}

func (r *Router) overview(w http.ResponseWriter, req *http.Request) {
	win, err := window(req)
	if err != nil {
		r.writeError(w, req, err)
		return
	}
	out, err := r.analytics.Overview(req.Context(), win)
	r.reply(w, req, out, err)
}

func (r *Router) trends(w http.ResponseWriter, req *http.Request) {
	win, err := window(req)
	if err != nil {
		r.writeError(w, req, err)
		return
	}
	out, err := r.analytics.Trends(req.Context(), win.From, win.To, strings.TrimSpace(req.URL.Query().Get("interval")))
	r.reply(w, req, out, err)
}

func (r *Router) recentCalls(w http.ResponseWriter, req *http.Request) {
	limit, err := intParam(req, "limit", analytics.DefaultRecentLimit)
	if err != nil {
		r.writeError(w, req, err)
		return
	}
	calls, err := r.analytics.RecentCalls(req.Context(), limit)
	r.reply(w, req, calls, err)
}

func (r *Router) rateVariance(w http.ResponseWriter, req *http.Request) {
	win, err := window(req)
	if err != nil {
		r.writeError(w, req, err)
		return
	}
	out, err := r.analytics.RateVarianceDistribution(req.Context(), win)
	r.reply(w, req, map[string]any{"buckets": out}, err)
}

func (r *Router) conversionFunnel(w http.ResponseWriter, req *http.Request) {
	win, err := window(req)
	if err != nil {
		r.writeError(w, req, err)
		return
	}
	out, err := r.analytics.ConversionFunnel(req.Context(), win)
	r.reply(w, req, map[string]any{"stages": out}, err)
}

func (r *Router) byLane(w http.ResponseWriter, req *http.Request) {
	win, err := window(req)
	if err != nil {
		r.writeError(w, req, err)
		return
	}
	out, err := r.analytics.ByLane(req.Context(), win)
	r.reply(w, req, out, err)
}

func (r *Router) byEquipment(w http.ResponseWriter, req *http.Request) {
	win, err := window(req)
	if err != nil {
		r.writeError(w, req, err)
		return
	}
	out, err := r.analytics.ByEquipment(req.Context(), win)
	r.reply(w, req, out, err)
}

func (r *Router) byCarrier(w http.ResponseWriter, req *http.Request) {
	win, err := window(req)
	if err != nil {
		r.writeError(w, req, err)
		return
	}
	out, err := r.analytics.ByCarrier(req.Context(), win)
	r.reply(w, req, out, err)
}

func (r *Router) findCarriers(w http.ResponseWriter, req *http.Request) {
	var load matching.LoadRequest
	if err := decodeBody(w, req, &load); err != nil {
		r.writeError(w, req, err)
		return
	}
	out, err := r.matching.FindCarriers(req.Context(), load)
	r.reply(w, req, out, err)
}

func (r *Router) recommendations(w http.ResponseWriter, req *http.Request) {
	q := req.URL.Query()
	out, err := r.matching.Recommend(req.Context(), q.Get("origin"), q.Get("destination"))
	r.reply(w, req, out, err)
}

func (r *Router) listCarriers(w http.ResponseWriter, req *http.Request) {
	carriers, err := r.store.ListCarriers(req.Context())
	r.reply(w, req, carriers, err)
}

func (r *Router) carrier(w http.ResponseWriter, req *http.Request) {
	id, err := carrierID(req)
	if err != nil {
		r.writeError(w, req, err)
		return
	}
	c, err := r.store.GetCarrier(req.Context(), id)
	r.reply(w, req, c, err)
}

func (r *Router) carrierEquipment(w http.ResponseWriter, req *http.Request) {
	id, err := r.knownCarrier(req)
	if err != nil {
		r.writeError(w, req, err)
		return
	}
	rows, err := r.store.ListEquipment(req.Context(), id)
	r.reply(w, req, rows, err)
}

func (r *Router) carrierLanes(w http.ResponseWriter, req *http.Request) {
	id, err := r.knownCarrier(req)
	if err != nil {
		r.writeError(w, req, err)
		return
	}
	rows, err := r.store.ListLanes(req.Context(), id)
	r.reply(w, req, rows, err)
}

func (r *Router) health(w http.ResponseWriter, req *http.Request) {
	if err := r.store.Health(req.Context()); err != nil {
		r.log.Warn("http: health check failed", "error", err)
		r.respondJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unhealthy", "database": "unreachable"})
		return
	}
	r.respondJSON(w, http.StatusOK, map[string]string{"status": "healthy", "database": "ok"})
}

// reply writes payload, or err when it is set. No partial result is sent on
// failure.
func (r *Router) reply(w http.ResponseWriter, req *http.Request, payload any, err error) {
	if err != nil {
		r.writeError(w, req, err)
		return
	}
	r.respondJSON(w, http.StatusOK, payload)
}

func (r *Router) knownCarrier(req *http.Request) (int64, error) {
	id, err := carrierID(req)
	if err != nil {
		return 0, err
	}
	if _, err := r.store.GetCarrier(req.Context(), id); err != nil {
		return 0, err
	}
	return id, nil
}

func carrierID(req *http.Request) (int64, error) {
	raw := req.PathValue("id")
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("%w: carrier id %q", errBadParam, raw)
	}
	return id, nil
}

func decodeBody(w http.ResponseWriter, req *http.Request, dst any) error {
	req.Body = http.MaxBytesReader(w, req.Body, maxBodyBytes)
	if err := json.NewDecoder(req.Body).Decode(dst); err != nil {
		return fmt.Errorf("%w: request body: %v", errBadParam, err)
	}
	return nil
}

// window reads the optional start and end query parameters.
func window(req *http.Request) (analytics.Window, error) {
	var win analytics.Window
	q := req.URL.Query()
	for name, dst := range map[string]**time.Time{"start": &win.From, "end": &win.To} {
		ts, err := parseTimeParam(q.Get(name))
		if err != nil {
			return analytics.Window{}, fmt.Errorf("%w: %s: %v", errBadParam, name, err)
		}
		if !ts.IsZero() {
			*dst = &ts
		}
	}
	return win, nil
}

var timeLayouts = []string{time.RFC3339Nano, "2006-01-02T15:04:05", "2006-01-02"}

func parseTimeParam(raw string) (time.Time, error) {
	value := strings.TrimSpace(raw)
	if value == "" {
		return time.Time{}, nil
	}
	for _, layout := range timeLayouts {
		if ts, err := time.Parse(layout, value); err == nil {
			return ts.UTC(), nil
		}
	}
	if unix, err := strconv.ParseInt(value, 10, 64); err == nil {
		return time.Unix(unix, 0).UTC(), nil
	}
	return time.Time{}, errors.New("expected an ISO 8601 timestamp")
}

func intParam(req *http.Request, name string, fallback int) (int, error) {
	value := strings.TrimSpace(req.URL.Query().Get(name))
	if value == "" {
		return fallback, nil
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("%w: %s must be an integer", errBadParam, name)
	}
	return parsed, nil
}
