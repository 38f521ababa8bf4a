package httpapi

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/cors"
	"github.com/google/uuid"

	"carrier_analytics/internal/metrics"
)

const RequestIDHeader = "X-Request-ID"

type ctxKey struct{}

// RequestID returns the id assigned to the request, if any.
func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(ctxKey{}).(string)
	return id
}

// withRequestLog assigns a request id, logs one line per request and turns
// handler panics into 500s.
func (r *Router) withRequestLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		id := strings.TrimSpace(req.Header.Get(RequestIDHeader))
		if id == "" || len(id) > 128 {
			id = uuid.NewString()
		}
		w.Header().Set(RequestIDHeader, id)
		req = req.WithContext(context.WithValue(req.Context(), ctxKey{}, id))

		rec := &metrics.StatusRecorder{ResponseWriter: w, Status: http.StatusOK}
		start := time.Now()
		defer func() {
			if p := recover(); p != nil {
				r.writeError(rec, req, fmt.Errorf("panic: %v", p))
			}
			level := slog.LevelInfo
			if rec.Status >= http.StatusInternalServerError {
				level = slog.LevelWarn
			}
			r.log.Log(req.Context(), level, "http request",
				"method", req.Method,
				"path", req.URL.Path,
				"status", rec.Status,
				"duration", time.Since(start),
				"request_id", id,
			)
		}()
		next.ServeHTTP(rec, req)
	})
}

// corsHandler answers preflight requests and tags responses for allowed
// origins. An empty list allows any origin.
func (r *Router) corsHandler() func(http.Handler) http.Handler {
	origins := r.corsOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	return cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders:   []string{"Authorization", "Content-Type", RequestIDHeader, r.apiKeyHeader},
		ExposedHeaders:   []string{RequestIDHeader},
		AllowCredentials: false,
		MaxAge:           300,
	})
}
