package httpapi

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"carrier_analytics/internal/analytics"
	"carrier_analytics/internal/auth"
	"carrier_analytics/internal/ingest"
	"carrier_analytics/internal/matching"
	"carrier_analytics/internal/store"
)

// Error kinds reported in the "error" field.
const (
	KindValidation   = "ValidationError"
	KindDuplicate    = "DuplicateEvent"
	KindNotFound     = "NotFound"
	KindUnauthorized = "Unauthorized"
	KindUnconfigured = "Unconfigured"
	KindInternal     = "InternalFailure"
)

var errBadParam = errors.New("invalid parameter")

type errorBody struct {
	Error      string              `json:"error"`
	Message    string              `json:"message"`
	StatusCode int                 `json:"status_code"`
	Fields     []ingest.FieldError `json:"fields,omitempty"`
}

func classify(err error) (int, string) {
	var verr *ingest.ValidationError
	switch {
	case errors.As(err, &verr),
		errors.Is(err, errBadParam),
		errors.Is(err, analytics.ErrInvalidInterval),
		errors.Is(err, analytics.ErrInvalidWindow),
		errors.Is(err, matching.ErrInvalidRequest):
		return http.StatusBadRequest, KindValidation
	case errors.Is(err, store.ErrDuplicateEvent):
		return http.StatusConflict, KindDuplicate
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound, KindNotFound
	case errors.Is(err, auth.ErrUnauthorized):
		return http.StatusUnauthorized, KindUnauthorized
	case errors.Is(err, auth.ErrUnconfigured):
		return http.StatusInternalServerError, KindUnconfigured
	default:
		return http.StatusInternalServerError, KindInternal
	}
}

type errorWriter struct {
	log        *slog.Logger
	production bool
}

// NewErrorWriter renders errors the way the router does, for use by
// middleware built outside this package.
func NewErrorWriter(log *slog.Logger, production bool) auth.ErrorWriter {
	if log == nil {
		log = slog.Default()
	}
	return errorWriter{log: log, production: production}.writeError
}

// writeError maps err onto the error taxonomy. Internal failures are logged
// and, in production, reported without detail.
func (r errorWriter) writeError(w http.ResponseWriter, req *http.Request, err error) {
	code, kind := classify(err)
	body := errorBody{Error: kind, Message: err.Error(), StatusCode: code}
	var verr *ingest.ValidationError
	if errors.As(err, &verr) {
		body.Fields = verr.Fields
	}
	if code == http.StatusInternalServerError {
		r.log.Error("http: request failed", "method", req.Method, "path", req.URL.Path,
			"request_id", RequestID(req.Context()), "error", err)
		if r.production {
			body.Message = http.StatusText(code)
		}
	}
	r.respondJSON(w, code, body)
}

func (r errorWriter) respondJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		r.log.Warn("http: write json", "error", err)
	}
}
