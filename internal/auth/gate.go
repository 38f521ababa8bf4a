// Package auth enforces the two service credentials: one for ingest and one
// for reads. Keys are swapped atomically so a config reload rotates them
// without a restart.
package auth

import (
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"
	"sync/atomic"
)

var (
	ErrUnauthorized = errors.New("missing or invalid API key")
	ErrUnconfigured = errors.New("API key is not configured on the server")
)

const DefaultHeader = "X-API-Key"

// Keys is one generation of credentials.
type Keys struct {
	Ingest string
	Read   string
	Header string
}

// ErrorWriter renders a rejected request.
type ErrorWriter func(w http.ResponseWriter, req *http.Request, err error)

type Gate struct {
	keys    atomic.Pointer[Keys]
	onError ErrorWriter
}

func NewGate(keys Keys, onError ErrorWriter) *Gate {
	if onError == nil {
		onError = func(w http.ResponseWriter, _ *http.Request, err error) {
			code := http.StatusUnauthorized
			if errors.Is(err, ErrUnconfigured) {
				code = http.StatusInternalServerError
			}
			http.Error(w, err.Error(), code)
		}
	}
	g := &Gate{onError: onError}
	g.Update(keys)
	return g
}

// Update replaces the active keys. In-flight requests finish against the
// keys they started with.
func (g *Gate) Update(keys Keys) {
	if strings.TrimSpace(keys.Header) == "" {
		keys.Header = DefaultHeader
	}
	g.keys.Store(&keys)
}

func (g *Gate) current() Keys { return *g.keys.Load() }

func (g *Gate) RequireIngest(next http.Handler) http.Handler {
	return g.require(next, func(k Keys) string { return k.Ingest })
}

func (g *Gate) RequireRead(next http.Handler) http.Handler {
	return g.require(next, func(k Keys) string { return k.Read })
}

func (g *Gate) require(next http.Handler, secret func(Keys) string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		keys := g.current()
		if err := check(secret(keys), credential(req, keys.Header)); err != nil {
			g.onError(w, req, err)
			return
		}
		next.ServeHTTP(w, req)
	})
}

func check(want, got string) error {
	if want == "" {
		return ErrUnconfigured
	}
	if got == "" || subtle.ConstantTimeCompare([]byte(want), []byte(got)) != 1 {
		return ErrUnauthorized
	}
	return nil
}

// credential prefers a bearer token and falls back to the named header.
func credential(req *http.Request, header string) string {
	if authz := req.Header.Get("Authorization"); authz != "" {
		scheme, token, ok := strings.Cut(authz, " ")
		if ok && strings.EqualFold(scheme, "Bearer") {
			return strings.TrimSpace(token)
		}
	}
	return strings.TrimSpace(req.Header.Get(header))
}
