package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

var ok = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusNoContent) })

func serve(h http.Handler, headers map[string]string) int {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec.Code
}

func TestGateAcceptsBearerAndHeader(t *testing.T) {
	g := NewGate(Keys{Ingest: "in-secret", Read: "read-secret"}, nil)

	require.Equal(t, http.StatusNoContent, serve(g.RequireIngest(ok), map[string]string{"Authorization": "Bearer in-secret"}))
	require.Equal(t, http.StatusNoContent, serve(g.RequireIngest(ok), map[string]string{"X-API-Key": "in-secret"}))
	require.Equal(t, http.StatusNoContent, serve(g.RequireRead(ok), map[string]string{"Authorization": "bearer read-secret"}))
}

func TestGateSeparatesCredentials(t *testing.T) {
	g := NewGate(Keys{Ingest: "in-secret", Read: "read-secret"}, nil)

	require.Equal(t, http.StatusUnauthorized, serve(g.RequireIngest(ok), map[string]string{"X-API-Key": "read-secret"}))
	require.Equal(t, http.StatusUnauthorized, serve(g.RequireRead(ok), map[string]string{"X-API-Key": "in-secret"}))
	require.Equal(t, http.StatusUnauthorized, serve(g.RequireRead(ok), nil))
}

func TestGateUnconfigured(t *testing.T) {
	g := NewGate(Keys{Ingest: "in-secret"}, nil)
	require.Equal(t, http.StatusInternalServerError, serve(g.RequireRead(ok), map[string]string{"X-API-Key": "anything"}))
}

func TestGateCustomHeaderAndRotation(t *testing.T) {
	var seen error
	g := NewGate(Keys{Ingest: "a", Read: "r1", Header: "X-Carrier-Key"}, func(w http.ResponseWriter, _ *http.Request, err error) {
		seen = err
		w.WriteHeader(http.StatusTeapot)
	})
	h := g.RequireRead(ok)

	require.Equal(t, http.StatusNoContent, serve(h, map[string]string{"X-Carrier-Key": "r1"}))
	require.Equal(t, http.StatusTeapot, serve(h, map[string]string{"X-API-Key": "r1"}))
	require.ErrorIs(t, seen, ErrUnauthorized)

	g.Update(Keys{Ingest: "a", Read: "r2", Header: "X-Carrier-Key"})
	require.Equal(t, http.StatusTeapot, serve(h, map[string]string{"X-Carrier-Key": "r1"}))
	require.Equal(t, http.StatusNoContent, serve(h, map[string]string{"X-Carrier-Key": "r2"}))
}
