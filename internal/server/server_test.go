package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/quotaguard/quotaguard/internal/config"
	"github.com/quotaguard/quotaguard/internal/core/governor"
	apperrors "github.com/quotaguard/quotaguard/internal/errors"
	"github.com/quotaguard/quotaguard/internal/server/handlers"
)

type staticFetcher struct{}

func (staticFetcher) Get(ctx context.Context, path string, params url.Values) (json.RawMessage, error) {
	return json.RawMessage(`{"id":"` + path + `"}`), nil
}

func newTestServer(t *testing.T) *Server {
	t.Helper()
	registry := governor.NewRegistry(governor.Options{
		Limits:   governor.Limits{MaxCallsPerWindow: 5, Window: time.Hour},
		CacheTTL: time.Minute,
	})
	t.Cleanup(registry.Close)

	return New(Options{
		Config:    config.ServerConfig{Host: "127.0.0.1", Port: 0},
		Registry:  registry,
		Upstreams: map[string]handlers.Fetcher{"acct": staticFetcher{}},
	})
}

func TestServerUsesStandardErrorHandlers(t *testing.T) {
	srv := newTestServer(t)

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/does-not-exist", nil))

	require.Equal(t, http.StatusNotFound, rec.Code)

	var body apperrors.HTTPErrorResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	require.Equal(t, apperrors.CodeNotFound, body.Error.Code)
	require.NotEmpty(t, rec.Header().Get("X-Request-ID"))
}

func TestServerRoutesGovernedCalls(t *testing.T) {
	srv := newTestServer(t)

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/graph/acct/me", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"id":"me"}`, rec.Body.String())

	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/governor/acct", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"call_count":1`)
}

func TestServerMethodNotAllowed(t *testing.T) {
	srv := newTestServer(t)

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/governor/acct", nil))
	require.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestServerAddrAndTimeouts(t *testing.T) {
	srv := New(Options{Config: config.ServerConfig{Host: "0.0.0.0", Port: 8080, ReadTimeout: 5 * time.Second}})
	require.Equal(t, "0.0.0.0:8080", srv.Addr())
	require.Equal(t, 8080, srv.Port())
	require.Equal(t, 5*time.Second, orDefault(srv.cfg.ReadTimeout, defaultReadTimeout))
	require.Equal(t, defaultIdleTimeout, orDefault(srv.cfg.IdleTimeout, defaultIdleTimeout))
	require.NoError(t, srv.Shutdown(context.Background()))
}

func TestServerHealthAndVersionRoutes(t *testing.T) {
	hm := handlers.NewHealthManager("1.0.0")
	hm.RegisterChecker(handlers.CheckStateBackend, handlers.HealthCheckFunc(func(context.Context) error {
		return errors.New("redis: connection refused")
	}))

	srv := New(Options{
		Config:   config.ServerConfig{Host: "127.0.0.1"},
		Health:   hm,
		Governor: handlers.GovernorInfo{StateBackend: "redis", SharedAdmission: true},
	})

	serve := func(path string) *httptest.ResponseRecorder {
		rec := httptest.NewRecorder()
		srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		return rec
	}

	require.Equal(t, http.StatusServiceUnavailable, serve("/health/ready").Code)
	require.Equal(t, http.StatusServiceUnavailable, serve("/health/startup").Code)
	require.Equal(t, http.StatusOK, serve("/health/live").Code)

	hm.MarkStarted()
	require.Equal(t, http.StatusOK, serve("/health/startup").Code)

	rec := serve("/version")
	require.Equal(t, http.StatusOK, rec.Code)
	var version handlers.VersionResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&version))
	require.Equal(t, handlers.GovernorInfo{StateBackend: "redis", SharedAdmission: true}, version.Governor)
}

func TestServerDefaultHealthManagerIsReady(t *testing.T) {
	srv := newTestServer(t)

	for _, path := range []string{"/health", "/health/ready", "/health/startup"} {
		rec := httptest.NewRecorder()
		srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		require.Equal(t, http.StatusOK, rec.Code, path)
	}
}
