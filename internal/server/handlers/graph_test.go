package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/require"

	"github.com/quotaguard/quotaguard/internal/core/governor"
	"github.com/quotaguard/quotaguard/internal/upstream/graph"
)

type fakeFetcher struct {
	mu     sync.Mutex
	calls  int
	paths  []string
	params []url.Values
	body   json.RawMessage
	err    error
}

func (f *fakeFetcher) Get(ctx context.Context, path string, params url.Values) (json.RawMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.paths = append(f.paths, path)
	f.params = append(f.params, params)
	return f.body, f.err
}

func newTestRouter(t *testing.T, limits governor.Limits, fetcher Fetcher) (*chi.Mux, *governor.Registry) {
	t.Helper()
	registry := governor.NewRegistry(governor.Options{
		Limits:   limits,
		CacheTTL: time.Minute,
	})
	t.Cleanup(registry.Close)

	gov := NewGovernorHandler(registry)
	gh := NewGraphHandler(registry, map[string]Fetcher{"ACCT_1": fetcher})

	r := chi.NewRouter()
	r.Get("/v1/governor", gov.List)
	r.Get("/v1/governor/{scope}", gov.Get)
	r.Delete("/v1/governor/{scope}/cache", gov.ClearCache)
	r.Get("/v1/graph/{scope}/*", gh.Fetch)
	return r, registry
}

func serve(r http.Handler, method, target string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(method, target, nil))
	return rec
}

func TestGraphFetchCachesIdenticalQueries(t *testing.T) {
	fetcher := &fakeFetcher{body: json.RawMessage(`{"data":[1,2]}`)}
	r, _ := newTestRouter(t, governor.Limits{MaxCallsPerWindow: 10, Window: time.Hour}, fetcher)

	rec := serve(r, http.MethodGet, "/v1/graph/acct_1/act_42/insights?fields=spend&level=ad&access_token=leak")
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"data":[1,2]}`, rec.Body.String())

	rec = serve(r, http.MethodGet, "/v1/graph/acct_1/act_42/insights?level=ad&fields=spend")
	require.Equal(t, http.StatusOK, rec.Code)

	require.Equal(t, 1, fetcher.calls)
	require.Equal(t, "act_42/insights", fetcher.paths[0])
	require.Empty(t, fetcher.params[0].Get("access_token"))
}

func TestGraphFetchLocalThrottle(t *testing.T) {
	fetcher := &fakeFetcher{body: json.RawMessage(`{}`)}
	r, _ := newTestRouter(t, governor.Limits{MinInterval: time.Minute, MaxCallsPerWindow: 10, Window: time.Hour}, fetcher)

	require.Equal(t, http.StatusOK, serve(r, http.MethodGet, "/v1/graph/acct_1/me").Code)

	rec := serve(r, http.MethodGet, "/v1/graph/acct_1/me/adaccounts")
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	require.Equal(t, "60", rec.Header().Get("Retry-After"))
	require.Contains(t, rec.Body.String(), "RATE_LIMITED")
	require.Equal(t, 1, fetcher.calls)
}

func TestGraphFetchUpstreamThrottle(t *testing.T) {
	fetcher := &fakeFetcher{err: &graph.APIError{StatusCode: http.StatusBadRequest, Code: 17, Message: "User request limit reached"}}
	r, registry := newTestRouter(t, governor.Limits{MaxCallsPerWindow: 10, Window: time.Hour, DefaultRetryAfter: 30 * time.Second}, fetcher)

	rec := serve(r, http.MethodGet, "/v1/graph/acct_1/me")
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	require.Equal(t, "30", rec.Header().Get("Retry-After"))
	require.Contains(t, rec.Body.String(), "UPSTREAM_RATE_LIMITED")

	g, ok := registry.Lookup("acct_1")
	require.True(t, ok)
	require.NotNil(t, g.Snapshot().State.BlockedUntil)
}

func TestGraphFetchOtherUpstreamFailure(t *testing.T) {
	fetcher := &fakeFetcher{err: errors.New("connection refused")}
	r, _ := newTestRouter(t, governor.Limits{MaxCallsPerWindow: 10, Window: time.Hour}, fetcher)

	rec := serve(r, http.MethodGet, "/v1/graph/acct_1/me")
	require.Equal(t, http.StatusBadGateway, rec.Code)
	require.Empty(t, rec.Header().Get("Retry-After"))
}

func TestGraphFetchUnknownScope(t *testing.T) {
	r, _ := newTestRouter(t, governor.Limits{}, &fakeFetcher{})

	rec := serve(r, http.MethodGet, "/v1/graph/other/me")
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCacheKeySortsQuery(t *testing.T) {
	a := CacheKey("act_1/insights/", url.Values{"level": {"ad"}, "fields": {"spend"}})
	b := CacheKey("/act_1/insights", url.Values{"fields": {"spend"}, "level": {"ad"}})
	require.Equal(t, a, b)
	require.Equal(t, "/act_1/insights?fields=spend&level=ad", a)
	require.Equal(t, "/me", CacheKey("me", nil))
}

func TestGovernorHandlers(t *testing.T) {
	fetcher := &fakeFetcher{body: json.RawMessage(`{"id":"1"}`)}
	r, _ := newTestRouter(t, governor.Limits{MaxCallsPerWindow: 10, Window: time.Hour}, fetcher)

	rec := serve(r, http.MethodGet, "/v1/governor")
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"scopes":[]}`, rec.Body.String())

	require.Equal(t, http.StatusOK, serve(r, http.MethodGet, "/v1/graph/acct_1/me").Code)

	rec = serve(r, http.MethodGet, "/v1/governor/acct_1")
	require.Equal(t, http.StatusOK, rec.Code)
	var snap struct {
		Scope string `json:"scope"`
		Cache struct {
			Entries int `json:"entries"`
		} `json:"cache"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&snap))
	require.Equal(t, "acct_1", snap.Scope)
	require.Equal(t, 1, snap.Cache.Entries)

	rec = serve(r, http.MethodDelete, "/v1/governor/acct_1/cache")
	require.Equal(t, http.StatusNoContent, rec.Code)

	require.Equal(t, http.StatusOK, serve(r, http.MethodGet, "/v1/graph/acct_1/me").Code)
	require.Equal(t, 2, fetcher.calls)

	require.Equal(t, http.StatusNotFound, serve(r, http.MethodGet, "/v1/governor/missing").Code)
}

func TestGovernorHandlersFoldScopeCase(t *testing.T) {
	fetcher := &fakeFetcher{body: json.RawMessage(`{"id":"1"}`)}
	r, _ := newTestRouter(t, governor.Limits{MaxCallsPerWindow: 10, Window: time.Hour}, fetcher)

	require.Equal(t, http.StatusOK, serve(r, http.MethodGet, "/v1/graph/ACCT_1/me").Code)

	rec := serve(r, http.MethodGet, "/v1/governor/ACCT_1")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"scope":"acct_1"`)

	require.Equal(t, http.StatusNoContent, serve(r, http.MethodDelete, "/v1/governor/Acct_1/cache").Code)
}
