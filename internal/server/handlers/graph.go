package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/quotaguard/quotaguard/internal/core/governor"
	apperrors "github.com/quotaguard/quotaguard/internal/errors"
)

// Fetcher performs a single upstream GET. *graph.Client satisfies it.
type Fetcher interface {
	Get(ctx context.Context, path string, params url.Values) (json.RawMessage, error)
}

// Query parameters that never reach the upstream or the cache key.
var strippedParams = []string{"access_token", "appsecret_proof"}

// GraphHandler forwards GET requests to the upstream API through the
// scope's governor.
type GraphHandler struct {
	registry  *governor.Registry
	upstreams map[string]Fetcher
}

// NewGraphHandler creates a handler; upstreams maps scope to client.
func NewGraphHandler(registry *governor.Registry, upstreams map[string]Fetcher) *GraphHandler {
	normalized := make(map[string]Fetcher, len(upstreams))
	for scope, f := range upstreams {
		normalized[strings.ToLower(strings.TrimSpace(scope))] = f
	}
	return &GraphHandler{registry: registry, upstreams: normalized}
}

// Fetch handles GET /v1/graph/{scope}/*.
func (h *GraphHandler) Fetch(w http.ResponseWriter, r *http.Request) {
	scope := strings.ToLower(strings.TrimSpace(chi.URLParam(r, "scope")))
	upstream, ok := h.upstreams[scope]
	if !ok {
		apperrors.RespondWithError(w, r, apperrors.NewNotFoundError("no upstream credential for scope: "+scope))
		return
	}

	path := strings.Trim(chi.URLParam(r, "*"), "/")
	if path == "" {
		apperrors.RespondWithError(w, r, apperrors.NewInvalidInputError("upstream path is required"))
		return
	}

	params := r.URL.Query()
	for _, name := range strippedParams {
		params.Del(name)
	}

	g := h.registry.Get(r.Context(), scope)
	body, err := governor.Do(r.Context(), g, CacheKey(path, params), func(ctx context.Context) (json.RawMessage, error) {
		return upstream.Get(ctx, path, params)
	})
	if err != nil {
		apperrors.RespondWithError(w, r, apperrors.WrapGovernorError(r.Context(), err))
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(body)
}

// CacheKey builds the cache key for a GET: the path plus its query with keys
// sorted, so parameter order does not fragment the cache.
func CacheKey(path string, params url.Values) string {
	path = "/" + strings.Trim(path, "/")
	if len(params) == 0 {
		return path
	}
	return path + "?" + params.Encode()
}
