package handlers

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/quotaguard/quotaguard/internal/core"
	"github.com/quotaguard/quotaguard/internal/core/governor"
	apperrors "github.com/quotaguard/quotaguard/internal/errors"
)

// GovernorListResponse lists every scope the service has governed so far.
type GovernorListResponse struct {
	Scopes []core.ScopeSnapshot `json:"scopes"`
}

// GovernorHandler exposes read and cache-reset operations on a registry.
type GovernorHandler struct {
	registry *governor.Registry
}

// NewGovernorHandler creates a handler backed by registry.
func NewGovernorHandler(registry *governor.Registry) *GovernorHandler {
	return &GovernorHandler{registry: registry}
}

// List handles GET /v1/governor.
func (h *GovernorHandler) List(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, GovernorListResponse{Scopes: h.registry.Snapshots()})
}

// Get handles GET /v1/governor/{scope}.
func (h *GovernorHandler) Get(w http.ResponseWriter, r *http.Request) {
	g, ok := h.lookup(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, g.Snapshot())
}

// ClearCache handles DELETE /v1/governor/{scope}/cache.
func (h *GovernorHandler) ClearCache(w http.ResponseWriter, r *http.Request) {
	g, ok := h.lookup(w, r)
	if !ok {
		return
	}
	g.ClearCache()
	w.WriteHeader(http.StatusNoContent)
}

func (h *GovernorHandler) lookup(w http.ResponseWriter, r *http.Request) (*governor.Governor, bool) {
	scope := strings.ToLower(strings.TrimSpace(chi.URLParam(r, "scope")))
	if scope == "" {
		apperrors.RespondWithError(w, r, apperrors.NewInvalidInputError("scope is required"))
		return nil, false
	}
	g, ok := h.registry.Lookup(scope)
	if !ok {
		apperrors.RespondWithError(w, r, apperrors.NewNotFoundError("unknown scope: "+scope))
		return nil, false
	}
	return g, true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
