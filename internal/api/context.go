package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/ashureev/farm-intake/internal/contextcache"
)

// ContextCache is the context cache surface exposed over HTTP.
type ContextCache interface {
	Get(ctx context.Context, farmerID int64) (*contextcache.Package, error)
	Update(ctx context.Context, farmerID int64, patch *contextcache.Package) (*contextcache.Package, error)
	Invalidate(ctx context.Context, farmerID int64)
	Stats(ctx context.Context, farmerID int64) (contextcache.Stats, error)
}

// ContextHandler serves farmer context packages.
type ContextHandler struct {
	cache ContextCache
}

// NewContextHandler creates a ContextHandler.
func NewContextHandler(cache ContextCache) *ContextHandler {
	return &ContextHandler{cache: cache}
}

// RegisterRoutes registers the context routes.
func (h *ContextHandler) RegisterRoutes(r chi.Router) {
	r.Route("/api/context/{farmerID}", func(r chi.Router) {
		r.Get("/", h.Get)
		r.Patch("/", h.Update)
		r.Delete("/", h.Invalidate)
		r.Get("/stats", h.Stats)
	})
}

// Get handles GET /api/context/{farmerID}.
func (h *ContextHandler) Get(w http.ResponseWriter, r *http.Request) {
	id, ok := h.farmerID(w, r)
	if !ok {
		return
	}
	pkg, err := h.cache.Get(r.Context(), id)
	if err != nil {
		writeContextError(w, id, err)
		return
	}
	JSON(w, http.StatusOK, pkg)
}

// Update handles PATCH /api/context/{farmerID} with a partial package body.
func (h *ContextHandler) Update(w http.ResponseWriter, r *http.Request) {
	id, ok := h.farmerID(w, r)
	if !ok {
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	var patch contextcache.Package
	if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
		Error(w, http.StatusBadRequest, "invalid request body")
		return
	}
	pkg, err := h.cache.Update(r.Context(), id, &patch)
	if err != nil {
		writeContextError(w, id, err)
		return
	}
	JSON(w, http.StatusOK, pkg)
}

// Invalidate handles DELETE /api/context/{farmerID}.
func (h *ContextHandler) Invalidate(w http.ResponseWriter, r *http.Request) {
	id, ok := h.farmerID(w, r)
	if !ok {
		return
	}
	h.cache.Invalidate(r.Context(), id)
	w.WriteHeader(http.StatusNoContent)
}

// Stats handles GET /api/context/{farmerID}/stats.
func (h *ContextHandler) Stats(w http.ResponseWriter, r *http.Request) {
	id, ok := h.farmerID(w, r)
	if !ok {
		return
	}
	st, err := h.cache.Stats(r.Context(), id)
	if err != nil {
		writeContextError(w, id, err)
		return
	}
	JSON(w, http.StatusOK, map[string]any{
		"farmer_id":             st.FarmerID,
		"exists":                st.Exists,
		"ttl_remaining_seconds": int64(st.TTLRemaining.Seconds()),
	})
}

func (h *ContextHandler) farmerID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, ok := parseFarmerID(chi.URLParam(r, "farmerID"))
	if !ok {
		Error(w, http.StatusBadRequest, "invalid farmer id")
	}
	return id, ok
}

func writeContextError(w http.ResponseWriter, farmerID int64, err error) {
	switch {
	case errors.Is(err, contextcache.ErrFarmerNotFound):
		Error(w, http.StatusNotFound, "farmer not found")
	case errors.Is(err, contextcache.ErrCacheUnavailable):
		Error(w, http.StatusServiceUnavailable, "context cache unavailable")
	case errors.Is(err, contextcache.ErrUpdateConflict):
		Error(w, http.StatusConflict, "context package is being updated, retry")
	default:
		slog.Error("Context request failed", "farmer_id", farmerID, "error", err)
		Error(w, http.StatusInternalServerError, "internal error")
	}
}
