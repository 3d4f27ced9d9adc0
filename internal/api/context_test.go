package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-chi/chi/v5"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashureev/farm-intake/internal/contextcache"
	"github.com/ashureev/farm-intake/internal/domain"
)

type stubSource struct{}

func (stubSource) GetFarmer(_ context.Context, id int64) (*domain.Farmer, error) {
	if id != 7 {
		return nil, nil
	}
	return &domain.Farmer{ID: 7, FirstName: "Ana", LastName: "Novak"}, nil
}

func (stubSource) ListFields(_ context.Context, _ int64) ([]domain.Field, error) {
	return []domain.Field{
		{ID: 1, FarmerID: 7, Name: "North", AreaHa: decimal.RequireFromString("3.5")},
		{ID: 2, FarmerID: 7, Name: "South", AreaHa: decimal.RequireFromString("1.25")},
	}, nil
}

func (stubSource) ListCropAssignments(context.Context, int64) ([]domain.CropAssignment, error) {
	return nil, nil
}

func (stubSource) ListTasks(context.Context, int64) ([]domain.Task, error) { return nil, nil }

func (stubSource) ListMaterialUsage(context.Context, int64) ([]domain.MaterialUsage, error) {
	return nil, nil
}

func setupContextRouter(t *testing.T) (http.Handler, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	r := chi.NewRouter()
	NewContextHandler(contextcache.New(client, stubSource{}, time.Hour, nil, nil)).RegisterRoutes(r)
	return r, mr
}

func serve(h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(method, path, strings.NewReader(body)))
	return w
}

func TestContextGet(t *testing.T) {
	h, mr := setupContextRouter(t)

	w := serve(h, http.MethodGet, "/api/context/7", "")
	require.Equal(t, http.StatusOK, w.Code)

	var pkg contextcache.Package
	require.NoError(t, json.NewDecoder(w.Body).Decode(&pkg))
	assert.Equal(t, 2, pkg.TotalFields)
	assert.Equal(t, contextcache.SourceDatabase, pkg.Source)
	assert.True(t, mr.Exists("profile_cache:7"))
}

func TestContextGetErrors(t *testing.T) {
	h, _ := setupContextRouter(t)

	assert.Equal(t, http.StatusBadRequest, serve(h, http.MethodGet, "/api/context/abc", "").Code)
	assert.Equal(t, http.StatusBadRequest, serve(h, http.MethodGet, "/api/context/-3", "").Code)
	assert.Equal(t, http.StatusNotFound, serve(h, http.MethodGet, "/api/context/99", "").Code)
}

func TestContextUpdate(t *testing.T) {
	h, _ := setupContextRouter(t)

	w := serve(h, http.MethodPatch, "/api/context/7", `{"farmer_info":{"location":"Kranj"}}`)
	require.Equal(t, http.StatusOK, w.Code)

	var pkg contextcache.Package
	require.NoError(t, json.NewDecoder(w.Body).Decode(&pkg))
	assert.Equal(t, "Kranj", pkg.FarmerInfo.Location)
	assert.Equal(t, "Ana", pkg.FarmerInfo.FirstName)
	assert.Equal(t, contextcache.SourceUpdate, pkg.Source)

	assert.Equal(t, http.StatusBadRequest, serve(h, http.MethodPatch, "/api/context/7", "{").Code)
}

func TestContextStatsAndInvalidate(t *testing.T) {
	h, mr := setupContextRouter(t)

	require.Equal(t, http.StatusOK, serve(h, http.MethodGet, "/api/context/7", "").Code)

	w := serve(h, http.MethodGet, "/api/context/7/stats", "")
	require.Equal(t, http.StatusOK, w.Code)
	var stats map[string]any
	require.NoError(t, json.NewDecoder(w.Body).Decode(&stats))
	assert.Equal(t, true, stats["exists"])
	assert.InDelta(t, 3600, stats["ttl_remaining_seconds"], 1)

	assert.Equal(t, http.StatusNoContent, serve(h, http.MethodDelete, "/api/context/7", "").Code)
	assert.False(t, mr.Exists("profile_cache:7"))

	mr.Close()
	assert.Equal(t, http.StatusServiceUnavailable, serve(h, http.MethodGet, "/api/context/7/stats", "").Code)
	assert.Equal(t, http.StatusNoContent, serve(h, http.MethodDelete, "/api/context/7", "").Code)
}
