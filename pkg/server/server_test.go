package server

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/tempovec/internal/config"
	"github.com/fyrsmithlabs/tempovec/internal/metric"
	"github.com/fyrsmithlabs/tempovec/pkg/store"
)

func setupTestServer(t *testing.T) *Server {
	t.Helper()
	st, err := store.Open(config.StoreConfig{
		Dimensions: 3,
		Metric:     string(metric.Cosine),
	}, store.WithSeed(42))
	require.NoError(t, err)

	srv, err := NewServer(st, nil, config.ServerConfig{Port: 0})
	require.NoError(t, err)
	return srv
}

func doJSON(t *testing.T, srv *Server, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func TestNewServerRequiresStore(t *testing.T) {
	_, err := NewServer(nil, nil, config.ServerConfig{})
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "store is required")
}

func TestHandleHealth(t *testing.T) {
	srv := setupTestServer(t)

	rec := doJSON(t, srv, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	resp := decode[HealthResponse](t, rec)
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, 0, resp.Records)
}

func TestHandleInsert(t *testing.T) {
	t.Run("inserts with explicit id", func(t *testing.T) {
		srv := setupTestServer(t)

		rec := doJSON(t, srv, http.MethodPost, "/api/v1/records", InsertRequest{
			ID:         "rec-1",
			Vector:     []float32{1, 0, 0},
			Importance: 0.7,
			Context:    "work",
		})
		require.Equal(t, http.StatusCreated, rec.Code)

		resp := decode[InsertResponse](t, rec)
		assert.Equal(t, "rec-1", resp.ID)
	})

	t.Run("generates uuid when id is empty", func(t *testing.T) {
		srv := setupTestServer(t)

		rec := doJSON(t, srv, http.MethodPost, "/api/v1/records", InsertRequest{
			Vector: []float32{1, 0, 0},
		})
		require.Equal(t, http.StatusCreated, rec.Code)

		resp := decode[InsertResponse](t, rec)
		_, err := uuid.Parse(resp.ID)
		assert.NoError(t, err)
	})

	t.Run("rejects duplicate id", func(t *testing.T) {
		srv := setupTestServer(t)

		body := InsertRequest{ID: "dup", Vector: []float32{1, 0, 0}}
		rec := doJSON(t, srv, http.MethodPost, "/api/v1/records", body)
		require.Equal(t, http.StatusCreated, rec.Code)

		rec = doJSON(t, srv, http.MethodPost, "/api/v1/records", body)
		assert.Equal(t, http.StatusConflict, rec.Code)
	})

	t.Run("rejects missing vector", func(t *testing.T) {
		srv := setupTestServer(t)

		rec := doJSON(t, srv, http.MethodPost, "/api/v1/records", InsertRequest{ID: "x"})
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("rejects wrong dimensionality", func(t *testing.T) {
		srv := setupTestServer(t)

		rec := doJSON(t, srv, http.MethodPost, "/api/v1/records", InsertRequest{
			ID:     "x",
			Vector: []float32{1, 0},
		})
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestHandleGet(t *testing.T) {
	srv := setupTestServer(t)

	insert := InsertRequest{
		ID:         "rec-1",
		Vector:     []float32{1, 0, 0},
		Importance: 0.7,
		Context:    "work",
		Metadata:   map[string]string{"k": "v"},
	}
	rec := doJSON(t, srv, http.MethodPost, "/api/v1/records", insert)
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = doJSON(t, srv, http.MethodGet, "/api/v1/records/rec-1", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	got := decode[RecordJSON](t, rec)
	assert.Equal(t, "rec-1", got.ID)
	assert.Equal(t, []float32{1, 0, 0}, got.Vector)
	assert.Equal(t, float32(0.7), got.Importance)
	assert.Equal(t, "work", got.Context)
	assert.Equal(t, map[string]string{"k": "v"}, got.Metadata)

	rec = doJSON(t, srv, http.MethodGet, "/api/v1/records/ghost", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandleDelete(t *testing.T) {
	srv := setupTestServer(t)

	rec := doJSON(t, srv, http.MethodPost, "/api/v1/records", InsertRequest{
		ID: "rec-1", Vector: []float32{1, 0, 0},
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = doJSON(t, srv, http.MethodDelete, "/api/v1/records/rec-1", nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = doJSON(t, srv, http.MethodGet, "/api/v1/records/rec-1", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = doJSON(t, srv, http.MethodDelete, "/api/v1/records/rec-1", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandleSearch(t *testing.T) {
	srv := setupTestServer(t)

	for _, ins := range []InsertRequest{
		{ID: "a", Vector: []float32{1, 0, 0}, Importance: 0.5},
		{ID: "b", Vector: []float32{0, 1, 0}, Importance: 0.5},
		{ID: "c", Vector: []float32{0, 0, 1}, Importance: 0.5, Context: "work"},
	} {
		rec := doJSON(t, srv, http.MethodPost, "/api/v1/records", ins)
		require.Equal(t, http.StatusCreated, rec.Code)
	}

	t.Run("nearest first", func(t *testing.T) {
		rec := doJSON(t, srv, http.MethodPost, "/api/v1/search", SearchRequest{
			Vector: []float32{1, 0, 0},
			K:      2,
		})
		require.Equal(t, http.StatusOK, rec.Code)

		hits := decode[[]SearchHit](t, rec)
		require.Len(t, hits, 2)
		assert.Equal(t, "a", hits[0].ID)
		assert.InDelta(t, 0, float64(hits[0].Distance), 1e-6)
	})

	t.Run("context filter", func(t *testing.T) {
		rec := doJSON(t, srv, http.MethodPost, "/api/v1/search", SearchRequest{
			Vector:  []float32{1, 0, 0},
			K:       5,
			Context: "work",
		})
		require.Equal(t, http.StatusOK, rec.Code)

		hits := decode[[]SearchHit](t, rec)
		require.Len(t, hits, 1)
		assert.Equal(t, "c", hits[0].ID)
	})

	t.Run("rejects non-positive k", func(t *testing.T) {
		rec := doJSON(t, srv, http.MethodPost, "/api/v1/search", SearchRequest{
			Vector: []float32{1, 0, 0},
		})
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("rejects zero vector under cosine", func(t *testing.T) {
		rec := doJSON(t, srv, http.MethodPost, "/api/v1/search", SearchRequest{
			Vector: []float32{0, 0, 0},
			K:      1,
		})
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestHandleRelated(t *testing.T) {
	srv := setupTestServer(t)

	for _, ins := range []InsertRequest{
		{ID: "a", Vector: []float32{1, 0, 0}},
		{ID: "b", Vector: []float32{0, 1, 0}, Relationships: []string{"a"}},
		{ID: "c", Vector: []float32{0, 0, 1}, Relationships: []string{"b"}},
	} {
		rec := doJSON(t, srv, http.MethodPost, "/api/v1/records", ins)
		require.Equal(t, http.StatusCreated, rec.Code)
	}

	rec := doJSON(t, srv, http.MethodGet, "/api/v1/records/c/related", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	recs := decode[[]RecordJSON](t, rec)
	require.Len(t, recs, 1)
	assert.Equal(t, "b", recs[0].ID)

	rec = doJSON(t, srv, http.MethodGet, "/api/v1/records/c/related?depth=2", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	recs = decode[[]RecordJSON](t, rec)
	require.Len(t, recs, 2)

	rec = doJSON(t, srv, http.MethodGet, "/api/v1/records/c/related?depth=zero", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doJSON(t, srv, http.MethodGet, "/api/v1/records/ghost/related", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandleCleanupAndStats(t *testing.T) {
	srv := setupTestServer(t)

	for _, ins := range []InsertRequest{
		{ID: "a", Vector: []float32{1, 0, 0}, Importance: 0.4, Context: "work"},
		{ID: "b", Vector: []float32{0, 1, 0}, Importance: 0.6, Context: "work"},
	} {
		rec := doJSON(t, srv, http.MethodPost, "/api/v1/records", ins)
		require.Equal(t, http.StatusCreated, rec.Code)
	}

	rec := doJSON(t, srv, http.MethodPost, "/api/v1/cleanup", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	cleanup := decode[CleanupResponse](t, rec)
	assert.Empty(t, cleanup.Evicted)
	assert.Empty(t, cleanup.Errors)

	rec = doJSON(t, srv, http.MethodGet, "/api/v1/stats", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	stats := decode[StatsResponse](t, rec)
	assert.Equal(t, 2, stats.Records)
	assert.InDelta(t, 0.5, float64(stats.MeanImportance), 1e-6)
	assert.Equal(t, map[string]int{"work": 2}, stats.Contexts)
}

func TestHandleContextEndpoints(t *testing.T) {
	srv := setupTestServer(t)

	for _, ins := range []InsertRequest{
		{ID: "a", Vector: []float32{1, 0, 0}, Importance: 0.4, Context: "notes"},
		{ID: "b", Vector: []float32{1, 0.001, 0}, Importance: 0.4, Context: "notes"},
		{ID: "keep", Vector: []float32{0, 0, 1}, Importance: 0.9, Context: "work"},
	} {
		rec := doJSON(t, srv, http.MethodPost, "/api/v1/records", ins)
		require.Equal(t, http.StatusCreated, rec.Code)
	}

	rec := doJSON(t, srv, http.MethodGet, "/api/v1/contexts/notes/summary", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	sum := decode[ContextSummaryResponse](t, rec)
	assert.Equal(t, "notes", sum.Context)
	assert.Equal(t, 2, sum.Records)

	rec = doJSON(t, srv, http.MethodGet, "/api/v1/contexts/ghost/summary", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = doJSON(t, srv, http.MethodPost, "/api/v1/contexts/notes/consolidate", ConsolidateRequest{Threshold: 0.05})
	require.Equal(t, http.StatusOK, rec.Code)
	cons := decode[ConsolidateResponse](t, rec)
	assert.Len(t, cons.Merged, 1)
	assert.ElementsMatch(t, []string{"a", "b"}, cons.Removed)

	rec = doJSON(t, srv, http.MethodDelete, "/api/v1/contexts/work", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	del := decode[DeleteContextResponse](t, rec)
	assert.Equal(t, []string{"keep"}, del.Deleted)

	rec = doJSON(t, srv, http.MethodGet, "/api/v1/records/keep", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
