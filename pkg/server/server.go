// Package server provides the HTTP API for tempovec.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/tempovec/internal/config"
	"github.com/fyrsmithlabs/tempovec/internal/logging"
	"github.com/fyrsmithlabs/tempovec/pkg/store"
)

// Server exposes a Store over JSON HTTP.
type Server struct {
	echo   *echo.Echo
	store  *store.Store
	logger *logging.Logger
	cfg    config.ServerConfig
}

// NewServer creates the HTTP server. A nil logger discards output.
func NewServer(st *store.Store, logger *logging.Logger, cfg config.ServerConfig) (*Server, error) {
	if st == nil {
		return nil, fmt.Errorf("store is required")
	}
	if logger == nil {
		logger = logging.Nop()
	}
	logger = logger.Named("http")

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(NewMetrics(logger).Middleware())
	e.Use(func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)
			logger.Info(c.Request().Context(), "http request",
				zap.String("method", c.Request().Method),
				zap.String("uri", c.Request().RequestURI),
				zap.Int("status", c.Response().Status),
				zap.Duration("duration", time.Since(start)),
				zap.String("request_id", c.Response().Header().Get(echo.HeaderXRequestID)),
			)
			return err
		}
	})

	s := &Server{
		echo:   e,
		store:  st,
		logger: logger,
		cfg:    cfg,
	}
	s.registerRoutes()
	return s, nil
}

func (s *Server) registerRoutes() {
	s.echo.GET("/health", s.handleHealth)

	v1 := s.echo.Group("/api/v1")
	v1.POST("/records", s.handleInsert)
	v1.GET("/records/:id", s.handleGet)
	v1.DELETE("/records/:id", s.handleDelete)
	v1.GET("/records/:id/related", s.handleRelated)
	v1.POST("/search", s.handleSearch)
	v1.POST("/cleanup", s.handleCleanup)
	v1.GET("/stats", s.handleStats)
	v1.GET("/contexts/:name/summary", s.handleContextSummary)
	v1.POST("/contexts/:name/consolidate", s.handleConsolidate)
	v1.DELETE("/contexts/:name", s.handleDeleteContext)
}

// httpError maps store sentinel errors to HTTP status codes.
func httpError(err error) error {
	var status int
	switch {
	case errors.Is(err, store.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, store.ErrAlreadyExists):
		status = http.StatusConflict
	case errors.Is(err, store.ErrInvalidDimensions), errors.Is(err, store.ErrInvalidVector):
		status = http.StatusBadRequest
	case errors.Is(err, store.ErrTransientConflict):
		status = http.StatusServiceUnavailable
	case errors.Is(err, store.ErrDeadlineExceeded):
		status = http.StatusGatewayTimeout
	default:
		status = http.StatusInternalServerError
	}
	return echo.NewHTTPError(status, err.Error())
}

// RecordJSON is the wire form of a record.
type RecordJSON struct {
	ID            string            `json:"id"`
	Vector        []float32         `json:"vector"`
	CreatedAt     time.Time         `json:"created_at"`
	LastAccessed  time.Time         `json:"last_accessed"`
	AccessCount   uint32            `json:"access_count"`
	Importance    float32           `json:"importance"`
	Context       string            `json:"context,omitempty"`
	DecayRate     float32           `json:"decay_rate"`
	Relationships []string          `json:"relationships,omitempty"`
	Metadata      map[string]string `json:"metadata,omitempty"`
}

func toRecordJSON(rec store.Record) RecordJSON {
	return RecordJSON{
		ID:            rec.ID,
		Vector:        rec.Data,
		CreatedAt:     rec.Attrs.CreatedAt,
		LastAccessed:  rec.Attrs.LastAccessed,
		AccessCount:   rec.Attrs.AccessCount,
		Importance:    rec.Attrs.Importance,
		Context:       rec.Attrs.Context,
		DecayRate:     rec.Attrs.DecayRate,
		Relationships: rec.Attrs.Relationships,
		Metadata:      rec.Attrs.Metadata,
	}
}

// InsertRequest is the request body for POST /api/v1/records.
type InsertRequest struct {
	ID            string            `json:"id"`
	Vector        []float32         `json:"vector"`
	Importance    float32           `json:"importance"`
	Context       string            `json:"context"`
	DecayRate     float32           `json:"decay_rate"`
	Relationships []string          `json:"relationships"`
	Metadata      map[string]string `json:"metadata"`
}

// InsertResponse is the response body for POST /api/v1/records.
type InsertResponse struct {
	ID string `json:"id"`
}

func (s *Server) handleInsert(c echo.Context) error {
	var req InsertRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if len(req.Vector) == 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "vector field is required")
	}
	id := req.ID
	if id == "" {
		id = uuid.NewString()
	}
	attrs := store.Attributes{
		Importance:    req.Importance,
		Context:       req.Context,
		DecayRate:     req.DecayRate,
		Relationships: req.Relationships,
		Metadata:      req.Metadata,
	}
	if err := s.store.Insert(c.Request().Context(), id, req.Vector, attrs); err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, InsertResponse{ID: id})
}

func (s *Server) handleGet(c echo.Context) error {
	rec, err := s.store.Get(c.Param("id"))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, toRecordJSON(rec))
}

func (s *Server) handleDelete(c echo.Context) error {
	if err := s.store.Delete(c.Param("id")); err != nil {
		return httpError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) handleRelated(c echo.Context) error {
	depth := 1
	if raw := c.QueryParam("depth"); raw != "" {
		d, err := strconv.Atoi(raw)
		if err != nil || d < 1 {
			return echo.NewHTTPError(http.StatusBadRequest, "depth must be a positive integer")
		}
		depth = d
	}
	recs, err := s.store.Related(c.Param("id"), depth)
	if err != nil {
		return httpError(err)
	}
	out := make([]RecordJSON, len(recs))
	for i, rec := range recs {
		out[i] = toRecordJSON(rec)
	}
	return c.JSON(http.StatusOK, out)
}

// SearchRequest is the request body for POST /api/v1/search.
type SearchRequest struct {
	Vector         []float32 `json:"vector"`
	K              int       `json:"k"`
	Context        string    `json:"context"`
	TemporalWeight *float32  `json:"temporal_weight"`
	FrequencyBoost bool      `json:"frequency_boost"`
	EfSearch       int       `json:"ef_search"`
}

// SearchHit is one entry in the search response.
type SearchHit struct {
	ID       string  `json:"id"`
	Score    float32 `json:"score"`
	Distance float32 `json:"distance"`
}

func (s *Server) handleSearch(c echo.Context) error {
	var req SearchRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if len(req.Vector) == 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "vector field is required")
	}
	if req.K <= 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "k must be positive")
	}
	policy := store.SearchPolicy{
		EfSearch:       req.EfSearch,
		TemporalWeight: req.TemporalWeight,
		FrequencyBoost: req.FrequencyBoost,
	}

	var (
		hits []store.Hit
		err  error
	)
	if req.Context != "" {
		hits, err = s.store.SearchByContext(c.Request().Context(), req.Context, req.Vector, req.K, policy)
	} else {
		hits, err = s.store.Search(c.Request().Context(), req.Vector, req.K, policy)
	}
	if err != nil {
		return httpError(err)
	}

	out := make([]SearchHit, len(hits))
	for i, h := range hits {
		out[i] = SearchHit{ID: h.ID, Score: h.Score, Distance: h.Distance}
	}
	return c.JSON(http.StatusOK, out)
}

// CleanupResponse is the response body for POST /api/v1/cleanup.
type CleanupResponse struct {
	Evicted         []string `json:"evicted"`
	CapacityEvicted []string `json:"capacity_evicted"`
	Reindexed       int      `json:"reindexed"`
	Errors          []string `json:"errors,omitempty"`
}

func (s *Server) handleCleanup(c echo.Context) error {
	rep := s.store.Cleanup(c.Request().Context())
	resp := CleanupResponse{
		Evicted:         rep.Evicted,
		CapacityEvicted: rep.CapacityEvicted,
		Reindexed:       rep.Reindexed,
	}
	for _, err := range rep.Errors {
		resp.Errors = append(resp.Errors, err.Error())
	}
	return c.JSON(http.StatusOK, resp)
}

// StatsResponse is the response body for GET /api/v1/stats.
type StatsResponse struct {
	Records        int            `json:"records"`
	CapacityUsed   float64        `json:"capacity_used"`
	MeanImportance float32        `json:"mean_importance"`
	Contexts       map[string]int `json:"contexts"`
	TopConnected   []string       `json:"top_connected"`
}

func (s *Server) handleStats(c echo.Context) error {
	st := s.store.Stats()
	return c.JSON(http.StatusOK, StatsResponse{
		Records:        st.Records,
		CapacityUsed:   st.CapacityUsed,
		MeanImportance: st.MeanImportance,
		Contexts:       st.Contexts,
		TopConnected:   st.TopConnected,
	})
}

// ContextSummaryResponse is the response body for GET /api/v1/contexts/:name/summary.
type ContextSummaryResponse struct {
	Context        string    `json:"context"`
	Records        int       `json:"records"`
	MeanImportance float32   `json:"mean_importance"`
	Centroid       []float32 `json:"centroid"`
	TopRelated     []string  `json:"top_related"`
}

func (s *Server) handleContextSummary(c echo.Context) error {
	sum, err := s.store.ContextSummary(c.Param("name"))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, ContextSummaryResponse{
		Context:        sum.Context,
		Records:        sum.Records,
		MeanImportance: sum.MeanImportance,
		Centroid:       sum.Centroid,
		TopRelated:     sum.TopRelated,
	})
}

// ConsolidateRequest is the request body for POST /api/v1/contexts/:name/consolidate.
type ConsolidateRequest struct {
	Threshold float32 `json:"threshold"`
}

// ConsolidateResponse is the response body for POST /api/v1/contexts/:name/consolidate.
type ConsolidateResponse struct {
	Context string   `json:"context"`
	Merged  []string `json:"merged"`
	Removed []string `json:"removed"`
}

func (s *Server) handleConsolidate(c echo.Context) error {
	var req ConsolidateRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	rep, err := s.store.Consolidate(c.Request().Context(), c.Param("name"), req.Threshold)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, ConsolidateResponse{
		Context: rep.Context,
		Merged:  rep.Merged,
		Removed: rep.Removed,
	})
}

// DeleteContextResponse is the response body for DELETE /api/v1/contexts/:name.
type DeleteContextResponse struct {
	Deleted []string `json:"deleted"`
}

func (s *Server) handleDeleteContext(c echo.Context) error {
	deleted := s.store.DeleteContext(c.Param("name"))
	return c.JSON(http.StatusOK, DeleteContextResponse{Deleted: deleted})
}

// HealthResponse is the response body for GET /health.
type HealthResponse struct {
	Status  string `json:"status"`
	Records int    `json:"records"`
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, HealthResponse{Status: "ok", Records: s.store.Len()})
}

// Handler exposes the route tree for tests and embedding.
func (s *Server) Handler() http.Handler { return s.echo }

// Echo exposes the underlying echo instance so callers can mount extra
// routes, such as a metrics endpoint.
func (s *Server) Echo() *echo.Echo { return s.echo }

// Start serves HTTP on the configured port until Shutdown.
func (s *Server) Start() error {
	addr := fmt.Sprintf(":%d", s.cfg.Port)
	s.logger.Info(context.Background(), "starting http server", zap.String("addr", addr))
	return s.echo.Start(addr)
}

// Shutdown gracefully drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info(ctx, "shutting down http server")
	return s.echo.Shutdown(ctx)
}
