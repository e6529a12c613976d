// Package api exposes ingest, search and job status over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"

	"github.com/seanblong/semindex/internal/indexer"
	"github.com/seanblong/semindex/internal/search"
	"github.com/seanblong/semindex/internal/store"
	"github.com/seanblong/semindex/internal/tracker"
	"github.com/seanblong/semindex/pkg/models"
)

const maxBodyBytes = 32 << 20

// Server wires the HTTP routes to the pipeline, search service and tracker.
type Server struct {
	Store    store.ContentStore
	Pipeline *indexer.Pipeline
	Search   *search.Service
	Tracker  *tracker.Tracker

	// Metrics serves /metrics when set.
	Metrics http.Handler

	SearchTimeout time.Duration
}

type ingestRequest struct {
	Collection string               `json:"collection"`
	Units      []models.ContentUnit `json:"units"`
}

type searchRequest struct {
	Embedding   []float32            `json:"embedding,omitempty"`
	Query       string               `json:"query,omitempty"`
	SimilarTo   *models.UnitIdentity `json:"similar_to,omitempty"`
	Collections []string             `json:"collections,omitempty"`
	Categories  []string             `json:"categories,omitempty"`
	Tags        []string             `json:"tags,omitempty"`
	From        *time.Time           `json:"from,omitempty"`
	To          *time.Time           `json:"to,omitempty"`
	Threshold   *float64             `json:"threshold,omitempty"`
	Limit       int                  `json:"limit,omitempty"`
}

func (r searchRequest) query() models.SearchQuery {
	return models.SearchQuery{
		Embedding:   r.Embedding,
		Collections: r.Collections,
		Categories:  r.Categories,
		Tags:        r.Tags,
		From:        r.From,
		To:          r.To,
		Threshold:   r.Threshold,
		Limit:       r.Limit,
	}
}

// Routes registers every endpoint on a new mux.
func (s *Server) Routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.healthz)
	mux.HandleFunc("POST /ingest", s.ingest)
	mux.HandleFunc("POST /search", s.search)
	mux.HandleFunc("GET /status", s.status)
	mux.HandleFunc("GET /collections", s.listCollections)
	mux.HandleFunc("DELETE /collections", s.deleteCollection)
	if s.Metrics != nil {
		mux.Handle("GET /metrics", s.Metrics)
	}
	return mux
}

// Handler wraps Routes with request-scoped logging.
func (s *Server) Handler(logger zerolog.Logger) http.Handler {
	return hlog.NewHandler(logger)(
		hlog.AccessHandler(func(r *http.Request, status, size int, dur time.Duration) {
			logger.Info().Str("method", r.Method).Str("path", r.URL.Path).Int("status", status).Int("size", size).Dur("dur", dur).Msg("http")
		})(s.Routes()),
	)
}

func (s *Server) healthz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()
	if err := s.Store.Ping(ctx); err != nil {
		writeError(w, r, fmt.Errorf("%w: %v", models.ErrStoreUnavailable, err))
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) ingest(w http.ResponseWriter, r *http.Request) {
	var req ingestRequest
	if err := decode(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	items := make([]models.Indexable, len(req.Units))
	for i, u := range req.Units {
		items[i] = models.Prebuilt(u)
	}

	res, err := s.Pipeline.Ingest(r.Context(), req.Collection, items)
	if err != nil {
		writeError(w, r, err)
		return
	}
	hlog.FromRequest(r).Info().Str("collection", res.CollectionKey).Int("indexed", res.SuccessfulCount).
		Int("failed", res.FailedCount).Msg("ingested")
	writeJSON(w, r, http.StatusOK, res)
}

func (s *Server) search(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	var req searchRequest
	if err := decode(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}

	timeout := s.SearchTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	ctx, cancel := context.WithTimeout(r.Context(), timeout)
	defer cancel()

	var (
		res []models.SearchResult
		err error
	)
	switch {
	case req.SimilarTo != nil:
		res, err = s.Search.Similar(ctx, req.SimilarTo.CollectionKey, req.SimilarTo.UnitKey, req.query())
	case len(req.Embedding) == 0 && strings.TrimSpace(req.Query) != "":
		res, err = s.Search.Query(ctx, req.Query, req.query())
	default:
		res, err = s.Search.Search(ctx, req.query())
	}
	if err != nil {
		writeError(w, r, err)
		return
	}
	if res == nil {
		res = []models.SearchResult{}
	}

	hlog.FromRequest(r).Info().Str("path", "/search").Int("results", len(res)).Dur("dur", time.Since(start)).Msg("served")
	writeJSON(w, r, http.StatusOK, res)
}

func (s *Server) status(w http.ResponseWriter, r *http.Request) {
	snap, err := s.Tracker.Status(r.Context(), r.URL.Query().Get("collection"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, snap)
}

func (s *Server) listCollections(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	cols, err := s.Store.ListCollections(ctx)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if cols == nil {
		cols = []models.CollectionInfo{}
	}
	writeJSON(w, r, http.StatusOK, cols)
}

func (s *Server) deleteCollection(w http.ResponseWriter, r *http.Request) {
	key := r.URL.Query().Get("collection")
	if err := models.ValidateCollectionKey(key); err != nil {
		writeError(w, r, err)
		return
	}
	n, err := s.Store.DeleteCollection(r.Context(), key)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if err := s.Tracker.Reset(r.Context(), key); err != nil {
		hlog.FromRequest(r).Warn().Err(err).Str("collection", key).Msg("job reset failed")
	}
	writeJSON(w, r, http.StatusOK, map[string]int64{"deleted": n})
}

func decode(w http.ResponseWriter, r *http.Request, into any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(into); err != nil {
		return &models.ValidationError{Field: "body", Reason: err.Error()}
	}
	return nil
}

// statusFor maps domain errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, models.ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, models.ErrUnitNotFound), errors.Is(err, models.ErrJobNotFound):
		return http.StatusNotFound
	case errors.Is(err, models.ErrIngestInProgress), errors.Is(err, models.ErrStaleRun),
		errors.Is(err, models.ErrJobFinalized):
		return http.StatusConflict
	case errors.Is(err, models.ErrStoreUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	code := statusFor(err)
	ev := hlog.FromRequest(r).Warn()
	if code >= http.StatusInternalServerError {
		ev = hlog.FromRequest(r).Error()
	}
	ev.Err(err).Int("status", code).Msg("request failed")
	writeJSON(w, r, code, map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, r *http.Request, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		hlog.FromRequest(r).Error().Err(err).Msg("failed to encode response")
	}
}
