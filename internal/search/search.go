package search

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/seanblong/semindex/internal/ai"
	"github.com/seanblong/semindex/internal/metrics"
	"github.com/seanblong/semindex/internal/store"
	"github.com/seanblong/semindex/pkg/models"
)

const (
	DefaultThreshold = 0.5
	DefaultLimit     = 10
	MaxLimit         = 100
)

// Service answers similarity queries against a content store.
type Service struct {
	Store    store.ContentStore
	Embedder ai.Embedder
	Metrics  metrics.Recorder

	// DefaultThreshold and DefaultLimit apply when a query leaves them unset.
	// A zero threshold admits every match; a zero limit falls back to
	// DefaultLimit.
	DefaultThreshold float64
	DefaultLimit     int
}

// NewService creates a new search service. embedder may be nil when callers
// only submit pre-computed probe vectors.
func NewService(s store.ContentStore, embedder ai.Embedder) *Service {
	return &Service{
		Store:            s,
		Embedder:         embedder,
		Metrics:          metrics.Noop{},
		DefaultThreshold: DefaultThreshold,
		DefaultLimit:     DefaultLimit,
	}
}

// Search returns the units most similar to q.Embedding, best first.
func (s *Service) Search(ctx context.Context, q models.SearchQuery) ([]models.SearchResult, error) {
	start := time.Now()
	res, err := s.search(ctx, q)
	s.recorder().RecordSearch(len(res), time.Since(start), err)
	return res, err
}

func (s *Service) search(ctx context.Context, q models.SearchQuery) ([]models.SearchResult, error) {
	q, err := s.normalize(q)
	if err != nil {
		return nil, err
	}
	res, err := s.Store.Search(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("search store: %w", err)
	}
	if res == nil {
		res = []models.SearchResult{}
	}
	log.Debug().Strs("collections", q.Collections).Float64("threshold", q.MinSimilarity()).
		Int("limit", q.Limit).Int("results", len(res)).Msg("search")
	return res, nil
}

// Query embeds text and searches with it as the probe.
func (s *Service) Query(ctx context.Context, text string, q models.SearchQuery) ([]models.SearchResult, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, &models.ValidationError{Field: "query", Reason: "must not be empty"}
	}
	if s.Embedder == nil {
		return nil, fmt.Errorf("query %q: no embedder configured", text)
	}
	t0 := time.Now()
	vec, err := ai.EmbedQuery(ctx, s.Embedder, text)
	s.recorder().RecordEmbed(time.Since(t0), err)
	if err != nil {
		log.Error().Err(err).Str("query", text).Msg("embedding failed")
		return nil, fmt.Errorf("embed query: %w", err)
	}
	q.Embedding = vec
	return s.Search(ctx, q)
}

// Similar finds units resembling a stored one, leaving the unit itself out.
func (s *Service) Similar(ctx context.Context, collectionKey, unitKey string, q models.SearchQuery) ([]models.SearchResult, error) {
	if err := models.ValidateIdentity(collectionKey, unitKey); err != nil {
		return nil, err
	}
	u, found, err := s.Store.Get(ctx, collectionKey, unitKey)
	if err != nil {
		return nil, fmt.Errorf("get %s:%s: %w", collectionKey, unitKey, err)
	}
	if !found {
		return nil, fmt.Errorf("%s:%s: %w", collectionKey, unitKey, models.ErrUnitNotFound)
	}
	if len(u.Embedding) == 0 {
		return nil, &models.ValidationError{Field: "unit", Reason: "has no stored embedding"}
	}
	id := u.Identity()
	q.Embedding = u.Embedding
	q.Exclude = &id
	return s.Search(ctx, q)
}

// normalize validates q and fills in the threshold and limit defaults.
func (s *Service) normalize(q models.SearchQuery) (models.SearchQuery, error) {
	if len(q.Embedding) == 0 {
		return q, &models.ValidationError{Field: "embedding", Reason: "must not be empty"}
	}
	if err := models.CheckDim(q.Embedding, s.Store.Dim()); err != nil {
		return q, err
	}

	if q.Threshold == nil {
		t := s.DefaultThreshold
		q.Threshold = &t
	} else if *q.Threshold < 0 || *q.Threshold > 1 {
		return q, &models.ValidationError{Field: "threshold", Reason: "must be within [0, 1]"}
	}

	switch {
	case q.Limit < 0:
		return q, &models.ValidationError{Field: "limit", Reason: "must not be negative"}
	case q.Limit == 0:
		q.Limit = s.DefaultLimit
		if q.Limit <= 0 {
			q.Limit = DefaultLimit
		}
	}
	if q.Limit > MaxLimit {
		q.Limit = MaxLimit
	}

	if q.From != nil && q.To != nil && q.From.After(*q.To) {
		return q, &models.ValidationError{Field: "from", Reason: "is after to"}
	}
	return q, nil
}

func (s *Service) recorder() metrics.Recorder {
	if s.Metrics == nil {
		return metrics.Noop{}
	}
	return s.Metrics
}
