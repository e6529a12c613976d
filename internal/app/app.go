// Package app assembles the store, embedder, tracker, pipeline and search
// service described by a configuration.
package app

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/seanblong/semindex/internal/ai"
	"github.com/seanblong/semindex/internal/config"
	"github.com/seanblong/semindex/internal/indexer"
	"github.com/seanblong/semindex/internal/lock"
	"github.com/seanblong/semindex/internal/metrics"
	"github.com/seanblong/semindex/internal/search"
	"github.com/seanblong/semindex/internal/store"
	"github.com/seanblong/semindex/internal/store/sqlite"
	"github.com/seanblong/semindex/internal/tracker"
)

// persistence is implemented by both store backends.
type persistence interface {
	store.ContentStore
	tracker.JobStore
}

type App struct {
	Store    store.ContentStore
	Embedder ai.Embedder
	Tracker  *tracker.Tracker
	Pipeline *indexer.Pipeline
	Search   *search.Service
	Metrics  *metrics.Prometheus

	closers []func() error
}

// ClientConfig maps the provider settings of cfg to an embedder config.
func ClientConfig(cfg config.Specification) (*ai.ClientConfig, error) {
	c := &ai.ClientConfig{
		APIKey:     cfg.APIKey,
		EmbedModel: cfg.EmbedModel,
		Dim:        cfg.Dim,
		ProjectID:  cfg.ProjectID,
		Location:   cfg.Location,
		BaseURL:    cfg.BaseURL,
	}
	switch strings.ToLower(cfg.Provider) {
	case "openai":
		c.Provider = ai.ProviderOpenAI
	case "vertexai", "google":
		c.Provider = ai.ProviderVertexAI
	case "ollama":
		c.Provider = ai.ProviderOllama
	case "stub", "":
		c.Provider = ai.ProviderStub
	default:
		return nil, fmt.Errorf("unsupported provider: %s", cfg.Provider)
	}
	return c, nil
}

// New opens the configured backend, migrates it to the embedder's dimension
// and wires the services on top. Callers must Close the App.
func New(ctx context.Context, cfg config.Specification) (*App, error) {
	clientConfig, err := ClientConfig(cfg)
	if err != nil {
		return nil, err
	}
	emb, err := ai.NewEmbedder(ctx, clientConfig)
	if err != nil {
		return nil, fmt.Errorf("create embedder: %w", err)
	}
	dim := emb.Dim()
	if dim <= 0 {
		return nil, errors.New("embedding dimension must be set")
	}
	log.Info().Str("provider", string(clientConfig.Provider)).Int("embedding_dim", dim).Msg("embedder initialized")

	a := &App{Embedder: emb, Metrics: metrics.NewPrometheus()}

	st, err := a.openStore(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if err := st.Migrate(ctx, dim); err != nil {
		a.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	a.Store = st

	a.Tracker = tracker.New(st)
	if cfg.StaleAfter > 0 {
		a.Tracker.StaleAfter = cfg.StaleAfter
	}

	p := indexer.New(st, a.Tracker, emb)
	p.Metrics = a.Metrics
	if cfg.BatchSize > 0 {
		p.BatchSize = cfg.BatchSize
	}
	if cfg.EmbedConcurrency > 0 {
		p.EmbedConcurrency = cfg.EmbedConcurrency
	}
	p.Limiter = indexer.NewLimiter(cfg.EmbedRPS)
	if cfg.RedisAddr != "" {
		rl, err := lock.NewRedis(ctx, cfg.RedisAddr, cfg.LockTTL)
		if err != nil {
			a.Close()
			return nil, err
		}
		a.closers = append(a.closers, rl.Close)
		p.Locker = rl
		log.Info().Str("addr", cfg.RedisAddr).Msg("using redis ingest lock")
	}
	a.Pipeline = p

	svc := search.NewService(st, emb)
	svc.Metrics = a.Metrics
	svc.DefaultThreshold = cfg.Search.Threshold
	if cfg.Search.Limit > 0 {
		svc.DefaultLimit = cfg.Search.Limit
	}
	a.Search = svc
	return a, nil
}

func (a *App) openStore(ctx context.Context, cfg config.Specification) (persistence, error) {
	switch cfg.Backend {
	case config.BackendPostgres:
		st, err := store.New(ctx, cfg.Database, 0)
		if err != nil {
			return nil, fmt.Errorf("connect to database: %w", err)
		}
		a.closers = append(a.closers, func() error { st.Close(); return nil })
		log.Info().Str("backend", cfg.Backend).Msg("store opened")
		return st, nil
	case config.BackendSQLite, "":
		path := ""
		if cfg.DataDir != "" {
			path = filepath.Join(cfg.DataDir, "index.db")
		}
		st, err := sqlite.NewStore(path)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, st.Close)
		log.Info().Str("backend", config.BackendSQLite).Str("path", st.Path()).Msg("store opened")
		return st, nil
	default:
		return nil, fmt.Errorf("unsupported backend: %s", cfg.Backend)
	}
}

// Close releases everything New opened, newest first.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
