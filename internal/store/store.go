package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	pgvector "github.com/pgvector/pgvector-go"
	"github.com/seanblong/semindex/pkg/models"
)

// ContentStore persists content units and answers similarity queries.
type ContentStore interface {
	Migrate(ctx context.Context, dim int) error
	Upsert(ctx context.Context, u models.ContentUnit) error
	Get(ctx context.Context, collectionKey, unitKey string) (models.ContentUnit, bool, error)
	DeleteCollection(ctx context.Context, collectionKey string) (int64, error)
	Count(ctx context.Context, collectionKey string) (int, error)
	Search(ctx context.Context, q models.SearchQuery) ([]models.SearchResult, error)
	ListCollections(ctx context.Context) ([]models.CollectionInfo, error)
	Ping(ctx context.Context) error
	Dim() int
}

// Store is the Postgres/pgvector implementation of ContentStore. It also
// persists indexing jobs.
type Store struct {
	pool *pgxpool.Pool
	dim  int
}

var _ ContentStore = (*Store)(nil)

// New creates a new Store connected to the given database URL. dim is the
// embedding dimension every stored vector must have.
func New(ctx context.Context, url string, dim int) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(url)
	if err != nil {
		return nil, err
	}
	p, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return &Store{pool: p, dim: dim}, nil
}

func (s *Store) Close() { s.pool.Close() }

func (s *Store) Dim() int { return s.dim }

// Migrate applies necessary database migrations and schema setup.
func (s *Store) Migrate(ctx context.Context, dim int) error {
	if dim <= 0 {
		return &models.ValidationError{Field: "dim", Reason: "must be positive"}
	}
	if err := s.checkDim(ctx, dim); err != nil {
		return err
	}
	s.dim = dim
	q := `
CREATE EXTENSION IF NOT EXISTS vector;

CREATE TABLE IF NOT EXISTS content_units (
  collection_key TEXT NOT NULL,
  unit_key       TEXT NOT NULL,
  content        TEXT NOT NULL DEFAULT '',
  category       TEXT NOT NULL DEFAULT '',
  name           TEXT NOT NULL DEFAULT '',
  line_start     INT  NOT NULL DEFAULT 0,
  line_end       INT  NOT NULL DEFAULT 0,
  chunk_index    INT  NOT NULL DEFAULT 0,
  chunk_total    INT  NOT NULL DEFAULT 0,
  thread_id      TEXT NOT NULL DEFAULT '',
  token_count    INT  NOT NULL DEFAULT 0,
  embedding      vector(%d),
  tags           TEXT[] NOT NULL DEFAULT '{}',
  metadata       JSONB NOT NULL DEFAULT '{}'::jsonb,
  content_hash   TEXT NOT NULL DEFAULT '',
  occurred_at    TIMESTAMP WITH TIME ZONE,
  created_at     TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT now(),
  updated_at     TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT now()
);

CREATE UNIQUE INDEX IF NOT EXISTS content_units_identity_uidx
  ON content_units (collection_key, unit_key);

CREATE INDEX IF NOT EXISTS content_units_category_idx
  ON content_units (category);

CREATE INDEX IF NOT EXISTS content_units_tags_gin
  ON content_units USING GIN (tags);

CREATE INDEX IF NOT EXISTS content_units_embedding_idx
  ON content_units USING hnsw (embedding vector_cosine_ops);

CREATE TABLE IF NOT EXISTS indexing_jobs (
  collection_key  TEXT PRIMARY KEY,
  run_id          TEXT NOT NULL DEFAULT '',
  status          TEXT NOT NULL DEFAULT 'pending',
  total_units     INT  NOT NULL DEFAULT 0,
  indexed_units   INT  NOT NULL DEFAULT 0,
  failed_units    INT  NOT NULL DEFAULT 0,
  progress_percentage INT NOT NULL DEFAULT 0,
  current_unit    TEXT NOT NULL DEFAULT '',
  started_at      TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT now(),
  completed_at    TIMESTAMP WITH TIME ZONE,
  duration_ms     BIGINT NOT NULL DEFAULT 0,
  error_message   TEXT NOT NULL DEFAULT '',
  updated_at      TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT now()
);
`
	_, err := s.pool.Exec(ctx, fmt.Sprintf(q, dim))
	return err
}

// checkDim compares dim with the declared size of an existing embedding
// column; pgvector stores it as the column's type modifier.
func (s *Store) checkDim(ctx context.Context, dim int) error {
	var typmod int
	err := s.pool.QueryRow(ctx, `
		SELECT atttypmod FROM pg_attribute
		WHERE attrelid = to_regclass('content_units')
		  AND attname = 'embedding' AND NOT attisdropped`).Scan(&typmod)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		return nil
	case err != nil:
		return fmt.Errorf("read embedding dimension: %w", err)
	}
	if typmod > 0 && typmod != dim {
		return &models.DimensionMismatchError{Expected: typmod, Actual: dim}
	}
	return nil
}

func (s *Store) validate(u models.ContentUnit) error {
	if err := models.ValidateIdentity(u.CollectionKey, u.UnitKey); err != nil {
		return err
	}
	if u.Embedding != nil {
		return models.CheckDim(u.Embedding, s.dim)
	}
	return nil
}

// Upsert inserts or updates a unit keyed by (collection_key, unit_key).
// created_at is only ever written by the insert branch.
func (s *Store) Upsert(ctx context.Context, u models.ContentUnit) error {
	if err := s.validate(u); err != nil {
		return err
	}

	var ev any
	if u.Embedding != nil {
		ev = pgvector.NewVector(u.Embedding)
	} else {
		ev = (*pgvector.Vector)(nil)
	}
	meta, err := marshalMetadata(u.Metadata)
	if err != nil {
		return err
	}
	tags := u.Tags
	if tags == nil {
		tags = []string{}
	}

	const q = `
		INSERT INTO content_units (
			collection_key, unit_key, content, category, name,
			line_start, line_end, chunk_index, chunk_total, thread_id,
			token_count, embedding, tags, metadata, content_hash, occurred_at,
			created_at, updated_at
		) VALUES (
			$1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16, now(), clock_timestamp()
		)
		ON CONFLICT (collection_key, unit_key) DO UPDATE SET
			content      = EXCLUDED.content,
			category     = EXCLUDED.category,
			name         = EXCLUDED.name,
			line_start   = EXCLUDED.line_start,
			line_end     = EXCLUDED.line_end,
			chunk_index  = EXCLUDED.chunk_index,
			chunk_total  = EXCLUDED.chunk_total,
			thread_id    = EXCLUDED.thread_id,
			token_count  = EXCLUDED.token_count,
			embedding    = EXCLUDED.embedding,
			tags         = EXCLUDED.tags,
			metadata     = EXCLUDED.metadata,
			content_hash = EXCLUDED.content_hash,
			occurred_at  = EXCLUDED.occurred_at,
			created_at   = content_units.created_at,
			updated_at   = GREATEST(clock_timestamp(), content_units.updated_at + interval '1 microsecond');`

	_, err = s.pool.Exec(ctx, q,
		u.CollectionKey, u.UnitKey, u.Content, u.Category, u.Name,
		u.Position.LineStart, u.Position.LineEnd, u.Position.ChunkIndex, u.Position.ChunkTotal, u.Position.ThreadID,
		u.TokenCount, ev, tags, meta, u.ContentHash, u.OccurredAt,
	)
	return err
}

const unitColumns = `collection_key, unit_key, content, category, name,
	line_start, line_end, chunk_index, chunk_total, thread_id,
	token_count, embedding::text, tags, metadata, content_hash, occurred_at,
	created_at, updated_at`

// Get retrieves a unit by identity. A missing unit is reported as found=false.
func (s *Store) Get(ctx context.Context, collectionKey, unitKey string) (models.ContentUnit, bool, error) {
	if err := models.ValidateIdentity(collectionKey, unitKey); err != nil {
		return models.ContentUnit{}, false, err
	}
	row := s.pool.QueryRow(ctx,
		`SELECT `+unitColumns+` FROM content_units WHERE collection_key = $1 AND unit_key = $2`,
		collectionKey, unitKey)
	u, err := scanUnit(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.ContentUnit{}, false, nil
		}
		return models.ContentUnit{}, false, err
	}
	return u, true, nil
}

func scanUnit(row pgx.Row) (models.ContentUnit, error) {
	var (
		u    models.ContentUnit
		vec  *string
		meta []byte
	)
	err := row.Scan(
		&u.CollectionKey, &u.UnitKey, &u.Content, &u.Category, &u.Name,
		&u.Position.LineStart, &u.Position.LineEnd, &u.Position.ChunkIndex, &u.Position.ChunkTotal, &u.Position.ThreadID,
		&u.TokenCount, &vec, &u.Tags, &meta, &u.ContentHash, &u.OccurredAt,
		&u.CreatedAt, &u.UpdatedAt,
	)
	if err != nil {
		return models.ContentUnit{}, err
	}
	if vec != nil {
		var v pgvector.Vector
		if err := v.Scan(*vec); err != nil {
			return models.ContentUnit{}, fmt.Errorf("decode embedding: %w", err)
		}
		u.Embedding = v.Slice()
	}
	if len(meta) > 0 {
		if err := json.Unmarshal(meta, &u.Metadata); err != nil {
			return models.ContentUnit{}, fmt.Errorf("decode metadata: %w", err)
		}
	}
	return u, nil
}

// DeleteCollection removes every unit of a collection. Deleting an empty or
// unknown collection succeeds with zero rows.
func (s *Store) DeleteCollection(ctx context.Context, collectionKey string) (int64, error) {
	if err := models.ValidateCollectionKey(collectionKey); err != nil {
		return 0, err
	}
	tag, err := s.pool.Exec(ctx, `DELETE FROM content_units WHERE collection_key = $1`, collectionKey)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// Count returns the number of stored units in a collection.
func (s *Store) Count(ctx context.Context, collectionKey string) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx, `SELECT count(*) FROM content_units WHERE collection_key = $1`, collectionKey).Scan(&n)
	return n, err
}

// ListCollections returns every collection with its unit count.
func (s *Store) ListCollections(ctx context.Context) ([]models.CollectionInfo, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT collection_key, count(*), max(updated_at)
		FROM content_units
		GROUP BY collection_key
		ORDER BY collection_key`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.CollectionInfo
	for rows.Next() {
		var c models.CollectionInfo
		if err := rows.Scan(&c.CollectionKey, &c.Units, &c.LastUpdated); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// Search ranks units passing the structural filters by cosine similarity.
// Filters, threshold and limit are applied by the same statement so the
// limit counts only rows that qualify.
func (s *Store) Search(ctx context.Context, q models.SearchQuery) ([]models.SearchResult, error) {
	if err := models.CheckDim(q.Embedding, s.dim); err != nil {
		return nil, err
	}
	if q.Limit <= 0 {
		return []models.SearchResult{}, nil
	}

	args := []any{pgvector.NewVector(q.Embedding), q.MinSimilarity()}
	ai := 3

	where := []string{"embedding IS NOT NULL", similarityExpr + " >= $2"}
	if len(q.Collections) > 0 {
		where = append(where, fmt.Sprintf("collection_key = ANY($%d)", ai))
		args = append(args, q.Collections)
		ai++
	}
	if len(q.Categories) > 0 {
		where = append(where, fmt.Sprintf("category = ANY($%d)", ai))
		args = append(args, q.Categories)
		ai++
	}
	if len(q.Tags) > 0 {
		where = append(where, fmt.Sprintf("tags @> $%d", ai))
		args = append(args, q.Tags)
		ai++
	}
	if q.From != nil {
		where = append(where, fmt.Sprintf("COALESCE(occurred_at, updated_at) >= $%d", ai))
		args = append(args, *q.From)
		ai++
	}
	if q.To != nil {
		where = append(where, fmt.Sprintf("COALESCE(occurred_at, updated_at) <= $%d", ai))
		args = append(args, *q.To)
		ai++
	}
	if q.Exclude != nil {
		where = append(where, fmt.Sprintf("NOT (collection_key = $%d AND unit_key = $%d)", ai, ai+1))
		args = append(args, q.Exclude.CollectionKey, q.Exclude.UnitKey)
		ai += 2
	}
	filtered := len(where) > 2
	args = append(args, q.Limit)

	sql := fmt.Sprintf(`
SELECT collection_key, unit_key, content, category, name,
       line_start, line_end, chunk_index, chunk_total, thread_id, tags,
       %s AS similarity
FROM content_units
WHERE %s
ORDER BY embedding <=> $1, collection_key, unit_key
LIMIT $%d;`, similarityExpr, strings.Join(where, " AND "), ai)

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{AccessMode: pgx.ReadOnly})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	// An HNSW scan only yields hnsw.ef_search candidates and filters them
	// afterwards. Structural filters therefore bypass the index so every
	// qualifying row is ranked; otherwise the candidate list is widened
	// to at least the limit.
	if filtered {
		if _, err := tx.Exec(ctx, `SET LOCAL enable_indexscan = off`); err != nil {
			return nil, err
		}
	} else if _, err := tx.Exec(ctx, fmt.Sprintf(`SET LOCAL hnsw.ef_search = %d`, efSearch(q.Limit))); err != nil {
		return nil, err
	}

	rows, err := tx.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []models.SearchResult{}
	for rows.Next() {
		var (
			r       models.SearchResult
			content string
		)
		if err := rows.Scan(
			&r.CollectionKey, &r.UnitKey, &content, &r.Category, &r.Name,
			&r.Position.LineStart, &r.Position.LineEnd, &r.Position.ChunkIndex, &r.Position.ChunkTotal, &r.Position.ThreadID,
			&r.Tags, &r.Similarity,
		); err != nil {
			return nil, err
		}
		r.Excerpt = models.Excerpt(content, models.ExcerptLen)
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// similarityExpr is cosine similarity clamped to [0, 1], the same score the
// embedded backend computes in Go.
const similarityExpr = `LEAST(GREATEST(1 - (embedding <=> $1), 0), 1)`

// efSearch bounds hnsw.ef_search to pgvector's accepted range.
func efSearch(limit int) int {
	switch {
	case limit < 40:
		return 40
	case limit > 1000:
		return 1000
	}
	return limit
}

// Ping checks the database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	return s.pool.Ping(ctx)
}

func marshalMetadata(m map[string]any) ([]byte, error) {
	if m == nil {
		return []byte("{}"), nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode metadata: %w", err)
	}
	return b, nil
}
