// Package sqlite is an embedded, single-file implementation of the content
// and job stores for local use and tests.
package sqlite

import (
	"context"
	"database/sql"
	"embed"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	_ "modernc.org/sqlite" // SQLite driver

	"github.com/seanblong/semindex/internal/store"
	"github.com/seanblong/semindex/internal/store/sqlite/migrations"
	"github.com/seanblong/semindex/pkg/models"
)

// Store keeps units and jobs in one SQLite file. Similarity is computed in
// Go over the rows that pass the SQL filters.
type Store struct {
	db   *sql.DB
	path string
	dim  int
	now  func() time.Time
}

var _ store.ContentStore = (*Store)(nil)

// NewStore opens (creating if needed) the database at path.
// If path is empty, defaults to ~/.semindex/data/index.db.
func NewStore(path string) (*Store, error) {
	if path == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("getting home directory: %w", err)
		}
		path = filepath.Join(home, ".semindex", "data", "index.db")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("creating data directory: %w", err)
	}

	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	// one writer at a time; also keeps every query on the same connection
	db.SetMaxOpenConns(1)

	s := &Store{db: db, path: path, now: time.Now}
	if err := s.migrate(migrations.FS); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Path returns the database file path.
func (s *Store) Path() string {
	return s.path
}

func (s *Store) Dim() int { return s.dim }

// migrate runs all pending schema migrations.
func (s *Store) migrate(fsys embed.FS) error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)
	`)
	if err != nil {
		return fmt.Errorf("creating schema_migrations table: %w", err)
	}

	var currentVersion int
	row := s.db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_migrations")
	if err := row.Scan(&currentVersion); err != nil {
		return fmt.Errorf("getting current version: %w", err)
	}

	entries, err := fs.ReadDir(fsys, ".")
	if err != nil {
		return fmt.Errorf("reading migrations directory: %w", err)
	}

	var upFiles []string
	for _, entry := range entries {
		if strings.HasSuffix(entry.Name(), ".up.sql") {
			upFiles = append(upFiles, entry.Name())
		}
	}
	sort.Strings(upFiles)

	for _, name := range upFiles {
		var version int
		if _, err := fmt.Sscanf(name, "%d_", &version); err != nil {
			continue
		}
		if version <= currentVersion {
			continue
		}
		content, err := fs.ReadFile(fsys, name)
		if err != nil {
			return fmt.Errorf("reading migration %s: %w", name, err)
		}
		if _, err := s.db.Exec(string(content)); err != nil {
			return fmt.Errorf("executing migration %s: %w", name, err)
		}
		if _, err := s.db.Exec("INSERT INTO schema_migrations (version) VALUES (?)", version); err != nil {
			return fmt.Errorf("recording migration %s: %w", name, err)
		}
	}
	return nil
}

// Migrate pins the embedding dimension of this database. Reopening a
// database with a different dimension fails.
func (s *Store) Migrate(ctx context.Context, dim int) error {
	if dim <= 0 {
		return &models.ValidationError{Field: "dim", Reason: "must be positive"}
	}
	var stored string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM store_meta WHERE key = 'dim'`).Scan(&stored)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		if _, err := s.db.ExecContext(ctx,
			`INSERT INTO store_meta (key, value) VALUES ('dim', ?)`, strconv.Itoa(dim)); err != nil {
			return fmt.Errorf("saving dimension: %w", err)
		}
	case err != nil:
		return fmt.Errorf("reading dimension: %w", err)
	default:
		existing, convErr := strconv.Atoi(stored)
		if convErr != nil {
			return fmt.Errorf("parsing stored dimension %q: %w", stored, convErr)
		}
		if existing != dim {
			return &models.DimensionMismatchError{Expected: existing, Actual: dim}
		}
	}
	s.dim = dim
	return nil
}

// Upsert inserts or overwrites a unit. created_at is kept from the first
// insert; updated_at strictly increases on every write.
func (s *Store) Upsert(ctx context.Context, u models.ContentUnit) error {
	if err := models.ValidateIdentity(u.CollectionKey, u.UnitKey); err != nil {
		return err
	}
	if u.Embedding != nil {
		if err := models.CheckDim(u.Embedding, s.dim); err != nil {
			return err
		}
	}
	tags, err := json.Marshal(nonNil(u.Tags))
	if err != nil {
		return fmt.Errorf("marshalling tags: %w", err)
	}
	meta := []byte("{}")
	if u.Metadata != nil {
		if meta, err = json.Marshal(u.Metadata); err != nil {
			return fmt.Errorf("marshalling metadata: %w", err)
		}
	}
	now := s.now().UnixNano()

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO content_units (
			collection_key, unit_key, content, category, name,
			line_start, line_end, chunk_index, chunk_total, thread_id,
			token_count, embedding, tags, metadata, content_hash, occurred_at,
			created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(collection_key, unit_key) DO UPDATE SET
			content = excluded.content,
			category = excluded.category,
			name = excluded.name,
			line_start = excluded.line_start,
			line_end = excluded.line_end,
			chunk_index = excluded.chunk_index,
			chunk_total = excluded.chunk_total,
			thread_id = excluded.thread_id,
			token_count = excluded.token_count,
			embedding = excluded.embedding,
			tags = excluded.tags,
			metadata = excluded.metadata,
			content_hash = excluded.content_hash,
			occurred_at = excluded.occurred_at,
			updated_at = MAX(excluded.updated_at, content_units.updated_at + 1)
	`, u.CollectionKey, u.UnitKey, u.Content, u.Category, u.Name,
		u.Position.LineStart, u.Position.LineEnd, u.Position.ChunkIndex, u.Position.ChunkTotal, u.Position.ThreadID,
		u.TokenCount, embeddingValue(u.Embedding), string(tags), string(meta), u.ContentHash, nullNanos(u.OccurredAt),
		now, now)
	if err != nil {
		return fmt.Errorf("saving unit: %w", err)
	}
	return nil
}

const unitColumns = `collection_key, unit_key, content, category, name,
	line_start, line_end, chunk_index, chunk_total, thread_id,
	token_count, embedding, tags, metadata, content_hash, occurred_at,
	created_at, updated_at`

// Get retrieves a unit; a missing unit is found=false with a nil error.
func (s *Store) Get(ctx context.Context, collectionKey, unitKey string) (models.ContentUnit, bool, error) {
	if err := models.ValidateIdentity(collectionKey, unitKey); err != nil {
		return models.ContentUnit{}, false, err
	}
	row := s.db.QueryRowContext(ctx,
		`SELECT `+unitColumns+` FROM content_units WHERE collection_key = ? AND unit_key = ?`,
		collectionKey, unitKey)
	u, err := scanUnit(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.ContentUnit{}, false, nil
		}
		return models.ContentUnit{}, false, err
	}
	return u, true, nil
}

// DeleteCollection removes every unit of a collection.
func (s *Store) DeleteCollection(ctx context.Context, collectionKey string) (int64, error) {
	if err := models.ValidateCollectionKey(collectionKey); err != nil {
		return 0, err
	}
	res, err := s.db.ExecContext(ctx, `DELETE FROM content_units WHERE collection_key = ?`, collectionKey)
	if err != nil {
		return 0, fmt.Errorf("deleting collection: %w", err)
	}
	return res.RowsAffected()
}

// Count returns the number of units in a collection.
func (s *Store) Count(ctx context.Context, collectionKey string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM content_units WHERE collection_key = ?`, collectionKey).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("counting units: %w", err)
	}
	return n, nil
}

// ListCollections returns every collection with its unit count.
func (s *Store) ListCollections(ctx context.Context) ([]models.CollectionInfo, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT collection_key, COUNT(*), MAX(updated_at)
		FROM content_units
		GROUP BY collection_key
		ORDER BY collection_key`)
	if err != nil {
		return nil, fmt.Errorf("listing collections: %w", err)
	}
	defer rows.Close()

	var out []models.CollectionInfo
	for rows.Next() {
		var (
			c       models.CollectionInfo
			updated int64
		)
		if err := rows.Scan(&c.CollectionKey, &c.Units, &updated); err != nil {
			return nil, fmt.Errorf("scanning collection: %w", err)
		}
		c.LastUpdated = time.Unix(0, updated).UTC()
		out = append(out, c)
	}
	return out, rows.Err()
}

// Search streams the rows that pass the structural filters, scores each one
// and keeps those at or above the threshold, then ranks and truncates.
func (s *Store) Search(ctx context.Context, q models.SearchQuery) ([]models.SearchResult, error) {
	if err := models.CheckDim(q.Embedding, s.dim); err != nil {
		return nil, err
	}
	if q.Limit <= 0 {
		return []models.SearchResult{}, nil
	}

	where := []string{"embedding IS NOT NULL"}
	var args []any
	if len(q.Collections) > 0 {
		where = append(where, "collection_key IN ("+placeholders(len(q.Collections))+")")
		for _, c := range q.Collections {
			args = append(args, c)
		}
	}
	if len(q.Categories) > 0 {
		where = append(where, "category IN ("+placeholders(len(q.Categories))+")")
		for _, c := range q.Categories {
			args = append(args, c)
		}
	}
	if q.From != nil {
		where = append(where, "COALESCE(occurred_at, updated_at) >= ?")
		args = append(args, q.From.UnixNano())
	}
	if q.To != nil {
		where = append(where, "COALESCE(occurred_at, updated_at) <= ?")
		args = append(args, q.To.UnixNano())
	}
	if q.Exclude != nil {
		where = append(where, "NOT (collection_key = ? AND unit_key = ?)")
		args = append(args, q.Exclude.CollectionKey, q.Exclude.UnitKey)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT collection_key, unit_key, content, category, name,
		       line_start, line_end, chunk_index, chunk_total, thread_id, tags, embedding
		FROM content_units
		WHERE `+strings.Join(where, " AND "), args...)
	if err != nil {
		return nil, fmt.Errorf("querying units: %w", err)
	}
	defer rows.Close()

	minSim := q.MinSimilarity()
	out := []models.SearchResult{}
	for rows.Next() {
		var (
			r        models.SearchResult
			content  string
			tagsJSON string
			blob     []byte
		)
		if err := rows.Scan(
			&r.CollectionKey, &r.UnitKey, &content, &r.Category, &r.Name,
			&r.Position.LineStart, &r.Position.LineEnd, &r.Position.ChunkIndex, &r.Position.ChunkTotal, &r.Position.ThreadID,
			&tagsJSON, &blob,
		); err != nil {
			return nil, fmt.Errorf("scanning unit: %w", err)
		}
		if err := json.Unmarshal([]byte(tagsJSON), &r.Tags); err != nil {
			return nil, fmt.Errorf("unmarshalling tags: %w", err)
		}
		if !hasAllTags(r.Tags, q.Tags) {
			continue
		}
		r.Similarity = store.Similarity(q.Embedding, bytesToFloat32Slice(blob))
		if r.Similarity < minSim {
			continue
		}
		r.Excerpt = models.Excerpt(content, models.ExcerptLen)
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating units: %w", err)
	}

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Similarity != out[j].Similarity {
			return out[i].Similarity > out[j].Similarity
		}
		if out[i].CollectionKey != out[j].CollectionKey {
			return out[i].CollectionKey < out[j].CollectionKey
		}
		return out[i].UnitKey < out[j].UnitKey
	})
	if len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

// Ping checks the database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	return s.db.PingContext(ctx)
}

// ==================== Helper Functions ====================

func scanUnit(row *sql.Row) (models.ContentUnit, error) {
	var (
		u          models.ContentUnit
		blob       []byte
		tagsJSON   string
		metaJSON   string
		occurredAt sql.NullInt64
		createdAt  int64
		updatedAt  int64
	)
	if err := row.Scan(
		&u.CollectionKey, &u.UnitKey, &u.Content, &u.Category, &u.Name,
		&u.Position.LineStart, &u.Position.LineEnd, &u.Position.ChunkIndex, &u.Position.ChunkTotal, &u.Position.ThreadID,
		&u.TokenCount, &blob, &tagsJSON, &metaJSON, &u.ContentHash, &occurredAt,
		&createdAt, &updatedAt,
	); err != nil {
		return models.ContentUnit{}, err
	}
	u.Embedding = bytesToFloat32Slice(blob)
	if err := json.Unmarshal([]byte(tagsJSON), &u.Tags); err != nil {
		return models.ContentUnit{}, fmt.Errorf("unmarshalling tags: %w", err)
	}
	if len(u.Tags) == 0 {
		u.Tags = nil
	}
	if metaJSON != "" && metaJSON != "{}" {
		if err := json.Unmarshal([]byte(metaJSON), &u.Metadata); err != nil {
			return models.ContentUnit{}, fmt.Errorf("unmarshalling metadata: %w", err)
		}
	}
	if occurredAt.Valid {
		t := time.Unix(0, occurredAt.Int64).UTC()
		u.OccurredAt = &t
	}
	u.CreatedAt = time.Unix(0, createdAt).UTC()
	u.UpdatedAt = time.Unix(0, updatedAt).UTC()
	return u, nil
}

// float32SliceToBytes converts a []float32 to a byte slice for storage.
func float32SliceToBytes(floats []float32) []byte {
	if len(floats) == 0 {
		return nil
	}
	buf := make([]byte, len(floats)*4)
	for i, f := range floats {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

// bytesToFloat32Slice converts a byte slice back to []float32.
func bytesToFloat32Slice(data []byte) []float32 {
	if len(data) == 0 {
		return nil
	}
	floats := make([]float32, len(data)/4)
	for i := range floats {
		floats[i] = math.Float32frombits(binary.LittleEndian.Uint32(data[i*4:]))
	}
	return floats
}

// embeddingValue binds a missing embedding as NULL rather than an empty blob.
func embeddingValue(v []float32) any {
	if len(v) == 0 {
		return nil
	}
	return float32SliceToBytes(v)
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func hasAllTags(have, want []string) bool {
	for _, w := range want {
		found := false
		for _, h := range have {
			if h == w {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func nullNanos(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixNano()
}
