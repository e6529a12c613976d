package models

import "time"

// Position locates a unit inside its source: a line span for code, a chunk
// ordinal for split documents, a thread for mail.
type Position struct {
	LineStart  int    `json:"line_start,omitempty"`
	LineEnd    int    `json:"line_end,omitempty"`
	ChunkIndex int    `json:"chunk_index,omitempty"`
	ChunkTotal int    `json:"chunk_total,omitempty"`
	ThreadID   string `json:"thread_id,omitempty"`
}

// UnitIdentity is the unique key of a stored unit.
type UnitIdentity struct {
	CollectionKey string `json:"collection_key"`
	UnitKey       string `json:"unit_key"`
}

func (id UnitIdentity) String() string {
	return id.CollectionKey + ":" + id.UnitKey
}

// ContentUnit is one indexable fragment as persisted by a content store.
type ContentUnit struct {
	CollectionKey string         `json:"collection_key"`
	UnitKey       string         `json:"unit_key"`
	Content       string         `json:"content"`
	Category      string         `json:"category"`
	Name          string         `json:"name,omitempty"`
	Position      Position       `json:"position"`
	TokenCount    int            `json:"token_count,omitempty"`
	Embedding     []float32      `json:"embedding,omitempty"`
	Tags          []string       `json:"tags,omitempty"`
	Metadata      map[string]any `json:"metadata,omitempty"`
	ContentHash   string         `json:"content_hash,omitempty"`
	OccurredAt    *time.Time     `json:"occurred_at,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
}

// Identity returns the unit's unique key.
func (u ContentUnit) Identity() UnitIdentity {
	return UnitIdentity{CollectionKey: u.CollectionKey, UnitKey: u.UnitKey}
}

// SearchQuery describes one similarity lookup. Empty filter slices mean
// "no restriction". Threshold is a pointer so that an explicit zero can be
// told apart from "use the default".
type SearchQuery struct {
	Embedding   []float32  `json:"embedding,omitempty"`
	Collections []string   `json:"collections,omitempty"`
	Categories  []string   `json:"categories,omitempty"`
	Tags        []string   `json:"tags,omitempty"`
	From        *time.Time `json:"from,omitempty"`
	To          *time.Time `json:"to,omitempty"`
	Threshold   *float64   `json:"threshold,omitempty"`
	Limit       int        `json:"limit,omitempty"`

	// Exclude drops a single identity from the results (used by "more like this").
	Exclude *UnitIdentity `json:"-"`
}

// MinSimilarity returns the effective threshold.
func (q SearchQuery) MinSimilarity() float64 {
	if q.Threshold == nil {
		return 0
	}
	return *q.Threshold
}

type SearchResult struct {
	CollectionKey string   `json:"collection_key"`
	UnitKey       string   `json:"unit_key"`
	Excerpt       string   `json:"excerpt"`
	Category      string   `json:"category"`
	Name          string   `json:"name,omitempty"`
	Position      Position `json:"position"`
	Tags          []string `json:"tags,omitempty"`
	Similarity    float64  `json:"similarity"`
}

// CollectionInfo summarizes a stored collection.
type CollectionInfo struct {
	CollectionKey string    `json:"collection_key"`
	Units         int       `json:"units"`
	LastUpdated   time.Time `json:"last_updated"`
}

// ExcerptLen bounds SearchResult.Excerpt.
const ExcerptLen = 400

// Excerpt shortens content to at most n bytes without splitting a UTF-8
// rune and marks the cut with an ellipsis.
func Excerpt(content string, n int) string {
	if len(content) <= n {
		return content
	}
	return Truncate(content, n) + "…"
}
