package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/seanblong/semindex/internal/ai"
	"github.com/seanblong/semindex/internal/indexer"
	"github.com/seanblong/semindex/internal/metrics"
	"github.com/seanblong/semindex/internal/search"
	"github.com/seanblong/semindex/internal/store"
	"github.com/seanblong/semindex/internal/store/sqlite"
	"github.com/seanblong/semindex/internal/tracker"
	"github.com/seanblong/semindex/pkg/models"
)

func init() {
	zerolog.SetGlobalLevel(zerolog.Disabled)
}

const testDim = 32

// MockContentStore lets a test fail Ping while delegating everything else.
type MockContentStore struct {
	store.ContentStore
	PingFunc func(ctx context.Context) error
}

func (m *MockContentStore) Ping(ctx context.Context) error {
	if m.PingFunc != nil {
		return m.PingFunc(ctx)
	}
	return m.ContentStore.Ping(ctx)
}

type testServer struct {
	*httptest.Server
	store *MockContentStore
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	db, err := sqlite.NewStore(filepath.Join(t.TempDir(), "index.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, db.Migrate(context.Background(), testDim))

	st := &MockContentStore{ContentStore: db}
	emb := ai.NewStubClient(testDim)
	tr := tracker.New(db)
	prom := metrics.NewPrometheus()

	p := indexer.New(st, tr, emb)
	p.Metrics = prom
	svc := search.NewService(st, emb)
	svc.Metrics = prom

	s := &Server{Store: st, Pipeline: p, Search: svc, Tracker: tr, Metrics: prom.Handler()}
	ts := httptest.NewServer(s.Handler(zerolog.Nop()))
	t.Cleanup(ts.Close)
	return &testServer{Server: ts, store: st}
}

func (ts *testServer) do(t *testing.T, method, path string, body any) *http.Response {
	t.Helper()
	var rd *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(b)
	} else {
		rd = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, ts.URL+path, rd)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	resp, err := ts.Client().Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decodeBody[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func units(coll string, texts ...string) []models.ContentUnit {
	out := make([]models.ContentUnit, len(texts))
	for i, text := range texts {
		out[i] = models.ContentUnit{
			CollectionKey: coll,
			UnitKey:       fmt.Sprintf("doc-%d", i),
			Content:       text,
			Category:      "note",
		}
	}
	return out
}

func TestServer_IngestSearchStatus(t *testing.T) {
	ts := newTestServer(t)
	const coll = "acme/widgets@main"

	resp := ts.do(t, http.MethodPost, "/ingest", ingestRequest{
		Collection: coll,
		Units:      units(coll, "reset a forgotten password", "monthly invoice totals", "password rotation policy"),
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	res := decodeBody[models.IngestResult](t, resp)
	assert.Equal(t, 3, res.SuccessfulCount)
	assert.Zero(t, res.FailedCount)
	assert.NotEmpty(t, res.RunID)

	resp = ts.do(t, http.MethodPost, "/search", searchRequest{Query: "reset a forgotten password", Collections: []string{coll}})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	results := decodeBody[[]models.SearchResult](t, resp)
	require.NotEmpty(t, results)
	assert.Equal(t, "doc-0", results[0].UnitKey)

	zero := 0.0
	resp = ts.do(t, http.MethodPost, "/search", searchRequest{
		SimilarTo: &models.UnitIdentity{CollectionKey: coll, UnitKey: "doc-0"},
		Threshold: &zero,
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	for _, r := range decodeBody[[]models.SearchResult](t, resp) {
		assert.NotEqual(t, "doc-0", r.UnitKey)
	}

	resp = ts.do(t, http.MethodGet, "/status?collection="+coll, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	snap := decodeBody[models.JobSnapshot](t, resp)
	assert.True(t, snap.Exists)
	assert.Equal(t, models.JobCompleted, snap.Status)
	assert.Equal(t, 100, snap.ProgressPercentage)

	resp = ts.do(t, http.MethodGet, "/collections", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	cols := decodeBody[[]models.CollectionInfo](t, resp)
	require.Len(t, cols, 1)
	assert.Equal(t, 3, cols[0].Units)

	resp = ts.do(t, http.MethodDelete, "/collections?collection="+coll, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, map[string]int64{"deleted": 3}, decodeBody[map[string]int64](t, resp))

	resp = ts.do(t, http.MethodGet, "/status?collection="+coll, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	snap = decodeBody[models.JobSnapshot](t, resp)
	assert.False(t, snap.Exists)
	assert.Equal(t, models.JobPending, snap.Status)
}

func TestServer_SearchNoMatchesIsEmptyArray(t *testing.T) {
	ts := newTestServer(t)
	resp := ts.do(t, http.MethodPost, "/search", searchRequest{Query: "anything"})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var raw json.RawMessage
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&raw))
	assert.JSONEq(t, "[]", string(raw))
}

func TestServer_Errors(t *testing.T) {
	ts := newTestServer(t)

	tests := []struct {
		name   string
		method string
		path   string
		body   any
		want   int
	}{
		{"empty collection", http.MethodPost, "/ingest", ingestRequest{}, http.StatusBadRequest},
		{"unknown field", http.MethodPost, "/search", map[string]any{"bogus": 1}, http.StatusBadRequest},
		{"wrong dimension", http.MethodPost, "/search", searchRequest{Embedding: []float32{1, 0}}, http.StatusBadRequest},
		{"no probe", http.MethodPost, "/search", searchRequest{}, http.StatusBadRequest},
		{"similar to missing unit", http.MethodPost, "/search", searchRequest{SimilarTo: &models.UnitIdentity{CollectionKey: "c", UnitKey: "nope"}}, http.StatusNotFound},
		{"status without collection", http.MethodGet, "/status", nil, http.StatusBadRequest},
		{"delete without collection", http.MethodDelete, "/collections", nil, http.StatusBadRequest},
		{"wrong method", http.MethodGet, "/ingest", nil, http.StatusMethodNotAllowed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := ts.do(t, tt.method, tt.path, tt.body)
			assert.Equal(t, tt.want, resp.StatusCode)
		})
	}
}

func TestServer_StoreUnavailable(t *testing.T) {
	ts := newTestServer(t)
	ts.store.PingFunc = func(ctx context.Context) error { return errors.New("connection refused") }

	resp := ts.do(t, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	resp = ts.do(t, http.MethodPost, "/ingest", ingestRequest{Collection: "c", Units: units("c", "x")})
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestServer_Metrics(t *testing.T) {
	ts := newTestServer(t)
	ts.do(t, http.MethodPost, "/ingest", ingestRequest{Collection: "c", Units: units("c", "hello world")})

	resp := ts.do(t, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var buf bytes.Buffer
	_, err := buf.ReadFrom(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, buf.String(), `semindex_ingest_runs_total{status="completed"} 1`)
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{&models.ValidationError{Field: "x", Reason: "y"}, http.StatusBadRequest},
		{&models.DimensionMismatchError{Expected: 3, Actual: 2}, http.StatusBadRequest},
		{fmt.Errorf("wrapped: %w", models.ErrIngestInProgress), http.StatusConflict},
		{fmt.Errorf("run r1 is completed: %w", models.ErrJobFinalized), http.StatusConflict},
		{&models.SystemicError{Op: "ping store", Err: models.ErrStoreUnavailable}, http.StatusServiceUnavailable},
		{models.ErrUnitNotFound, http.StatusNotFound},
		{context.DeadlineExceeded, http.StatusGatewayTimeout},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		if got := statusFor(tt.err); got != tt.want {
			t.Errorf("statusFor(%v) = %d, want %d", tt.err, got, tt.want)
		}
	}
}
