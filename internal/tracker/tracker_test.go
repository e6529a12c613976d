package tracker

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/seanblong/semindex/internal/store/sqlite"
	"github.com/seanblong/semindex/pkg/models"
)

func init() {
	zerolog.SetGlobalLevel(zerolog.Disabled)
}

// MockJobStore keeps jobs in a map unless a Func override is set.
type MockJobStore struct {
	GetJobFunc  func(ctx context.Context, key string) (models.IndexingJob, bool, error)
	SaveJobFunc func(ctx context.Context, job models.IndexingJob) error

	mu   sync.Mutex
	jobs map[string]models.IndexingJob
}

func (m *MockJobStore) GetJob(ctx context.Context, key string) (models.IndexingJob, bool, error) {
	if m.GetJobFunc != nil {
		return m.GetJobFunc(ctx, key)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[key]
	return j, ok, nil
}

func (m *MockJobStore) SaveJob(ctx context.Context, job models.IndexingJob) error {
	if m.SaveJobFunc != nil {
		return m.SaveJobFunc(ctx, job)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.jobs == nil {
		m.jobs = map[string]models.IndexingJob{}
	}
	m.jobs[job.CollectionKey] = job
	return nil
}

func (m *MockJobStore) DeleteJob(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.jobs, key)
	return nil
}

type fakeClock struct{ t time.Time }

func (c *fakeClock) Now() time.Time         { return c.t }
func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func newTracker() (*Tracker, *fakeClock) {
	clock := &fakeClock{t: time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)}
	tr := New(&MockJobStore{})
	tr.Now = clock.Now
	return tr, clock
}

func intp(i int) *int       { return &i }
func strp(s string) *string { return &s }

func TestTracker_StateMachine(t *testing.T) {
	ctx := context.Background()
	tr, clock := newTracker()
	key := "acme/widgets@main"

	snap, err := tr.Status(ctx, key)
	require.NoError(t, err)
	assert.False(t, snap.Exists)
	assert.Equal(t, models.JobPending, snap.Status)

	job, err := tr.Initialize(ctx, key, 3)
	require.NoError(t, err)
	assert.Equal(t, models.JobInProgress, job.Status)
	assert.NotEmpty(t, job.RunID)

	clock.Advance(time.Second)
	job, err = tr.UpdateProgress(ctx, key, models.JobUpdate{RunID: job.RunID, IndexedUnits: intp(2), CurrentUnit: strp("b.go#0")})
	require.NoError(t, err)
	assert.Equal(t, 66, job.ProgressPercentage)
	assert.Equal(t, "b.go#0", job.CurrentUnit)
	assert.Equal(t, 3, job.TotalUnits, "nil fields keep their value")

	clock.Advance(2 * time.Second)
	job, err = tr.Finalize(ctx, key, models.JobCompleted, "")
	require.NoError(t, err)
	assert.Equal(t, models.JobCompleted, job.Status)
	require.NotNil(t, job.CompletedAt)
	assert.EqualValues(t, 3000, job.DurationMS)

	snap, err = tr.Status(ctx, key)
	require.NoError(t, err)
	assert.True(t, snap.Exists)
	assert.Equal(t, models.JobCompleted, snap.Status)
	assert.False(t, snap.Stale)

	// a new run restarts from a terminal state
	next, err := tr.Initialize(ctx, key, 5)
	require.NoError(t, err)
	assert.Equal(t, models.JobInProgress, next.Status)
	assert.Zero(t, next.IndexedUnits)
	assert.Nil(t, next.CompletedAt)
	assert.NotEqual(t, job.RunID, next.RunID)
}

func TestTracker_FinalizeRejectsNonTerminal(t *testing.T) {
	ctx := context.Background()
	tr, _ := newTracker()
	_, err := tr.Initialize(ctx, "c", 1)
	require.NoError(t, err)

	for _, st := range []models.JobStatus{models.JobPending, models.JobInProgress, "bogus"} {
		_, err := tr.Finalize(ctx, "c", st, "")
		assert.True(t, errors.Is(err, models.ErrInvalidInput), "status %q: %v", st, err)
	}
}

func TestTracker_FinalizeOnce(t *testing.T) {
	ctx := context.Background()
	tr, clock := newTracker()

	job, err := tr.Initialize(ctx, "c", 2)
	require.NoError(t, err)
	clock.Advance(time.Second)
	done, err := tr.Finalize(ctx, "c", models.JobCompleted, "")
	require.NoError(t, err)

	clock.Advance(time.Minute)
	_, err = tr.Finalize(ctx, "c", models.JobFailed, "late")
	assert.ErrorIs(t, err, models.ErrJobFinalized)
	_, err = tr.FinalizeRun(ctx, "c", models.JobUpdate{RunID: job.RunID}, models.JobCompleted, "")
	assert.ErrorIs(t, err, models.ErrJobFinalized)

	snap, err := tr.Status(ctx, "c")
	require.NoError(t, err)
	assert.Equal(t, models.JobCompleted, snap.Status)
	assert.Empty(t, snap.ErrorMessage)
	assert.Equal(t, done.DurationMS, snap.DurationMS)
	assert.Equal(t, *done.CompletedAt, *snap.CompletedAt)

	// a new run can be finalized again
	_, err = tr.Initialize(ctx, "c", 1)
	require.NoError(t, err)
	_, err = tr.Finalize(ctx, "c", models.JobFailed, "boom")
	assert.NoError(t, err)
}

func TestTracker_FinalizeMergesCounters(t *testing.T) {
	ctx := context.Background()
	tr, _ := newTracker()

	job, err := tr.Initialize(ctx, "c", 4)
	require.NoError(t, err)
	job, err = tr.FinalizeRun(ctx, "c", models.JobUpdate{RunID: job.RunID, IndexedUnits: intp(3), FailedUnits: intp(1)}, models.JobCompleted, "1 of 4 units failed")
	require.NoError(t, err)
	assert.Equal(t, 3, job.IndexedUnits)
	assert.Equal(t, 1, job.FailedUnits)
	assert.Equal(t, 75, job.ProgressPercentage)
	assert.Equal(t, "1 of 4 units failed", job.ErrorMessage)
}

func TestTracker_UpdateMissingJob(t *testing.T) {
	tr, _ := newTracker()
	_, err := tr.UpdateProgress(context.Background(), "missing", models.JobUpdate{IndexedUnits: intp(1)})
	assert.ErrorIs(t, err, models.ErrJobNotFound)
}

func TestTracker_StaleRunRejected(t *testing.T) {
	ctx := context.Background()
	tr, _ := newTracker()

	first, err := tr.Initialize(ctx, "c", 10)
	require.NoError(t, err)
	second, err := tr.Initialize(ctx, "c", 10)
	require.NoError(t, err)

	_, err = tr.UpdateProgress(ctx, "c", models.JobUpdate{RunID: first.RunID, IndexedUnits: intp(9)})
	assert.ErrorIs(t, err, models.ErrStaleRun)
	_, err = tr.FinalizeRun(ctx, "c", models.JobUpdate{RunID: first.RunID}, models.JobFailed, "boom")
	assert.ErrorIs(t, err, models.ErrStaleRun)

	job, err := tr.UpdateProgress(ctx, "c", models.JobUpdate{RunID: second.RunID, IndexedUnits: intp(1)})
	require.NoError(t, err)
	assert.Equal(t, 1, job.IndexedUnits)
}

func TestTracker_StaleSnapshot(t *testing.T) {
	ctx := context.Background()
	tr, clock := newTracker()
	tr.StaleAfter = time.Minute

	_, err := tr.Initialize(ctx, "c", 10)
	require.NoError(t, err)

	snap, err := tr.Status(ctx, "c")
	require.NoError(t, err)
	assert.False(t, snap.Stale)

	clock.Advance(2 * time.Minute)
	snap, err = tr.Status(ctx, "c")
	require.NoError(t, err)
	assert.True(t, snap.Stale)

	_, err = tr.Finalize(ctx, "c", models.JobFailed, "worker died")
	require.NoError(t, err)
	snap, err = tr.Status(ctx, "c")
	require.NoError(t, err)
	assert.False(t, snap.Stale, "terminal jobs are never stale")
	assert.Equal(t, "worker died", snap.ErrorMessage)
}

func TestTracker_ProgressPercentage(t *testing.T) {
	tests := []struct {
		indexed, total, want int
	}{
		{0, 0, 0},
		{5, 0, 0},
		{0, 10, 0},
		{1, 3, 33},
		{2, 3, 66},
		{3, 3, 100},
		{49, 50, 98},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, models.ProgressPercentage(tt.indexed, tt.total), "%d/%d", tt.indexed, tt.total)
	}
}

func TestTracker_Validation(t *testing.T) {
	ctx := context.Background()
	tr, _ := newTracker()

	_, err := tr.Initialize(ctx, "", 1)
	assert.ErrorIs(t, err, models.ErrInvalidInput)
	_, err = tr.Initialize(ctx, "c", -1)
	assert.ErrorIs(t, err, models.ErrInvalidInput)
	_, err = tr.Status(ctx, " padded")
	assert.ErrorIs(t, err, models.ErrInvalidInput)
}

func TestTracker_StoreError(t *testing.T) {
	boom := errors.New("db down")
	tr := New(&MockJobStore{SaveJobFunc: func(context.Context, models.IndexingJob) error { return boom }})
	_, err := tr.Initialize(context.Background(), "c", 1)
	assert.ErrorIs(t, err, boom)
}

func TestTracker_SQLiteStore(t *testing.T) {
	ctx := context.Background()
	s, err := sqlite.NewStore(filepath.Join(t.TempDir(), "jobs.db"))
	require.NoError(t, err)
	defer s.Close()

	tr := New(s)
	job, err := tr.Initialize(ctx, "acme/widgets@main", 4)
	require.NoError(t, err)
	_, err = tr.UpdateProgress(ctx, "acme/widgets@main", models.JobUpdate{RunID: job.RunID, IndexedUnits: intp(4)})
	require.NoError(t, err)
	_, err = tr.Finalize(ctx, "acme/widgets@main", models.JobCompleted, "")
	require.NoError(t, err)

	snap, err := tr.Status(ctx, "acme/widgets@main")
	require.NoError(t, err)
	assert.True(t, snap.Exists)
	assert.Equal(t, 100, snap.ProgressPercentage)
	assert.Equal(t, models.JobCompleted, snap.Status)

	require.NoError(t, tr.Reset(ctx, "acme/widgets@main"))
	snap, err = tr.Status(ctx, "acme/widgets@main")
	require.NoError(t, err)
	assert.False(t, snap.Exists)
}
