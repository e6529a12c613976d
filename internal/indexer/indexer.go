// Package indexer ingests batches of indexable units into a content store
// while reporting progress to the job tracker.
package indexer

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/seanblong/semindex/internal/ai"
	"github.com/seanblong/semindex/internal/lock"
	"github.com/seanblong/semindex/internal/metrics"
	"github.com/seanblong/semindex/internal/store"
	"github.com/seanblong/semindex/internal/tracker"
	"github.com/seanblong/semindex/pkg/models"
)

const DefaultBatchSize = 50

// Pipeline handles ingestion of content units for one store.
type Pipeline struct {
	Store    store.ContentStore
	Tracker  *tracker.Tracker
	Embedder ai.Embedder
	Locker   lock.Locker
	Metrics  metrics.Recorder

	BatchSize        int
	EmbedConcurrency int
	// Limiter paces embedder calls; nil means unlimited.
	Limiter *rate.Limiter
}

// New creates a Pipeline with an in-process lock, no metrics and default
// batch and concurrency settings. embedder may be nil when every unit
// arrives with its embedding attached.
func New(s store.ContentStore, t *tracker.Tracker, embedder ai.Embedder) *Pipeline {
	workers := runtime.NumCPU()
	if workers > 8 {
		workers = 8 // Cap at 8 to avoid overwhelming the embedding API
	}
	return &Pipeline{
		Store:            s,
		Tracker:          t,
		Embedder:         embedder,
		Locker:           lock.NewLocal(),
		Metrics:          metrics.Noop{},
		BatchSize:        DefaultBatchSize,
		EmbedConcurrency: workers,
	}
}

// NewLimiter builds an embedder limiter for rps requests per second; a
// non-positive rps disables pacing.
func NewLimiter(rps float64) *rate.Limiter {
	if rps <= 0 {
		return nil
	}
	burst := int(rps)
	if burst < 1 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(rps), burst)
}

// Ingest stores items in sequential batches. Per-unit failures are reported
// in the result and never abort the run; errors returned alongside the
// result are systemic (invalid collection, lock held, store down) or the
// context error after a cancellation.
func (p *Pipeline) Ingest(ctx context.Context, collectionKey string, items []models.Indexable) (models.IngestResult, error) {
	res := models.IngestResult{CollectionKey: collectionKey, Errors: []models.IngestError{}}
	if err := models.ValidateCollectionKey(collectionKey); err != nil {
		return res, err
	}

	release, err := p.locker().Acquire(ctx, collectionKey)
	if err != nil {
		return res, err
	}
	defer release()

	if err := p.Store.Ping(ctx); err != nil {
		return res, &models.SystemicError{Op: "ping store", Err: fmt.Errorf("%w: %v", models.ErrStoreUnavailable, err)}
	}

	job, err := p.Tracker.Initialize(ctx, collectionKey, len(items))
	if err != nil {
		return res, &models.SystemicError{Op: "initialize job", Err: err}
	}
	res.RunID = job.RunID
	start := time.Now()

	size := p.BatchSize
	if size <= 0 {
		size = DefaultBatchSize
	}
	log.Info().Str("collection", collectionKey).Str("run_id", res.RunID).
		Int("units", len(items)).Int("batch_size", size).Msg("ingest started")

	for bi, lo := 0, 0; lo < len(items); bi, lo = bi+1, lo+size {
		if err := ctx.Err(); err != nil {
			p.finish(ctx, &res, start, models.JobFailed, fmt.Sprintf("cancelled after %d units: %v", res.SuccessfulCount+res.FailedCount, err))
			return res, err
		}
		hi := lo + size
		if hi > len(items) {
			hi = len(items)
		}
		current := p.processBatch(ctx, bi, collectionKey, items[lo:hi], &res)

		indexed, failed := res.SuccessfulCount, res.FailedCount
		if _, err := p.Tracker.UpdateProgress(ctx, collectionKey, models.JobUpdate{
			RunID:        res.RunID,
			IndexedUnits: &indexed,
			FailedUnits:  &failed,
			CurrentUnit:  &current,
		}); err != nil {
			if errors.Is(err, models.ErrStaleRun) {
				log.Warn().Str("collection", collectionKey).Str("run_id", res.RunID).Msg("run superseded, stopping")
				return res, err
			}
			log.Warn().Err(err).Str("collection", collectionKey).Int("batch", bi).Msg("progress update failed")
		}
	}

	if err := ctx.Err(); err != nil {
		p.finish(ctx, &res, start, models.JobFailed, fmt.Sprintf("cancelled after %d units: %v", res.SuccessfulCount+res.FailedCount, err))
		return res, err
	}

	status, msg := models.JobCompleted, ""
	switch {
	case len(items) > 0 && res.SuccessfulCount == 0:
		status = models.JobFailed
		msg = fmt.Sprintf("all %d units failed", res.FailedCount)
		if len(res.Errors) > 0 {
			msg += ": " + res.Errors[0].Message
		}
	case res.FailedCount > 0:
		msg = fmt.Sprintf("%d of %d units failed", res.FailedCount, len(items))
	}
	p.finish(ctx, &res, start, status, msg)
	return res, nil
}

// Replay re-ingests the items whose unit keys appear in errs, typically the
// Errors of a previous IngestResult for the same collection.
func (p *Pipeline) Replay(ctx context.Context, collectionKey string, items []models.Indexable, errs []models.IngestError) (models.IngestResult, error) {
	failed := models.IngestResult{Errors: errs}.FailedKeys()
	var retry []models.Indexable
	for _, it := range items {
		if _, ok := failed[it.IdentityKey().UnitKey]; ok {
			retry = append(retry, it)
		}
	}
	log.Info().Str("collection", collectionKey).Int("units", len(retry)).Msg("replaying failed units")
	return p.Ingest(ctx, collectionKey, retry)
}

// processBatch stores one batch and returns the key of its last unit.
func (p *Pipeline) processBatch(ctx context.Context, batchIndex int, collectionKey string, batch []models.Indexable, res *models.IngestResult) string {
	start := time.Now()
	units := make([]models.ContentUnit, len(batch))
	errs := make([]error, len(batch))
	reused := make([]bool, len(batch))

	for i, it := range batch {
		units[i] = it.Unit()
		if units[i].CollectionKey == "" {
			units[i].CollectionKey = collectionKey
		}
		errs[i] = validateUnit(collectionKey, units[i])
	}

	p.resolveEmbeddings(ctx, units, errs, reused)

	var indexed, failed, reusedCount int
	for i, u := range units {
		if errs[i] == nil {
			errs[i] = p.Store.Upsert(ctx, u)
		}
		if errs[i] != nil {
			failed++
			res.Errors = append(res.Errors, models.IngestError{
				BatchIndex:    batchIndex,
				CollectionKey: collectionKey,
				UnitKey:       u.UnitKey,
				Message:       models.Truncate(errs[i].Error(), models.MaxErrorMessage),
			})
			log.Warn().Err(errs[i]).Str("collection", collectionKey).Str("unit", u.UnitKey).Msg("unit failed")
			continue
		}
		indexed++
		if reused[i] {
			reusedCount++
		}
	}
	res.SuccessfulCount += indexed
	res.FailedCount += failed
	res.ReusedCount += reusedCount
	p.recorder().RecordBatch(indexed, failed, reusedCount, time.Since(start))

	log.Debug().Str("collection", collectionKey).Int("batch", batchIndex).
		Int("indexed", indexed).Int("failed", failed).Int("reused", reusedCount).Msg("batch done")

	if len(units) == 0 {
		return ""
	}
	return units[len(units)-1].UnitKey
}

// resolveEmbeddings fills units lacking a vector, first from the stored copy
// when its content hash is unchanged, then from the embedder.
func (p *Pipeline) resolveEmbeddings(ctx context.Context, units []models.ContentUnit, errs []error, reused []bool) {
	var pending []int
	for i := range units {
		if errs[i] != nil || len(units[i].Embedding) > 0 {
			continue
		}
		stored, found, err := p.Store.Get(ctx, units[i].CollectionKey, units[i].UnitKey)
		if err != nil {
			log.Debug().Err(err).Str("unit", units[i].UnitKey).Msg("lookup of stored unit failed")
		}
		if err == nil && found && stored.ContentHash == units[i].ContentHash && len(stored.Embedding) > 0 {
			units[i].Embedding = stored.Embedding
			reused[i] = true
			continue
		}
		pending = append(pending, i)
	}
	if len(pending) == 0 {
		return
	}
	if p.Embedder == nil {
		for _, i := range pending {
			errs[i] = errors.New("unit has no embedding and no embedder is configured")
		}
		return
	}

	workers := p.EmbedConcurrency
	if workers <= 0 {
		workers = 1
	}
	var g errgroup.Group
	g.SetLimit(workers)
	for _, i := range pending {
		g.Go(func() error {
			// per-unit failures are recorded, never propagated to the group
			if err := ctx.Err(); err != nil {
				errs[i] = err
				return nil
			}
			if p.Limiter != nil {
				if err := p.Limiter.Wait(ctx); err != nil {
					errs[i] = err
					return nil
				}
			}
			t0 := time.Now()
			vec, err := p.Embedder.Embed(ctx, units[i].Content)
			p.recorder().RecordEmbed(time.Since(t0), err)
			if err != nil {
				errs[i] = fmt.Errorf("embed: %w", err)
				return nil
			}
			units[i].Embedding = vec
			return nil
		})
	}
	_ = g.Wait()
}

func (p *Pipeline) finish(ctx context.Context, res *models.IngestResult, start time.Time, status models.JobStatus, msg string) {
	// the run's own context may already be cancelled
	fctx := context.WithoutCancel(ctx)
	indexed, failed := res.SuccessfulCount, res.FailedCount
	final := models.JobUpdate{RunID: res.RunID, IndexedUnits: &indexed, FailedUnits: &failed}
	if _, err := p.Tracker.FinalizeRun(fctx, res.CollectionKey, final, status, msg); err != nil {
		log.Error().Err(err).Str("collection", res.CollectionKey).Msg("finalize failed")
	}
	p.recorder().RecordIngest(string(status), time.Since(start))
	log.Info().Str("collection", res.CollectionKey).Str("run_id", res.RunID).Str("status", string(status)).
		Int("indexed", res.SuccessfulCount).Int("failed", res.FailedCount).Int("reused", res.ReusedCount).
		Dur("elapsed", time.Since(start)).Msg("ingest finished")
}

func validateUnit(collectionKey string, u models.ContentUnit) error {
	if err := models.ValidateIdentity(u.CollectionKey, u.UnitKey); err != nil {
		return err
	}
	if u.CollectionKey != collectionKey {
		return &models.ValidationError{Field: "collection_key", Reason: fmt.Sprintf("unit belongs to %q", u.CollectionKey)}
	}
	return nil
}

// defaultLocker serves pipelines built without New.
var defaultLocker = lock.NewLocal()

func (p *Pipeline) locker() lock.Locker {
	if p.Locker == nil {
		return defaultLocker
	}
	return p.Locker
}

func (p *Pipeline) recorder() metrics.Recorder {
	if p.Metrics == nil {
		return metrics.Noop{}
	}
	return p.Metrics
}
