package lock

import (
	"context"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/seanblong/semindex/pkg/models"
)

func TestLocal_Exclusive(t *testing.T) {
	ctx := context.Background()
	l := NewLocal()

	release, err := l.Acquire(ctx, "acme/widgets@main")
	require.NoError(t, err)

	_, err = l.Acquire(ctx, "acme/widgets@main")
	assert.ErrorIs(t, err, models.ErrIngestInProgress)

	other, err := l.Acquire(ctx, "alice/gmail")
	require.NoError(t, err, "different collections do not contend")
	other()

	release()
	release() // idempotent

	again, err := l.Acquire(ctx, "acme/widgets@main")
	require.NoError(t, err)
	again()
}

func TestLocal_Concurrent(t *testing.T) {
	l := &Local{}
	var (
		wg      sync.WaitGroup
		winners atomic.Int32
	)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := l.Acquire(context.Background(), "c"); err == nil {
				winners.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.EqualValues(t, 1, winners.Load())
}

func TestRedis_Exclusive(t *testing.T) {
	addr := os.Getenv("SEMINDEX_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("SEMINDEX_TEST_REDIS_ADDR not set")
	}
	ctx := context.Background()
	r, err := NewRedis(ctx, addr, time.Minute)
	require.NoError(t, err)
	defer r.Close()

	key := "test-" + uuid.NewString()
	release, err := r.Acquire(ctx, key)
	require.NoError(t, err)

	_, err = r.Acquire(ctx, key)
	assert.ErrorIs(t, err, models.ErrIngestInProgress)

	release()
	again, err := r.Acquire(ctx, key)
	require.NoError(t, err)
	again()
}
