// Package lock provides the per-collection single-writer guard used by the
// ingest pipeline.
package lock

import (
	"context"
	"sync"

	"github.com/seanblong/semindex/pkg/models"
)

// Locker hands out exclusive per-collection leases. Acquire returns
// models.ErrIngestInProgress when another holder has the key.
type Locker interface {
	Acquire(ctx context.Context, key string) (release func(), err error)
}

// Local guards collections within a single process.
type Local struct {
	mu   sync.Mutex
	held map[string]struct{}
}

func NewLocal() *Local {
	return &Local{held: map[string]struct{}{}}
}

func (l *Local) Acquire(_ context.Context, key string) (func(), error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held == nil {
		l.held = map[string]struct{}{}
	}
	if _, ok := l.held[key]; ok {
		return nil, models.ErrIngestInProgress
	}
	l.held[key] = struct{}{}

	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			delete(l.held, key)
			l.mu.Unlock()
		})
	}, nil
}
