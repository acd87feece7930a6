package coordinator

import (
	"context"
	"sort"
	"sync"

	"github.com/sentinelops/sentinel-backend/internal/domain/errors"
)

// Leases serializes access to named external resources. Acquire takes
// every key or none; the returned release is idempotent and must run
// on every exit path of the enclosing operation.
type Leases struct {
	mu    sync.Mutex
	locks map[string]chan struct{}
}

// NewLeases builds an empty lease table.
func NewLeases() *Leases {
	return &Leases{locks: make(map[string]chan struct{})}
}

// Acquire locks the keys in sorted order so concurrent acquisitions of
// overlapping sets cannot deadlock.
func (l *Leases) Acquire(ctx context.Context, keys []string) (func(), error) {
	sorted := append([]string(nil), keys...)
	sort.Strings(sorted)

	acquired := make([]chan struct{}, 0, len(sorted))
	rollback := func() {
		for i := len(acquired) - 1; i >= 0; i-- {
			<-acquired[i]
		}
	}

	for _, key := range sorted {
		ch := l.lockFor(key)
		select {
		case ch <- struct{}{}:
			acquired = append(acquired, ch)
		case <-ctx.Done():
			rollback()
			return nil, errors.NewInternalError(
				"resource acquisition canceled for "+key).WithCause(ctx.Err())
		}
	}

	var once sync.Once
	release := func() {
		once.Do(rollback)
	}
	return release, nil
}

func (l *Leases) lockFor(key string) chan struct{} {
	l.mu.Lock()
	defer l.mu.Unlock()
	ch, ok := l.locks[key]
	if !ok {
		ch = make(chan struct{}, 1)
		l.locks[key] = ch
	}
	return ch
}
