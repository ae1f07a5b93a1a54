package remote

import (
	"context"

	"golang.org/x/sync/semaphore"
)

// DefaultConnections bounds simultaneous upstream requests across the process.
const DefaultConnections = 3

// Limiter is a counting semaphore shared by every fetch operation so the
// total number of open upstream connections stays bounded no matter how many
// series are being processed.
type Limiter struct {
	sem  *semaphore.Weighted
	size int64
}

func NewLimiter(permits int) *Limiter {
	if permits <= 0 {
		permits = DefaultConnections
	}
	return &Limiter{sem: semaphore.NewWeighted(int64(permits)), size: int64(permits)}
}

// Acquire blocks until a permit is free or ctx is done. The returned release
// func is idempotent and must be called on every exit path.
func (l *Limiter) Acquire(ctx context.Context) (func(), error) {
	if err := l.sem.Acquire(ctx, 1); err != nil {
		return func() {}, err
	}
	released := false
	return func() {
		if released {
			return
		}
		released = true
		l.sem.Release(1)
	}, nil
}

// Size returns the number of permits.
func (l *Limiter) Size() int {
	return int(l.size)
}
