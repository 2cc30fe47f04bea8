package collab

import (
	"context"

	"golang.org/x/sync/semaphore"
)

// MaxConcurrentApplies bounds how many expensive replica/broadcast operations
// run at once per control point.
var MaxConcurrentApplies int64 = 100

// SemaphoreControl guards hot paths against unbounded concurrency. Callers
// pass a deadline context on the request path and context.Background() from
// background workers that may wait.
type SemaphoreControl struct {
	sem *semaphore.Weighted
}

func NewSemaphoreControl() *SemaphoreControl {
	return &SemaphoreControl{sem: semaphore.NewWeighted(MaxConcurrentApplies)}
}

func (s *SemaphoreControl) Acquire(ctx context.Context) error {
	return s.sem.Acquire(ctx, 1)
}

func (s *SemaphoreControl) Release() {
	s.sem.Release(1)
}
