// Package ratelimit bounds concurrent access to the LLM Service so the
// process never opens more streaming chat calls than the backend's
// parallelism budget (§5, LLM_PARALLELISM).
package ratelimit

import "context"

// Semaphore is a counting semaphore implemented with a buffered channel,
// the standard Go idiom for bounding concurrent work.
type Semaphore struct {
	slots chan struct{}
}

// NewSemaphore returns a Semaphore that admits at most n concurrent
// holders. n <= 0 is treated as 1.
func NewSemaphore(n int) *Semaphore {
	if n <= 0 {
		n = 1
	}
	return &Semaphore{slots: make(chan struct{}, n)}
}

// Acquire blocks until a slot is free or ctx is cancelled.
func (s *Semaphore) Acquire(ctx context.Context) error {
	select {
	case s.slots <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Release frees the slot acquired by a prior successful Acquire.
func (s *Semaphore) Release() {
	<-s.slots
}
