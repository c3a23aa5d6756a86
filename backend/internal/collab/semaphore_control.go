package collab

import (
	"context"
	"errors"
)

var MaxSemaphore int = 100

var (
	ErrAcquireTimeout = errors.New("ACQUIRE_TIMEOUT")
	ErrNotAcquired    = errors.New("RELEASE_WITHOUT_ACQUIRE")
)

// SemaphoreControl bounds concurrent work with a buffered channel.
type SemaphoreControl struct {
	ch chan struct{}
}

func NewSemaphoreControl() *SemaphoreControl {
	return NewSemaphoreControlN(MaxSemaphore)
}

func NewSemaphoreControlN(n int) *SemaphoreControl {
	if n <= 0 {
		n = 1
	}
	return &SemaphoreControl{ch: make(chan struct{}, n)}
}

func (s *SemaphoreControl) Acquire(ctx context.Context) error {
	select {
	case s.ch <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ErrAcquireTimeout
	}
}

func (s *SemaphoreControl) Release() error {
	select {
	case <-s.ch:
		return nil
	default:
		return ErrNotAcquired
	}
}
