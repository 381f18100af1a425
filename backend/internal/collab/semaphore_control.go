package collab

import (
	"context"
	"errors"
)

var (
	ErrAcquireTimeout = errors.New("ACQUIRE_TIMEOUT")
	ErrNotAcquired    = errors.New("SEMAPHORE_NOT_ACQUIRED")
)

// SemaphoreControl 基于带缓冲 channel 的计数信号量
type SemaphoreControl struct {
	ch chan struct{}
}

func NewSemaphoreControl(limit int) *SemaphoreControl {
	if limit <= 0 {
		limit = 100
	}
	return &SemaphoreControl{ch: make(chan struct{}, limit)}
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

func (s *SemaphoreControl) InUse() int { return len(s.ch) }
