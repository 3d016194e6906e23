package importer

// limiter.go bounds concurrent upload staging. A semaphore restricts
// parallel SubmitUpload calls to a configurable maximum; when every slot is
// occupied, new uploads wait up to maxWait before failing with
// ErrTooManyUploads. WaitForDrain supports graceful shutdown.

import (
	"context"
	"sync"
	"time"
)

// DefaultMaxConcurrentUploads is the default limit for parallel uploads.
const DefaultMaxConcurrentUploads = 5

// DefaultUploadWaitTime is how long an upload waits for a slot before
// being rejected.
const DefaultUploadWaitTime = 30 * time.Second

// UploadLimiter controls concurrent upload staging with a semaphore.
type UploadLimiter struct {
	semaphore chan struct{}
	maxWait   time.Duration

	mu     sync.RWMutex
	active int
}

// NewUploadLimiter creates a limiter allowing at most maxConcurrent
// simultaneous uploads. Non-positive arguments fall back to defaults.
func NewUploadLimiter(maxConcurrent int, maxWait time.Duration) *UploadLimiter {
	if maxConcurrent <= 0 {
		maxConcurrent = DefaultMaxConcurrentUploads
	}
	if maxWait <= 0 {
		maxWait = DefaultUploadWaitTime
	}
	return &UploadLimiter{
		semaphore: make(chan struct{}, maxConcurrent),
		maxWait:   maxWait,
	}
}

// Acquire waits for an upload slot. Returns ErrTooManyUploads if the wait
// timeout expires. The caller must Release exactly once on success.
func (l *UploadLimiter) Acquire(ctx context.Context) error {
	waitCtx, cancel := context.WithTimeout(ctx, l.maxWait)
	defer cancel()

	select {
	case l.semaphore <- struct{}{}:
		l.mu.Lock()
		l.active++
		l.mu.Unlock()
		return nil

	case <-waitCtx.Done():
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return ErrTooManyUploads
	}
}

// Release frees a previously acquired slot.
func (l *UploadLimiter) Release() {
	l.mu.Lock()
	l.active--
	l.mu.Unlock()

	<-l.semaphore
}

// ActiveCount returns the number of uploads currently staging.
func (l *UploadLimiter) ActiveCount() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.active
}

// WaitForDrain blocks until all active uploads complete or the context is
// cancelled. Used during shutdown.
func (l *UploadLimiter) WaitForDrain(ctx context.Context) error {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if l.ActiveCount() == 0 {
				return nil
			}
		}
	}
}

// ActiveUploads exposes the limiter's live count for shutdown decisions.
func (s *Service) ActiveUploads() int {
	return s.limiter.ActiveCount()
}

// WaitForUploads blocks until in-flight uploads drain or ctx expires.
func (s *Service) WaitForUploads(ctx context.Context) error {
	return s.limiter.WaitForDrain(ctx)
}
