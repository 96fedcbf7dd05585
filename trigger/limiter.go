package trigger

import (
	"context"

	"golang.org/x/sync/semaphore"

	"github.com/wippyai/wasm-host/errors"
)

// Limiter bounds a dispatcher's concurrent in-flight invocations and the
// depth of events allowed to wait for a slot. Beyond both bounds events
// are rejected immediately with a busy error instead of growing memory
// without limit.
type Limiter struct {
	inflight *semaphore.Weighted
	queue    chan struct{}
}

// NewLimiter creates a limiter allowing maxInflight concurrent holders
// and up to queueDepth waiters. Non-positive values fall back to 1 and 0
// respectively.
func NewLimiter(maxInflight, queueDepth int) *Limiter {
	if maxInflight <= 0 {
		maxInflight = 1
	}
	if queueDepth < 0 {
		queueDepth = 0
	}
	return &Limiter{
		inflight: semaphore.NewWeighted(int64(maxInflight)),
		queue:    make(chan struct{}, queueDepth),
	}
}

// Acquire claims an invocation slot, waiting in the bounded queue when
// all slots are busy. It fails with kind busy when the queue is full and
// with kind cancelled when ctx ends while waiting.
func (l *Limiter) Acquire(ctx context.Context) error {
	if l.inflight.TryAcquire(1) {
		return nil
	}

	select {
	case l.queue <- struct{}{}:
	default:
		return errors.Busy("concurrency limit and queue exhausted")
	}
	defer func() { <-l.queue }()

	if err := l.inflight.Acquire(ctx, 1); err != nil {
		return errors.Cancelled("gave up waiting for invocation slot")
	}
	return nil
}

// Release returns a slot claimed by Acquire.
func (l *Limiter) Release() {
	l.inflight.Release(1)
}
