package gateway

import (
	"context"
	"sync/atomic"
	"time"
)

// limiter bounds the in-flight calls of a backend with an atomic counter.
type limiter struct {
	max      int64
	inflight atomic.Int64
	freed    chan struct{}
}

func newLimiter(max int) *limiter {
	return &limiter{max: int64(max), freed: make(chan struct{}, 1)}
}

// tryAcquire takes a slot without waiting. A limiter with max <= 0 is
// unbounded.
func (l *limiter) tryAcquire() bool {
	if l.max <= 0 {
		l.inflight.Add(1)
		return true
	}
	for {
		cur := l.inflight.Load()
		if cur >= l.max {
			return false
		}
		if l.inflight.CompareAndSwap(cur, cur+1) {
			return true
		}
	}
}

// acquire waits up to wait for a slot.
func (l *limiter) acquire(ctx context.Context, wait time.Duration) (bool, error) {
	if l.tryAcquire() {
		return true, nil
	}
	if wait <= 0 {
		return false, nil
	}

	timer := time.NewTimer(wait)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-timer.C:
			return l.tryAcquire(), nil
		case <-l.freed:
			if l.tryAcquire() {
				return true, nil
			}
		}
	}
}

func (l *limiter) release() {
	l.inflight.Add(-1)
	select {
	case l.freed <- struct{}{}:
	default:
	}
}

func (l *limiter) inFlight() int64 { return l.inflight.Load() }
