package scheduler

import (
	"context"
	"sync"

	"golang.org/x/time/rate"
)

// DeviceLimiter keeps one token bucket per device so a device with many due
// jobs is not hammered by every worker at once. Callers wait; nothing is dropped.
type DeviceLimiter struct {
	limiters map[string]*rate.Limiter
	mu       sync.Mutex
	r        rate.Limit
	b        int
}

// NewDeviceLimiter creates a limiter with rate r tokens per second and burst b.
// A non-positive r disables limiting.
func NewDeviceLimiter(r float64, b int) *DeviceLimiter {
	if b < 1 {
		b = 1
	}
	limit := rate.Limit(r)
	if r <= 0 {
		limit = rate.Inf
	}
	return &DeviceLimiter{
		limiters: make(map[string]*rate.Limiter),
		r:        limit,
		b:        b,
	}
}

func (l *DeviceLimiter) get(key string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	limiter, exists := l.limiters[key]
	if !exists {
		limiter = rate.NewLimiter(l.r, l.b)
		l.limiters[key] = limiter
	}
	return limiter
}

// Wait blocks until key may proceed or ctx ends.
func (l *DeviceLimiter) Wait(ctx context.Context, key string) error {
	return l.get(key).Wait(ctx)
}
