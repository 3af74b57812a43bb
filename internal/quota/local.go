package quota

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

type localEntry struct {
	limiter    *rate.Limiter
	limit      int64
	lastAccess time.Time
}

// LocalBackend approximates the windows with in-process token buckets. It
// serves single instances and Redis outages.
type LocalBackend struct {
	mu       sync.Mutex
	limiters map[string]*localEntry
	now      func() time.Time
}

// NewLocalBackend creates an empty backend.
func NewLocalBackend() *LocalBackend {
	return &LocalBackend{
		limiters: make(map[string]*localEntry),
		now:      time.Now,
	}
}

// CheckAllow implements Backend. A rejected charge consumes nothing.
func (b *LocalBackend) CheckAllow(_ context.Context, descriptors []Descriptor) ([]Result, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	out := make([]Result, len(descriptors))
	for i, d := range descriptors {
		e := b.entry(d, now)
		window := d.Window
		if window <= 0 {
			window = time.Minute
		}

		allowed := e.limiter.AllowN(now, int(d.Amount))
		left := int64(e.limiter.TokensAt(now))
		if left < 0 {
			left = 0
		}
		current := d.Limit - left
		if !allowed {
			current = d.Limit + d.Amount
		}
		out[i] = result(d.Limit, current, window)
	}
	return out, nil
}

func (b *LocalBackend) entry(d Descriptor, now time.Time) *localEntry {
	key := d.Key + ":" + string(d.Type)
	e, ok := b.limiters[key]
	if !ok || e.limit != d.Limit {
		window := d.Window
		if window <= 0 {
			window = time.Minute
		}
		perSecond := rate.Limit(float64(d.Limit) / window.Seconds())
		e = &localEntry{limiter: rate.NewLimiter(perSecond, int(d.Limit)), limit: d.Limit}
		b.limiters[key] = e
	}
	e.lastAccess = now
	return e
}

// Cleanup drops limiters idle for longer than ttl.
func (b *LocalBackend) Cleanup(ttl time.Duration) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	cutoff := b.now().Add(-ttl)
	removed := 0
	for k, e := range b.limiters {
		if e.lastAccess.Before(cutoff) {
			delete(b.limiters, k)
			removed++
		}
	}
	return removed
}
