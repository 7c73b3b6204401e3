// Package limiter provides per-source sliding-window rate limiting and a
// global in-flight cap for the scanner's upstream requests.
package limiter

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
)

// Bucket is a sliding-window rate limiter: at most capacity acquisitions
// within any window. Acquire blocks until the oldest timestamp in the
// window expires; waiters are served in order of arrival.
type Bucket struct {
	capacity int
	window   time.Duration

	// acquireMu is held for the whole acquisition, including the wait, so
	// that blocked callers drain in FIFO order.
	acquireMu sync.Mutex

	mu     sync.Mutex
	stamps []time.Time

	now func() time.Time
}

func NewBucket(capacity int, window time.Duration) *Bucket {
	if capacity <= 0 {
		capacity = 1
	}
	if window <= 0 {
		window = time.Second
	}
	return &Bucket{capacity: capacity, window: window, now: time.Now}
}

// Acquire blocks until a slot is free in the window or ctx is done.
func (b *Bucket) Acquire(ctx context.Context) error {
	b.acquireMu.Lock()
	defer b.acquireMu.Unlock()

	for {
		wait := b.tryReserve()
		if wait <= 0 {
			return nil
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// tryReserve records an acquisition if the window has room, otherwise
// returns how long until the oldest entry expires.
func (b *Bucket) tryReserve() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	cutoff := now.Add(-b.window)

	live := b.stamps[:0]
	for _, ts := range b.stamps {
		if ts.After(cutoff) {
			live = append(live, ts)
		}
	}
	b.stamps = live

	if len(b.stamps) < b.capacity {
		b.stamps = append(b.stamps, now)
		return 0
	}
	return b.stamps[0].Sub(cutoff)
}

// Registry holds one bucket per named source plus a global semaphore that
// caps total in-flight requests across all sources.
type Registry struct {
	mu      sync.Mutex
	buckets map[string]*Bucket
	global  *semaphore.Weighted

	defaultCapacity int
	defaultWindow   time.Duration
}

// Limit configures one source's bucket.
type Limit struct {
	Capacity int
	Window   time.Duration
}

func NewRegistry(globalInFlight int64, limits map[string]Limit) *Registry {
	if globalInFlight <= 0 {
		globalInFlight = 20
	}
	r := &Registry{
		buckets:         make(map[string]*Bucket),
		global:          semaphore.NewWeighted(globalInFlight),
		defaultCapacity: 5,
		defaultWindow:   time.Second,
	}
	for name, l := range limits {
		r.buckets[name] = NewBucket(l.Capacity, l.Window)
	}
	return r
}

// Bucket returns the named bucket, creating a default one on first use.
func (r *Registry) Bucket(name string) *Bucket {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.buckets[name]
	if !ok {
		b = NewBucket(r.defaultCapacity, r.defaultWindow)
		r.buckets[name] = b
	}
	return b
}

// Acquire takes both the global in-flight slot and the named bucket's
// window slot. The returned release function must be called when the
// request completes.
func (r *Registry) Acquire(ctx context.Context, source string) (release func(), err error) {
	if err := r.global.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	if err := r.Bucket(source).Acquire(ctx); err != nil {
		r.global.Release(1)
		return nil, err
	}
	return func() { r.global.Release(1) }, nil
}
