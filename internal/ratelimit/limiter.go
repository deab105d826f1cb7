// Package ratelimit implements sliding-window request throttling.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
)

// Decision is the outcome of a single check.
type Decision struct {
	Allowed    bool
	RetryAfter time.Duration
}

// Limiter throttles requests per key. Implementations must be safe for
// concurrent use.
type Limiter interface {
	Allow(key string) Decision
}

const defaultShards = 16

// SlidingWindow counts requests per key over the trailing window. Keys are
// spread over shards so unrelated keys rarely contend on the same lock.
type SlidingWindow struct {
	limit  int
	window time.Duration
	now    func() time.Time
	shards []*shard
}

type shard struct {
	mu   sync.Mutex
	hits map[string][]time.Time
}

// Option configures a SlidingWindow.
type Option func(*SlidingWindow)

// WithClock replaces the time source.
func WithClock(now func() time.Time) Option {
	return func(l *SlidingWindow) { l.now = now }
}

// WithShards sets the number of lock shards (minimum 1).
func WithShards(n int) Option {
	return func(l *SlidingWindow) {
		if n < 1 {
			n = 1
		}
		l.shards = newShards(n)
	}
}

// NewSlidingWindow allows at most limit requests per key within window.
func NewSlidingWindow(limit int, window time.Duration, opts ...Option) *SlidingWindow {
	l := &SlidingWindow{
		limit:  limit,
		window: window,
		now:    time.Now,
		shards: newShards(defaultShards),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func newShards(n int) []*shard {
	s := make([]*shard, n)
	for i := range s {
		s[i] = &shard{hits: make(map[string][]time.Time)}
	}
	return s
}

func (l *SlidingWindow) shardFor(key string) *shard {
	return l.shards[xxhash.Sum64String(key)%uint64(len(l.shards))]
}

// Allow records a request for key if it fits in the window. A denied request
// is not recorded.
func (l *SlidingWindow) Allow(key string) Decision {
	s := l.shardFor(key)
	now := l.now()
	cutoff := now.Add(-l.window)

	s.mu.Lock()
	defer s.mu.Unlock()

	hits := prune(s.hits[key], cutoff)
	if len(hits) >= l.limit {
		s.hits[key] = hits
		retry := hits[0].Add(l.window).Sub(now)
		if retry <= 0 {
			retry = time.Millisecond
		}
		return Decision{Allowed: false, RetryAfter: retry}
	}

	s.hits[key] = append(hits, now)
	return Decision{Allowed: true}
}

// prune drops timestamps at or before cutoff. hits is ordered oldest first.
func prune(hits []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(hits) && !hits[i].After(cutoff) {
		i++
	}
	if i == 0 {
		return hits
	}
	// copy so the backing array of dropped entries can be collected
	return append([]time.Time(nil), hits[i:]...)
}

// Sweep removes keys whose every timestamp has left the window and returns
// how many were reclaimed.
func (l *SlidingWindow) Sweep() int {
	cutoff := l.now().Add(-l.window)
	removed := 0
	for _, s := range l.shards {
		s.mu.Lock()
		for key, hits := range s.hits {
			if len(hits) == 0 || !hits[len(hits)-1].After(cutoff) {
				delete(s.hits, key)
				removed++
			}
		}
		s.mu.Unlock()
	}
	return removed
}

// Len returns the number of tracked keys.
func (l *SlidingWindow) Len() int {
	n := 0
	for _, s := range l.shards {
		s.mu.Lock()
		n += len(s.hits)
		s.mu.Unlock()
	}
	return n
}

// Run sweeps idle keys every interval until ctx is done.
func (l *SlidingWindow) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.Sweep()
		}
	}
}
