package ratelimit

import (
	"context"
	"errors"
	"log/slog"
	"math/bits"
	"sync"
	"time"

	"diarygate/modules/clock"

	"github.com/cespare/xxhash/v2"
)

const (
	DefaultLimit  int64 = 50
	DefaultWindow       = 60 * time.Second

	defaultShards = 64
)

var (
	_ RateLimiter = (*FixedWindowRateLimiter)(nil)

	ErrInvalidLimit  = errors.New("ratelimit: limit must be > 0")
	ErrInvalidWindow = errors.New("ratelimit: window must be > 0")
)

// In-memory fixed-window counter.
//
// A window opens on the first request of a key and ends window later; a request
// arriving at or after the end opens a fresh window with count 1. Bursts that
// straddle a boundary can admit up to 2*limit in a short interval.
//
// The table is sharded: each shard owns a subset of keys behind its own mutex,
// so requests for different keys rarely contend and requests for the same key
// are always serialized.
type (
	FixedWindowRateLimiter struct {
		clock  clock.Clock
		limit  int64
		window time.Duration

		shards []*shard
		mask   uint64

		// expired records are kept for at least this long before Sweep drops them
		sweepGrace time.Duration
	}

	FixedWindowOption func(*FixedWindowRateLimiter)

	shard struct {
		mu      sync.Mutex
		windows map[Key]*windowRecord
	}

	windowRecord struct {
		count   int64
		resetAt time.Time
	}
)

// WithShards sets the number of table shards, rounded up to a power of two.
func WithShards(n int) FixedWindowOption {
	return func(l *FixedWindowRateLimiter) {
		if n <= 0 {
			return
		}
		size := 1 << bits.Len(uint(n-1))
		l.shards = make([]*shard, size)
	}
}

// WithSweepGrace keeps expired records around for d after their window ended.
func WithSweepGrace(d time.Duration) FixedWindowOption {
	return func(l *FixedWindowRateLimiter) {
		if d >= 0 {
			l.sweepGrace = d
		}
	}
}

func NewFixedWindowRateLimiter(c clock.Clock, limit int64, window time.Duration, opts ...FixedWindowOption) (*FixedWindowRateLimiter, error) {
	if limit <= 0 {
		return nil, ErrInvalidLimit
	}
	if window <= 0 {
		return nil, ErrInvalidWindow
	}
	if c == nil {
		c = clock.RealClockProvider()
	}

	l := &FixedWindowRateLimiter{
		clock:  c,
		limit:  limit,
		window: window,
		shards: make([]*shard, defaultShards),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(l)
		}
	}
	for i := range l.shards {
		l.shards[i] = &shard{windows: make(map[Key]*windowRecord)}
	}
	l.mask = uint64(len(l.shards) - 1)
	return l, nil
}

// FixedWindowFactory builds limiters sharing one clock.
// Invalid limit/window values fall back to the defaults.
func FixedWindowFactory(c clock.Clock, opts ...FixedWindowOption) LimiterFactory {
	return func(limit int64, window time.Duration) RateLimiter {
		if limit <= 0 {
			limit = DefaultLimit
		}
		if window <= 0 {
			window = DefaultWindow
		}
		l, _ := NewFixedWindowRateLimiter(c, limit, window, opts...)
		return l
	}
}

func (l *FixedWindowRateLimiter) Limit() int64          { return l.limit }
func (l *FixedWindowRateLimiter) Window() time.Duration { return l.window }

// Allow implements RateLimiter.
func (l *FixedWindowRateLimiter) Allow(_ context.Context, key Key) (Result, error) {
	return l.admit(key, l.clock.Now()), nil
}

func (l *FixedWindowRateLimiter) admit(key Key, now time.Time) Result {
	s := l.shardFor(key)

	// check, reset-or-increment and compare happen under one lock
	s.mu.Lock()
	rec, ok := s.windows[key]
	if !ok {
		rec = &windowRecord{}
		s.windows[key] = rec
	}
	if !now.Before(rec.resetAt) {
		rec.count = 1
		rec.resetAt = now.Add(l.window)
	} else {
		rec.count++
	}
	count, resetAt := rec.count, rec.resetAt
	s.mu.Unlock()

	resetIn := max(resetAt.Sub(now), 0)
	result := Result{
		Allowed:       count <= l.limit,
		Remaining:     max(l.limit-count, 0),
		Limit:         l.limit,
		Window:        l.window,
		WindowResetIn: resetIn,
		ResetAt:       resetAt,
	}
	if !result.Allowed {
		result.RetryAfter = resetIn
	}
	return result
}

func (l *FixedWindowRateLimiter) shardFor(key Key) *shard {
	return l.shards[xxhash.Sum64String(string(key))&l.mask]
}

// Sweep drops records whose window ended at least sweepGrace before now.
// It returns how many records were removed.
func (l *FixedWindowRateLimiter) Sweep(now time.Time) int {
	cutoff := now.Add(-l.sweepGrace)
	removed := 0
	for _, s := range l.shards {
		s.mu.Lock()
		for k, rec := range s.windows {
			if !rec.resetAt.After(cutoff) {
				delete(s.windows, k)
				removed++
			}
		}
		s.mu.Unlock()
	}
	return removed
}

// Len returns the number of records currently held, expired ones included.
func (l *FixedWindowRateLimiter) Len() int {
	n := 0
	for _, s := range l.shards {
		s.mu.Lock()
		n += len(s.windows)
		s.mu.Unlock()
	}
	return n
}

// StartJanitor sweeps the table every interval until ctx is done.
func (l *FixedWindowRateLimiter) StartJanitor(ctx context.Context, every time.Duration) {
	if every <= 0 {
		return
	}

	t := time.NewTicker(every)
	go func() {
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				if n := l.Sweep(l.clock.Now()); n > 0 {
					slog.Debug("admission table swept",
						slog.Int("removed", n),
						slog.Int("remaining", l.Len()),
					)
				}
			}
		}
	}()
}
