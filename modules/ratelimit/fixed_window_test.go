package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"diarygate/modules/clock"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var epoch = time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)

func newLimiter(t *testing.T, limit int64, window time.Duration, opts ...FixedWindowOption) (*FixedWindowRateLimiter, *clock.ManualClock) {
	t.Helper()
	c := clock.NewManualClock(epoch)
	l, err := NewFixedWindowRateLimiter(c, limit, window, opts...)
	require.NoError(t, err)
	return l, c
}

func TestFixedWindow_RejectsInvalidConfig(t *testing.T) {
	_, err := NewFixedWindowRateLimiter(nil, 0, time.Minute)
	assert.ErrorIs(t, err, ErrInvalidLimit)

	_, err = NewFixedWindowRateLimiter(nil, 1, 0)
	assert.ErrorIs(t, err, ErrInvalidWindow)
}

func TestFixedWindow_RemainingDecreasesByOne(t *testing.T) {
	const limit = 5
	l, _ := newLimiter(t, limit, time.Minute)
	ctx := context.Background()

	for i := int64(1); i <= limit; i++ {
		res, err := l.Allow(ctx, "k")
		require.NoError(t, err)
		assert.True(t, res.Allowed, "request %d", i)
		assert.Equal(t, limit-i, res.Remaining, "request %d", i)
		assert.Equal(t, int64(limit), res.Limit)
		assert.Zero(t, res.RetryAfter)
	}
}

func TestFixedWindow_ExampleSequence(t *testing.T) {
	l, c := newLimiter(t, 2, 60*time.Second)
	ctx := context.Background()

	a, _ := l.Allow(ctx, "k")
	assert.True(t, a.Allowed)
	assert.Equal(t, int64(1), a.Remaining)
	assert.Equal(t, epoch.Add(60*time.Second), a.ResetAt)

	c.Advance(time.Second)
	b, _ := l.Allow(ctx, "k")
	assert.True(t, b.Allowed)
	assert.Equal(t, int64(0), b.Remaining)
	assert.Equal(t, a.ResetAt, b.ResetAt, "reset time is fixed within a window")

	c.Advance(time.Second)
	cc, _ := l.Allow(ctx, "k")
	assert.False(t, cc.Allowed)
	assert.Equal(t, int64(0), cc.Remaining)
	assert.Equal(t, epoch.Add(60*time.Second), cc.ResetAt)
	assert.Equal(t, 58*time.Second, cc.RetryAfter)
	assert.Equal(t, 58*time.Second, cc.WindowResetIn)

	c.Set(epoch.Add(61 * time.Second))
	d, _ := l.Allow(ctx, "k")
	assert.True(t, d.Allowed)
	assert.Equal(t, int64(1), d.Remaining)
	assert.Equal(t, epoch.Add(121*time.Second), d.ResetAt)
}

func TestFixedWindow_RejectedRequestsDoNotGoNegative(t *testing.T) {
	l, _ := newLimiter(t, 1, time.Minute)
	ctx := context.Background()

	_, _ = l.Allow(ctx, "k")
	for range 10 {
		res, _ := l.Allow(ctx, "k")
		assert.False(t, res.Allowed)
		assert.Equal(t, int64(0), res.Remaining)
	}
}

func TestFixedWindow_ResetsExactlyAtBoundary(t *testing.T) {
	l, c := newLimiter(t, 1, time.Minute)
	ctx := context.Background()

	_, _ = l.Allow(ctx, "k")
	c.Advance(time.Minute - time.Nanosecond)
	res, _ := l.Allow(ctx, "k")
	assert.False(t, res.Allowed)

	// now == windowResetAt: the record is expired
	c.Advance(time.Nanosecond)
	res, _ = l.Allow(ctx, "k")
	assert.True(t, res.Allowed)
	assert.Equal(t, int64(0), res.Remaining)
}

func TestFixedWindow_NewWindowIgnoresPriorRejections(t *testing.T) {
	l, c := newLimiter(t, 3, time.Minute)
	ctx := context.Background()

	for range 20 {
		_, _ = l.Allow(ctx, "k")
	}
	c.Advance(2 * time.Minute)

	res, _ := l.Allow(ctx, "k")
	assert.True(t, res.Allowed)
	assert.Equal(t, int64(2), res.Remaining)
}

func TestFixedWindow_KeysAreIsolated(t *testing.T) {
	l, _ := newLimiter(t, 1, time.Minute)
	ctx := context.Background()

	a, _ := l.Allow(ctx, "a")
	assert.True(t, a.Allowed)
	a2, _ := l.Allow(ctx, "a")
	assert.False(t, a2.Allowed)

	b, _ := l.Allow(ctx, "b")
	assert.True(t, b.Allowed)
	assert.Equal(t, int64(0), b.Remaining)
}

func TestFixedWindow_ConcurrentSameKeyAdmitsAtMostLimit(t *testing.T) {
	const (
		limit   = 50
		callers = 400
	)
	for _, shards := range []int{1, 64} {
		t.Run(fmt.Sprintf("shards=%d", shards), func(t *testing.T) {
			l, _ := newLimiter(t, limit, time.Minute, WithShards(shards))

			var (
				admitted atomic.Int64
				start    = make(chan struct{})
				wg       sync.WaitGroup
			)
			for range callers {
				wg.Add(1)
				go func() {
					defer wg.Done()
					<-start
					res, err := l.Allow(context.Background(), "hot")
					if err == nil && res.Allowed {
						admitted.Add(1)
					}
				}()
			}
			close(start)
			wg.Wait()

			assert.Equal(t, int64(limit), admitted.Load())
		})
	}
}

func TestFixedWindow_ConcurrentDistinctKeys(t *testing.T) {
	l, _ := newLimiter(t, 2, time.Minute, WithShards(8))

	var wg sync.WaitGroup
	for i := range 200 {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			key := Key(fmt.Sprintf("client-%d", i))
			for n := range 3 {
				res, _ := l.Allow(context.Background(), key)
				if n < 2 {
					assert.True(t, res.Allowed)
				} else {
					assert.False(t, res.Allowed)
				}
			}
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 200, l.Len())
}

func TestFixedWindow_WithShardsRoundsToPowerOfTwo(t *testing.T) {
	l, _ := newLimiter(t, 1, time.Minute, WithShards(5))
	assert.Len(t, l.shards, 8)
	assert.Equal(t, uint64(7), l.mask)

	l, _ = newLimiter(t, 1, time.Minute, WithShards(1))
	assert.Len(t, l.shards, 1)
	assert.Equal(t, uint64(0), l.mask)
}

func TestFixedWindow_SweepRemovesExpiredRecords(t *testing.T) {
	l, c := newLimiter(t, 5, time.Minute)
	ctx := context.Background()

	_, _ = l.Allow(ctx, "old")
	c.Advance(30 * time.Second)
	_, _ = l.Allow(ctx, "fresh")
	require.Equal(t, 2, l.Len())

	// "old" expires at +60s, "fresh" at +90s
	now := c.Advance(31 * time.Second)
	assert.Equal(t, 1, l.Sweep(now))
	assert.Equal(t, 1, l.Len())

	res, _ := l.Allow(ctx, "fresh")
	assert.Equal(t, int64(3), res.Remaining, "sweep must not touch live windows")
}

func TestFixedWindow_SweepGraceKeepsRecentlyExpired(t *testing.T) {
	l, c := newLimiter(t, 5, time.Minute, WithSweepGrace(time.Minute))
	_, _ = l.Allow(context.Background(), "k")

	now := c.Advance(90 * time.Second)
	assert.Zero(t, l.Sweep(now))

	now = c.Advance(30 * time.Second)
	assert.Equal(t, 1, l.Sweep(now))
	assert.Zero(t, l.Len())
}

func TestFixedWindow_JanitorSweepsInBackground(t *testing.T) {
	l, err := NewFixedWindowRateLimiter(clock.RealClock{}, 1, time.Millisecond)
	require.NoError(t, err)
	_, _ = l.Allow(context.Background(), "k")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	l.StartJanitor(ctx, 2*time.Millisecond)

	assert.Eventually(t, func() bool { return l.Len() == 0 }, time.Second, 5*time.Millisecond)
}

func TestFixedWindowFactory_FallsBackToDefaults(t *testing.T) {
	rl := FixedWindowFactory(clock.NewManualClock(epoch))(0, 0)
	l, ok := rl.(*FixedWindowRateLimiter)
	require.True(t, ok)
	assert.Equal(t, DefaultLimit, l.Limit())
	assert.Equal(t, DefaultWindow, l.Window())
}

func TestResult_SecondsRoundUp(t *testing.T) {
	r := Result{RetryAfter: 1500 * time.Millisecond, WindowResetIn: 59*time.Second + time.Nanosecond}
	assert.EqualValues(t, 2, r.RetryAfterSeconds())
	assert.EqualValues(t, 60, r.ResetInSeconds())
	assert.EqualValues(t, 0, Result{}.RetryAfterSeconds())
}

func TestAdmission_NoteRoundTrip(t *testing.T) {
	ctx, a := WithAdmission(context.Background())
	assert.False(t, a.Admitted())

	ctx2, same := WithAdmission(ctx)
	assert.Same(t, a, same)
	assert.Equal(t, ctx, ctx2)

	AdmissionFrom(ctx).Set("k", Result{Allowed: true, Remaining: 3})
	key, res, ok := a.Get()
	assert.True(t, ok)
	assert.Equal(t, Key("k"), key)
	assert.Equal(t, int64(3), res.Remaining)
	assert.True(t, a.Admitted())

	var nilNote *Admission
	nilNote.Set("k", Result{})
	assert.False(t, nilNote.Admitted())
}
