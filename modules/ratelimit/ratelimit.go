// Copyright 2025 Nhat-Nguyen Nguyen
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package ratelimit

import (
	"context"
	"time"
)

type (
	// LimiterFactory builds a limiter for a budget of limit requests per window.
	LimiterFactory func(limit int64, window time.Duration) RateLimiter

	// RateLimiter admits or rejects one request for a key.
	// Implementations must be safe for concurrent use. The window check, the
	// increment and the comparison of one call are a single atomic step.
	RateLimiter interface {
		Allow(ctx context.Context, key Key) (Result, error)
	}

	// Key identifies whose budget a request is charged to, e.g. "ip:10.0.0.1" or "user:u-42".
	Key string

	// Result is the admission decision for one request.
	//
	// It is computed once at admission and reused for the response headers
	// instead of being re-read from the table after the handler ran.
	Result struct {
		Allowed       bool
		Remaining     int64         // max(0, limit-count)
		RetryAfter    time.Duration // zero when allowed
		Limit         int64
		Window        time.Duration
		WindowResetIn time.Duration // time until ResetAt
		ResetAt       time.Time     // end of the current window, fixed for the whole window
	}
)

// RetryAfterSeconds is RetryAfter rounded up, so a client honoring it never
// comes back before the window ends.
func (r Result) RetryAfterSeconds() int64 { return ceilSeconds(r.RetryAfter) }

// ResetInSeconds is WindowResetIn rounded up.
func (r Result) ResetInSeconds() int64 { return ceilSeconds(r.WindowResetIn) }

func ceilSeconds(d time.Duration) int64 {
	if d <= 0 {
		return 0
	}
	return int64((d + time.Second - 1) / time.Second)
}
