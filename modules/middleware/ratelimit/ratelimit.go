package ratelimit

import (
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"diarygate/modules/middleware"
	"diarygate/modules/middleware/problem"
	rl "diarygate/modules/ratelimit"
	"diarygate/modules/telemetry"
)

const (
	HeaderLimit         = "X-RateLimit-Limit"
	HeaderRemaining     = "X-RateLimit-Remaining"
	HeaderReset         = "X-RateLimit-Reset"
	HeaderResetSeconds  = "X-RateLimit-Reset-Seconds"
	HeaderWindowSeconds = "X-RateLimit-Window-Seconds"
	HeaderRetryAfter    = "Retry-After"
)

// NewRateLimitMiddleware charges every request to the key returned by keyFn and
// rejects it with 429 once the key's budget for the current window is spent.
//
// Admitted requests carry the rate limit headers of the decision taken here,
// even when an inner layer fails. Limiter errors are handed to the error monitor.
func NewRateLimitMiddleware(limiter rl.RateLimiter, keyFn KeyFunc, metrics *telemetry.PipelineMetrics) func(http.Handler) http.Handler {
	if keyFn == nil {
		keyFn = RemoteIpKeyFunc
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := keyFn(r)
			if key == "" {
				key = AnonymousKey
			}

			result, err := limiter.Allow(r.Context(), key)
			if err != nil {
				middleware.Fail(w, r, err)
				return
			}

			rl.AdmissionFrom(r.Context()).Set(key, result)
			metrics.RecordDecision(r.Context(), result.Allowed)

			writeRateLimitHeaders(w, result)

			if !result.Allowed {
				slog.DebugContext(r.Context(), "rate limited",
					slog.String("middleware", "rate_limiter"),
					slog.String("url", r.URL.Path),
					slog.String("key", string(key)),
				)
				problem.Write(w, r, tooManyRequests(result))
				return
			}

			// handlers may overwrite the headers, re-apply right before the response is committed
			hw := &rateLimitHeaderWriter{ResponseWriter: w, result: result}
			// also when nothing was written, so a 500 from the monitor after a panic keeps them
			defer hw.ensure()
			next.ServeHTTP(hw, r)
		})
	}
}

func tooManyRequests(result rl.Result) *problem.Problem {
	return problem.TooManyRequests(
		"request budget for the current window is exhausted",
		problem.WithExtension("reset_at", result.ResetAt.UTC().Format(time.RFC3339)),
		problem.WithExtension("retry_after_seconds", result.RetryAfterSeconds()),
	)
}

func writeRateLimitHeaders(w http.ResponseWriter, result rl.Result) {
	h := w.Header()
	h.Set(HeaderLimit, strconv.FormatInt(result.Limit, 10))
	h.Set(HeaderRemaining, strconv.FormatInt(result.Remaining, 10))
	h.Set(HeaderReset, strconv.FormatInt(result.ResetAt.Unix(), 10))
	h.Set(HeaderResetSeconds, strconv.FormatInt(result.ResetInSeconds(), 10))
	h.Set(HeaderWindowSeconds, strconv.FormatInt(int64(result.Window.Seconds()), 10))
	if !result.Allowed {
		h.Set(HeaderRetryAfter, strconv.FormatInt(result.RetryAfterSeconds(), 10))
	}
}

type rateLimitHeaderWriter struct {
	http.ResponseWriter
	result  rl.Result
	ensured bool
}

func (w *rateLimitHeaderWriter) ensure() {
	if w.ensured {
		return
	}
	writeRateLimitHeaders(w.ResponseWriter, w.result)
	w.ensured = true
}

func (w *rateLimitHeaderWriter) WriteHeader(statusCode int) {
	w.ensure()
	w.ResponseWriter.WriteHeader(statusCode)
}

func (w *rateLimitHeaderWriter) Write(p []byte) (int, error) {
	w.ensure()
	return w.ResponseWriter.Write(p)
}

func (w *rateLimitHeaderWriter) Flush() {
	w.ensure()
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (w *rateLimitHeaderWriter) Unwrap() http.ResponseWriter { return w.ResponseWriter }
