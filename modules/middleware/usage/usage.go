package usage

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"diarygate/modules/clock"
	"diarygate/modules/middleware"
	rl "diarygate/modules/ratelimit"
	"diarygate/modules/telemetry"
	acct "diarygate/modules/usage"

	"golang.org/x/time/rate"
)

type (
	Option func(*options)

	options struct {
		baseCost int64
		clock    clock.Clock
		metrics  *telemetry.PipelineMetrics
		logger   *slog.Logger
		// failures are logged at most once per interval, the rest are counted only
		sometimes *rate.Sometimes
	}
)

func WithBaseCost(units int64) Option {
	return func(o *options) { o.baseCost = max(units, 0) }
}

func WithClock(c clock.Clock) Option {
	return func(o *options) { o.clock = c }
}

func WithMetrics(m *telemetry.PipelineMetrics) Option {
	return func(o *options) { o.metrics = m }
}

func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithFailureLogInterval bounds how often accountant failures are logged.
func WithFailureLogInterval(d time.Duration) Option {
	return func(o *options) { o.sometimes = &rate.Sometimes{First: 1, Interval: d} }
}

// NewUsageMiddleware records one usage record per request admitted by an inner
// rate limit layer, whatever the outcome of the request: rejections further in,
// handler errors and panics included. Requests the rate limiter rejected are
// never recorded.
//
// The cost is the base cost plus what the handler charged with usage.Charge.
// Accountant failures never change the response.
func NewUsageMiddleware(accountant acct.Accountant, opts ...Option) func(http.Handler) http.Handler {
	o := &options{
		baseCost:  1,
		clock:     clock.RealClockProvider(),
		logger:    slog.Default(),
		sometimes: &rate.Sometimes{First: 1, Interval: 10 * time.Second},
	}
	for _, opt := range opts {
		opt(o)
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx, note := rl.WithAdmission(r.Context())
			ctx, meter := acct.WithMeter(ctx)
			r = r.WithContext(ctx)
			rec := middleware.NewResponseRecorder(w)
			start := o.clock.Now()

			completed := false
			// deferred so that panics on their way to the monitor are still accounted
			defer func() {
				key, result, decided := note.Get()
				if !decided || !result.Allowed {
					return
				}
				o.record(ctx, accountant, acct.Record{
					Key:      string(key),
					Subject:  meter.Subject(),
					Method:   r.Method,
					Route:    routeOf(r),
					Status:   statusOf(rec, completed, middleware.FaultFrom(ctx) != nil),
					Units:    o.baseCost + meter.Units(),
					Duration: o.clock.Now().Sub(start),
					At:       start,
				})
			}()

			next.ServeHTTP(rec, r)
			completed = true
		})
	}
}

func (o *options) record(ctx context.Context, accountant acct.Accountant, rec acct.Record) {
	// the client may be gone already, the record is still worth keeping
	ctx = context.WithoutCancel(ctx)
	o.metrics.RecordCost(ctx, rec.Route, rec.Units)

	if err := accountant.Record(ctx, rec); err != nil {
		o.metrics.RecordAccountingFailure(ctx)
		o.sometimes.Do(func() {
			o.logger.WarnContext(ctx, "usage accounting failed",
				slog.String("middleware", "usage"),
				slog.String("key", rec.Key),
				slog.String("route", rec.Route),
				slog.Any("error", err),
			)
		})
	}
}

// statusOf is the status the client ends up with. Faults not answered yet are
// turned into a 500 by the monitor after this layer returns.
func statusOf(rec *middleware.ResponseRecorder, completed, faulted bool) int {
	if rec.Written() {
		return rec.Status()
	}
	if !completed || faulted {
		return http.StatusInternalServerError
	}
	return rec.Status()
}

func routeOf(r *http.Request) string {
	if r.Pattern != "" {
		return r.Pattern
	}
	return r.Method + " " + r.URL.Path
}
