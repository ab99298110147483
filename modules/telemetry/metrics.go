package telemetry

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// HTTPMetrics instruments the edge of the mux. Responses written by the
// protection layers are counted here too, with the rejection reason.
// A nil *HTTPMetrics records nothing.
type HTTPMetrics struct {
	requests   metric.Int64Counter
	duration   metric.Float64Histogram
	bodySize   metric.Int64Histogram
	rejections metric.Int64Counter
}

// RequestSample is one finished request as seen from outside the pipeline.
type RequestSample struct {
	Method  string
	Route   string
	Status  int
	Elapsed time.Duration
	Bytes   int64
}

func NewHTTPMetrics(serviceName string) (*HTTPMetrics, error) {
	meter := otel.Meter(serviceName)

	requests, err := meter.Int64Counter(
		"http_server_requests_total",
		metric.WithDescription("Total number of HTTP requests"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return nil, err
	}

	duration, err := meter.Float64Histogram(
		"http_server_duration_seconds",
		metric.WithDescription("HTTP request duration, protection layers included"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	bodySize, err := meter.Int64Histogram(
		"http_server_response_size",
		metric.WithDescription("HTTP response body size"),
		metric.WithUnit("By"),
	)
	if err != nil {
		return nil, err
	}

	rejections, err := meter.Int64Counter(
		"http_server_rejections_total",
		metric.WithDescription("Requests answered by a protection layer instead of a handler"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return nil, err
	}

	return &HTTPMetrics{
		requests:   requests,
		duration:   duration,
		bodySize:   bodySize,
		rejections: rejections,
	}, nil
}

func (m *HTTPMetrics) RecordRequest(ctx context.Context, s RequestSample) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("http_method", s.Method),
		attribute.String("http_route", s.Route),
		attribute.String("http_status_code", strconv.Itoa(s.Status)),
	)

	m.requests.Add(ctx, 1, attrs)
	m.duration.Record(ctx, s.Elapsed.Seconds(), attrs)
	if s.Bytes > 0 {
		m.bodySize.Record(ctx, s.Bytes, attrs)
	}
	if reason := rejectionReason(s.Status); reason != "" {
		m.rejections.Add(ctx, 1, metric.WithAttributes(
			attribute.String("http_route", s.Route),
			attribute.String("reason", reason),
		))
	}
}

// rejectionReason maps the statuses the pipeline produces on its own.
// Handlers may answer with the same codes, so this is an upper bound.
func rejectionReason(status int) string {
	switch {
	case status == http.StatusForbidden:
		return "forbidden"
	case status == http.StatusTooManyRequests:
		return "rate_limited"
	case status >= http.StatusInternalServerError:
		return "fault"
	default:
		return ""
	}
}
