package problem

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace"
)

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body
}

func TestWrite_MergesExtensions(t *testing.T) {
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/v1/me", nil)
	Write(rec, req, TooManyRequests("rate limit exceeded",
		WithExtension("retry_after_seconds", 30),
		WithExtension("status", 999), // standard members win
	))

	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "application/problem+json", rec.Header().Get("Content-Type"))

	body := decode(t, rec)
	assert.Equal(t, "Too Many Requests", body["title"])
	assert.Equal(t, float64(429), body["status"])
	assert.Equal(t, CodeRateLimitExceeded, body["code"])
	assert.Equal(t, "/v1/me", body["instance"])
	assert.Equal(t, float64(30), body["retry_after_seconds"])
	assert.NotContains(t, body, "traceId")
}

func TestWrite_NilFallsBackToInternal(t *testing.T) {
	rec := httptest.NewRecorder()
	rec.Header().Set("Content-Length", "12")
	Write(rec, nil, nil)

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Empty(t, rec.Header().Get("Content-Length"))
	assert.Equal(t, CodeInternalError, decode(t, rec)["code"])
}

func TestWrite_AttachesTraceID(t *testing.T) {
	traceID, err := trace.TraceIDFromHex("4bf92f3577b34da6a3ce929d0e0e4736")
	require.NoError(t, err)
	spanID, err := trace.SpanIDFromHex("00f067aa0ba902b7")
	require.NoError(t, err)
	ctx := trace.ContextWithSpanContext(context.Background(), trace.NewSpanContext(trace.SpanContextConfig{
		TraceID: traceID,
		SpanID:  spanID,
	}))

	rec := httptest.NewRecorder()
	Write(rec, httptest.NewRequest(http.MethodGet, "/", nil).WithContext(ctx), Internal("boom"))

	assert.Equal(t, "4bf92f3577b34da6a3ce929d0e0e4736", decode(t, rec)["traceId"])
}

func TestConstructors(t *testing.T) {
	p := Forbidden("missing capability", WithCode(CodeMissingCapability))
	assert.Equal(t, http.StatusForbidden, p.Status)
	assert.Equal(t, "Forbidden", p.Title)
	assert.Equal(t, CodeMissingCapability, p.Code)

	p = PayloadTooLarge("too big")
	assert.Equal(t, http.StatusRequestEntityTooLarge, p.Status)
	assert.Equal(t, CodeBodyTooLarge, p.Code)

	p = BadRequest("bad", WithInvalidParam("text", "empty"), WithInvalidParam("lang", "unknown"))
	assert.Equal(t, CodeInvalidParams, p.Code)
	assert.Len(t, p.InvalidParams, 2)

	p = New(599, "odd")
	assert.Equal(t, "Unknown Error", p.Title)
	assert.Equal(t, "about:blank", p.Type)
}
