package serde

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type payload struct {
	Text string `json:"text"`
}

func body(s string) io.ReadCloser { return io.NopCloser(strings.NewReader(s)) }

func TestParseJsonBody(t *testing.T) {
	var p payload
	require.NoError(t, ParseJsonBody(body(`{"text":"dear diary"}`), &p))
	assert.Equal(t, "dear diary", p.Text)

	assert.Error(t, ParseJsonBody(body(`{"text":"x","extra":1}`), &p))
	assert.Error(t, ParseJsonBody(body(`{"text":"x"}{"text":"y"}`), &p))
	assert.Error(t, ParseJsonBody(body(`not json`), &p))
}

func TestWriteJSON(t *testing.T) {
	rr := httptest.NewRecorder()
	WriteJSON(rr, http.StatusCreated, payload{Text: "ok"})

	assert.Equal(t, http.StatusCreated, rr.Code)
	assert.Equal(t, "application/json", rr.Header().Get("Content-Type"))
	assert.JSONEq(t, `{"text":"ok"}`, rr.Body.String())
}
