package problem

import (
	"encoding/json"
	"net/http"

	"go.opentelemetry.io/otel/trace"
)

// Machine readable codes carried in the "code" member.
const (
	CodeRateLimitExceeded = "rate_limit_exceeded"
	CodeMissingCapability = "missing_capability"
	CodeInternalError     = "internal_error"
	CodeMalformedBody     = "malformed_body"
	CodeBodyTooLarge      = "body_too_large"
	CodeInvalidParams     = "invalid_params"
)

// Problem is an RFC 7807 Problem Details document with optional extensions.
// Every error response of the protection pipeline is written in this shape.
type Problem struct {
	Type          string         `json:"type"`
	Title         string         `json:"title"`
	Status        int            `json:"status"`
	Detail        string         `json:"detail,omitempty"`
	Instance      string         `json:"instance,omitempty"`
	Code          string         `json:"code,omitempty"`
	TraceID       string         `json:"traceId,omitempty"`
	InvalidParams []InvalidParam `json:"invalidParams,omitempty"`

	// Extensions are merged into the top-level object. Standard members win on conflict.
	Extensions map[string]any `json:"-"`
}

type InvalidParam struct {
	Name   string `json:"name"`
	Reason string `json:"reason"`
}

type Option func(*Problem)

// New builds a problem for status. The title defaults to the status text.
func New(status int, detail string, opts ...Option) *Problem {
	p := &Problem{
		Type:   "about:blank",
		Title:  http.StatusText(status),
		Status: status,
		Detail: detail,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	if p.Title == "" {
		p.Title = "Unknown Error"
	}
	return p
}

func BadRequest(detail string, opts ...Option) *Problem {
	return New(http.StatusBadRequest, detail, opts...)
}

func Forbidden(detail string, opts ...Option) *Problem {
	return New(http.StatusForbidden, detail, opts...)
}

func PayloadTooLarge(detail string, opts ...Option) *Problem {
	return New(http.StatusRequestEntityTooLarge, detail, WithCode(CodeBodyTooLarge)).with(opts)
}

func TooManyRequests(detail string, opts ...Option) *Problem {
	return New(http.StatusTooManyRequests, detail, WithCode(CodeRateLimitExceeded)).with(opts)
}

func Internal(detail string, opts ...Option) *Problem {
	return New(http.StatusInternalServerError, detail, WithCode(CodeInternalError)).with(opts)
}

func (p *Problem) with(opts []Option) *Problem {
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	return p
}

func WithTitle(title string) Option {
	return func(p *Problem) { p.Title = title }
}

func WithCode(code string) Option {
	return func(p *Problem) { p.Code = code }
}

func WithInvalidParam(name, reason string) Option {
	return func(p *Problem) {
		p.InvalidParams = append(p.InvalidParams, InvalidParam{Name: name, Reason: reason})
		if p.Code == "" {
			p.Code = CodeInvalidParams
		}
	}
}

func WithExtension(key string, value any) Option {
	return func(p *Problem) {
		if p.Extensions == nil {
			p.Extensions = map[string]any{}
		}
		p.Extensions[key] = value
	}
}

// Write sends p for r. The request path becomes the instance and the active
// trace id, if any, is attached so the response can be matched with the trace.
func Write(w http.ResponseWriter, r *http.Request, p *Problem) {
	if p == nil {
		p = Internal("server error")
	}
	if r != nil {
		if p.Instance == "" {
			p.Instance = r.URL.Path
		}
		if sc := trace.SpanContextFromContext(r.Context()); sc.HasTraceID() && p.TraceID == "" {
			p.TraceID = sc.TraceID().String()
		}
	}

	h := w.Header()
	h.Set("Content-Type", "application/problem+json")
	// a body produced by an earlier writer must not leak its length or encoding
	h.Del("Content-Length")
	h.Del("Content-Encoding")
	w.WriteHeader(p.Status)
	_ = json.NewEncoder(w).Encode(p)
}

// MarshalJSON merges Extensions into the base object.
func (p Problem) MarshalJSON() ([]byte, error) {
	// alias drops the method set, otherwise json.Marshal would recurse
	type alias Problem
	base, err := json.Marshal(alias(p))
	if err != nil || len(p.Extensions) == 0 {
		return base, err
	}
	var m map[string]any
	if err := json.Unmarshal(base, &m); err != nil {
		return nil, err
	}
	for k, v := range p.Extensions {
		if _, exists := m[k]; !exists {
			m[k] = v
		}
	}
	return json.Marshal(m)
}
