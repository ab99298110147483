package services

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"diarygate/modules/api/serde"
	"diarygate/modules/capability"
	"diarygate/modules/clock"
	"diarygate/modules/middleware"
	"diarygate/modules/middleware/problem"
	"diarygate/modules/pipeline"
	"diarygate/modules/ratelimit"
	"diarygate/modules/server"
	"diarygate/modules/usage"
)

const (
	maxBodyBytes = 4 << 20

	ocrCostUnits = 5
	// cleanup is charged one unit per started block of cleanupUnitChars
	cleanupUnitChars = 1000
)

var _ server.RegistrableService = (*DiaryAIService)(nil)

type (
	// UsageReader serves the admin usage report.
	UsageReader interface {
		Snapshot() map[string]usage.Totals
	}

	// TableSizer reports the number of tracked admission keys.
	TableSizer interface {
		Len() int
	}

	// DiaryAIService exposes the diary AI operations behind the protection pipeline.
	DiaryAIService struct {
		composer *pipeline.Composer
		model    TextModel
		usage    UsageReader
		table    TableSizer
		clock    clock.Clock
	}

	Option func(*DiaryAIService)

	ocrRequest struct {
		Image    []byte `json:"image"` // base64 in JSON
		MimeType string `json:"mime_type"`
	}

	textRequest struct {
		Text string `json:"text"`
	}

	textResponse struct {
		Text  string `json:"text"`
		Units int64  `json:"units_charged"`
	}
)

func WithClock(c clock.Clock) Option {
	return func(s *DiaryAIService) {
		if c != nil {
			s.clock = c
		}
	}
}

// NewDiaryAIService mounts the demo endpoints. usage and table may be nil, the
// admin report then leaves their sections empty.
func NewDiaryAIService(c *pipeline.Composer, model TextModel, usage UsageReader, table TableSizer, opts ...Option) *DiaryAIService {
	if model == nil {
		model = StubModel{}
	}
	s := &DiaryAIService{composer: c, model: model, usage: usage, table: table, clock: clock.RealClockProvider()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *DiaryAIService) Register(mux *http.ServeMux) {
	c := s.composer
	mux.HandleFunc("GET /healthz", s.health)
	mux.Handle("GET /v1/ping", c.Basic(http.HandlerFunc(s.ping)))
	mux.Handle("GET /v1/me", c.Full(middleware.HandlerFunc(s.me), capability.Authenticated()))
	mux.Handle("POST /v1/ocr", c.Full(middleware.HandlerFunc(s.ocr), capability.AtLeast(capability.PlanFree)))
	mux.Handle("POST /v1/cleanup", c.Full(middleware.HandlerFunc(s.cleanup), capability.AtLeast(capability.PlanFree)))
	mux.Handle("GET /v1/admin/usage", c.AdminOnly(middleware.HandlerFunc(s.adminUsage), capability.Role(capability.RoleAdmin)))
}

func (s *DiaryAIService) Middlewares() []func(http.Handler) http.Handler { return nil }

func (s *DiaryAIService) health(w http.ResponseWriter, _ *http.Request) {
	serde.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *DiaryAIService) ping(w http.ResponseWriter, _ *http.Request) {
	serde.WriteJSON(w, http.StatusOK, map[string]string{"pong": s.clock.Now().UTC().Format(time.RFC3339)})
}

func (s *DiaryAIService) me(w http.ResponseWriter, r *http.Request) error {
	c, _ := capability.FromContext(r.Context())
	resp := map[string]any{
		"subject": c.Subject,
		"plan":    c.Plan,
		"roles":   c.Roles,
	}
	if _, res, ok := ratelimit.AdmissionFrom(r.Context()).Get(); ok {
		resp["remaining"] = res.Remaining
		resp["reset_at"] = res.ResetAt.UTC().Format(time.RFC3339)
	}
	serde.WriteJSON(w, http.StatusOK, resp)
	return nil
}

func (s *DiaryAIService) ocr(w http.ResponseWriter, r *http.Request) error {
	var req ocrRequest
	if !decode(w, r, &req) {
		return nil
	}
	if len(req.Image) == 0 {
		problem.Write(w, r, problem.BadRequest("image is required", problem.WithInvalidParam("image", "empty")))
		return nil
	}

	usage.Charge(r.Context(), ocrCostUnits)
	text, err := s.model.ExtractText(r.Context(), req.Image, req.MimeType)
	if err != nil {
		return fmt.Errorf("ocr: %w", err)
	}
	serde.WriteJSON(w, http.StatusOK, textResponse{Text: text, Units: charged(r)})
	return nil
}

func (s *DiaryAIService) cleanup(w http.ResponseWriter, r *http.Request) error {
	var req textRequest
	if !decode(w, r, &req) {
		return nil
	}
	if req.Text == "" {
		problem.Write(w, r, problem.BadRequest("text is required", problem.WithInvalidParam("text", "empty")))
		return nil
	}

	usage.Charge(r.Context(), int64((len(req.Text)+cleanupUnitChars-1)/cleanupUnitChars))
	text, err := s.model.Cleanup(r.Context(), req.Text)
	if err != nil {
		return fmt.Errorf("cleanup: %w", err)
	}
	serde.WriteJSON(w, http.StatusOK, textResponse{Text: text, Units: charged(r)})
	return nil
}

func (s *DiaryAIService) adminUsage(w http.ResponseWriter, _ *http.Request) error {
	resp := map[string]any{"usage": map[string]usage.Totals{}}
	if s.usage != nil {
		resp["usage"] = s.usage.Snapshot()
	}
	if s.table != nil {
		resp["tracked_keys"] = s.table.Len()
	}
	serde.WriteJSON(w, http.StatusOK, resp)
	return nil
}

func decode[T any](w http.ResponseWriter, r *http.Request, v *T) bool {
	err := serde.ParseJsonBody(http.MaxBytesReader(w, r.Body, maxBodyBytes), v)
	if err == nil {
		return true
	}
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		problem.Write(w, r, problem.PayloadTooLarge("request body too large"))
		return false
	}
	problem.Write(w, r, problem.BadRequest("malformed JSON body", problem.WithCode(problem.CodeMalformedBody)))
	return false
}

// charged is what the handler added on top of the base cost so far.
func charged(r *http.Request) int64 {
	return usage.MeterFrom(r.Context()).Units()
}
