package middleware

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"runtime/debug"
	"sync"

	"diarygate/modules/middleware/problem"
	"diarygate/modules/telemetry"

	"github.com/gofrs/uuid/v5"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

type (
	// Fault is an unexpected failure surfaced by any layer inside the monitor.
	Fault struct {
		IncidentID string
		Err        error
		Stack      []byte // only set for recovered panics
		Method     string
		Path       string
		// Committed is true when the response had already been started, in which
		// case the client sees whatever was written before the fault.
		Committed bool
	}

	// Reporter forwards faults to an observability backend.
	Reporter interface {
		Report(ctx context.Context, f Fault)
	}

	ReporterFunc func(ctx context.Context, f Fault)

	// HandlerFunc is a handler that may fail. A returned error is handed to the
	// error monitor, which answers 500 unless the handler already responded.
	HandlerFunc func(w http.ResponseWriter, r *http.Request) error
)

func (f ReporterFunc) Report(ctx context.Context, fault Fault) { f(ctx, fault) }

func (h HandlerFunc) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if err := h(w, r); err != nil {
		Fail(w, r, err)
	}
}

// PanicError wraps a recovered value that was not an error itself.
type PanicError struct {
	Value any
}

func (e *PanicError) Error() string { return fmt.Sprintf("panic: %v", e.Value) }

func panicError(rec any) error {
	if err, ok := rec.(error); ok {
		return fmt.Errorf("panic: %w", err)
	}
	return &PanicError{Value: rec}
}

func stack() []byte { return debug.Stack() }

// faultSlot collects errors reported by inner layers for the current request.
type faultSlot struct {
	mu   sync.Mutex
	errs []error
}

type faultCtxKey struct{}

func (s *faultSlot) add(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.errs = append(s.errs, err)
}

func (s *faultSlot) err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return errors.Join(s.errs...)
}

// take returns the collected errors and empties the slot.
func (s *faultSlot) take() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	err := errors.Join(s.errs...)
	s.errs = nil
	return err
}

// Fail hands err to the enclosing error monitor. Without a monitor in the chain
// the fault is logged and answered with a 500 right away.
func Fail(w http.ResponseWriter, r *http.Request, err error) {
	if err == nil {
		return
	}
	if slot, ok := r.Context().Value(faultCtxKey{}).(*faultSlot); ok {
		slot.add(err)
		return
	}
	slog.ErrorContext(r.Context(), "unmonitored handler error",
		slog.Any("error", err),
		slog.String("method", r.Method),
		slog.String("url", r.URL.Path),
	)
	problem.Write(w, r, problem.Internal(genericDetail))
}

// FaultFrom returns the errors reported so far for the request, joined.
func FaultFrom(ctx context.Context) error {
	if slot, ok := ctx.Value(faultCtxKey{}).(*faultSlot); ok {
		return slot.err()
	}
	return nil
}

const genericDetail = "internal server error"

// Monitor is the outermost protection layer.
//
// It recovers panics raised anywhere inside it (layers included, not only the
// handler) and collects errors passed to Fail. Every fault is reported and, if
// the response is not committed yet, answered with a generic 500 problem that
// carries an incident id instead of the error text. Headers already set by inner
// layers (e.g. rate limit headers) are kept.
func Monitor(reporter Reporter) func(http.Handler) http.Handler {
	if reporter == nil {
		reporter = NewSlogReporter(nil)
	}
	return func(next http.Handler) http.Handler {
		guarded := Recovery(func(w http.ResponseWriter, r *http.Request, recovered any, stack []byte) {
			err := panicError(recovered)
			if slot, ok := r.Context().Value(faultCtxKey{}).(*faultSlot); ok {
				err = errors.Join(err, slot.take())
			}
			convertFault(w, r, reporter, err, stack)
		})(next)

		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			slot := &faultSlot{}
			r = r.WithContext(context.WithValue(r.Context(), faultCtxKey{}, slot))
			rec := NewResponseRecorder(w)

			guarded.ServeHTTP(rec, r)

			if err := slot.take(); err != nil {
				convertFault(rec, r, reporter, err, nil)
			}
		})
	}
}

func convertFault(w http.ResponseWriter, r *http.Request, reporter Reporter, err error, stack []byte) {
	committed := false
	if rec, ok := w.(*ResponseRecorder); ok {
		committed = rec.Written()
	}

	f := Fault{
		IncidentID: newIncidentID(),
		Err:        err,
		Stack:      stack,
		Method:     r.Method,
		Path:       r.URL.Path,
		Committed:  committed,
	}
	reporter.Report(r.Context(), f)

	if committed {
		return
	}
	problem.Write(w, r, problem.Internal(genericDetail,
		problem.WithExtension("incident_id", f.IncidentID),
	))
}

func newIncidentID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.Must(uuid.NewV4()).String()
	}
	return id.String()
}

// NewSlogReporter logs faults with full detail. A nil logger uses slog.Default.
func NewSlogReporter(logger *slog.Logger) Reporter {
	return ReporterFunc(func(ctx context.Context, f Fault) {
		l := logger
		if l == nil {
			l = slog.Default()
		}
		attrs := []any{
			slog.String("incident_id", f.IncidentID),
			slog.Any("error", f.Err),
			slog.String("method", f.Method),
			slog.String("url", f.Path),
			slog.Bool("committed", f.Committed),
		}
		if len(f.Stack) > 0 {
			attrs = append(attrs, slog.String("stack", string(f.Stack)))
		}
		l.ErrorContext(ctx, "request fault", attrs...)
	})
}

// NewOtelReporter marks the active span as failed and counts the fault.
func NewOtelReporter(metrics *telemetry.PipelineMetrics) Reporter {
	return ReporterFunc(func(ctx context.Context, f Fault) {
		span := trace.SpanFromContext(ctx)
		span.RecordError(f.Err)
		span.SetStatus(codes.Error, "request fault "+f.IncidentID)
		metrics.RecordFault(ctx, f.Committed)
	})
}

// MultiReporter reports to every non-nil reporter in order.
func MultiReporter(reporters ...Reporter) Reporter {
	return ReporterFunc(func(ctx context.Context, f Fault) {
		for _, r := range reporters {
			if r != nil {
				r.Report(ctx, f)
			}
		}
	})
}
