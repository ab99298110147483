package authz

import (
	"errors"
	"log/slog"
	"net/http"

	"diarygate/modules/capability"
	"diarygate/modules/middleware/problem"
	"diarygate/modules/telemetry"
	"diarygate/modules/usage"
)

// Guard resolves the capability context of the request, attaches it for inner
// layers and rejects the request with 403 when any requirement is unmet.
//
// Resolution failures never fail the request: the caller is treated as
// anonymous, which satisfies no requirement but Guard() with none.
func Guard(resolver capability.Resolver, metrics *telemetry.PipelineMetrics, reqs ...capability.Requirement) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			c := resolve(resolver, r)
			usage.MeterFrom(r.Context()).Attribute(c.Subject)
			r = r.WithContext(capability.NewContext(r.Context(), c))

			if unmet, ok := capability.Unmet(c, reqs...); ok {
				reject(w, r, metrics, unmet)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// Require checks reqs against the capability context a Guard already attached.
// Without one the caller counts as anonymous.
func Require(metrics *telemetry.PipelineMetrics, reqs ...capability.Requirement) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			c, _ := capability.FromContext(r.Context())
			if unmet, ok := capability.Unmet(c, reqs...); ok {
				reject(w, r, metrics, unmet)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func resolve(resolver capability.Resolver, r *http.Request) capability.Context {
	if resolver == nil {
		return capability.Anonymous
	}
	c, err := resolver.Resolve(r)
	switch {
	case err == nil:
		return c
	case errors.Is(err, capability.ErrNoCredentials):
	case errors.Is(err, capability.ErrUnavailable):
		slog.WarnContext(r.Context(), "capability resolver unavailable, continuing as anonymous",
			slog.String("middleware", "authz"),
			slog.String("url", r.URL.Path),
			slog.Any("error", err),
		)
	default:
		slog.DebugContext(r.Context(), "rejected credentials, continuing as anonymous",
			slog.String("middleware", "authz"),
			slog.String("url", r.URL.Path),
			slog.Any("error", err),
		)
	}
	return capability.Anonymous
}

func reject(w http.ResponseWriter, r *http.Request, metrics *telemetry.PipelineMetrics, unmet capability.Requirement) {
	slog.DebugContext(r.Context(), "missing capability",
		slog.String("middleware", "authz"),
		slog.String("url", r.URL.Path),
		slog.String("required", unmet.Name),
	)
	metrics.RecordAuthorizationRejection(r.Context(), unmet.Name)
	problem.Write(w, r, problem.Forbidden(
		"the caller lacks a capability this endpoint requires",
		problem.WithCode(problem.CodeMissingCapability),
		problem.WithExtension("required", unmet.Name),
	))
}
