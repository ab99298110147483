package pipeline

import (
	"errors"
	"net/http"

	"diarygate/modules/capability"
	"diarygate/modules/middleware"
	"diarygate/modules/middleware/authz"
	mwratelimit "diarygate/modules/middleware/ratelimit"
	mwusage "diarygate/modules/middleware/usage"
	"diarygate/modules/ratelimit"
	"diarygate/modules/telemetry"
	"diarygate/modules/usage"

	"github.com/labstack/echo/v4"
)

type Kind string

const (
	KindBasic     Kind = "basic"
	KindFull      Kind = "full"
	KindAdminOnly Kind = "admin_only"
)

// Config holds the collaborators shared by every composition. Limiter and
// Accountant are required; the rest fall back to sensible defaults.
type Config struct {
	Reporter          middleware.Reporter
	Accountant        usage.Accountant
	AccountingOptions []mwusage.Option
	Limiter           ratelimit.RateLimiter
	KeyFunc           mwratelimit.KeyFunc
	Resolver          capability.Resolver
	Metrics           *telemetry.PipelineMetrics
}

// Composer builds the Basic, Full and Admin-only compositions around one shared
// limiter, so every route draws from the same admission table.
type Composer struct {
	monitor    Layer
	accounting Layer
	admission  Layer
	resolver   capability.Resolver
	metrics    *telemetry.PipelineMetrics
}

func NewComposer(cfg Config) (*Composer, error) {
	if cfg.Limiter == nil {
		return nil, errors.New("pipeline: limiter is required")
	}
	if cfg.Accountant == nil {
		return nil, errors.New("pipeline: accountant is required")
	}
	reporter := cfg.Reporter
	if reporter == nil {
		reporter = middleware.NewSlogReporter(nil)
	}
	accOpts := append([]mwusage.Option{mwusage.WithMetrics(cfg.Metrics)}, cfg.AccountingOptions...)

	return &Composer{
		monitor:    NewLayer(StageMonitor, middleware.Monitor(reporter)),
		accounting: NewLayer(StageAccounting, mwusage.NewUsageMiddleware(cfg.Accountant, accOpts...)),
		admission:  NewLayer(StageAdmission, mwratelimit.NewRateLimitMiddleware(cfg.Limiter, cfg.KeyFunc, cfg.Metrics)),
		resolver:   cfg.Resolver,
		metrics:    cfg.Metrics,
	}, nil
}

// Chain returns the layers of a composition. reqs are the authorization
// requirements for Full, and the capability check for Admin-only, which
// requires the admin role when none are given.
func (c *Composer) Chain(kind Kind, reqs ...capability.Requirement) Chain {
	switch kind {
	case KindBasic:
		return MustChain(c.monitor, c.admission)
	case KindFull:
		return MustChain(c.monitor, c.accounting, c.admission,
			NewLayer(StageAuthorization, authz.Guard(c.resolver, c.metrics, reqs...)))
	case KindAdminOnly:
		if len(reqs) == 0 {
			reqs = []capability.Requirement{capability.Role(capability.RoleAdmin)}
		}
		return MustChain(c.monitor, c.accounting, c.admission,
			NewLayer(StageAuthorization, authz.Guard(c.resolver, c.metrics)),
			NewLayer(StageCapabilityCheck, authz.Require(c.metrics, reqs...)))
	default:
		panic("pipeline: unknown composition " + string(kind))
	}
}

// Basic is monitor → admission → h.
func (c *Composer) Basic(h http.Handler) http.Handler {
	return c.Chain(KindBasic).Then(h)
}

// Full is monitor → accounting → admission → authorization(reqs) → h.
func (c *Composer) Full(h http.Handler, reqs ...capability.Requirement) http.Handler {
	return c.Chain(KindFull, reqs...).Then(h)
}

// AdminOnly is Full plus an inline capability check. Rejected callers are still
// counted by the limiter and accounted.
func (c *Composer) AdminOnly(h http.Handler, reqs ...capability.Requirement) http.Handler {
	return c.Chain(KindAdminOnly, reqs...).Then(h)
}

// EchoMiddleware runs chain in front of echo handlers.
func EchoMiddleware(chain Chain) echo.MiddlewareFunc {
	return echo.WrapMiddleware(chain.Then)
}
