package capability

import (
	"context"
	"errors"
	"slices"
	"strings"
)

// Plan is a subscription tier. Tiers are ordered: a higher tier satisfies
// every requirement of a lower one.
type Plan string

const (
	PlanNone       Plan = ""
	PlanFree       Plan = "free"
	PlanPro        Plan = "pro"
	PlanEnterprise Plan = "enterprise"
)

var planRank = map[Plan]int{
	PlanNone:       0,
	PlanFree:       1,
	PlanPro:        2,
	PlanEnterprise: 3,
}

// ParsePlan normalizes p; unknown tiers map to PlanNone.
func ParsePlan(p string) Plan {
	pl := Plan(strings.ToLower(strings.TrimSpace(p)))
	if _, ok := planRank[pl]; ok {
		return pl
	}
	return PlanNone
}

func (p Plan) AtLeast(other Plan) bool {
	return planRank[p] >= planRank[other]
}

const RoleAdmin = "admin"

var (
	// ErrNoCredentials means the request carried nothing to resolve.
	ErrNoCredentials = errors.New("capability: no credentials")
	// ErrUnavailable means the identity backend could not be reached.
	ErrUnavailable = errors.New("capability: resolver unavailable")
	// ErrInvalidCredentials means credentials were present but rejected.
	ErrInvalidCredentials = errors.New("capability: invalid credentials")
)

// Context is the resolved identity of a request plus its authorization
// attributes. It lives for one request and is never cached across requests.
type Context struct {
	Subject string
	Plan    Plan
	Roles   []string
}

// Anonymous is the capability context of unauthenticated callers.
var Anonymous = Context{}

func (c Context) Authenticated() bool { return c.Subject != "" }

func (c Context) HasRole(role string) bool {
	return slices.Contains(c.Roles, role)
}

type ctxKey struct{}

func NewContext(ctx context.Context, c Context) context.Context {
	return context.WithValue(ctx, ctxKey{}, c)
}

// FromContext returns the capability context attached to ctx, and whether one was.
func FromContext(ctx context.Context) (Context, bool) {
	c, ok := ctx.Value(ctxKey{}).(Context)
	return c, ok
}

// Requirement is a named predicate over a capability context.
type Requirement struct {
	Name  string
	Check func(Context) bool
}

func (r Requirement) SatisfiedBy(c Context) bool {
	return r.Check != nil && r.Check(c)
}

// Authenticated requires any resolved subject.
func Authenticated() Requirement {
	return Requirement{
		Name:  "authenticated",
		Check: func(c Context) bool { return c.Authenticated() },
	}
}

// AtLeast requires an authenticated caller on plan p or above.
func AtLeast(p Plan) Requirement {
	return Requirement{
		Name: "plan:" + string(p),
		Check: func(c Context) bool {
			return c.Authenticated() && c.Plan.AtLeast(p)
		},
	}
}

// Role requires an authenticated caller holding role.
func Role(role string) Requirement {
	return Requirement{
		Name: "role:" + role,
		Check: func(c Context) bool {
			return c.Authenticated() && c.HasRole(role)
		},
	}
}

// Unmet returns the first requirement c does not satisfy.
func Unmet(c Context, reqs ...Requirement) (Requirement, bool) {
	for _, r := range reqs {
		if !r.SatisfiedBy(c) {
			return r, true
		}
	}
	return Requirement{}, false
}
