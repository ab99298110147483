package capability

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"diarygate/modules/clock"
)

// Resolver looks up the capability context of a request.
//
// Implementations return ErrNoCredentials when the request is anonymous and
// wrap ErrUnavailable when the backing identity service cannot answer.
type Resolver interface {
	Resolve(r *http.Request) (Context, error)
}

type ResolverFunc func(r *http.Request) (Context, error)

func (f ResolverFunc) Resolve(r *http.Request) (Context, error) { return f(r) }

type (
	TokenVerifier interface {
		Verify(token string) ([]byte, error)
	}

	TokenSigner interface {
		Sign(payload []byte) (string, error)
	}

	// claims is the signed session payload.
	claims struct {
		Sub   string   `json:"sub"`
		Plan  string   `json:"plan,omitempty"`
		Roles []string `json:"roles,omitempty"`
		Exp   int64    `json:"exp,omitempty"` // unix seconds, 0 = no expiry
	}
)

// TokenResolver resolves "Authorization: Bearer <token>" session tokens signed
// with a TokenSigner.
type TokenResolver struct {
	verifier TokenVerifier
	clock    clock.Clock
}

var _ Resolver = (*TokenResolver)(nil)

func NewTokenResolver(v TokenVerifier, c clock.Clock) *TokenResolver {
	if c == nil {
		c = clock.RealClockProvider()
	}
	return &TokenResolver{verifier: v, clock: c}
}

func (t *TokenResolver) Resolve(r *http.Request) (Context, error) {
	if t == nil || t.verifier == nil {
		return Anonymous, ErrUnavailable
	}

	token, ok := bearerToken(r)
	if !ok {
		return Anonymous, ErrNoCredentials
	}

	payload, err := t.verifier.Verify(token)
	if err != nil {
		return Anonymous, fmt.Errorf("%w: %w", ErrInvalidCredentials, err)
	}

	var cl claims
	if err := json.Unmarshal(payload, &cl); err != nil {
		return Anonymous, fmt.Errorf("%w: decode claims: %w", ErrInvalidCredentials, err)
	}
	if cl.Sub == "" {
		return Anonymous, fmt.Errorf("%w: empty subject", ErrInvalidCredentials)
	}
	if cl.Exp > 0 && !t.clock.Now().Before(time.Unix(cl.Exp, 0)) {
		return Anonymous, fmt.Errorf("%w: token expired", ErrInvalidCredentials)
	}

	return Context{
		Subject: cl.Sub,
		Plan:    ParsePlan(cl.Plan),
		Roles:   cl.Roles,
	}, nil
}

// IssueToken signs a session token for c. A zero expiresAt never expires.
func IssueToken(s TokenSigner, c Context, expiresAt time.Time) (string, error) {
	if c.Subject == "" {
		return "", errors.New("capability: cannot issue token without subject")
	}
	cl := claims{Sub: c.Subject, Plan: string(c.Plan), Roles: c.Roles}
	if !expiresAt.IsZero() {
		cl.Exp = expiresAt.Unix()
	}
	payload, err := json.Marshal(cl)
	if err != nil {
		return "", err
	}
	return s.Sign(payload)
}

func bearerToken(r *http.Request) (string, bool) {
	h := strings.TrimSpace(r.Header.Get("Authorization"))
	scheme, token, ok := strings.Cut(h, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}
