package capability

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"diarygate/modules/clock"
	"diarygate/modules/hmac"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPlan_Ordering(t *testing.T) {
	assert.True(t, PlanPro.AtLeast(PlanFree))
	assert.True(t, PlanFree.AtLeast(PlanFree))
	assert.False(t, PlanFree.AtLeast(PlanPro))
	assert.False(t, PlanNone.AtLeast(PlanFree))
	assert.Equal(t, PlanNone, ParsePlan("platinum"))
	assert.Equal(t, PlanPro, ParsePlan(" PRO "))
}

func TestRequirements(t *testing.T) {
	admin := Context{Subject: "a", Plan: PlanFree, Roles: []string{RoleAdmin}}
	pro := Context{Subject: "p", Plan: PlanPro}

	assert.True(t, AtLeast(PlanFree).SatisfiedBy(pro))
	assert.False(t, AtLeast(PlanPro).SatisfiedBy(admin))
	assert.True(t, Role(RoleAdmin).SatisfiedBy(admin))
	assert.False(t, Role(RoleAdmin).SatisfiedBy(pro))
	assert.False(t, Authenticated().SatisfiedBy(Anonymous))
	assert.False(t, Requirement{Name: "broken"}.SatisfiedBy(admin))

	unmet, ok := Unmet(pro, Authenticated(), Role(RoleAdmin), AtLeast(PlanEnterprise))
	require.True(t, ok)
	assert.Equal(t, "role:admin", unmet.Name)

	_, ok = Unmet(admin, Authenticated(), Role(RoleAdmin))
	assert.False(t, ok)
}

func TestContext_RoundTrip(t *testing.T) {
	_, ok := FromContext(context.Background())
	assert.False(t, ok)

	ctx := NewContext(context.Background(), Context{Subject: "u"})
	c, ok := FromContext(ctx)
	assert.True(t, ok)
	assert.Equal(t, "u", c.Subject)
}

func newSigner(t *testing.T) *hmac.HMACSigner {
	t.Helper()
	s, err := hmac.NewHMACSigner([]byte("test-secret"))
	require.NoError(t, err)
	return s
}

func requestWithToken(token string) *http.Request {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	if token != "" {
		r.Header.Set("Authorization", "Bearer "+token)
	}
	return r
}

func TestTokenResolver_ResolvesSignedToken(t *testing.T) {
	s := newSigner(t)
	now := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	res := NewTokenResolver(s, clock.NewManualClock(now))

	tok, err := IssueToken(s, Context{Subject: "u1", Plan: PlanPro, Roles: []string{RoleAdmin}}, now.Add(time.Hour))
	require.NoError(t, err)

	c, err := res.Resolve(requestWithToken(tok))
	require.NoError(t, err)
	assert.Equal(t, "u1", c.Subject)
	assert.Equal(t, PlanPro, c.Plan)
	assert.True(t, c.HasRole(RoleAdmin))
}

func TestTokenResolver_Failures(t *testing.T) {
	s := newSigner(t)
	now := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	c := clock.NewManualClock(now)
	res := NewTokenResolver(s, c)

	_, err := res.Resolve(requestWithToken(""))
	assert.ErrorIs(t, err, ErrNoCredentials)

	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.Header.Set("Authorization", "Basic dXNlcjpwYXNz")
	_, err = res.Resolve(r)
	assert.ErrorIs(t, err, ErrNoCredentials)

	_, err = res.Resolve(requestWithToken("garbage"))
	assert.ErrorIs(t, err, ErrInvalidCredentials)
	assert.ErrorIs(t, err, hmac.ErrInvalidToken)

	expiring, _ := IssueToken(s, Context{Subject: "u"}, now.Add(time.Minute))
	c.Advance(time.Minute)
	_, err = res.Resolve(requestWithToken(expiring))
	assert.ErrorIs(t, err, ErrInvalidCredentials)

	noSub, _ := s.Sign([]byte(`{"plan":"pro"}`))
	_, err = res.Resolve(requestWithToken(noSub))
	assert.ErrorIs(t, err, ErrInvalidCredentials)

	var unset *TokenResolver
	_, err = unset.Resolve(requestWithToken("x"))
	assert.True(t, errors.Is(err, ErrUnavailable))
}

func TestIssueToken_RequiresSubject(t *testing.T) {
	_, err := IssueToken(newSigner(t), Anonymous, time.Time{})
	assert.Error(t, err)
}
