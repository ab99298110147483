package ratelimit

import (
	"context"
	"sync"
)

// Admission is a request-scoped note of the admission decision.
//
// Layers outside the rate limiter (e.g. usage accounting) install it before
// delegating and read it back once the inner chain returned, since context
// values only flow inward.
type Admission struct {
	mu      sync.Mutex
	decided bool
	key     Key
	result  Result
}

type admissionCtxKey struct{}

// WithAdmission returns ctx carrying a fresh note, or the note already present.
func WithAdmission(ctx context.Context) (context.Context, *Admission) {
	if a := AdmissionFrom(ctx); a != nil {
		return ctx, a
	}
	a := &Admission{}
	return context.WithValue(ctx, admissionCtxKey{}, a), a
}

// AdmissionFrom returns the note installed in ctx, or nil.
func AdmissionFrom(ctx context.Context) *Admission {
	a, _ := ctx.Value(admissionCtxKey{}).(*Admission)
	return a
}

// Set records the decision taken for key. Nil receivers are ignored.
func (a *Admission) Set(key Key, result Result) {
	if a == nil {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.decided = true
	a.key = key
	a.result = result
}

// Get returns the recorded decision and whether one was recorded at all.
func (a *Admission) Get() (Key, Result, bool) {
	if a == nil {
		return "", Result{}, false
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.key, a.result, a.decided
}

// Admitted reports whether a decision was recorded and it allowed the request.
func (a *Admission) Admitted() bool {
	_, r, ok := a.Get()
	return ok && r.Allowed
}
