// Package usage records the estimated cost of admitted requests.
package usage

import (
	"context"
	"errors"
	"sync/atomic"
	"time"
)

type (
	// Record is the usage of one admitted request.
	Record struct {
		Key      string // admission key the request was charged to
		Subject  string // resolved subject, empty for anonymous callers
		Method   string
		Route    string
		Status   int
		Units    int64
		Duration time.Duration
		At       time.Time
	}

	// Accountant stores usage records. Failures are reported to the caller,
	// which decides whether they matter; the request pipeline ignores them.
	Accountant interface {
		Record(ctx context.Context, rec Record) error
	}

	AccountantFunc func(ctx context.Context, rec Record) error
)

func (f AccountantFunc) Record(ctx context.Context, rec Record) error { return f(ctx, rec) }

// Day returns the UTC calendar day the record belongs to, as YYYY-MM-DD.
func (r Record) Day() string { return r.At.UTC().Format(time.DateOnly) }

// Multi records into every accountant and joins their errors.
func Multi(accountants ...Accountant) Accountant {
	return AccountantFunc(func(ctx context.Context, rec Record) error {
		var errs []error
		for _, a := range accountants {
			if a == nil {
				continue
			}
			if err := a.Record(ctx, rec); err != nil {
				errs = append(errs, err)
			}
		}
		return errors.Join(errs...)
	})
}

// Meter accumulates the units a handler charges on top of the base cost.
type Meter struct {
	units   atomic.Int64
	subject atomic.Pointer[string]
}

type meterCtxKey struct{}

// WithMeter returns ctx carrying a fresh meter, or the meter already present.
func WithMeter(ctx context.Context) (context.Context, *Meter) {
	if m := MeterFrom(ctx); m != nil {
		return ctx, m
	}
	m := &Meter{}
	return context.WithValue(ctx, meterCtxKey{}, m), m
}

func MeterFrom(ctx context.Context) *Meter {
	m, _ := ctx.Value(meterCtxKey{}).(*Meter)
	return m
}

// Charge adds units to the request's meter. It reports false when the request
// is not metered or units is not positive.
func Charge(ctx context.Context, units int64) bool {
	m := MeterFrom(ctx)
	if m == nil || units <= 0 {
		return false
	}
	m.units.Add(units)
	return true
}

func (m *Meter) Units() int64 {
	if m == nil {
		return 0
	}
	return m.units.Load()
}

// Attribute names the subject the request was made by. Nil meters ignore it.
func (m *Meter) Attribute(subject string) {
	if m == nil || subject == "" {
		return
	}
	m.subject.Store(&subject)
}

func (m *Meter) Subject() string {
	if m == nil {
		return ""
	}
	if s := m.subject.Load(); s != nil {
		return *s
	}
	return ""
}
