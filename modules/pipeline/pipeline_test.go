package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"diarygate/modules/capability"
	"diarygate/modules/clock"
	"diarygate/modules/middleware"
	mwratelimit "diarygate/modules/middleware/ratelimit"
	"diarygate/modules/ratelimit"
	"diarygate/modules/usage"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var epoch = time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

type fixture struct {
	clock    *clock.ManualClock
	limiter  *ratelimit.FixedWindowRateLimiter
	ledger   *usage.MemoryLedger
	faults   []middleware.Fault
	faultsMu sync.Mutex
	resolved atomic.Int32
	composer *Composer
}

func newFixture(t *testing.T, limit int64, accountant usage.Accountant) *fixture {
	t.Helper()
	f := &fixture{clock: clock.NewManualClock(epoch), ledger: usage.NewMemoryLedger()}

	l, err := ratelimit.NewFixedWindowRateLimiter(f.clock, limit, time.Minute)
	require.NoError(t, err)
	f.limiter = l

	if accountant == nil {
		accountant = f.ledger
	}
	c, err := NewComposer(Config{
		Reporter: middleware.ReporterFunc(func(_ context.Context, fault middleware.Fault) {
			f.faultsMu.Lock()
			defer f.faultsMu.Unlock()
			f.faults = append(f.faults, fault)
		}),
		Accountant: accountant,
		Limiter:    l,
		KeyFunc:    func(*http.Request) ratelimit.Key { return "client" },
		Resolver: capability.ResolverFunc(func(r *http.Request) (capability.Context, error) {
			f.resolved.Add(1)
			switch r.Header.Get("X-Who") {
			case "admin":
				return capability.Context{Subject: "root", Plan: capability.PlanPro, Roles: []string{capability.RoleAdmin}}, nil
			case "":
				return capability.Anonymous, capability.ErrNoCredentials
			}
			return capability.Context{Subject: r.Header.Get("X-Who"), Plan: capability.PlanFree}, nil
		}),
	})
	require.NoError(t, err)
	f.composer = c
	return f
}

func send(h http.Handler, who string) *httptest.ResponseRecorder {
	r := httptest.NewRequest(http.MethodPost, "/v1/ocr", nil)
	if who != "" {
		r.Header.Set("X-Who", who)
	}
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, r)
	return rr
}

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func TestNewChain_SortsByStage(t *testing.T) {
	var order []string
	mark := func(name string) func(http.Handler) http.Handler {
		return func(next http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				order = append(order, name)
				next.ServeHTTP(w, r)
			})
		}
	}

	c, err := NewChain(
		NewLayer(StageAuthorization, mark("authz")),
		NewLayer(StageMonitor, mark("monitor")),
		NewLayer(StageAdmission, mark("admission")),
		NewLayer(StageAccounting, mark("accounting")),
	)
	require.NoError(t, err)
	assert.Equal(t, []Stage{StageMonitor, StageAccounting, StageAdmission, StageAuthorization}, c.Stages())

	c.Then(http.HandlerFunc(func(http.ResponseWriter, *http.Request) { order = append(order, "handler") })).
		ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, []string{"monitor", "accounting", "admission", "authz", "handler"}, order)
}

func TestNewChain_RejectsDuplicateStage(t *testing.T) {
	noop := func(h http.Handler) http.Handler { return h }
	_, err := NewChain(NewLayer(StageAdmission, noop), NewLayer(StageAdmission, noop))
	assert.Error(t, err)
	assert.Panics(t, func() { MustChain(NewLayer(StageMonitor, noop), NewLayer(StageMonitor, noop)) })
}

func TestComposer_CompositionsOnlyChooseTheSet(t *testing.T) {
	f := newFixture(t, 10, nil)

	assert.Equal(t, []Stage{StageMonitor, StageAdmission}, f.composer.Chain(KindBasic).Stages())
	assert.Equal(t, []Stage{StageMonitor, StageAccounting, StageAdmission, StageAuthorization},
		f.composer.Chain(KindFull).Stages())
	assert.Equal(t, []Stage{StageMonitor, StageAccounting, StageAdmission, StageAuthorization, StageCapabilityCheck},
		f.composer.Chain(KindAdminOnly).Stages())
}

func TestNewComposer_RequiresCollaborators(t *testing.T) {
	_, err := NewComposer(Config{Accountant: usage.NewMemoryLedger()})
	assert.Error(t, err)

	l, _ := ratelimit.NewFixedWindowRateLimiter(nil, 1, time.Minute)
	_, err = NewComposer(Config{Limiter: l})
	assert.Error(t, err)
}

func TestBasic_FixedWindowSequence(t *testing.T) {
	f := newFixture(t, 2, nil)
	h := f.composer.Basic(okHandler())

	a := send(h, "")
	assert.Equal(t, http.StatusOK, a.Code)
	assert.Equal(t, "1", a.Header().Get(mwratelimit.HeaderRemaining))

	f.clock.Advance(time.Second)
	b := send(h, "")
	assert.Equal(t, http.StatusOK, b.Code)
	assert.Equal(t, "0", b.Header().Get(mwratelimit.HeaderRemaining))

	f.clock.Advance(time.Second)
	c := send(h, "")
	assert.Equal(t, http.StatusTooManyRequests, c.Code)
	assert.Equal(t, "0", c.Header().Get(mwratelimit.HeaderRemaining))
	assert.Equal(t, strconv.FormatInt(epoch.Add(time.Minute).Unix(), 10), c.Header().Get(mwratelimit.HeaderReset))

	f.clock.Set(epoch.Add(61 * time.Second))
	d := send(h, "")
	assert.Equal(t, http.StatusOK, d.Code)
	assert.Equal(t, "1", d.Header().Get(mwratelimit.HeaderRemaining))
}

func TestFull_RateLimitedRequestSkipsInnerLayers(t *testing.T) {
	f := newFixture(t, 1, nil)
	calls := 0
	h := f.composer.Full(http.HandlerFunc(func(http.ResponseWriter, *http.Request) { calls++ }),
		capability.AtLeast(capability.PlanFree))

	assert.Equal(t, http.StatusOK, send(h, "alice").Code)
	assert.Equal(t, http.StatusTooManyRequests, send(h, "alice").Code)

	assert.Equal(t, 1, calls)
	assert.EqualValues(t, 1, f.resolved.Load(), "guard must not run for rejected requests")
	tot, _ := f.ledger.Total("client")
	assert.EqualValues(t, 1, tot.Requests, "rate limited requests are not accounted")
}

func TestFull_ForbiddenForAnonymous(t *testing.T) {
	f := newFixture(t, 5, nil)
	h := f.composer.Full(okHandler(), capability.AtLeast(capability.PlanFree))

	rr := send(h, "")
	assert.Equal(t, http.StatusForbidden, rr.Code)
	assert.Equal(t, "4", rr.Header().Get(mwratelimit.HeaderRemaining))
}

func TestAdminOnly_RejectionIsCountedAndAccounted(t *testing.T) {
	f := newFixture(t, 3, nil)
	calls := 0
	h := f.composer.AdminOnly(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusOK)
	}))

	rr := send(h, "alice")
	require.Equal(t, http.StatusForbidden, rr.Code)
	assert.Equal(t, "2", rr.Header().Get(mwratelimit.HeaderRemaining), "rejection consumed quota")

	var body map[string]any
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	assert.Equal(t, "role:admin", body["required"])

	tot, ok := f.ledger.Total("client")
	require.True(t, ok)
	assert.EqualValues(t, 1, tot.Requests)
	assert.EqualValues(t, 1, tot.Units)

	assert.Equal(t, http.StatusOK, send(h, "admin").Code)
	assert.Equal(t, 1, calls)
}

func TestFull_HandlerPanicYields500WithHeaders(t *testing.T) {
	f := newFixture(t, 5, nil)
	h := f.composer.Full(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("nil map in model adapter")
	}))

	rr := send(h, "alice")
	assert.Equal(t, http.StatusInternalServerError, rr.Code)
	assert.Equal(t, "5", rr.Header().Get(mwratelimit.HeaderLimit))
	assert.Equal(t, "4", rr.Header().Get(mwratelimit.HeaderRemaining))
	assert.NotContains(t, rr.Body.String(), "nil map")

	require.Len(t, f.faults, 1)
	tot, _ := f.ledger.Total("client")
	assert.EqualValues(t, 1, tot.Faults)
}

func TestFull_AccountingFailureDoesNotBlock(t *testing.T) {
	f := newFixture(t, 5, usage.AccountantFunc(func(context.Context, usage.Record) error {
		return errors.New("billing down")
	}))
	h := f.composer.Full(okHandler())

	rr := send(h, "alice")
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Empty(t, f.faults, "accounting failures are not faults")
}

func TestFull_AccountantPanicIsConverted(t *testing.T) {
	f := newFixture(t, 5, usage.AccountantFunc(func(context.Context, usage.Record) error {
		panic("accountant bug")
	}))
	h := f.composer.Full(okHandler())

	rr := send(h, "alice")
	// the handler already answered, the monitor reports without rewriting
	assert.Equal(t, http.StatusOK, rr.Code)
	require.Len(t, f.faults, 1)
	assert.True(t, f.faults[0].Committed)
}

func TestBasic_ConcurrentSameKeyAdmitsAtMostLimit(t *testing.T) {
	f := newFixture(t, 50, nil)
	h := f.composer.Basic(okHandler())

	var (
		wg       sync.WaitGroup
		admitted atomic.Int32
		rejected atomic.Int32
	)
	for range 200 {
		wg.Go(func() {
			switch send(h, "").Code {
			case http.StatusOK:
				admitted.Add(1)
			case http.StatusTooManyRequests:
				rejected.Add(1)
			}
		})
	}
	wg.Wait()

	assert.EqualValues(t, 50, admitted.Load())
	assert.EqualValues(t, 150, rejected.Load())
}

func TestEchoMiddleware(t *testing.T) {
	f := newFixture(t, 1, nil)
	e := echo.New()
	g := e.Group("/v1", EchoMiddleware(f.composer.Chain(KindBasic)))
	g.GET("/ping", func(c echo.Context) error { return c.String(http.StatusOK, "pong") })

	first := httptest.NewRecorder()
	e.ServeHTTP(first, httptest.NewRequest(http.MethodGet, "/v1/ping", nil))
	assert.Equal(t, http.StatusOK, first.Code)
	assert.Equal(t, "pong", first.Body.String())
	assert.Equal(t, "0", first.Header().Get(mwratelimit.HeaderRemaining))

	second := httptest.NewRecorder()
	e.ServeHTTP(second, httptest.NewRequest(http.MethodGet, "/v1/ping", nil))
	assert.Equal(t, http.StatusTooManyRequests, second.Code)
}
