package heimdall

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wyfcoding/heimdall/breaker"
	"github.com/wyfcoding/heimdall/capability"
	"github.com/wyfcoding/heimdall/limiter"
	"github.com/wyfcoding/heimdall/logging"
	"github.com/wyfcoding/heimdall/market"
	"github.com/wyfcoding/heimdall/provider"
	"github.com/wyfcoding/heimdall/quota"
	"github.com/wyfcoding/heimdall/registry"
	"github.com/wyfcoding/heimdall/telemetry"
	"github.com/wyfcoding/heimdall/xerrors"
)

var fixedNow = time.Date(2026, 10, 19, 15, 0, 0, 0, time.UTC)

// reply 测试服务器对某个路径的固定响应。
type reply struct {
	status int
	body   string
	delay  time.Duration
}

// upstream 按 "/<provider>/<field>/<symbol>" 路由的假数据源，统计每个路径的调用次数。
type upstream struct {
	srv *httptest.Server

	mu      sync.Mutex
	replies map[string]reply
	hits    map[string]*atomic.Int64
}

func newUpstream(t *testing.T) *upstream {
	t.Helper()
	u := &upstream{replies: make(map[string]reply), hits: make(map[string]*atomic.Int64)}
	u.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		u.mu.Lock()
		rep, ok := u.replies[r.URL.Path]
		counter := u.counter(r.URL.Path)
		u.mu.Unlock()
		counter.Add(1)
		if !ok {
			http.NotFound(w, r)
			return
		}
		if rep.delay > 0 {
			time.Sleep(rep.delay)
		}
		w.WriteHeader(rep.status)
		_, _ = io.WriteString(w, rep.body)
	}))
	t.Cleanup(u.srv.Close)
	return u
}

func (u *upstream) counter(path string) *atomic.Int64 {
	c, ok := u.hits[path]
	if !ok {
		c = new(atomic.Int64)
		u.hits[path] = c
	}
	return c
}

func (u *upstream) set(p capability.Provider, f capability.Field, symbol string, rep reply) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.replies[fmt.Sprintf("/%s/%s/%s", p, f, symbol)] = rep
}

func (u *upstream) calls(p capability.Provider, f capability.Field, symbol string) int64 {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.counter(fmt.Sprintf("/%s/%s/%s", p, f, symbol)).Load()
}

// fakeAdapter 将 market 类型的 JSON 原样解码的适配器。
type fakeAdapter struct {
	name capability.Provider
	base string
}

func (a fakeAdapter) Name() capability.Provider { return a.name }
func (a fakeAdapter) Secrets() []string         { return []string{"sekret-" + string(a.name)} }

func (a fakeAdapter) Build(ctx context.Context, q provider.Query) (*http.Request, error) {
	url := fmt.Sprintf("%s/%s/%s/%s?token=sekret-%s", a.base, a.name, q.Field, q.Symbol, a.name)
	return http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
}

func (a fakeAdapter) Decode(q provider.Query, body []byte) (any, error) {
	switch q.Field {
	case capability.FieldQuote:
		var out market.Quote
		if err := json.Unmarshal(body, &out); err != nil {
			return nil, err
		}
		out.Provider = string(a.name)
		return out, nil
	case capability.FieldFundamentals:
		var out market.Fundamentals
		if err := json.Unmarshal(body, &out); err != nil {
			return nil, err
		}
		out.Provider = string(a.name)
		return out, nil
	default:
		return nil, provider.ErrUnsupportedField
	}
}

func testMatrix(t *testing.T) *capability.Matrix {
	t.Helper()
	stock := []capability.AssetType{capability.Stock}
	fields := []capability.Field{capability.FieldQuote, capability.FieldFundamentals}
	m, err := capability.NewMatrix(
		capability.Identity{Name: capability.Yahoo, Assets: stock, Fields: fields, CostWeight: 1,
			Reliability: 0.95, Credential: capability.CredentialSessionToken, Keyless: true},
		capability.Identity{Name: capability.TwelveData, Assets: stock, Fields: fields, CostWeight: 2,
			Reliability: 0.99, Credential: capability.CredentialStaticKey, Keyless: true},
		capability.Identity{Name: capability.Finnhub, Assets: stock, Fields: fields, CostWeight: 3,
			Reliability: 0.99, Credential: capability.CredentialStaticKey},
		capability.Identity{Name: capability.FMP, Assets: stock, Fields: fields, CostWeight: 0,
			Credential: capability.CredentialStaticKey, PermanentlyQuarantined: true, QuarantineReason: "Account Suspended"},
	)
	require.NoError(t, err)
	return m
}

func newTestOrchestrator(t *testing.T, u *upstream, opts ...Option) *Orchestrator {
	t.Helper()
	m := testMatrix(t)
	clock := func() time.Time { return fixedNow }
	adapters := provider.NewRegistry(
		fakeAdapter{name: capability.Yahoo, base: u.srv.URL},
		fakeAdapter{name: capability.TwelveData, base: u.srv.URL},
		fakeAdapter{name: capability.Finnhub, base: u.srv.URL},
		fakeAdapter{name: capability.FMP, base: u.srv.URL},
	)
	reg := registry.New(m, registry.WithClock(clock), registry.WithLogger(logging.Discard()))
	reg.SetAuthorized([]capability.Provider{capability.Finnhub})

	base := []Option{
		WithRegistry(reg),
		WithAdapters(adapters),
		WithClock(clock),
		WithLogger(logging.Discard()),
	}
	return New(append(base, opts...)...)
}

func quotaWithLimit(p capability.Provider, limit int) *quota.Ledger {
	return quota.New(
		quota.WithLimits(map[capability.Provider]int{p: limit}),
		quota.WithClock(func() time.Time { return fixedNow }),
		quota.WithLogger(logging.Discard()))
}

const aaplQuote = `{"symbol":"AAPL","price":110.5,"previous_close":100}`

func TestFailoverOnServerError(t *testing.T) {
	u := newUpstream(t)
	u.set(capability.Yahoo, capability.FieldQuote, "AAPL", reply{status: 500, body: "internal"})
	u.set(capability.TwelveData, capability.FieldQuote, "AAPL", reply{status: 200, body: aaplQuote})
	o := newTestOrchestrator(t, u)

	q, err := o.RequestQuote(context.Background(), "aapl")
	require.NoError(t, err)
	assert.Equal(t, "TwelveData", q.Provider)
	assert.Equal(t, "110.5", q.Price.String())
	assert.Equal(t, int64(1), u.calls(capability.Yahoo, capability.FieldQuote, "AAPL"))

	assert.True(t, o.Registry().IsQuarantined(capability.Yahoo, capability.FieldQuote))
	assert.False(t, o.Registry().IsQuarantined(capability.Yahoo, capability.FieldFundamentals))
	assert.Equal(t, limiter.LockQuarantined, o.Gate().Status(capability.Yahoo).State)

	snap := o.Quota().Snapshot(capability.Yahoo)
	assert.Equal(t, 1, snap.Attempted)
	assert.Equal(t, 1, snap.Failed)
	assert.Equal(t, 1, o.Quota().Snapshot(capability.TwelveData).Succeeded)
	assert.Equal(t, 1, o.Health().Score(capability.Yahoo).ErrorCount)

	events := o.Traces().Events()
	require.Len(t, events, 2)
	assert.Equal(t, "TwelveData", events[0].Provider)
	assert.True(t, events[0].Success)
	assert.Equal(t, []string{"Yahoo", "TwelveData"}, events[0].FailoverPath)
	assert.Equal(t, []string{"Yahoo:serverError", "TwelveData:ok"}, events[0].DecisionPath)
	assert.Equal(t, "serverError", events[1].FailureCategory)
	assert.Equal(t, 500, events[1].StatusCode)

	ev, ok := o.evidence.Latest("Yahoo")
	require.True(t, ok)
	assert.NotContains(t, ev.URL, "sekret-Yahoo")
	assert.Equal(t, 500, ev.StatusCode)
}

// 401 的处理按凭据类型区分：会话型数据源端点级 5 分钟，固定 Key 数据源整体 24 小时。
func TestAuthFailureQuarantineScopes(t *testing.T) {
	u := newUpstream(t)
	u.set(capability.Yahoo, capability.FieldFundamentals, "MSFT", reply{status: 401, body: `{"error":"Invalid Crumb"}`})
	u.set(capability.TwelveData, capability.FieldFundamentals, "MSFT", reply{status: 401, body: `{"message":"invalid api key"}`})
	u.set(capability.Finnhub, capability.FieldFundamentals, "MSFT", reply{status: 200, body: `{"symbol":"MSFT","pe_ratio":31.5}`})
	o := newTestOrchestrator(t, u)

	f, err := o.RequestFundamentals(context.Background(), "MSFT")
	require.NoError(t, err)
	assert.Equal(t, "Finnhub", f.Provider)
	assert.InDelta(t, 31.5, f.PERatio, 1e-9)

	entries := map[string]registry.Entry{}
	for _, e := range o.Registry().Snapshot() {
		entries[e.Key] = e
	}
	require.Contains(t, entries, "Yahoo_fundamentals")
	assert.Equal(t, fixedNow.Add(5*time.Minute), entries["Yahoo_fundamentals"].Expiry)
	require.Contains(t, entries, "TwelveData_ALL")
	assert.Equal(t, fixedNow.Add(24*time.Hour), entries["TwelveData_ALL"].Expiry)

	assert.Equal(t, []capability.Provider{capability.Finnhub},
		o.Registry().Candidates(capability.FieldFundamentals, capability.Stock))
	assert.Equal(t, []capability.Provider{capability.Yahoo, capability.Finnhub},
		o.Registry().Candidates(capability.FieldQuote, capability.Stock))

	assert.Equal(t, breaker.StateOpen, o.Breakers().Status(capability.TwelveData).State)
}

func TestRateLimitMessageInSuccessfulResponse(t *testing.T) {
	bodies := map[string]string{
		"daily limit": `{"note":"daily API requests limit exceeded"}`,
		"plain":       `{"message":"rate limit hit, slow down"}`,
	}
	for name, body := range bodies {
		t.Run(name, func(t *testing.T) {
			u := newUpstream(t)
			u.set(capability.Yahoo, capability.FieldQuote, "AAPL", reply{status: 200, body: body})
			u.set(capability.TwelveData, capability.FieldQuote, "AAPL", reply{status: 200, body: aaplQuote})
			o := newTestOrchestrator(t, u)

			q, err := o.RequestQuote(context.Background(), "AAPL")
			require.NoError(t, err)
			assert.Equal(t, "TwelveData", q.Provider)

			var found bool
			for _, e := range o.Registry().Snapshot() {
				if e.Key == "Yahoo_ALL" {
					found = true
					assert.Equal(t, time.Date(2026, 10, 20, 0, 0, 0, 0, time.UTC), e.Expiry)
				}
			}
			assert.True(t, found)
			assert.Equal(t, "rateLimited", o.Traces().Events()[1].FailureCategory)
			assert.Equal(t, limiter.LockOpen, o.Gate().Status(capability.Yahoo).State)
		})
	}
}

func TestMinuteRateLimitTripsGate(t *testing.T) {
	u := newUpstream(t)
	u.set(capability.Yahoo, capability.FieldQuote, "AAPL", reply{status: 429, body: "API rate limit: 8 requests per minute"})
	u.set(capability.TwelveData, capability.FieldQuote, "AAPL", reply{status: 200, body: aaplQuote})
	o := newTestOrchestrator(t, u)

	_, err := o.RequestQuote(context.Background(), "AAPL")
	require.NoError(t, err)
	st := o.Gate().Status(capability.Yahoo)
	assert.Equal(t, limiter.LockRateLimited, st.State)
	assert.Equal(t, fixedNow.Add(limiter.DefaultMinuteLockout), st.Until)
}

func TestConcurrentCallsAreCoalesced(t *testing.T) {
	u := newUpstream(t)
	u.set(capability.Yahoo, capability.FieldQuote, "AAPL", reply{status: 200, body: aaplQuote, delay: 100 * time.Millisecond})
	o := newTestOrchestrator(t, u)

	const callers = 10
	var (
		wg     sync.WaitGroup
		start  = make(chan struct{})
		quotes = make([]market.Quote, callers)
		errs   = make([]error, callers)
	)
	for i := range callers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			quotes[i], errs[i] = o.RequestQuote(context.Background(), "AAPL")
		}()
	}
	close(start)
	wg.Wait()

	for i := range callers {
		require.NoError(t, errs[i])
		assert.Equal(t, "Yahoo", quotes[i].Provider)
		assert.True(t, quotes[0].Price.Equal(quotes[i].Price))
	}
	assert.Equal(t, int64(1), u.calls(capability.Yahoo, capability.FieldQuote, "AAPL"))
	assert.Equal(t, 0, o.coalescer.InFlight())
}

func TestPermanentlyQuarantinedProviderNeverCandidate(t *testing.T) {
	u := newUpstream(t)
	u.set(capability.FMP, capability.FieldQuote, "AAPL", reply{status: 200, body: aaplQuote})
	o := newTestOrchestrator(t, u)

	o.Registry().SetAuthorized([]capability.Provider{capability.FMP, capability.Finnhub})
	o.ResetBans(context.Background())
	for _, f := range []capability.Field{capability.FieldQuote, capability.FieldFundamentals} {
		assert.NotContains(t, o.Registry().Candidates(f, capability.Stock), capability.FMP)
	}

	_, err := o.RequestQuote(context.Background(), "AAPL", WithProvider(capability.FMP))
	require.Error(t, err)
	assert.Equal(t, xerrors.CategoryCircuitOpen, xerrors.CategoryOf(err))
	assert.Zero(t, u.calls(capability.FMP, capability.FieldQuote, "AAPL"))
}

func TestSymbolNotFoundStopsFailover(t *testing.T) {
	u := newUpstream(t)
	u.set(capability.TwelveData, capability.FieldQuote, "NOPE", reply{status: 200, body: aaplQuote})
	o := newTestOrchestrator(t, u)

	_, err := o.RequestQuote(context.Background(), "NOPE")
	require.Error(t, err)
	assert.Equal(t, xerrors.CategorySymbolNotFound, xerrors.CategoryOf(err))
	xe, ok := xerrors.FromError(err)
	require.True(t, ok)
	assert.Equal(t, http.StatusNotFound, xe.HTTPStatus())

	assert.Zero(t, u.calls(capability.TwelveData, capability.FieldQuote, "NOPE"))
	assert.False(t, o.Registry().IsQuarantined(capability.Yahoo, capability.FieldQuote))
	assert.Equal(t, 0, o.Health().Score(capability.Yahoo).ErrorCount)
	assert.Equal(t, breaker.StateClosed, o.Breakers().Status(capability.Yahoo).State)
}

func TestRealtimeFailsFast(t *testing.T) {
	u := newUpstream(t)
	u.set(capability.Yahoo, capability.FieldQuote, "AAPL", reply{status: 503, body: "unavailable"})
	u.set(capability.TwelveData, capability.FieldQuote, "AAPL", reply{status: 200, body: aaplQuote})
	o := newTestOrchestrator(t, u)

	_, err := o.RequestQuote(context.Background(), "AAPL", WithUsage(Realtime))
	require.Error(t, err)
	assert.Equal(t, xerrors.CategoryServerError, xerrors.CategoryOf(err))
	assert.Zero(t, u.calls(capability.TwelveData, capability.FieldQuote, "AAPL"))
}

func TestCallerTimeoutReleasesResources(t *testing.T) {
	u := newUpstream(t)
	u.set(capability.Yahoo, capability.FieldQuote, "AAPL", reply{status: 200, body: aaplQuote, delay: time.Second})
	o := newTestOrchestrator(t, u, WithRequestTimeout(100*time.Millisecond))

	start := time.Now()
	_, err := o.RequestQuote(context.Background(), "AAPL")
	elapsed := time.Since(start)

	require.Error(t, err)
	assert.Less(t, elapsed, 800*time.Millisecond)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	xe, ok := xerrors.FromError(err)
	require.True(t, ok)
	assert.Equal(t, xerrors.CategoryNetworkError, xe.Category)
	assert.Equal(t, http.StatusGatewayTimeout, xe.HTTPStatus())

	require.Eventually(t, func() bool {
		return o.Gate().Active(capability.Yahoo) == 0 && o.coalescer.InFlight() == 0
	}, time.Second, 10*time.Millisecond)
	assert.False(t, o.Registry().IsQuarantined(capability.Yahoo, capability.FieldQuote))
	assert.Equal(t, 0, o.Health().Score(capability.Yahoo).ErrorCount)
}

func TestAllCandidatesFailReturnsLastClassification(t *testing.T) {
	u := newUpstream(t)
	u.set(capability.Yahoo, capability.FieldQuote, "AAPL", reply{status: 502, body: "bad gateway"})
	u.set(capability.TwelveData, capability.FieldQuote, "AAPL", reply{status: 200, body: ""})
	u.set(capability.Finnhub, capability.FieldQuote, "AAPL", reply{status: 403, body: `{"error":"You don't have access. Upgrade your plan"}`})
	o := newTestOrchestrator(t, u)

	_, err := o.RequestQuote(context.Background(), "AAPL")
	require.Error(t, err)
	xe, ok := xerrors.FromError(err)
	require.True(t, ok)
	assert.Equal(t, xerrors.CategoryEntitlementDenied, xe.Category)
	assert.Equal(t, "Finnhub", xe.Provider)
	assert.Contains(t, xe.Error(), "no provider available")

	assert.True(t, o.Registry().IsQuarantined(capability.TwelveData, capability.FieldQuote))
	assert.True(t, o.Registry().IsQuarantined(capability.Finnhub, capability.FieldQuote))
}

func TestOpenCircuitIsSkipped(t *testing.T) {
	u := newUpstream(t)
	u.set(capability.Yahoo, capability.FieldQuote, "AAPL", reply{status: 200, body: aaplQuote})
	u.set(capability.TwelveData, capability.FieldQuote, "AAPL", reply{status: 200, body: aaplQuote})
	o := newTestOrchestrator(t, u)

	o.Breakers().ReportFailure(capability.Yahoo, true)
	require.False(t, o.Breakers().CanRequest(capability.Yahoo))

	q, err := o.RequestQuote(context.Background(), "AAPL")
	require.NoError(t, err)
	assert.Equal(t, "TwelveData", q.Provider)
	assert.Zero(t, u.calls(capability.Yahoo, capability.FieldQuote, "AAPL"))

	events := o.Traces().Events()
	require.Len(t, events, 2)
	assert.Equal(t, "circuitOpen", events[1].FailureCategory)

	o.ResetCircuit(capability.Yahoo)
	assert.True(t, o.Breakers().CanRequest(capability.Yahoo))
}

func TestHalfOpenTrialsAreLimited(t *testing.T) {
	u := newUpstream(t)
	u.set(capability.Yahoo, capability.FieldQuote, "AAPL", reply{status: 200, body: aaplQuote})
	u.set(capability.TwelveData, capability.FieldQuote, "AAPL", reply{status: 200, body: aaplQuote})
	breakers := breaker.NewSet(breaker.Settings{FailureThreshold: 5, SuccessThreshold: 2, OpenTimeout: 50 * time.Millisecond},
		logging.Discard(), nil)
	o := newTestOrchestrator(t, u, WithBreakers(breakers))

	breakers.ReportFailure(capability.Yahoo, true)
	time.Sleep(80 * time.Millisecond)
	for range 2 {
		release, ok := breakers.Admit(capability.Yahoo)
		require.True(t, ok)
		t.Cleanup(release)
	}

	q, err := o.RequestQuote(context.Background(), "AAPL")
	require.NoError(t, err)
	assert.Equal(t, "TwelveData", q.Provider)
	assert.Zero(t, u.calls(capability.Yahoo, capability.FieldQuote, "AAPL"))
	assert.Equal(t, breaker.StateHalfOpen, breakers.Status(capability.Yahoo).State)
}

func TestExhaustedQuotaIsSkipped(t *testing.T) {
	u := newUpstream(t)
	u.set(capability.Yahoo, capability.FieldQuote, "AAPL", reply{status: 200, body: aaplQuote})
	u.set(capability.TwelveData, capability.FieldQuote, "AAPL", reply{status: 200, body: aaplQuote})
	o := newTestOrchestrator(t, u, WithQuota(quotaWithLimit(capability.Yahoo, 1)))

	o.Quota().Spend(capability.Yahoo, 1)
	q, err := o.RequestQuote(context.Background(), "AAPL")
	require.NoError(t, err)
	assert.Equal(t, "TwelveData", q.Provider)
	assert.Zero(t, u.calls(capability.Yahoo, capability.FieldQuote, "AAPL"))

	o.ResetQuota(capability.Yahoo)
	assert.False(t, o.Quota().IsExhausted(capability.Yahoo))
}

func TestCacheHitAndBypass(t *testing.T) {
	u := newUpstream(t)
	u.set(capability.Yahoo, capability.FieldQuote, "AAPL", reply{status: 200, body: aaplQuote})
	o := newTestOrchestrator(t, u)
	ctx := context.Background()

	first, err := o.RequestQuote(ctx, "AAPL", WithEngine("technical"))
	require.NoError(t, err)
	second, err := o.RequestQuote(ctx, "AAPL")
	require.NoError(t, err)
	assert.True(t, first.Price.Equal(second.Price))
	assert.Equal(t, int64(1), u.calls(capability.Yahoo, capability.FieldQuote, "AAPL"))
	assert.Equal(t, telemetry.CacheHit, o.Traces().Events()[0].CachePolicy)

	_, err = o.RequestQuote(ctx, "AAPL", BypassCache())
	require.NoError(t, err)
	assert.Equal(t, int64(2), u.calls(capability.Yahoo, capability.FieldQuote, "AAPL"))
	assert.Equal(t, telemetry.CacheBypass, o.Traces().Events()[0].CachePolicy)
	assert.Equal(t, telemetry.Fresh, o.engines.Status("technical").Freshness)
}

func TestFetchDispatch(t *testing.T) {
	u := newUpstream(t)
	u.set(capability.Yahoo, capability.FieldQuote, "AAPL", reply{status: 200, body: aaplQuote})
	o := newTestOrchestrator(t, u)

	v, err := o.Fetch(context.Background(), FetchRequest{Field: capability.FieldQuote, Symbol: "AAPL", Asset: capability.Stock})
	require.NoError(t, err)
	_, ok := v.(market.Quote)
	assert.True(t, ok)

	_, err = o.Fetch(context.Background(), FetchRequest{Field: "weather", Symbol: "AAPL"})
	assert.Equal(t, xerrors.CategoryInvalidRequest, xerrors.CategoryOf(err))

	_, err = o.RequestQuote(context.Background(), "  ")
	assert.Equal(t, xerrors.CategoryInvalidRequest, xerrors.CategoryOf(err))

	// 测试矩阵中没有数据源提供 K 线。
	_, err = o.RequestCandles(context.Background(), "AAPL", "1d", 10)
	assert.Equal(t, xerrors.CategoryCircuitOpen, xerrors.CategoryOf(err))
}

func TestDiagnosticsAndResets(t *testing.T) {
	u := newUpstream(t)
	u.set(capability.Yahoo, capability.FieldQuote, "AAPL", reply{status: 500, body: "boom"})
	u.set(capability.TwelveData, capability.FieldQuote, "AAPL", reply{status: 200, body: aaplQuote})
	o := newTestOrchestrator(t, u)
	ctx := context.Background()

	_, err := o.RequestQuote(ctx, "AAPL")
	require.NoError(t, err)

	report := o.Diagnostics()
	assert.Equal(t, fixedNow, report.GeneratedAt)
	assert.Equal(t, []capability.Provider{capability.Finnhub}, report.Authorized)
	assert.Equal(t, "UNKNOWN", report.Modes["Yahoo"])
	require.Len(t, report.Quarantine, 1)
	assert.Equal(t, "Yahoo_quote", report.Quarantine[0].Key)
	assert.Len(t, report.Traces, 2)
	assert.Len(t, report.Evidence, 1)

	bundle := o.DebugBundle()
	assert.Contains(t, bundle, "Yahoo_quote")
	assert.NotContains(t, bundle, "sekret-")

	assert.Equal(t, 1, o.ResetLocks(ctx, capability.Yahoo))
	assert.Equal(t, limiter.LockOpen, o.Gate().Status(capability.Yahoo).State)
	assert.Empty(t, o.Registry().Snapshot())

	o.Gate().TripMinuteLimit(capability.TwelveData, 0)
	o.Registry().Quarantine(ctx, capability.TwelveData, "", time.Hour, "manual")
	o.ResetBans(ctx)
	assert.Empty(t, o.Registry().Snapshot())
	assert.Equal(t, limiter.LockOpen, o.Gate().Status(capability.TwelveData).State)

	o.ClearTelemetry()
	assert.Empty(t, o.Traces().Events())
}

type memoryBundles struct {
	mu      sync.Mutex
	objects map[string]string
}

func (m *memoryBundles) Upload(_ context.Context, name string, r io.Reader, _ int64, _ string) error {
	b, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[name] = string(b)
	return nil
}

func (m *memoryBundles) Download(_ context.Context, name string) (io.ReadCloser, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return io.NopCloser(strings.NewReader(m.objects[name])), nil
}

func (m *memoryBundles) GetPresignedURL(_ context.Context, name string, _ time.Duration) (string, error) {
	return "https://bundles.example/" + name + "?X-Amz-Signature=abc", nil
}

func (m *memoryBundles) Delete(_ context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.objects, name)
	return nil
}

func TestUploadBundle(t *testing.T) {
	u := newUpstream(t)
	_, err := newTestOrchestrator(t, u).UploadBundle(context.Background())
	assert.ErrorIs(t, err, ErrNoBundleStore)

	store := &memoryBundles{objects: map[string]string{}}
	o := newTestOrchestrator(t, u, WithBundleStore(store))
	url, err := o.UploadBundle(context.Background())
	require.NoError(t, err)
	assert.Contains(t, url, "bundles/heimdall-20261019T150000Z-")
	require.Len(t, store.objects, 1)
	for _, body := range store.objects {
		assert.True(t, strings.HasPrefix(body, "HEIMDALL DEBUG BUNDLE"))
	}
}

func TestProbeSetsModes(t *testing.T) {
	u := newUpstream(t)
	u.set(capability.Yahoo, capability.FieldQuote, "AAPL", reply{status: 200, body: aaplQuote})
	u.set(capability.TwelveData, capability.FieldQuote, "AAPL", reply{status: 401, body: `{"message":"invalid api key"}`})
	u.set(capability.Finnhub, capability.FieldQuote, "AAPL", reply{status: 503, body: "down"})
	o := newTestOrchestrator(t, u)

	results := o.Probe(context.Background())
	require.Len(t, results, 3)
	byName := map[capability.Provider]ProbeResult{}
	for _, r := range results {
		byName[r.Provider] = r
	}
	assert.True(t, byName[capability.Yahoo].OK)
	assert.Equal(t, registry.ModeFull, o.Registry().Mode(capability.Yahoo))
	assert.Equal(t, registry.ModeLocked, o.Registry().Mode(capability.TwelveData))
	assert.Equal(t, xerrors.CategoryAuthInvalid, byName[capability.TwelveData].Category)
	assert.Equal(t, registry.ModeUnknown, o.Registry().Mode(capability.Finnhub))
	assert.NotContains(t, byName, capability.FMP)
}

func TestPrefetch(t *testing.T) {
	u := newUpstream(t)
	u.set(capability.Yahoo, capability.FieldQuote, "AAPL", reply{status: 200, body: aaplQuote})
	u.set(capability.Yahoo, capability.FieldQuote, "MSFT", reply{status: 200, body: `{"symbol":"MSFT","price":400}`})
	o := newTestOrchestrator(t, u)

	sum := o.Prefetch(context.Background(), []string{"AAPL", "MSFT", "ZZZZ"})
	assert.Equal(t, 3, sum.Requested)
	assert.Equal(t, 2, sum.Succeeded)
	assert.Equal(t, "symbolNotFound", sum.Failed["ZZZZ"])

	_, err := o.RequestQuote(context.Background(), "MSFT")
	require.NoError(t, err)
	assert.Equal(t, int64(1), u.calls(capability.Yahoo, capability.FieldQuote, "MSFT"))
}
