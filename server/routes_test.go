package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wyfcoding/heimdall/capability"
	"github.com/wyfcoding/heimdall/health"
	"github.com/wyfcoding/heimdall/heimdall"
	"github.com/wyfcoding/heimdall/logging"
	"github.com/wyfcoding/heimdall/market"
	"github.com/wyfcoding/heimdall/provider"
	"github.com/wyfcoding/heimdall/response"
	"github.com/wyfcoding/heimdall/xerrors"
)

// stubQuotes 进程内报价源，NOPE 返回标的不存在。
type stubQuotes struct{}

func (stubQuotes) Name() capability.Provider { return capability.Yahoo }

func (stubQuotes) Build(context.Context, provider.Query) (*http.Request, error) {
	return nil, errors.New("stub adapter has no network request")
}

func (stubQuotes) Decode(provider.Query, []byte) (any, error) { return nil, provider.ErrUnsupportedField }

func (stubQuotes) Secrets() []string { return nil }

func (stubQuotes) Fetch(_ context.Context, q provider.Query) (any, error) {
	if q.Field != capability.FieldQuote {
		return nil, provider.ErrUnsupportedField
	}
	if q.Symbol == "NOPE" {
		return nil, xerrors.New(xerrors.CategorySymbolNotFound, http.StatusNotFound, "symbol not found", nil).
			WithSource(string(capability.Yahoo), string(q.Field))
	}
	return market.Quote{Symbol: q.Symbol, Price: decimal.NewFromInt(190), Provider: string(capability.Yahoo)}, nil
}

func newTestEngine(t *testing.T, opts ...APIOption) (*gin.Engine, *heimdall.Orchestrator) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	orch := heimdall.New(
		heimdall.WithAdapters(provider.NewRegistry(stubQuotes{})),
		heimdall.WithLogger(logging.Discard()))
	e := gin.New()
	NewAPI(orch, append([]APIOption{WithAPILogger(logging.Discard())}, opts...)...).Register(e)
	return e, orch
}

func do(e *gin.Engine, method, path, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) response.Body {
	t.Helper()
	var body response.Body
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body
}

func TestFetchQuote(t *testing.T) {
	e, orch := newTestEngine(t)

	rec := do(e, http.MethodGet, "/v1/fetch/quote/aapl", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Code int          `json:"code"`
		Data market.Quote `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, 0, body.Code)
	assert.Equal(t, "AAPL", body.Data.Symbol)
	assert.Equal(t, "Yahoo", body.Data.Provider)
	assert.True(t, body.Data.Price.Equal(decimal.NewFromInt(190)))

	events := orch.Traces().Events()
	require.NotEmpty(t, events)
	assert.Equal(t, "http", events[0].Engine)
}

func TestFetchErrorsMapToStatus(t *testing.T) {
	e, _ := newTestEngine(t)

	rec := do(e, http.MethodGet, "/v1/fetch/bogus/AAPL", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, string(xerrors.CategoryInvalidRequest), decodeBody(t, rec).Category)

	rec = do(e, http.MethodGet, "/v1/fetch/quote/NOPE", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, string(xerrors.CategorySymbolNotFound), body.Category)
	assert.Equal(t, "Yahoo", body.Provider)

	rec = do(e, http.MethodGet, "/v1/fetch/quote/AAPL?limit=-3", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(e, http.MethodGet, "/v1/fetch/quote/AAPL?provider=nobody", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHealthAndReadiness(t *testing.T) {
	checks := health.NewChecks()
	checks.Add("store", func(context.Context) error { return errors.New("store offline") })
	e, _ := newTestEngine(t, WithChecks(checks))

	assert.Equal(t, http.StatusOK, do(e, http.MethodGet, "/healthz", "").Code)

	rec := do(e, http.MethodGet, "/readyz", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "store offline")
}

func TestDiagnosticsRoutes(t *testing.T) {
	e, _ := newTestEngine(t)
	require.Equal(t, http.StatusOK, do(e, http.MethodGet, "/v1/fetch/quote/MSFT", "").Code)

	for _, path := range []string{
		"/v1/diagnostics",
		"/v1/diagnostics/traces?limit=5",
		"/v1/diagnostics/quota",
		"/v1/diagnostics/circuits",
		"/v1/diagnostics/quarantine",
	} {
		rec := do(e, http.MethodGet, path, "")
		assert.Equal(t, http.StatusOK, rec.Code, path)
	}

	rec := do(e, http.MethodGet, "/v1/diagnostics/bundle", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Header().Get("Content-Type"), "text/plain")
	assert.NotEmpty(t, rec.Body.String())
}

func TestAdminResets(t *testing.T) {
	e, orch := newTestEngine(t)
	ctx := context.Background()

	orch.Registry().Quarantine(ctx, capability.TwelveData, "", time.Hour, "test")

	rec := do(e, http.MethodPost, "/v1/admin/reset/locks/twelvedata", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"removed":1`)

	assert.Equal(t, http.StatusBadRequest, do(e, http.MethodPost, "/v1/admin/reset/locks/nobody", "").Code)
	assert.Equal(t, http.StatusOK, do(e, http.MethodPost, "/v1/admin/reset/bans", "").Code)
	assert.Equal(t, http.StatusOK, do(e, http.MethodPost, "/v1/admin/reset/circuits?provider=Yahoo", "").Code)
	assert.Equal(t, http.StatusOK, do(e, http.MethodPost, "/v1/admin/reset/quota/Yahoo", "").Code)
	assert.Equal(t, http.StatusNotImplemented, do(e, http.MethodPost, "/v1/admin/bundle", "").Code)
}

func TestAdminPrefetch(t *testing.T) {
	e, _ := newTestEngine(t)

	rec := do(e, http.MethodPost, "/v1/admin/prefetch", `{"symbols":["AAPL","NOPE"]}`)
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Data heimdall.PrefetchSummary `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, 2, body.Data.Requested)
	assert.Equal(t, 1, body.Data.Succeeded)
	assert.Equal(t, string(xerrors.CategorySymbolNotFound), body.Data.Failed["NOPE"])

	assert.Equal(t, http.StatusBadRequest, do(e, http.MethodPost, "/v1/admin/prefetch", `{}`).Code)
}

func TestAdminAllowlist(t *testing.T) {
	e, _ := newTestEngine(t, WithAdminAllowlist([]string{"10.0.0.1"}))

	// httptest 请求的来源地址为 192.0.2.1。
	assert.Equal(t, http.StatusForbidden, do(e, http.MethodPost, "/v1/admin/reset/bans", "").Code)
	assert.Equal(t, http.StatusOK, do(e, http.MethodGet, "/v1/diagnostics/quota", "").Code)
}
