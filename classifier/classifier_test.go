package classifier

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/url"
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wyfcoding/heimdall/xerrors"
)

func classifyStatus(status int, body string) Classification {
	err := FromStatus(status, []byte(body))
	if err == nil {
		return Classify(nil, "P", "quote")
	}
	return Classify(err, "P", "quote")
}

func TestClassifyHTTPStatus(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		body      string
		category  xerrors.Category
		transient bool
		cooldown  bool
		lock      bool
	}{
		{"401", 401, "", xerrors.CategoryAuthInvalid, false, false, true},
		{"403 plan", 403, `{"message":"Upgrade your plan"}`, xerrors.CategoryEntitlementDenied, false, false, true},
		{"403 legacy", 403, "Legacy Endpoint", xerrors.CategoryEntitlementDenied, false, false, true},
		{"403 subscription", 403, "requires a SUBSCRIPTION", xerrors.CategoryEntitlementDenied, false, false, true},
		{"403 plain", 403, "forbidden", xerrors.CategoryAuthInvalid, false, false, true},
		{"404", 404, "", xerrors.CategorySymbolNotFound, false, false, false},
		{"429", 429, "", xerrors.CategoryRateLimited, true, true, false},
		{"500", 500, "", xerrors.CategoryServerError, true, true, false},
		{"503", 503, "<html></html>", xerrors.CategoryServerError, true, true, false},
		{"418", 418, "", xerrors.CategoryUnknown, true, false, false},
		{"200 ok", 200, `{"price":1}`, xerrors.CategoryNone, false, false, false},
		{"200 empty", 200, "  ", xerrors.CategoryEmptyPayload, true, false, false},
		{"200 daily limit", 200, "daily API requests limit exceeded", xerrors.CategoryRateLimited, true, true, false},
		{"200 error message", 200, `{"Error Message":"Invalid API KEY."}`, xerrors.CategoryRateLimited, true, true, false},
		{"200 code 429", 200, `{"code": 429, "message":"You have run out of API credits"}`, xerrors.CategoryRateLimited, true, true, false},
		{"200 code 429 compact", 200, `{"code":429}`, xerrors.CategoryRateLimited, true, true, false},
		{"200 exceeded daily", 200, "You have exceeded your daily API calls", xerrors.CategoryRateLimited, true, true, false},
		{"200 plain rate limit", 200, `{"message":"rate limit hit, slow down"}`, xerrors.CategoryRateLimited, true, true, false},
		{"200 rate limit note", 200, `{"note":"Our standard API rate limit is 5 calls per minute."}`, xerrors.CategoryRateLimited, true, true, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := classifyStatus(tt.status, tt.body)
			assert.Equal(t, tt.category, got.Category)
			assert.Equal(t, tt.transient, got.Transient, "transient")
			assert.Equal(t, tt.cooldown, got.RequiresCooldown, "cooldown")
			assert.Equal(t, tt.lock, got.CapabilityLock, "lock")
		})
	}
}

func TestClassifyIsDeterministic(t *testing.T) {
	for i := 0; i < 5; i++ {
		a := classifyStatus(403, "please upgrade")
		b := classifyStatus(403, "please upgrade")
		assert.Equal(t, a, b)
	}
}

func TestMarkersOnlyInspectPrefixWindow(t *testing.T) {
	body := make([]byte, 0, 2048)
	body = append(body, '[')
	for len(body) < 1000 {
		body = append(body, []byte(`{"t":"x"},`)...)
	}
	body = append(body, []byte(`{"headline":"Exchange hits rate limit reached on volume"}]`)...)
	assert.Nil(t, InspectPayload(body))
}

func TestClassifyTransport(t *testing.T) {
	dns := &net.DNSError{Err: "no such host", Name: "api.example.com", IsNotFound: true}
	urlErr := &url.Error{Op: "Get", URL: "https://api.example.com", Err: dns}

	tests := []struct {
		name     string
		err      error
		cooldown bool
	}{
		{"deadline", fmt.Errorf("do: %w", context.DeadlineExceeded), true},
		{"dns", urlErr, true},
		{"refused", &net.OpError{Op: "dial", Err: syscall.ECONNREFUSED}, true},
		{"reset", &net.OpError{Op: "read", Err: syscall.ECONNRESET}, true},
		{"other net", &net.OpError{Op: "remote error", Err: errors.New("tls: bad certificate")}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Classify(tt.err, "P", "quote")
			assert.Equal(t, xerrors.CategoryNetworkError, got.Category)
			assert.True(t, got.Transient)
			assert.False(t, got.CapabilityLock)
			assert.Equal(t, tt.cooldown, got.RequiresCooldown)
			assert.True(t, IsTransport(tt.err))
		})
	}
}

func TestClassifyDecodeAndUnknown(t *testing.T) {
	var v struct{ A int }
	jsonErr := json.Unmarshal([]byte(`{"A":"x"}`), &v)
	require.Error(t, jsonErr)

	got := Classify(jsonErr, "P", "quote")
	assert.Equal(t, xerrors.CategoryDecodeError, got.Category)
	assert.False(t, got.Transient)

	got = Classify(fmt.Errorf("yahoo: %w", ErrDecode), "P", "quote")
	assert.Equal(t, xerrors.CategoryDecodeError, got.Category)

	got = Classify(errors.New("boom"), "P", "quote")
	assert.Equal(t, xerrors.CategoryUnknown, got.Category)
	assert.True(t, got.Transient)
	assert.False(t, IsTransport(errors.New("boom")))
}

func TestClassifyTrustsCoreError(t *testing.T) {
	core := xerrors.New(xerrors.CategoryEntitlementDenied, 403, "Legacy/Plan Limit", nil)
	got := Classify(fmt.Errorf("wrapped: %w", core), "P", "candles")
	assert.Equal(t, xerrors.CategoryEntitlementDenied, got.Category)
	assert.Equal(t, 403, got.Code)
	assert.True(t, got.CapabilityLock)

	got = Classify(xerrors.New(xerrors.CategoryCircuitOpen, 503, "open", nil), "P", "quote")
	assert.False(t, got.Transient)
	assert.False(t, got.CapabilityLock)
}

func TestMentionsMinuteLimit(t *testing.T) {
	assert.True(t, MentionsMinuteLimit("API credits for the current minute exhausted"))
	assert.True(t, MentionsMinuteLimit("8 calls per minute"))
	assert.False(t, MentionsMinuteLimit("daily limit exceeded"))
}
