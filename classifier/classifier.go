// Package classifier 将原始传输/HTTP 结果映射为封闭的失败分类集合，
// 并给出是否可重试、是否需要冷却、是否构成能力锁的语义。所有函数均为纯函数。
package classifier

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"strings"
	"syscall"

	"github.com/wyfcoding/heimdall/xerrors"
)

// ErrDecode 适配器解析响应失败时包装的哨兵错误。
var ErrDecode = errors.New("decode failed")

// Classification 分类结果。
type Classification struct {
	Category         xerrors.Category `json:"category"`
	Code             int              `json:"code"`
	Reason           string           `json:"reason"`
	Transient        bool             `json:"is_transient"`
	RequiresCooldown bool             `json:"requires_cooldown"`
	CapabilityLock   bool             `json:"is_capability_lock"`
}

// payloadWindow 2xx 响应中检查错误标记的前缀窗口大小。
const payloadWindow = 512

// rateLimitMarkers 2xx 响应体中表示限流或错误消息的标记（小写比较）。
var rateLimitMarkers = []string{
	"error message",
	`"code": 429`,
	`"code":429`,
	"exceeded your daily api",
	"limit exceeded",
	"rate limit",
	"run out of api credits",
}

// entitlementMarkers 403 响应体中表示套餐/权限不足的措辞（小写比较）。
var entitlementMarkers = []string{"legacy", "upgrade", "plan", "subscription"}

// Classify 对任意错误进行分类。provider 与 endpoint 仅用于丰富 Reason。
func Classify(err error, provider, endpoint string) Classification {
	if err == nil {
		return Classification{Category: xerrors.CategoryNone}
	}

	if e, ok := xerrors.FromError(err); ok {
		return fromCategory(e.Category, e.Code, e.Message)
	}

	if isDecode(err) {
		return Classification{Category: xerrors.CategoryDecodeError, Reason: "Decode Error"}
	}

	if te := FromTransport(err); te != nil {
		return fromCategory(te.Category, 0, te.Message)
	}

	return Classification{Category: xerrors.CategoryUnknown, Reason: err.Error(), Transient: true}
}

// fromCategory 信任已有分类，按分类推导语义标志。
func fromCategory(c xerrors.Category, code int, reason string) Classification {
	cl := Classification{Category: c, Code: code, Reason: reason}
	switch c {
	case xerrors.CategoryRateLimited, xerrors.CategoryServerError:
		cl.Transient = true
		cl.RequiresCooldown = true
	case xerrors.CategoryNetworkError:
		cl.Transient = true
		cl.RequiresCooldown = reason == reasonTimeout || reason == reasonHostNotFound ||
			reason == reasonOffline || reason == reasonConnectionLost
	case xerrors.CategoryUnknown, xerrors.CategoryEmptyPayload:
		cl.Transient = true
	case xerrors.CategoryAuthInvalid, xerrors.CategoryEntitlementDenied:
		cl.CapabilityLock = true
	}
	return cl
}

// FromStatus 按 HTTP 状态码与响应体构造分类错误；2xx 且负载可用时返回 nil。
func FromStatus(status int, body []byte) *xerrors.Error {
	switch {
	case status >= 200 && status < 300:
		return InspectPayload(body)
	case status == http.StatusUnauthorized:
		return xerrors.New(xerrors.CategoryAuthInvalid, status, "Invalid Key", nil)
	case status == http.StatusForbidden:
		if containsAny(bytes.ToLower(body), entitlementMarkers) {
			return xerrors.New(xerrors.CategoryEntitlementDenied, status, "Legacy/Plan Limit", nil)
		}
		return xerrors.New(xerrors.CategoryAuthInvalid, status, "Forbidden (Auth)", nil)
	case status == http.StatusNotFound:
		return xerrors.New(xerrors.CategorySymbolNotFound, status, "Not Found", nil)
	case status == http.StatusTooManyRequests:
		return xerrors.New(xerrors.CategoryRateLimited, status, "Quota Exceeded", nil)
	case status >= 500 && status < 600:
		return xerrors.New(xerrors.CategoryServerError, status, "Server Error", nil)
	default:
		return xerrors.New(xerrors.CategoryUnknown, status, http.StatusText(status), nil)
	}
}

// InspectPayload 检查 2xx 响应体：空负载归为 emptyPayload，含限流/错误标记归为 rateLimited。
func InspectPayload(body []byte) *xerrors.Error {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return xerrors.New(xerrors.CategoryEmptyPayload, http.StatusOK, "Empty Payload", nil)
	}
	window := trimmed
	if len(window) > payloadWindow {
		window = window[:payloadWindow]
	}
	if containsAny(bytes.ToLower(window), rateLimitMarkers) {
		return xerrors.New(xerrors.CategoryRateLimited, http.StatusTooManyRequests, "Rate Limit Message In Payload", nil)
	}
	return nil
}

const (
	reasonTimeout        = "Timeout"
	reasonHostNotFound   = "Host Not Found"
	reasonOffline        = "Not Connected"
	reasonConnectionLost = "Connection Lost"
	reasonTransport      = "Transport Error"
)

// FromTransport 识别传输层错误，非传输层错误返回 nil。
func FromTransport(err error) *xerrors.Error {
	if err == nil {
		return nil
	}
	reason := ""
	var dnsErr *net.DNSError
	var netErr net.Error
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		reason = reasonTimeout
	case errors.As(err, &dnsErr):
		reason = reasonHostNotFound
	case errors.Is(err, syscall.ECONNREFUSED), errors.Is(err, syscall.ENETUNREACH), errors.Is(err, syscall.EHOSTUNREACH):
		reason = reasonOffline
	case errors.Is(err, syscall.ECONNRESET), errors.Is(err, syscall.EPIPE), errors.Is(err, io.ErrUnexpectedEOF), errors.Is(err, io.EOF):
		reason = reasonConnectionLost
	case errors.As(err, &netErr):
		if netErr.Timeout() {
			reason = reasonTimeout
		} else {
			reason = reasonTransport
		}
	default:
		return nil
	}
	return xerrors.New(xerrors.CategoryNetworkError, 0, reason, err)
}

// IsTransport 判断错误是否为传输层错误（仅此类错误允许在网络层本地重试）。
func IsTransport(err error) bool {
	if e, ok := xerrors.FromError(err); ok {
		return e.Category == xerrors.CategoryNetworkError
	}
	return FromTransport(err) != nil
}

func isDecode(err error) bool {
	var syntaxErr *json.SyntaxError
	var typeErr *json.UnmarshalTypeError
	return errors.Is(err, ErrDecode) || errors.As(err, &syntaxErr) || errors.As(err, &typeErr)
}

func containsAny(haystack []byte, needles []string) bool {
	for _, n := range needles {
		if bytes.Contains(haystack, []byte(n)) {
			return true
		}
	}
	return false
}

// MentionsMinuteLimit 判断限流消息是否指向滚动一分钟窗口（用于触发分钟级硬锁）。
func MentionsMinuteLimit(text string) bool {
	t := strings.ToLower(text)
	return strings.Contains(t, "per minute") || strings.Contains(t, "minute limit") ||
		strings.Contains(t, "/min") || strings.Contains(t, "current minute")
}
