// Package xerrors 定义数据采集链路统一的错误结构与失败分类。
package xerrors

import (
	"errors"
	"fmt"
	"net/http"
	"runtime"
)

// Category 失败分类（封闭集合）。
type Category string

const (
	CategoryNone              Category = "none"
	CategoryAuthInvalid       Category = "authInvalid"
	CategoryEntitlementDenied Category = "entitlementDenied"
	CategoryRateLimited       Category = "rateLimited"
	CategoryServerError       Category = "serverError"
	CategoryNetworkError      Category = "networkError"
	CategoryDecodeError       Category = "decodeError"
	CategorySymbolNotFound    Category = "symbolNotFound"
	CategoryEmptyPayload      Category = "emptyPayload"
	CategoryCircuitOpen       Category = "circuitOpen"
	CategoryUnknown           Category = "unknown"

	// CategoryInvalidRequest 调用方参数错误，分类器从不产生该值。
	CategoryInvalidRequest Category = "invalidRequest"
)

// Categories 返回分类器可能产生的全部分类。
func Categories() []Category {
	return []Category{
		CategoryNone, CategoryAuthInvalid, CategoryEntitlementDenied, CategoryRateLimited,
		CategoryServerError, CategoryNetworkError, CategoryDecodeError, CategorySymbolNotFound,
		CategoryEmptyPayload, CategoryCircuitOpen, CategoryUnknown,
	}
}

// Valid 判断是否属于失败分类集合。
func (c Category) Valid() bool {
	for _, known := range Categories() {
		if c == known {
			return true
		}
	}
	return false
}

// Label 返回用于诊断展示的可读名称。
func (c Category) Label() string {
	switch c {
	case CategoryNone:
		return "None"
	case CategoryAuthInvalid:
		return "Auth Invalid"
	case CategoryEntitlementDenied:
		return "Entitlement Denied"
	case CategoryRateLimited:
		return "Rate Limited"
	case CategoryServerError:
		return "Server Error"
	case CategoryNetworkError:
		return "Network Error"
	case CategoryDecodeError:
		return "Decode Error"
	case CategorySymbolNotFound:
		return "Not Found"
	case CategoryEmptyPayload:
		return "Empty Payload"
	case CategoryCircuitOpen:
		return "Circuit Open"
	case CategoryInvalidRequest:
		return "Invalid Request"
	default:
		return "Unknown"
	}
}

// Error 增强型错误结构
type Error struct {
	Category   Category       `json:"category"`
	Code       int            `json:"code"`                  // HTTP 风格状态码，传输层错误为 0
	Message    string         `json:"message"`               // 对外展示的友好消息
	Detail     string         `json:"detail,omitempty"`      // 对内调试的详细信息
	Provider   string         `json:"provider,omitempty"`    // 产生错误的数据源
	Endpoint   string         `json:"endpoint,omitempty"`    // 数据字段或端点
	BodyPrefix string         `json:"body_prefix,omitempty"` // 响应体前缀（已脱敏）
	Cause      error          `json:"-"`                     // 原始错误
	Stack      []string       `json:"-"`                     // 堆栈追踪
	Context    map[string]any `json:"context,omitempty"`     // 上下文数据
}

// Error 实现 error 接口
func (e *Error) Error() string {
	prefix := fmt.Sprintf("[%s] %d: %s", e.Category, e.Code, e.Message)
	if e.Provider != "" {
		prefix = fmt.Sprintf("[%s] %s %d: %s", e.Category, e.Provider, e.Code, e.Message)
	}
	if e.Cause != nil {
		return fmt.Sprintf("%s (cause: %v)", prefix, e.Cause)
	}
	return prefix
}

// Unwrap 实现 Go 1.13 解包接口
func (e *Error) Unwrap() error {
	return e.Cause
}

// New 创建新错误并自动捕获堆栈
func New(category Category, code int, message string, cause error) *Error {
	e := &Error{
		Category: category,
		Code:     code,
		Message:  message,
		Cause:    cause,
		Context:  make(map[string]any),
	}
	e.captureStack()
	return e
}

// captureStack 捕获当前调用栈 (深度限制 10 层)
func (e *Error) captureStack() {
	const depth = 10
	var pcs [depth]uintptr
	n := runtime.Callers(3, pcs[:])
	frames := runtime.CallersFrames(pcs[:n])

	for {
		frame, more := frames.Next()
		e.Stack = append(e.Stack, fmt.Sprintf("%s:%d (%s)", frame.File, frame.Line, frame.Function))
		if !more || len(e.Stack) >= depth {
			break
		}
	}
}

// --- 链式 API ---

func (e *Error) WithContext(key string, value any) *Error {
	if e.Context == nil {
		e.Context = make(map[string]any)
	}
	e.Context[key] = value
	return e
}

func (e *Error) WithDetail(format string, args ...any) *Error {
	e.Detail = fmt.Sprintf(format, args...)
	return e
}

// WithSource 记录错误来源的数据源与端点。
func (e *Error) WithSource(provider, endpoint string) *Error {
	e.Provider = provider
	e.Endpoint = endpoint
	return e
}

// WithBody 记录（已脱敏的）响应体前缀。
func (e *Error) WithBody(prefix string) *Error {
	e.BodyPrefix = prefix
	return e
}

// --- 快捷构造工具 ---

// InvalidArg 调用方参数错误。
func InvalidArg(msg string) *Error {
	return New(CategoryInvalidRequest, http.StatusBadRequest, msg, nil)
}

// RateLimited 构造限流错误。
func RateLimited(msg string) *Error {
	return New(CategoryRateLimited, http.StatusTooManyRequests, msg, nil)
}

// CircuitOpen 构造熔断/隔离错误。
func CircuitOpen(msg string) *Error {
	return New(CategoryCircuitOpen, http.StatusServiceUnavailable, msg, nil)
}

// NoProvider 构造“无可用数据源”错误，携带最后一次失败的分类。
// last 为空时表示没有任何候选数据源。
func NoProvider(field, symbol string, last *Error) *Error {
	msg := fmt.Sprintf("no provider available for %s %s", field, symbol)
	if last == nil {
		return New(CategoryCircuitOpen, http.StatusServiceUnavailable, msg, nil).
			WithContext("field", field).WithContext("symbol", symbol)
	}
	e := New(last.Category, last.Code, msg, last)
	e.Provider = last.Provider
	e.Endpoint = last.Endpoint
	e.BodyPrefix = last.BodyPrefix
	return e.WithContext("field", field).WithContext("symbol", symbol)
}

// Wrap 包装现有错误并捕获堆栈
func Wrap(err error, category Category, msg string) *Error {
	if err == nil {
		return nil
	}
	// 已经是 *Error 时保持其分类与堆栈，仅更新 Message 和 Cause
	if e, ok := FromError(err); ok {
		return &Error{
			Category:   e.Category,
			Code:       e.Code,
			Message:    msg,
			Detail:     e.Detail,
			Provider:   e.Provider,
			Endpoint:   e.Endpoint,
			BodyPrefix: e.BodyPrefix,
			Cause:      err,
			Stack:      e.Stack,
			Context:    e.Context,
		}
	}
	return New(category, 0, msg, err)
}

// HTTPStatus 将失败分类映射为对外 HTTP 状态码。
func (e *Error) HTTPStatus() int {
	switch e.Category {
	case CategoryInvalidRequest:
		return http.StatusBadRequest
	case CategorySymbolNotFound:
		return http.StatusNotFound
	case CategoryRateLimited:
		return http.StatusTooManyRequests
	case CategoryCircuitOpen:
		return http.StatusServiceUnavailable
	case CategoryNetworkError:
		return http.StatusGatewayTimeout
	case CategoryAuthInvalid, CategoryEntitlementDenied, CategoryServerError,
		CategoryDecodeError, CategoryEmptyPayload:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// Retryable 表示调用方稍后重试是否可能成功。
func (e *Error) Retryable() bool {
	switch e.Category {
	case CategoryRateLimited, CategoryServerError, CategoryNetworkError,
		CategoryCircuitOpen, CategoryEmptyPayload, CategoryUnknown:
		return true
	default:
		return false
	}
}

// FromError 尝试转换（支持错误链）
func FromError(err error) (*Error, bool) {
	if err == nil {
		return nil, false
	}
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// CategoryOf 返回错误链中的失败分类，非 *Error 返回空字符串。
func CategoryOf(err error) Category {
	if e, ok := FromError(err); ok {
		return e.Category
	}
	return ""
}
