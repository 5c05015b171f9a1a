// Package response 提供统一的 HTTP 响应封装，并将错误分类映射为 HTTP 状态码。
package response

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/wyfcoding/heimdall/xerrors"
)

// StatusClientClosed 客户端在响应前断开连接。
const StatusClientClosed = 499

// Body 统一响应体。
type Body struct {
	Code     int    `json:"code"`
	Msg      string `json:"msg"`
	Data     any    `json:"data,omitempty"`
	Category string `json:"category,omitempty"`
	Provider string `json:"provider,omitempty"`
	Endpoint string `json:"endpoint,omitempty"`
	Detail   string `json:"detail,omitempty"`
}

// Success 发送一个标准的成功响应。
// 默认：HTTP 200，业务码 0，消息 "success"。
func Success(c *gin.Context, data any) {
	c.JSON(http.StatusOK, Body{Code: 0, Msg: "success", Data: data})
}

// SuccessWithStatus 发送一个带有指定 HTTP 状态码的成功响应。
func SuccessWithStatus(c *gin.Context, status int, data any) {
	c.JSON(status, Body{Code: 0, Msg: "success", Data: data})
}

// SuccessWithRawData 发送原始数据的成功响应 (不包装 code 和 msg)。
// 用于某些特定系统接口 (如 Health Check)。
func SuccessWithRawData(c *gin.Context, status int, data any) {
	c.JSON(status, data)
}

// Error 发送错误响应。
// *xerrors.Error 按分类映射状态码并携带数据源信息，其余错误兜底为 500。
func Error(c *gin.Context, err error) {
	if err == nil {
		Success(c, nil)
		return
	}
	status, body := FromError(err)
	c.JSON(status, body)
}

// FromError 将错误转换为状态码与响应体。
func FromError(err error) (int, Body) {
	if errors.Is(err, context.Canceled) {
		return StatusClientClosed, Body{Code: StatusClientClosed, Msg: err.Error(), Category: string(xerrors.CategoryOf(err))}
	}
	if xe, ok := xerrors.FromError(err); ok {
		status := xe.HTTPStatus()
		return status, Body{
			Code:     status,
			Msg:      xe.Message,
			Category: string(xe.Category),
			Provider: xe.Provider,
			Endpoint: xe.Endpoint,
			Detail:   xe.Detail,
		}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return http.StatusGatewayTimeout, Body{Code: http.StatusGatewayTimeout, Msg: err.Error(), Category: string(xerrors.CategoryNetworkError)}
	}
	return http.StatusInternalServerError, Body{Code: http.StatusInternalServerError, Msg: err.Error(), Category: string(xerrors.CategoryUnknown)}
}

// ErrorWithStatus 发送一个带有指定 HTTP 状态码、消息和详情的错误响应。
func ErrorWithStatus(c *gin.Context, status int, msg string, detail string) {
	c.JSON(status, Body{Code: status, Msg: msg, Detail: detail})
}
