// Package errors 定义统一错误码
package errors

import (
	"fmt"
	"net/http"
)

// Code 错误码
type Code string

// 错误码定义
const (
	// 通用错误 (1xxx)
	CodeOK             Code = "OK"
	CodeUnknown        Code = "UNKNOWN"
	CodeInvalidParam   Code = "INVALID_PARAM"
	CodeInvalidRequest Code = "INVALID_REQUEST"
	CodeNotFound       Code = "NOT_FOUND"
	CodeAlreadyExists  Code = "ALREADY_EXISTS"
	CodeUnauthorized   Code = "UNAUTHORIZED"
	CodeInternal       Code = "INTERNAL"
	CodeUnavailable    Code = "UNAVAILABLE"
	CodeTimeout        Code = "TIMEOUT"

	// 编排 (2xxx)
	CodeUnknownSagaDefinition  Code = "UNKNOWN_SAGA_DEFINITION"
	CodeSagaNotFound           Code = "SAGA_NOT_FOUND"
	CodeSagaNotRedrivable      Code = "SAGA_NOT_REDRIVABLE"
	CodeConcurrentModification Code = "CONCURRENT_MODIFICATION"
	CodeInvalidTransition      Code = "INVALID_TRANSITION"
	CodeIdempotencyConflict    Code = "IDEMPOTENCY_CONFLICT"

	// 步骤调用 (3xxx)
	CodeOperationNotRegistered Code = "OPERATION_NOT_REGISTERED"
	CodeStepRejected           Code = "STEP_REJECTED"
	CodeStepTimeout            Code = "STEP_TIMEOUT"

	// 租户 (4xxx)
	CodeTenantRequired Code = "TENANT_REQUIRED"
	CodeTenantMismatch Code = "TENANT_MISMATCH"

	// 系统 (9xxx)
	CodeSystemBusy Code = "SYSTEM_BUSY"
)

// Error 业务错误
type Error struct {
	Code      Code   `json:"code"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
	RequestID string `json:"requestId,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// New 创建错误
func New(code Code, message string) *Error {
	return &Error{
		Code:      code,
		Message:   message,
		Retryable: isRetryable(code),
	}
}

// NewWithDefault 创建错误，message 为空时使用错误码默认文案
func NewWithDefault(code Code, message string) *Error {
	if message == "" {
		message = defaultMessage(code)
	}
	return New(code, message)
}

// Newf 创建格式化错误
func Newf(code Code, format string, args ...interface{}) *Error {
	return New(code, fmt.Sprintf(format, args...))
}

// WithRequestID 添加请求 ID
func (e *Error) WithRequestID(requestID string) *Error {
	e.RequestID = requestID
	return e
}

// HTTPStatus 返回对应的 HTTP 状态码
func (e *Error) HTTPStatus() int {
	return httpStatus(e.Code)
}

// isRetryable 判断是否可重试
func isRetryable(code Code) bool {
	switch code {
	case CodeTimeout, CodeUnavailable, CodeSystemBusy,
		CodeConcurrentModification, CodeStepTimeout:
		return true
	default:
		return false
	}
}

// defaultMessage 错误码默认文案
func defaultMessage(code Code) string {
	switch code {
	case CodeUnknownSagaDefinition:
		return "unknown saga definition"
	case CodeSagaNotFound:
		return "saga not found"
	case CodeSagaNotRedrivable:
		return "saga is not in a redrivable state"
	case CodeTenantRequired:
		return "tenant context required"
	case CodeUnauthorized:
		return "unauthorized"
	case CodeInvalidParam:
		return "invalid parameter"
	default:
		return "internal error"
	}
}

// httpStatus 错误码对应的 HTTP 状态码
func httpStatus(code Code) int {
	switch code {
	case CodeOK:
		return http.StatusOK
	case CodeInvalidParam, CodeInvalidRequest, CodeUnknownSagaDefinition,
		CodeTenantRequired, CodeSagaNotRedrivable:
		return http.StatusBadRequest
	case CodeUnauthorized:
		return http.StatusUnauthorized
	case CodeTenantMismatch:
		return http.StatusForbidden
	case CodeNotFound, CodeSagaNotFound, CodeOperationNotRegistered:
		return http.StatusNotFound
	case CodeAlreadyExists, CodeIdempotencyConflict, CodeConcurrentModification:
		return http.StatusConflict
	case CodeStepRejected:
		return http.StatusUnprocessableEntity
	case CodeInternal, CodeUnknown, CodeInvalidTransition:
		return http.StatusInternalServerError
	case CodeUnavailable, CodeSystemBusy:
		return http.StatusServiceUnavailable
	case CodeTimeout, CodeStepTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// 预定义错误
var (
	ErrInvalidParam          = New(CodeInvalidParam, "invalid parameter")
	ErrSagaNotFound          = New(CodeSagaNotFound, "saga not found")
	ErrUnknownSagaDefinition = New(CodeUnknownSagaDefinition, "unknown saga definition")
	ErrUnauthorized          = New(CodeUnauthorized, "unauthorized")
	ErrTenantRequired        = New(CodeTenantRequired, "tenant context required")
	ErrSystemBusy            = New(CodeSystemBusy, "system busy, please retry")
)
