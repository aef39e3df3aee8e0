// Package errors 定义统一错误码
package errors

import (
	goerrors "errors"
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
	CodeNotFound       Code = "NOT_FOUND"
	CodeInternal       Code = "INTERNAL"
	CodeUnavailable    Code = "UNAVAILABLE"
	CodeTimeout        Code = "TIMEOUT"

	// 权限 (2xxx)
	CodePermissionDenied   Code = "PERMISSION_DENIED"
	CodeNotManager         Code = "NOT_MANAGER"
	CodeFundShutDown       Code = "FUND_SHUT_DOWN"
	CodeCancelNotPermitted Code = "CANCEL_NOT_PERMITTED"

	// 前置条件 (3xxx)
	CodeDuplicateOpenOrder Code = "DUPLICATE_OPEN_ORDER"
	CodeZeroOrderID        Code = "ZERO_ORDER_ID"
	CodeAssetMismatch      Code = "ASSET_MISMATCH"
	CodeSameAssetSwap      Code = "SAME_ASSET_SWAP"
	CodeQtyBoundViolation  Code = "QTY_BOUND_VIOLATION"
	CodeRegistryFull       Code = "REGISTRY_FULL"
	CodeAssetNotEligible   Code = "ASSET_NOT_ELIGIBLE"
	CodeRateDeviation      Code = "RATE_DEVIATION"
	CodeOrderNotFound      Code = "ORDER_NOT_FOUND"
	CodeOrderNotLive       Code = "ORDER_NOT_LIVE"

	// 资金 (4xxx)
	CodeInsufficientCustody Code = "INSUFFICIENT_CUSTODY"
	CodeIdempotencyConflict Code = "IDEMPOTENCY_CONFLICT"

	// 外部交易场所 (5xxx)
	CodeVenueCallFailed Code = "VENUE_CALL_FAILED"
	CodeVenueZeroID     Code = "VENUE_ZERO_ID"
	CodeVenueShortFill  Code = "VENUE_SHORT_FILL"

	// 状态不一致 (6xxx)
	CodeStateInconsistent Code = "STATE_INCONSISTENT"

	// 能力接口 (7xxx)
	CodeUnsupportedOperation Code = "UNSUPPORTED_OPERATION"

	// 系统 (9xxx)
	CodeSystemBusy Code = "SYSTEM_BUSY"
)

// Class 错误分类：每个错误码归属一个失败类别
type Class string

const (
	ClassPermissionDenied      Class = "PERMISSION_DENIED"
	ClassPreconditionViolation Class = "PRECONDITION_VIOLATION"
	ClassExternalCallFailure   Class = "EXTERNAL_CALL_FAILURE"
	ClassStateInconsistency    Class = "STATE_INCONSISTENCY"
	ClassUnsupported           Class = "UNSUPPORTED"
	ClassInternal              Class = "INTERNAL"
)

// ClassOf 返回错误码所属分类
func ClassOf(code Code) Class {
	switch code {
	case CodePermissionDenied, CodeNotManager, CodeFundShutDown, CodeCancelNotPermitted:
		return ClassPermissionDenied
	case CodeDuplicateOpenOrder, CodeZeroOrderID, CodeAssetMismatch, CodeSameAssetSwap,
		CodeQtyBoundViolation, CodeRegistryFull, CodeAssetNotEligible, CodeRateDeviation,
		CodeInvalidParam, CodeInsufficientCustody, CodeOrderNotFound, CodeOrderNotLive,
		CodeIdempotencyConflict:
		return ClassPreconditionViolation
	case CodeVenueCallFailed, CodeVenueZeroID, CodeVenueShortFill:
		return ClassExternalCallFailure
	case CodeStateInconsistent:
		return ClassStateInconsistency
	case CodeUnsupportedOperation:
		return ClassUnsupported
	default:
		return ClassInternal
	}
}

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

// Class 返回错误分类
func (e *Error) Class() Class {
	return ClassOf(e.Code)
}

// New 创建错误
func New(code Code, message string) *Error {
	return &Error{
		Code:      code,
		Message:   message,
		Retryable: isRetryable(code),
	}
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

// CodeOf extracts the error code from err, unwrapping as needed.
// Non-coded errors map to CodeUnknown.
func CodeOf(err error) Code {
	if err == nil {
		return CodeOK
	}
	var coded *Error
	if goerrors.As(err, &coded) {
		return coded.Code
	}
	return CodeUnknown
}

// HasClass reports whether err belongs to the given failure class.
func HasClass(err error, class Class) bool {
	if err == nil {
		return false
	}
	return ClassOf(CodeOf(err)) == class
}

// isRetryable 判断是否可重试
func isRetryable(code Code) bool {
	switch code {
	case CodeSystemBusy, CodeTimeout, CodeUnavailable:
		return true
	default:
		return false
	}
}

// httpStatus 错误码对应的 HTTP 状态码
func httpStatus(code Code) int {
	switch code {
	case CodeOK:
		return http.StatusOK
	case CodeInvalidParam, CodeZeroOrderID, CodeSameAssetSwap, CodeQtyBoundViolation:
		return http.StatusBadRequest
	case CodePermissionDenied, CodeNotManager, CodeFundShutDown, CodeCancelNotPermitted:
		return http.StatusForbidden
	case CodeNotFound, CodeOrderNotFound:
		return http.StatusNotFound
	case CodeDuplicateOpenOrder, CodeIdempotencyConflict:
		return http.StatusConflict
	case CodeUnsupportedOperation:
		return http.StatusNotImplemented
	case CodeInternal, CodeUnknown, CodeStateInconsistent:
		return http.StatusInternalServerError
	case CodeUnavailable, CodeSystemBusy:
		return http.StatusServiceUnavailable
	case CodeTimeout:
		return http.StatusGatewayTimeout
	case CodeVenueCallFailed, CodeVenueZeroID, CodeVenueShortFill:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// 预定义错误
var (
	ErrInvalidParam        = New(CodeInvalidParam, "invalid parameter")
	ErrNotManager          = New(CodeNotManager, "caller is not the fund manager")
	ErrFundShutDown        = New(CodeFundShutDown, "fund is shut down")
	ErrCancelNotPermitted  = New(CodeCancelNotPermitted, "cancel not permitted")
	ErrInsufficientCustody = New(CodeInsufficientCustody, "insufficient custody balance")
	ErrRegistryFull        = New(CodeRegistryFull, "owned asset registry at capacity")
	ErrUnsupported         = New(CodeUnsupportedOperation, "operation not supported by this venue adapter")
)
