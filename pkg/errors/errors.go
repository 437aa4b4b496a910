// Package errors 定义带错误码的业务错误，可映射为 HTTP 与 gRPC 状态
package errors

import (
	"errors"
	"fmt"
	"net/http"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Error 业务错误
type Error struct {
	Code       string            `json:"code"`
	Message    string            `json:"message"`
	HTTPStatus int               `json:"-"`
	GRPCCode   codes.Code        `json:"-"`
	Cause      error             `json:"-"`
	Details    map[string]string `json:"details,omitempty"`
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (cause: %v)", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Is 按错误码比较
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// WithDetail 添加单个详情
func (e *Error) WithDetail(key, value string) *Error {
	newErr := e.Copy()
	if newErr.Details == nil {
		newErr.Details = make(map[string]string)
	}
	newErr.Details[key] = value
	return newErr
}

// WithMessage 替换错误消息
func (e *Error) WithMessage(message string) *Error {
	newErr := e.Copy()
	newErr.Message = message
	return newErr
}

// WithMessagef 格式化替换错误消息
func (e *Error) WithMessagef(format string, args ...interface{}) *Error {
	return e.WithMessage(fmt.Sprintf(format, args...))
}

// Copy 复制错误
func (e *Error) Copy() *Error {
	newErr := &Error{
		Code:       e.Code,
		Message:    e.Message,
		HTTPStatus: e.HTTPStatus,
		GRPCCode:   e.GRPCCode,
		Cause:      e.Cause,
	}
	if e.Details != nil {
		newErr.Details = make(map[string]string, len(e.Details))
		for k, v := range e.Details {
			newErr.Details[k] = v
		}
	}
	return newErr
}

// New 创建内部错误
func New(code, message string) *Error {
	return &Error{
		Code:       code,
		Message:    message,
		HTTPStatus: http.StatusInternalServerError,
		GRPCCode:   codes.Internal,
	}
}

// NewWithStatus 创建带状态码的错误
func NewWithStatus(code, message string, httpStatus int, grpcCode codes.Code) *Error {
	return &Error{
		Code:       code,
		Message:    message,
		HTTPStatus: httpStatus,
		GRPCCode:   grpcCode,
	}
}

// Wrap 包装底层原因
func Wrap(err *Error, cause error) *Error {
	newErr := err.Copy()
	newErr.Cause = cause
	return newErr
}

// WrapWithCause 包装底层原因并追加信息
func WrapWithCause(err *Error, cause error, format string, args ...interface{}) *Error {
	newErr := err.Copy()
	newErr.Message = fmt.Sprintf("%s: %s", err.Message, fmt.Sprintf(format, args...))
	newErr.Cause = cause
	return newErr
}

// FromError 转为业务错误，未知错误归为内部错误
func FromError(err error) *Error {
	if err == nil {
		return nil
	}
	var bizErr *Error
	if errors.As(err, &bizErr) {
		return bizErr
	}
	return Wrap(ErrInternal, err)
}

// 通用错误码
var (
	ErrInternal           = NewWithStatus("INTERNAL_ERROR", "内部错误", http.StatusInternalServerError, codes.Internal)
	ErrInvalidRequest     = NewWithStatus("INVALID_REQUEST", "请求参数无效", http.StatusBadRequest, codes.InvalidArgument)
	ErrUnauthorized       = NewWithStatus("UNAUTHORIZED", "未授权", http.StatusUnauthorized, codes.Unauthenticated)
	ErrForbidden          = NewWithStatus("FORBIDDEN", "禁止访问", http.StatusForbidden, codes.PermissionDenied)
	ErrNotFound           = NewWithStatus("NOT_FOUND", "资源不存在", http.StatusNotFound, codes.NotFound)
	ErrServiceUnavailable = NewWithStatus("SERVICE_UNAVAILABLE", "服务不可用", http.StatusServiceUnavailable, codes.Unavailable)
	ErrTimeout            = NewWithStatus("TIMEOUT", "请求超时", http.StatusGatewayTimeout, codes.DeadlineExceeded)
)

// 对赌业务错误码
var (
	// 参数校验
	ErrInvalidSide  = NewWithStatus("INVALID_SIDE", "押注方向无效", http.StatusBadRequest, codes.InvalidArgument)
	ErrInvalidStake = NewWithStatus("INVALID_STAKE", "押注金额必须为正数", http.StatusBadRequest, codes.InvalidArgument)
	ErrSelfAccept   = NewWithStatus("SELF_ACCEPT", "不能接受自己创建的对赌", http.StatusBadRequest, codes.InvalidArgument)

	// 状态冲突
	ErrWagerNotFound      = NewWithStatus("WAGER_NOT_FOUND", "对赌不存在", http.StatusNotFound, codes.NotFound)
	ErrInvalidWagerStatus = NewWithStatus("INVALID_WAGER_STATUS", "对赌状态不允许该操作", http.StatusConflict, codes.FailedPrecondition)
	ErrAcceptConflict     = NewWithStatus("ACCEPT_CONFLICT", "对赌已被其他用户接受", http.StatusConflict, codes.Aborted)
	ErrSoftLocked         = NewWithStatus("SOFT_LOCKED", "对赌正在被其他用户接受", http.StatusConflict, codes.FailedPrecondition)
	ErrNotAcceptingParty  = NewWithStatus("NOT_ACCEPTING_PARTY", "调用方不是当前接受方", http.StatusForbidden, codes.PermissionDenied)
	ErrNotCreator         = NewWithStatus("NOT_CREATOR", "调用方不是对赌创建者", http.StatusForbidden, codes.PermissionDenied)
	ErrNotSettled         = NewWithStatus("NOT_SETTLED", "对赌尚未结算", http.StatusConflict, codes.FailedPrecondition)
	ErrNothingToClaim     = NewWithStatus("NOTHING_TO_CLAIM", "可领取的推荐收益不足", http.StatusConflict, codes.FailedPrecondition)

	// 充值校验
	ErrDepositNotVerified = NewWithStatus("DEPOSIT_NOT_VERIFIED", "充值交易校验失败", http.StatusBadRequest, codes.InvalidArgument)
	ErrSignatureReplayed  = NewWithStatus("SIGNATURE_REPLAYED", "交易签名已被使用", http.StatusConflict, codes.AlreadyExists)

	// 链与资金
	ErrLedgerUnavailable = NewWithStatus("LEDGER_UNAVAILABLE", "链节点不可用", http.StatusServiceUnavailable, codes.Unavailable)
	ErrTransferFailed    = NewWithStatus("TRANSFER_FAILED", "链上转账失败", http.StatusBadGateway, codes.Unavailable)
	ErrSettlementPartial = NewWithStatus("SETTLEMENT_PARTIAL", "结算部分完成，需人工复核", http.StatusInternalServerError, codes.DataLoss)
	ErrSecretCorrupted   = NewWithStatus("SECRET_CORRUPTED", "托管密钥解密失败", http.StatusInternalServerError, codes.DataLoss)
)

// ToGRPCError 转换为 gRPC 错误
func ToGRPCError(err error) error {
	if err == nil {
		return nil
	}
	var bizErr *Error
	if errors.As(err, &bizErr) {
		return status.Error(bizErr.GRPCCode, bizErr.Error())
	}
	return status.Error(codes.Internal, err.Error())
}

// ToHTTPStatus 获取 HTTP 状态码
func ToHTTPStatus(err error) int {
	if err == nil {
		return http.StatusOK
	}
	var bizErr *Error
	if errors.As(err, &bizErr) && bizErr.HTTPStatus != 0 {
		return bizErr.HTTPStatus
	}
	return http.StatusInternalServerError
}

// Is 判断错误类型
func Is(err error, target *Error) bool {
	if err == nil || target == nil {
		return false
	}
	return errors.Is(err, target)
}

// GetCode 获取错误码
func GetCode(err error) string {
	if err == nil {
		return ""
	}
	var bizErr *Error
	if errors.As(err, &bizErr) {
		return bizErr.Code
	}
	return "UNKNOWN"
}

// IsConflict 是否为状态冲突类错误
func IsConflict(err error) bool {
	return Is(err, ErrAcceptConflict) || Is(err, ErrInvalidWagerStatus) || Is(err, ErrSoftLocked)
}

// IsInvalidArgument 是否为参数错误
func IsInvalidArgument(err error) bool {
	var bizErr *Error
	if !errors.As(err, &bizErr) {
		return false
	}
	return bizErr.GRPCCode == codes.InvalidArgument
}

// IsRetryable 判断错误是否可重试
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var bizErr *Error
	if errors.As(err, &bizErr) {
		switch bizErr.GRPCCode {
		case codes.Unavailable, codes.ResourceExhausted, codes.DeadlineExceeded:
			return true
		}
	}
	return false
}
