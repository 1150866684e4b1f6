package apperr

import (
	"errors"
	"fmt"
)

// エラーの種類。errors.Isは種類で比較する。
type Kind string

const (
	KindInvalidStateTransition    Kind = "InvalidStateTransition"
	KindConcurrentModification    Kind = "ConcurrentModification"
	KindPaymentValidationFailed   Kind = "PaymentValidationFailed"
	KindProcessorError            Kind = "ProcessorError"
	KindInsufficientRefundBalance Kind = "InsufficientRefundBalance"
	KindDuplicatePayment          Kind = "DuplicatePayment"
	KindUnauthorizedAction        Kind = "UnauthorizedAction"
	KindTenantScopeViolation      Kind = "TenantScopeViolation"
	KindNotFound                  Kind = "NotFound"
	KindValidation                Kind = "Validation"
	KindInvalidSignature          Kind = "InvalidSignature"
	KindInternal                  Kind = "Internal"
)

// 呼び出し側に返す安定したコード
const (
	CodeInvalidStateTransition  = "INVALID_STATE_TRANSITION"
	CodeConcurrentModification  = "CONCURRENT_MODIFICATION"
	CodePaymentValidationFailed = "PAYMENT_VALIDATION_FAILED"
	CodeProcessorError          = "PROCESSOR_ERROR"
	CodeInvalidAmount           = "INVALID_AMOUNT"
	CodeDuplicatePayment        = "DUPLICATE_PAYMENT"
	CodeUnauthorizedAction      = "UNAUTHORIZED_ACTION"
	CodeNotFound                = "NOT_FOUND"
	CodeValidation              = "VALIDATION_FAILED"
	CodeInvalidSignature        = "INVALID_SIGNATURE"
	CodeInternal                = "INTERNAL"
)

var codes = map[Kind]string{
	KindInvalidStateTransition:    CodeInvalidStateTransition,
	KindConcurrentModification:    CodeConcurrentModification,
	KindPaymentValidationFailed:   CodePaymentValidationFailed,
	KindProcessorError:            CodeProcessorError,
	KindInsufficientRefundBalance: CodeInvalidAmount,
	KindDuplicatePayment:          CodeDuplicatePayment,
	KindUnauthorizedAction:        CodeUnauthorizedAction,
	// 他テナントの注文は「存在しない」と同じ見え方にする
	KindTenantScopeViolation: CodeNotFound,
	KindNotFound:             CodeNotFound,
	KindValidation:           CodeValidation,
	KindInvalidSignature:     CodeInvalidSignature,
	KindInternal:             CodeInternal,
}

// FieldError は入力検証で見つかった1項目分のエラー。
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// Error is the single error type returned by the core.
type Error struct {
	Kind      Kind
	Code      string
	Message   string
	Fields    []FieldError
	Retryable bool
	Err       error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// Is は Kind が同じなら一致とみなす。
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// 比較用の番兵
var (
	ErrInvalidStateTransition    = &Error{Kind: KindInvalidStateTransition}
	ErrConcurrentModification    = &Error{Kind: KindConcurrentModification}
	ErrPaymentValidationFailed   = &Error{Kind: KindPaymentValidationFailed}
	ErrProcessor                 = &Error{Kind: KindProcessorError}
	ErrInsufficientRefundBalance = &Error{Kind: KindInsufficientRefundBalance}
	ErrDuplicatePayment          = &Error{Kind: KindDuplicatePayment}
	ErrUnauthorizedAction        = &Error{Kind: KindUnauthorizedAction}
	ErrTenantScopeViolation      = &Error{Kind: KindTenantScopeViolation}
	ErrNotFound                  = &Error{Kind: KindNotFound}
	ErrValidation                = &Error{Kind: KindValidation}
	ErrInvalidSignature          = &Error{Kind: KindInvalidSignature}
	ErrInternal                  = &Error{Kind: KindInternal}
)

func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Code: codes[kind], Message: message}
}

func Wrap(kind Kind, message string, err error) *Error {
	return &Error{Kind: kind, Code: codes[kind], Message: message, Err: err}
}

func InvalidStateTransition(subject string, from, to string) *Error {
	return New(KindInvalidStateTransition, fmt.Sprintf("cannot change %s from %s to %s", subject, from, to))
}

func ConcurrentModification(resource string) *Error {
	return New(KindConcurrentModification, resource+" was modified concurrently")
}

func NotFound(resource string) *Error {
	return New(KindNotFound, resource+" not found")
}

func Unauthorized(action string) *Error {
	return New(KindUnauthorizedAction, "not allowed to "+action)
}

func Validation(message string, fields ...FieldError) *Error {
	e := New(KindValidation, message)
	e.Fields = fields
	return e
}

func PaymentValidationFailed(fields []FieldError) *Error {
	e := New(KindPaymentValidationFailed, "order is not payable")
	e.Fields = fields
	return e
}

// Processor は決済ゲートウェイ起因のエラー。retryable なら同じ冪等キーで再試行してよい。
func Processor(message string, retryable bool, err error) *Error {
	e := Wrap(KindProcessorError, message, err)
	e.Retryable = retryable
	return e
}

func InsufficientRefundBalance(message string) *Error {
	return New(KindInsufficientRefundBalance, message)
}

func Internal(err error) *Error {
	return Wrap(KindInternal, "internal error", err)
}

// As は err から *Error を取り出す。
func As(err error) (*Error, bool) {
	var e *Error
	ok := errors.As(err, &e)
	return e, ok
}

// KindOf は分類できない err を Internal とみなす。
func KindOf(err error) Kind {
	if e, ok := As(err); ok {
		return e.Kind
	}
	return KindInternal
}

func IsRetryable(err error) bool {
	e, ok := As(err)
	return ok && e.Retryable
}
