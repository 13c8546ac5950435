package domain

import (
	"errors"
	"fmt"
)

// Code classifies billing failures for callers and the HTTP layer.
type Code string

const (
	CodeConfig               Code = "CONFIG_ERROR"
	CodePlanNotFound         Code = "PLAN_NOT_FOUND"
	CodeInvalidSignature     Code = "INVALID_SIGNATURE"
	CodeOrderNotFound        Code = "ORDER_NOT_FOUND"
	CodeGatewayAPI           Code = "GATEWAY_API_ERROR"
	CodeDuplicateTransition  Code = "DUPLICATE_TRANSITION"
	CodeActivationFailure    Code = "ACTIVATION_FAILURE"
	CodeInvoiceFailure       Code = "INVOICE_FAILURE"
	CodeInvalidTransition    Code = "INVALID_TRANSITION"
	CodeAmountMismatch       Code = "AMOUNT_MISMATCH"
	CodeDemoHandle           Code = "DEMO_HANDLE"
	CodeQuotaExceeded        Code = "QUOTA_EXCEEDED"
	CodeNoActiveSubscription Code = "NO_ACTIVE_SUBSCRIPTION"
	CodeInvoiceNotFound      Code = "INVOICE_NOT_FOUND"
	CodeIdempotencyConflict  Code = "IDEMPOTENCY_CONFLICT"
	CodeValidation           Code = "VALIDATION"
	CodeInternal             Code = "INTERNAL"
)

var (
	ErrConfig               = errors.New("billing configuration is invalid")
	ErrPlanNotFound         = errors.New("plan not found")
	ErrInvalidSignature     = errors.New("notification signature is invalid")
	ErrOrderNotFound        = errors.New("order not found")
	ErrGatewayAPI           = errors.New("payment gateway request failed")
	ErrActivationFailure    = errors.New("subscription activation failed")
	ErrInvoiceFailure       = errors.New("invoice generation failed")
	ErrInvalidTransition    = errors.New("order status transition not allowed")
	ErrAmountMismatch       = errors.New("reported amount does not match order")
	ErrDemoHandle           = errors.New("demo payment handle cannot be attached to an order")
	ErrQuotaExceeded        = errors.New("download quota exceeded")
	ErrNoActiveSubscription = errors.New("no active subscription")
	ErrInvoiceNotFound      = errors.New("invoice not found")
	ErrReferenceConflict    = errors.New("order already has a different gateway reference")
	ErrInvalidPaymentMethod = errors.New("unsupported payment method")
	ErrInvalidAmount        = errors.New("amount must be positive")
	ErrIdempotencyConflict  = errors.New("idempotency key was used for a different purchase")
)

var codeBySentinel = []struct {
	err  error
	code Code
}{
	{ErrConfig, CodeConfig},
	{ErrPlanNotFound, CodePlanNotFound},
	{ErrInvalidSignature, CodeInvalidSignature},
	{ErrOrderNotFound, CodeOrderNotFound},
	{ErrGatewayAPI, CodeGatewayAPI},
	{ErrActivationFailure, CodeActivationFailure},
	{ErrInvoiceFailure, CodeInvoiceFailure},
	{ErrInvalidTransition, CodeInvalidTransition},
	{ErrReferenceConflict, CodeInvalidTransition},
	{ErrAmountMismatch, CodeAmountMismatch},
	{ErrDemoHandle, CodeDemoHandle},
	{ErrQuotaExceeded, CodeQuotaExceeded},
	{ErrNoActiveSubscription, CodeNoActiveSubscription},
	{ErrInvoiceNotFound, CodeInvoiceNotFound},
	{ErrInvalidPaymentMethod, CodeValidation},
	{ErrInvalidAmount, CodeValidation},
	{ErrIdempotencyConflict, CodeIdempotencyConflict},
}

// Error attaches an operation name and a code to an underlying error.
type Error struct {
	Code Code
	Op   string
	Err  error
}

// NewError wraps err with the given code and operation.
func NewError(code Code, op string, err error) *Error {
	return &Error{Code: code, Op: op, Err: err}
}

func (e *Error) Error() string {
	if e.Op == "" {
		return fmt.Sprintf("%s: %v", e.Code, e.Err)
	}
	return fmt.Sprintf("%s: %s: %v", e.Code, e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// CodeOf maps any error to its billing code. Unknown errors are CodeInternal.
func CodeOf(err error) Code {
	if err == nil {
		return ""
	}
	var be *Error
	if errors.As(err, &be) {
		return be.Code
	}
	for _, entry := range codeBySentinel {
		if errors.Is(err, entry.err) {
			return entry.code
		}
	}
	return CodeInternal
}

// IsRetryable reports whether the caller may retry the failed request unchanged.
func IsRetryable(err error) bool {
	return CodeOf(err) == CodeGatewayAPI
}
