package api

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/felixgeelhaar/settle/internal/billing/domain"
)

// APIError represents an API error.
type APIError struct {
	Status    int    `json:"-"`
	Code      string `json:"code"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable,omitempty"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Common API errors
var (
	ErrBadRequest = &APIError{
		Status:  http.StatusBadRequest,
		Code:    string(domain.CodeValidation),
		Message: "Invalid request",
	}
	ErrNotFound = &APIError{
		Status:  http.StatusNotFound,
		Code:    "NOT_FOUND",
		Message: "Resource not found",
	}
	ErrInternalServer = &APIError{
		Status:  http.StatusInternalServerError,
		Code:    string(domain.CodeInternal),
		Message: "Internal server error",
	}
)

// errorStatus maps billing codes to HTTP statuses.
var errorStatus = map[domain.Code]int{
	domain.CodeConfig:               http.StatusServiceUnavailable,
	domain.CodePlanNotFound:         http.StatusNotFound,
	domain.CodeOrderNotFound:        http.StatusNotFound,
	domain.CodeInvoiceNotFound:      http.StatusNotFound,
	domain.CodeInvalidSignature:     http.StatusBadRequest,
	domain.CodeAmountMismatch:       http.StatusBadRequest,
	domain.CodeValidation:           http.StatusBadRequest,
	domain.CodeInvalidTransition:    http.StatusConflict,
	domain.CodeDemoHandle:           http.StatusConflict,
	domain.CodeIdempotencyConflict:  http.StatusConflict,
	domain.CodeQuotaExceeded:        http.StatusConflict,
	domain.CodeNoActiveSubscription: http.StatusForbidden,
	domain.CodeGatewayAPI:           http.StatusBadGateway,
}

// errorMessage is shown to clients instead of the error text, which can
// carry gateway responses.
var errorMessage = map[domain.Code]string{
	domain.CodeConfig:               "Payment method is not available",
	domain.CodePlanNotFound:         "Plan not found",
	domain.CodeOrderNotFound:        "Order not found",
	domain.CodeInvoiceNotFound:      "Invoice not found",
	domain.CodeInvalidSignature:     "Notification could not be verified",
	domain.CodeAmountMismatch:       "Notification amount does not match the order",
	domain.CodeValidation:           "Invalid request",
	domain.CodeInvalidTransition:    "Order can no longer change status",
	domain.CodeDemoHandle:           "Payment collection is not configured",
	domain.CodeIdempotencyConflict:  "Idempotency key was already used for a different purchase",
	domain.CodeQuotaExceeded:        "Download quota exceeded",
	domain.CodeNoActiveSubscription: "No active subscription",
	domain.CodeGatewayAPI:           "Payment gateway is unavailable, please retry",
}

// toAPIError converts a service error into the response sent to clients.
func toAPIError(err error) *APIError {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr
	}

	code := domain.CodeOf(err)
	status, ok := errorStatus[code]
	if !ok {
		return ErrInternalServer
	}
	return &APIError{
		Status:    status,
		Code:      string(code),
		Message:   errorMessage[code],
		Retryable: domain.IsRetryable(err),
	}
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, err *APIError) {
	writeJSON(w, err.Status, err)
}

func badRequest(message string) *APIError {
	return &APIError{Status: http.StatusBadRequest, Code: ErrBadRequest.Code, Message: message}
}
