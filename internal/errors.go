package internal

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

type ErrorType string

const (
	ErrorTypeValidation ErrorType = "VALIDATION_ERROR"
	ErrorTypeNotFound   ErrorType = "NOT_FOUND"
	ErrorTypeConflict   ErrorType = "CONFLICT"
	ErrorTypeInternal   ErrorType = "INTERNAL_ERROR"
	ErrorTypeExternal   ErrorType = "EXTERNAL_ERROR"
)

type ErrorCode string

const (
	ErrCodeValidationFailed ErrorCode = "VALIDATION_FAILED"
	ErrCodeInvalidAmount    ErrorCode = "INVALID_AMOUNT"
	ErrCodeInvalidKind      ErrorCode = "INVALID_GATEWAY_KIND"
	ErrCodeInvalidOrder     ErrorCode = "INVALID_ORDER"

	ErrCodeIntentNotFound       ErrorCode = "INTENT_NOT_FOUND"
	ErrCodeSubscriptionNotFound ErrorCode = "SUBSCRIPTION_NOT_FOUND"
	ErrCodeMerchantNotFound     ErrorCode = "MERCHANT_NOT_FOUND"

	ErrCodeMerchantNotConfigured ErrorCode = "MERCHANT_NOT_CONFIGURED"
	ErrCodeGatewayUnavailable    ErrorCode = "GATEWAY_UNAVAILABLE"
	ErrCodeGatewayRejected       ErrorCode = "GATEWAY_REJECTED"
	ErrCodeTransitionLost        ErrorCode = "CONCURRENT_TRANSITION_LOST"
	ErrCodeIntentTerminal        ErrorCode = "INTENT_ALREADY_TERMINAL"
	ErrCodeDuplicateAttempt      ErrorCode = "DUPLICATE_RETRY_ATTEMPT"
)

type AppError struct {
	Type       ErrorType   `json:"type"`
	Code       ErrorCode   `json:"code"`
	Message    string      `json:"message"`
	Details    interface{} `json:"details,omitempty"`
	StatusCode int         `json:"-"`
	Cause      error       `json:"-"`
}

func (e *AppError) Error() string {
	if e.Details != nil {
		if validationErrors, ok := e.Details.(ValidationErrors); ok && len(validationErrors.Errors) > 0 {
			return validationErrors.Errors[0].Message
		}
	}
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *AppError) GetDetailedMessage() string {
	if e.Details != nil {
		if validationErrors, ok := e.Details.(ValidationErrors); ok {
			if len(validationErrors.Errors) == 1 {
				return validationErrors.Errors[0].Message
			} else if len(validationErrors.Errors) > 1 {
				messages := make([]string, len(validationErrors.Errors))
				for i, err := range validationErrors.Errors {
					messages[i] = err.Message
				}
				return strings.Join(messages, "; ")
			}
		}
	}
	return e.Message
}

func (e *AppError) Unwrap() error {
	return e.Cause
}

// WithCause returns a copy carrying the underlying cause. The receiver is
// never mutated: the sentinels below are shared across goroutines, and
// attaching one caller's cause in place would race with and leak into every
// other caller's error.
func (e *AppError) WithCause(cause error) *AppError {
	clone := *e
	clone.Cause = cause
	return &clone
}

// WithDetails returns a copy carrying the details payload, for the same
// sharing reason as WithCause.
func (e *AppError) WithDetails(details interface{}) *AppError {
	clone := *e
	clone.Details = details
	return &clone
}

// Is matches on the error code so the sentinel values below work with errors.Is
// even when a cause or details were attached.
func (e *AppError) Is(target error) bool {
	var appErr *AppError
	if errors.As(target, &appErr) {
		return e.Code == appErr.Code
	}
	return false
}

type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
	Code    string `json:"code"`
}

type ValidationErrors struct {
	Errors []ValidationError `json:"errors"`
}

func NewValidationError(message string, code ErrorCode) *AppError {
	return &AppError{
		Type:       ErrorTypeValidation,
		Code:       code,
		Message:    message,
		StatusCode: http.StatusBadRequest,
	}
}

func NewValidationFieldError(field, message string, code ErrorCode) *AppError {
	return &AppError{
		Type:       ErrorTypeValidation,
		Code:       ErrCodeValidationFailed,
		Message:    "Validation failed",
		StatusCode: http.StatusBadRequest,
		Details: ValidationErrors{
			Errors: []ValidationError{
				{Field: field, Message: message, Code: string(code)},
			},
		},
	}
}

func NewNotFoundError(message string, code ErrorCode) *AppError {
	return &AppError{
		Type:       ErrorTypeNotFound,
		Code:       code,
		Message:    message,
		StatusCode: http.StatusNotFound,
	}
}

func NewConflictError(message string, code ErrorCode) *AppError {
	return &AppError{
		Type:       ErrorTypeConflict,
		Code:       code,
		Message:    message,
		StatusCode: http.StatusConflict,
	}
}

func NewInternalError(message string, cause error) *AppError {
	return &AppError{
		Type:       ErrorTypeInternal,
		Code:       "INTERNAL_ERROR",
		Message:    message,
		StatusCode: http.StatusInternalServerError,
		Cause:      cause,
	}
}

func NewExternalError(message string, code ErrorCode, statusCode int) *AppError {
	return &AppError{
		Type:       ErrorTypeExternal,
		Code:       code,
		Message:    message,
		StatusCode: statusCode,
	}
}

var (
	ErrIntentNotFound       = NewNotFoundError("Payment intent not found", ErrCodeIntentNotFound)
	ErrSubscriptionNotFound = NewNotFoundError("Subscription not found", ErrCodeSubscriptionNotFound)

	// ErrMerchantNotConfigured means the merchant never enabled the requested
	// gateway kind. Retrying the same request cannot succeed.
	ErrMerchantNotConfigured = NewValidationError("Merchant has not configured this gateway kind", ErrCodeMerchantNotConfigured)

	// ErrGatewayUnavailable covers transport failures, timeouts and 5xx from the
	// processor. It is never a business decline and never mutates persisted state.
	ErrGatewayUnavailable = NewExternalError("Payment gateway unavailable", ErrCodeGatewayUnavailable, http.StatusBadGateway)

	// ErrGatewayRejected is an active processor decline, terminal for the attempt.
	ErrGatewayRejected = NewExternalError("Payment gateway rejected the request", ErrCodeGatewayRejected, http.StatusPaymentRequired)

	// ErrTransitionLost reports a conditional status update that did not apply
	// because another actor committed the transition first. The loser treats this
	// as a no-op; the winner's side effects stand.
	ErrTransitionLost = NewConflictError("Another actor already transitioned this record", ErrCodeTransitionLost)

	ErrIntentTerminal = NewConflictError("Payment intent is already in a terminal state", ErrCodeIntentTerminal)

	// ErrDuplicateAttempt reports an audit row that already exists for the same
	// retry window; the attempt was already recorded by an earlier run.
	ErrDuplicateAttempt = NewConflictError("Retry attempt already recorded for this window", ErrCodeDuplicateAttempt)
)

// NewGatewayRejectedError carries the processor's reason so checkout can surface
// a plain-language message.
func NewGatewayRejectedError(reason string) *AppError {
	return &AppError{
		Type:       ErrorTypeExternal,
		Code:       ErrCodeGatewayRejected,
		Message:    "Payment gateway rejected the request",
		StatusCode: http.StatusPaymentRequired,
		Details:    map[string]string{"reason": reason},
	}
}

func IsAppError(err error) (*AppError, bool) {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr, true
	}
	return nil, false
}

type Response struct {
	Error *AppError `json:"error"`
}

func (e *AppError) ToHTTPResponse() (int, interface{}) {
	return e.StatusCode, Response{Error: e}
}

func (e *AppError) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Type    ErrorType   `json:"type"`
		Code    ErrorCode   `json:"code"`
		Message string      `json:"message"`
		Details interface{} `json:"details,omitempty"`
	}{
		Type:    e.Type,
		Code:    e.Code,
		Message: e.Message,
		Details: e.Details,
	})
}
