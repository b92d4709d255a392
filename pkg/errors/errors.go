package errors

import (
	"errors"
	"fmt"
)

// Code identifies a class of failure in the messaging pipeline.
type Code string

const (
	CodeInvalidTemplate  Code = "INVALID_TEMPLATE"
	CodeChannelDisabled  Code = "CHANNEL_DISABLED"
	CodeUserOptedOut     Code = "USER_OPTED_OUT"
	CodeQuietHours       Code = "QUIET_HOURS"
	CodeFrequencyLimit   Code = "FREQUENCY_LIMIT"
	CodeDeliveryFailed   Code = "DELIVERY_FAILED"
	CodeInvalidRecipient Code = "INVALID_RECIPIENT"
	CodeTemplateError    Code = "TEMPLATE_ERROR"
	CodeProviderError    Code = "PROVIDER_ERROR"
	CodeRateLimited      Code = "RATE_LIMITED"
	CodeNotFound         Code = "NOT_FOUND"
	CodeBadRequest       Code = "BAD_REQUEST"
	CodeConflict         Code = "CONFLICT"
	CodeInternal         Code = "INTERNAL"
)

// retryable codes are resolved by retrying or rescheduling, never surfaced
// to the caller as failures.
var retryable = map[Code]bool{
	CodeQuietHours:     true,
	CodeFrequencyLimit: true,
	CodeDeliveryFailed: true,
	CodeProviderError:  true,
	CodeRateLimited:    true,
}

// AppError represents an application error
type AppError struct {
	Code    Code   `json:"code"`
	Message string `json:"message"`
	Err     error  `json:"-"`
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *AppError) Unwrap() error {
	return e.Err
}

// Retryable reports whether the error class is transient.
func (e *AppError) Retryable() bool {
	return retryable[e.Code]
}

func New(code Code, message string, err error) *AppError {
	return &AppError{Code: code, Message: message, Err: err}
}

func NotFound(resource string, err error) *AppError {
	return &AppError{Code: CodeNotFound, Message: fmt.Sprintf("%s not found", resource), Err: err}
}

func BadRequest(message string, err error) *AppError {
	return &AppError{Code: CodeBadRequest, Message: message, Err: err}
}

func Internal(err error) *AppError {
	return &AppError{Code: CodeInternal, Message: "internal error", Err: err}
}

func ChannelDisabled(message string) *AppError {
	return &AppError{Code: CodeChannelDisabled, Message: message}
}

func UserOptedOut(message string) *AppError {
	return &AppError{Code: CodeUserOptedOut, Message: message}
}

func QuietHours(message string) *AppError {
	return &AppError{Code: CodeQuietHours, Message: message}
}

func FrequencyLimit(message string) *AppError {
	return &AppError{Code: CodeFrequencyLimit, Message: message}
}

func TemplateError(message string, err error) *AppError {
	return &AppError{Code: CodeTemplateError, Message: message, Err: err}
}

func InvalidTemplate(message string, err error) *AppError {
	return &AppError{Code: CodeInvalidTemplate, Message: message, Err: err}
}

func InvalidRecipient(message string) *AppError {
	return &AppError{Code: CodeInvalidRecipient, Message: message}
}

func ProviderError(message string, err error) *AppError {
	return &AppError{Code: CodeProviderError, Message: message, Err: err}
}

func DeliveryFailed(message string, err error) *AppError {
	return &AppError{Code: CodeDeliveryFailed, Message: message, Err: err}
}

// CodeOf extracts the code from err, or CodeInternal for unknown errors.
func CodeOf(err error) Code {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return CodeInternal
}

// IsRetryable reports whether err belongs to a transient class.
func IsRetryable(err error) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Retryable()
	}
	return false
}
