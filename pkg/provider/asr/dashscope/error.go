package dashscope

import (
	"errors"
	"fmt"
)

// Error codes returned by DashScope.
const (
	ErrCodeInvalidAPIKey     = "InvalidApiKey"
	ErrCodeInvalidParameter  = "InvalidParameter"
	ErrCodeRateLimitExceeded = "Throttling.RateQuota"
	ErrCodeInternalError     = "InternalError"
	ErrCodeServiceBusy       = "ServiceUnavailable"
)

// Error is a DashScope API error.
type Error struct {
	Code       string `json:"code"`
	Message    string `json:"message"`
	RequestID  string `json:"request_id,omitempty"`
	HTTPStatus int    `json:"-"`
}

func (e *Error) Error() string {
	if e.RequestID != "" {
		return fmt.Sprintf("dashscope: %s - %s (request_id=%s, http_status=%d)",
			e.Code, e.Message, e.RequestID, e.HTTPStatus)
	}
	return fmt.Sprintf("dashscope: %s - %s (http_status=%d)", e.Code, e.Message, e.HTTPStatus)
}

// Retryable reports whether the request may be retried.
func (e *Error) Retryable() bool {
	return e.Code == ErrCodeRateLimitExceeded ||
		e.Code == ErrCodeInternalError ||
		e.Code == ErrCodeServiceBusy
}

// AsError attempts to cast an error to *Error.
func AsError(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}
