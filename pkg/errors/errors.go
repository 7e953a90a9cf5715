package errors

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

var (
	ErrNotFound           = NewError("NOT_FOUND", "resource not found", http.StatusNotFound)
	ErrValidation         = NewError("VALIDATION_ERROR", "validation failed", http.StatusBadRequest)
	ErrInternal           = NewError("INTERNAL_ERROR", "internal server error", http.StatusInternalServerError)
	ErrConflict           = NewError("CONFLICT", "resource conflict", http.StatusConflict)
	ErrTimeout            = NewError("TIMEOUT", "operation timed out", http.StatusRequestTimeout)
	ErrServiceUnavailable = NewError("SERVICE_UNAVAILABLE", "service unavailable", http.StatusServiceUnavailable)
)

var (
	ErrFlowNotFound      = NewError("FLOW_NOT_FOUND", "message flow not found", http.StatusNotFound)
	ErrEventNotFound     = NewError("EVENT_NOT_FOUND", "event not found", http.StatusNotFound)
	ErrComponentNotFound = NewError("COMPONENT_NOT_FOUND", "component not found", http.StatusNotFound)
	ErrRouteNotFound     = NewError("ROUTE_NOT_FOUND", "route not found", http.StatusNotFound)
	ErrMessageNotFound   = NewError("MESSAGE_NOT_FOUND", "message not found", http.StatusNotFound)

	ErrConfiguration     = NewError("CONFIGURATION_ERROR", "invalid component configuration", http.StatusUnprocessableEntity)
	ErrPolicy            = NewError("POLICY_ERROR", "policy unavailable", http.StatusUnprocessableEntity)
	ErrTransport         = NewError("TRANSPORT_ERROR", "transport handoff failed", http.StatusBadGateway)
	ErrStore             = NewError("STORE_ERROR", "store operation failed", http.StatusInternalServerError)
	ErrProcessing        = NewError("PROCESSING_ERROR", "message processing failed", http.StatusUnprocessableEntity)
	ErrIllegalTransition = NewError("ILLEGAL_TRANSITION", "illegal action transition", http.StatusConflict)
)

// Codes that never succeed on a second attempt.
var nonRetryableCodes = map[string]bool{
	ErrValidation.Code:        true,
	ErrConflict.Code:          true,
	ErrConfiguration.Code:     true,
	ErrPolicy.Code:            true,
	ErrProcessing.Code:        true,
	ErrIllegalTransition.Code: true,
}

type RetryableError interface {
	error
	IsRetryable() bool
}

type FatalError interface {
	error
	IsFatal() bool
}

type Error struct {
	Code      string
	Message   string
	Status    int
	Details   map[string]interface{}
	Cause     error
	retryable *bool
}

func NewError(code, message string, status int) *Error {
	return &Error{
		Code:    code,
		Message: message,
		Status:  status,
		Details: make(map[string]interface{}),
	}
}

func (e *Error) Error() string {
	msg := e.Message

	if len(e.Details) > 0 {
		if detailMsg, ok := e.Details["message"].(string); ok && detailMsg != "" {
			msg = detailMsg
		}
	}

	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, msg, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, msg)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Is matches on code so errors.Is(err, ErrFlowNotFound) works on derived copies.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return e.Code == t.Code
}

func (e *Error) IsRetryable() bool {
	if e.retryable != nil {
		return *e.retryable
	}
	if e.Cause != nil {
		var retryableErr RetryableError
		if errors.As(e.Cause, &retryableErr) {
			return retryableErr.IsRetryable()
		}
		var fatalErr FatalError
		if errors.As(e.Cause, &fatalErr) {
			return !fatalErr.IsFatal()
		}
	}
	return !isNotFoundCode(e.Code) && !nonRetryableCodes[e.Code]
}

func (e *Error) IsFatal() bool {
	return !e.IsRetryable()
}

func (e *Error) WithCause(cause error) *Error {
	err := *e
	err.Cause = cause
	return &err
}

func (e *Error) WithMessage(message string) *Error {
	return e.WithDetail("message", message)
}

func (e *Error) WithDetail(key string, value interface{}) *Error {
	err := *e
	details := make(map[string]interface{}, len(e.Details)+1)
	for k, v := range e.Details {
		details[k] = v
	}
	details[key] = value
	err.Details = details
	return &err
}

func (e *Error) WithDetails(details map[string]interface{}) *Error {
	err := *e
	err.Details = details
	return &err
}

func (e *Error) AsRetryable() *Error {
	err := *e
	retryable := true
	err.retryable = &retryable
	return &err
}

func (e *Error) AsFatal() *Error {
	err := *e
	retryable := false
	err.retryable = &retryable
	return &err
}

func Wrap(err error, appErr *Error) *Error {
	if err == nil {
		return nil
	}
	return appErr.WithCause(err)
}

// IsRetryable reports whether err may succeed when redelivered. Errors that
// carry no classification are retryable.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var retryableErr RetryableError
	if errors.As(err, &retryableErr) {
		return retryableErr.IsRetryable()
	}
	var fatalErr FatalError
	if errors.As(err, &fatalErr) {
		return !fatalErr.IsFatal()
	}
	return true
}

func isNotFoundCode(code string) bool {
	return code == ErrNotFound.Code || strings.HasSuffix(code, "_NOT_FOUND")
}

func IsNotFound(err error) bool {
	var appErr *Error
	if errors.As(err, &appErr) {
		return isNotFoundCode(appErr.Code)
	}
	return false
}

func IsValidation(err error) bool {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.Code == ErrValidation.Code
	}
	return false
}

func IsConflict(err error) bool {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.Code == ErrConflict.Code
	}
	return false
}

func ToHTTPStatus(err error) int {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.Status
	}
	return http.StatusInternalServerError
}

func ToErrorResponse(err error) map[string]interface{} {
	var appErr *Error
	if !errors.As(err, &appErr) {
		appErr = ErrInternal.WithCause(err)
	}

	response := map[string]interface{}{
		"error":      appErr.Message,
		"error_code": appErr.Code,
	}

	if len(appErr.Details) > 0 {
		response["details"] = appErr.Details
	}

	return response
}
