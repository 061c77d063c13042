package common

import (
	"fmt"
	"net/http"
)

// Machine-readable error codes carried on APIError.
const (
	CodeValidation            = "validation_error"
	CodeInvalidJSON           = "invalid_json"
	CodeNotFound              = "not_found"
	CodeIllegalTransition     = "illegal_transition"
	CodeDuplicateActiveSource = "duplicate_active_source"
	CodeBackpressure          = "backpressure"
	CodeDependencyUnavailable = "dependency_unavailable"
	CodeUnavailable           = "unavailable"
	CodeUnauthorized          = "unauthorized"
	CodeRequestTimeout        = "request_timeout"
	CodeInternal              = "internal"
)

type APIError struct {
	Status  int            `json:"-"`
	Code    string         `json:"code,omitempty"`
	Message string         `json:"error"`
	Fields  map[string]any `json:"fields,omitempty"`
}

func (e APIError) Error() string {
	return e.Message
}

func Errf(status int, format string, args ...any) APIError {
	return APIError{Status: status, Code: codeForStatus(status), Message: fmt.Sprintf(format, args...)}
}

// NewAPIError creates an APIError with status, message, and optional fields
func NewAPIError(status int, message string, fields map[string]any) APIError {
	return APIError{
		Status:  status,
		Code:    codeForStatus(status),
		Message: message,
		Fields:  fields,
	}
}

// WithCode returns a copy of e carrying code.
func (e APIError) WithCode(code string) APIError {
	e.Code = code
	return e
}

// ValidationFailed builds the 400 response listing every violated field.
func ValidationFailed(fields map[string]any) APIError {
	return APIError{
		Status:  http.StatusBadRequest,
		Code:    CodeValidation,
		Message: "validation failed",
		Fields:  fields,
	}
}

// DependencyUnavailable is returned when the store or publish client cannot serve work.
func DependencyUnavailable(dependency string) APIError {
	return APIError{
		Status:  http.StatusServiceUnavailable,
		Code:    CodeDependencyUnavailable,
		Message: "dependency unavailable",
		Fields:  map[string]any{"dependency": dependency},
	}
}

func codeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return CodeValidation
	case http.StatusUnauthorized:
		return CodeUnauthorized
	case http.StatusNotFound:
		return CodeNotFound
	case http.StatusConflict:
		return CodeIllegalTransition
	case http.StatusRequestTimeout:
		return CodeRequestTimeout
	case http.StatusServiceUnavailable:
		return CodeUnavailable
	default:
		return CodeInternal
	}
}
