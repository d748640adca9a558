package apierrors

import "fmt"

// ErrorType classifies failures from the Missive API and attachment downloads.
type ErrorType string

const (
	ErrorTypeNetwork     ErrorType = "network"
	ErrorTypeRateLimit   ErrorType = "rate_limit"
	ErrorTypeAuth        ErrorType = "auth"
	ErrorTypeURLExpired  ErrorType = "url_expired"
	ErrorTypeParsing     ErrorType = "parsing"
	ErrorTypeNotFound    ErrorType = "not_found"
	ErrorTypeServerError ErrorType = "server_error"
	ErrorTypeUnknown     ErrorType = "unknown"
)

// Error is an API error carrying its classification and HTTP status code.
// Code 0 means the request never produced a response.
type Error struct {
	Type    ErrorType
	Message string
	Code    int
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s error (code %d): %s", e.Type, e.Code, e.Message)
}

// New constructs a typed Error.
func New(t ErrorType, code int, format string, args ...interface{}) *Error {
	return &Error{Type: t, Code: code, Message: fmt.Sprintf(format, args...)}
}

// FromStatusCode maps an HTTP status code to a typed Error.
func FromStatusCode(code int, message string) *Error {
	var t ErrorType
	switch {
	case code == 401:
		t = ErrorTypeAuth
	case code == 403:
		// Signed download URLs answer 403 once their authorization lapses.
		t = ErrorTypeURLExpired
	case code == 404:
		t = ErrorTypeNotFound
	case code == 429:
		t = ErrorTypeRateLimit
	case code >= 500:
		t = ErrorTypeServerError
	default:
		t = ErrorTypeUnknown
	}
	return &Error{Type: t, Code: code, Message: message}
}

// IsRetryable reports whether an error type is worth retrying at the
// transport layer.
func IsRetryable(errorType ErrorType) bool {
	switch errorType {
	case ErrorTypeNetwork, ErrorTypeRateLimit, ErrorTypeServerError:
		return true
	default:
		return false
	}
}

// IsRetryableStatusCode reports whether an HTTP status code indicates a
// transient failure.
func IsRetryableStatusCode(statusCode int) bool {
	switch statusCode {
	case 0: // network error, no response
		return true
	case 429:
		return true
	default:
		return statusCode >= 500
	}
}

// Truncate caps an error message so it fits the state store's error column.
func Truncate(msg string, max int) string {
	if max <= 0 || len(msg) <= max {
		return msg
	}
	return msg[:max]
}
