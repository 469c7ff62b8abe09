package wnpchat

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// ============================================================================
// Error Taxonomy
// ============================================================================

// ErrorKind classifies client-side errors, mirroring server error codes.
type ErrorKind string

const (
	KindValidation   ErrorKind = "validation"
	KindNotFound     ErrorKind = "not-found"
	KindUnauthorized ErrorKind = "unauthorized"
	KindForbidden    ErrorKind = "forbidden"
	KindConflict     ErrorKind = "conflict"
	KindBadRequest   ErrorKind = "bad-request"
	KindRateLimit    ErrorKind = "rate-limit"
	KindNetwork      ErrorKind = "network"
	KindDatabase     ErrorKind = "database"
	KindInternal     ErrorKind = "internal"
	KindClient       ErrorKind = "client-error"
	KindSocket       ErrorKind = "socket"
	KindFileUpload   ErrorKind = "file-upload"
)

// Error is a classified error carrying the originating API code when known.
type Error struct {
	Kind    ErrorKind
	Code    string
	Message string
	Status  int
	wrapped error
}

func (e *Error) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s: %s (%s)", e.Kind, e.Message, e.Code)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.wrapped }

// Inline reports whether the error should render near the triggering UI
// rather than be broadcast. Form-level kinds are inline; systemic kinds are
// broadcast so the caller has one place to surface them.
func (e *Error) Inline() bool {
	switch e.Kind {
	case KindValidation, KindNotFound, KindUnauthorized, KindForbidden, KindConflict, KindBadRequest:
		return true
	}
	return false
}

// Broadcast is the complement of Inline.
func (e *Error) Broadcast() bool { return !e.Inline() }

// newError builds a classified error.
func newError(kind ErrorKind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

func wrapError(kind ErrorKind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, wrapped: err}
}

// codeKinds maps structured API error codes to kinds.
var codeKinds = map[string]ErrorKind{
	"VALIDATION_ERROR": KindValidation,
	"NOT_FOUND":        KindNotFound,
	"UNAUTHORIZED":     KindUnauthorized,
	"FORBIDDEN":        KindForbidden,
	"CONFLICT":         KindConflict,
	"BAD_REQUEST":      KindBadRequest,
	"RATE_LIMIT":       KindRateLimit,
	"DATABASE_ERROR":   KindDatabase,
	"FILE_UPLOAD":      KindFileUpload,
}

// statusKinds maps HTTP statuses to kinds when the body is unstructured.
func statusKind(status int) ErrorKind {
	switch status {
	case http.StatusBadRequest:
		return KindBadRequest
	case http.StatusUnauthorized:
		return KindUnauthorized
	case http.StatusForbidden:
		return KindForbidden
	case http.StatusNotFound:
		return KindNotFound
	case http.StatusConflict:
		return KindConflict
	case http.StatusUnprocessableEntity:
		return KindValidation
	case http.StatusTooManyRequests:
		return KindRateLimit
	}
	return KindInternal
}

// classify maps a structured API error and HTTP status to an *Error.
// Structured body wins; HTTP status is the fallback; anything else is
// internal.
func classify(apiErr *APIError, status int) *Error {
	if apiErr != nil {
		kind, ok := codeKinds[apiErr.Code]
		if !ok {
			kind = statusKind(status)
		}
		return &Error{Kind: kind, Code: apiErr.Code, Message: apiErr.Message, Status: status}
	}
	return &Error{Kind: statusKind(status), Message: http.StatusText(status), Status: status}
}

// networkError wraps a transport failure with no HTTP response.
func networkError(err error) *Error {
	return wrapError(KindNetwork, err.Error(), err)
}

// IsAuthError reports whether an error (or its message) is auth-class: the
// socket manager treats these as unrecoverable and forces a logout instead of
// retrying.
func IsAuthError(err error) bool {
	if err == nil {
		return false
	}
	var e *Error
	if errors.As(err, &e) && (e.Kind == KindUnauthorized || e.Kind == KindForbidden) {
		return true
	}
	msg := err.Error()
	for _, marker := range []string{"Authentication", "Unauthorized", "token"} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

// IsRetryableUpload reports whether a failed upload may be retried. Policy
// rejections are terminal; everything else is transient.
func IsRetryableUpload(errText string) bool {
	lower := strings.ToLower(errText)
	return !strings.Contains(lower, "suspicious") && !strings.Contains(lower, "not allowed")
}
