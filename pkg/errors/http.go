package errors

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// ErrorKind distinguishes the transport failures the meetings client branches on.
type ErrorKind string

const (
	KindNetwork      ErrorKind = "network"
	KindUnauthorized ErrorKind = "unauthorized"
	KindNotFound     ErrorKind = "not_found"
	KindHTTP         ErrorKind = "http"
)

// HTTPError is returned by the HTTP transport for every failed request.
type HTTPError struct {
	Kind       ErrorKind
	Method     string
	Path       string
	StatusCode int
	Message    string
	Cause      error
}

// NewStatusError builds an HTTPError from a non-2xx response.
func NewStatusError(method, path string, status int, body string) *HTTPError {
	kind := KindHTTP
	switch status {
	case http.StatusUnauthorized:
		kind = KindUnauthorized
	case http.StatusNotFound:
		kind = KindNotFound
	}
	return &HTTPError{
		Kind:       kind,
		Method:     method,
		Path:       path,
		StatusCode: status,
		Message:    serverMessage(body),
	}
}

// NewNetworkError wraps a dial or read failure.
func NewNetworkError(method, path string, cause error) *HTTPError {
	return &HTTPError{
		Kind:   KindNetwork,
		Method: method,
		Path:   path,
		Cause:  cause,
	}
}

func (e *HTTPError) Error() string {
	if e.Kind == KindNetwork {
		return fmt.Sprintf("%s %s: network unreachable: %v", e.Method, e.Path, e.Cause)
	}
	if e.Message != "" {
		return fmt.Sprintf("%s %s: HTTP %d: %s", e.Method, e.Path, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("%s %s: HTTP %d", e.Method, e.Path, e.StatusCode)
}

func (e *HTTPError) Unwrap() error {
	return e.Cause
}

// Is maps the error kind onto the package sentinels.
func (e *HTTPError) Is(target error) bool {
	switch target {
	case ErrNetwork:
		return e.Kind == KindNetwork
	case ErrUnauthorized:
		return e.Kind == KindUnauthorized
	case ErrNotFound:
		return e.Kind == KindNotFound
	}
	return false
}

// Retryable reports whether repeating the request may succeed.
func (e *HTTPError) Retryable() bool {
	if e.Kind == KindNetwork {
		return true
	}
	return e.Kind == KindHTTP && (e.StatusCode >= 500 || e.StatusCode == http.StatusTooManyRequests)
}

// serverMessage pulls a short message out of a response body. Bodies shaped
// like {"detail": "..."} or {"error": "..."} are common; anything else is
// truncated as-is.
func serverMessage(body string) string {
	body = strings.TrimSpace(body)
	for _, key := range []string{`"detail":"`, `"error":"`, `"message":"`} {
		if i := strings.Index(body, key); i >= 0 {
			rest := body[i+len(key):]
			if j := strings.Index(rest, `"`); j >= 0 {
				return rest[:j]
			}
		}
	}
	if len(body) > 200 {
		return body[:200] + "..."
	}
	return body
}

// Classify maps an error onto an ErrorCode.
func Classify(err error) ErrorCode {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, context.DeadlineExceeded):
		return CodeTimeout
	case errors.Is(err, context.Canceled):
		return CodeCancelled
	case errors.Is(err, ErrUnauthorized):
		return CodeUnauthorized
	case errors.Is(err, ErrNotFound):
		return CodeNotFound
	case errors.Is(err, ErrNetwork):
		return CodeNetwork
	case errors.Is(err, ErrUpload):
		return CodeUpload
	case errors.Is(err, ErrValidation):
		return CodeInvalidRecord
	}

	var he *HTTPError
	if errors.As(err, &he) {
		if he.StatusCode >= 500 {
			return CodeServerError
		}
		return CodeRequestRejected
	}
	return CodeUnknown
}

// IsTransient reports whether err is worth retrying later.
func IsTransient(err error) bool {
	var he *HTTPError
	if errors.As(err, &he) {
		return he.Retryable()
	}
	return IsRetryable(Classify(err))
}

// OperationError is what public entry points return: a message a user can
// read, the classified code and the underlying cause.
type OperationError struct {
	Op      string
	Code    ErrorCode
	Message string
	Cause   error
}

func (e *OperationError) Error() string {
	return e.Message
}

func (e *OperationError) Unwrap() error {
	return e.Cause
}

// Translate wraps err for display. Errors that are already translated are
// returned unchanged.
func Translate(op string, err error) error {
	if err == nil {
		return nil
	}
	var oe *OperationError
	if errors.As(err, &oe) {
		return err
	}

	code := Classify(err)
	msg := fmt.Sprintf("%s: %s", op, GetDescription(code))

	var he *HTTPError
	if errors.As(err, &he) && he.Message != "" {
		msg = fmt.Sprintf("%s (%s)", msg, he.Message)
	} else if code == CodeUnknown || code == CodeInvalidRecord {
		msg = fmt.Sprintf("%s: %v", op, err)
	}

	return &OperationError{
		Op:      op,
		Code:    code,
		Message: msg,
		Cause:   err,
	}
}
