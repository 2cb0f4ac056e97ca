// ABOUTME: Failure taxonomy for remote operations
// ABOUTME: Maps transport errors, HTTP statuses, and server codes onto five classes
package remote

import (
	"errors"
	"fmt"
	"net/http"
)

// Class groups failures by how the caller should react.
type Class string

const (
	ClassNone          Class = ""
	ClassValidation    Class = "validation"
	ClassConflict      Class = "conflict"
	ClassTransient     Class = "transient"
	ClassPermanent     Class = "permanent"
	ClassAuthorization Class = "authorization"
)

// Retryable reports whether the same request may succeed later.
func (c Class) Retryable() bool {
	return c == ClassTransient
}

// HTTPError is returned by reads that end in a non-2xx status.
type HTTPError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *HTTPError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("http %d %s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("http %d: %s", e.StatusCode, e.Message)
}

// Classify decides the class of a write outcome or a read error.
func Classify(res Result, err error) Class {
	if err != nil {
		var httpErr *HTTPError
		if errors.As(err, &httpErr) {
			return classifyCode(httpErr.Code, httpErr.StatusCode)
		}
		// Transport failures never got an answer from the server.
		return ClassTransient
	}
	if res.Success {
		return ClassNone
	}
	return classifyCode(res.Code, res.Status)
}

func classifyCode(code string, status int) Class {
	switch code {
	case CodeConflict:
		return ClassConflict
	case CodeUnauthorized, CodeForbidden:
		return ClassAuthorization
	case CodeValidation:
		return ClassValidation
	case CodeRateLimited, CodeServerError:
		return ClassTransient
	case CodeNotFound:
		return ClassPermanent
	}

	switch {
	case status == http.StatusConflict:
		return ClassConflict
	case status == http.StatusUnauthorized, status == http.StatusForbidden:
		return ClassAuthorization
	case status == http.StatusBadRequest, status == http.StatusUnprocessableEntity:
		return ClassValidation
	case status == http.StatusTooManyRequests, status == http.StatusRequestTimeout, status >= 500:
		return ClassTransient
	}
	return ClassPermanent
}

// codeForStatus fills in a code when the server sent none.
func codeForStatus(status int) string {
	switch {
	case status == http.StatusConflict:
		return CodeConflict
	case status == http.StatusNotFound:
		return CodeNotFound
	case status == http.StatusUnauthorized:
		return CodeUnauthorized
	case status == http.StatusForbidden:
		return CodeForbidden
	case status == http.StatusBadRequest, status == http.StatusUnprocessableEntity:
		return CodeValidation
	case status == http.StatusTooManyRequests:
		return CodeRateLimited
	case status >= 500:
		return CodeServerError
	}
	return ""
}
