// Package objectstore contains the object store back-ends a batch can upload to.
package objectstore

import (
	"errors"
	"fmt"
	"net/http"
)

// RequestError is a failed request to an object store.
type RequestError struct {
	Op         string
	StatusCode int
	Code       string
	Message    string
	Err        error

	transient bool
}

func (e *RequestError) Error() string {
	switch {
	case e.StatusCode != 0 && e.Message != "":
		return fmt.Sprintf("%s: HTTP %d: %s", e.Op, e.StatusCode, e.Message)
	case e.StatusCode != 0:
		return fmt.Sprintf("%s: HTTP %d", e.Op, e.StatusCode)
	case e.Code != "":
		return fmt.Sprintf("%s: %s: %s", e.Op, e.Code, e.Message)
	case e.Err != nil:
		return fmt.Sprintf("%s: %s", e.Op, e.Err)
	default:
		return e.Op + " failed"
	}
}

func (e *RequestError) Unwrap() error {
	return e.Err
}

// Transient reports whether repeating the request later could succeed.
func (e *RequestError) Transient() bool {
	return e.transient
}

// IsTransient reports whether err is, or wraps, a transient object store failure.
func IsTransient(err error) bool {
	var requestErr *RequestError
	if errors.As(err, &requestErr) {
		return requestErr.Transient()
	}
	return false
}

func transientStatus(code int) bool {
	return code == http.StatusRequestTimeout || code == http.StatusTooManyRequests || code >= http.StatusInternalServerError
}
