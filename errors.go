package clinicsync

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	ErrNotFound        = errors.New("not found")
	ErrQuotaExceeded   = errors.New("storage quota exceeded")
	ErrDrainInProgress = errors.New("drain already in progress")
	ErrNotOpen         = errors.New("channel not open")
	ErrReconnectFailed = errors.New("reconnect attempts exhausted")
	ErrClosed          = errors.New("closed")
	ErrNoServerID      = errors.New("server accepted the create without returning an id")
)

// APIError is an application-level failure: the server answered with a
// non-2xx status. It is surfaced to the caller and never queued for retry.
type APIError struct {
	Status  int    `json:"-"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
	Body    []byte `json:"-"`
}

func (e *APIError) Error() string {
	msg := e.Message
	if msg == "" {
		msg = http.StatusText(e.Status)
	}
	if e.Code != "" {
		return fmt.Sprintf("HTTP %d %s: %s", e.Status, e.Code, msg)
	}
	return fmt.Sprintf("HTTP %d: %s", e.Status, msg)
}

// Conflict reports whether the server rejected the write as conflicting.
func (e *APIError) Conflict() bool {
	return e.Status == http.StatusConflict
}

// NetworkError is a transport failure (DNS, refused connection, reset,
// timeout). Work that fails this way is retried via the queue.
type NetworkError struct {
	Op  string
	URL string
	Err error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.URL, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// IsNetworkError reports whether err is (or wraps) a transport failure.
func IsNetworkError(err error) bool {
	var ne *NetworkError
	return errors.As(err, &ne)
}

// IsClientError reports whether err is a 4xx application error.
func IsClientError(err error) bool {
	var ae *APIError
	if errors.As(err, &ae) {
		return ae.Status >= 400 && ae.Status < 500
	}
	return false
}

// isTransient reports whether a failed request should count toward the
// retry ceiling instead of being abandoned immediately.
func isTransient(err error) bool {
	if IsNetworkError(err) {
		return true
	}
	var ae *APIError
	if errors.As(err, &ae) {
		return ae.Status >= 500 || ae.Status == http.StatusRequestTimeout || ae.Status == http.StatusTooManyRequests
	}
	return false
}
