package fetch

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// ErrStatus matches any failure caused by an HTTP error status.
var ErrStatus = errors.New("unexpected status")

// FetchError is returned when a document could not be retrieved, either
// because retries ran out or because the failure was not retryable.
type FetchError struct {
	URL      string
	Status   int // last HTTP status, 0 when no response was received
	Attempts int
	// Transient is set when every attempt failed with a retryable error.
	Transient bool
	Err       error
}

func (e *FetchError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("fetch %s: status %d after %d attempt(s)", e.URL, e.Status, e.Attempts)
	}
	return fmt.Sprintf("fetch %s: %v after %d attempt(s)", e.URL, e.Err, e.Attempts)
}

func (e *FetchError) Unwrap() error { return e.Err }

// IsRetryable reports whether err is a FetchError caused by a transient
// condition, so a later run may succeed where this one gave up.
func IsRetryable(err error) bool {
	var fe *FetchError
	return errors.As(err, &fe) && fe.Transient
}

type statusError struct{ code int }

func (e *statusError) Error() string {
	return fmt.Sprintf("%s %d %s", ErrStatus, e.code, http.StatusText(e.code))
}

func (e *statusError) Is(target error) bool { return target == ErrStatus }

// retryable classifies one attempt's failure under p.
func (p Policy) retryable(err error) bool {
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) && !isTimeout(err) {
		return false
	}
	var se *statusError
	if errors.As(err, &se) {
		return p.retriesStatus(se.code)
	}
	// Anything else is a transport failure: refused, reset, timed out, cut short.
	return true
}

func isTimeout(err error) bool {
	var t interface{ Timeout() bool }
	return errors.As(err, &t) && t.Timeout()
}
