package capsync

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

var (
	// ErrNotAuthenticated is returned when an authenticated call is made
	// without a live credential.
	ErrNotAuthenticated = errors.New("not authenticated")

	// ErrOffline is recorded as the cause of submissions queued while the
	// remote service was unreachable.
	ErrOffline = errors.New("remote service unreachable")
)

// ValidationError carries every finding of a failed validation. It is
// never retried automatically.
type ValidationError struct {
	Findings []Finding
}

func (e *ValidationError) Error() string {
	var codes []string
	for _, f := range e.Findings {
		if f.Severity == SeverityError {
			codes = append(codes, f.Code)
		}
	}
	return "validation failed: " + strings.Join(codes, ", ")
}

// Has reports whether a finding with the given code is present.
func (e *ValidationError) Has(code string) bool {
	for _, f := range e.Findings {
		if f.Code == code {
			return true
		}
	}
	return false
}

// ExtractionError is returned when the extraction collaborator fails or
// produces no usable text.
type ExtractionError struct {
	URL string
	Err error
}

func (e *ExtractionError) Error() string {
	return fmt.Sprintf("extracting %s: %v", e.URL, e.Err)
}

func (e *ExtractionError) Unwrap() error { return e.Err }

// NetworkError is a transport failure before any HTTP status was received,
// including timeouts.
type NetworkError struct {
	Op  string
	Err error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("%s: network error: %v", e.Op, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// HTTPError is a non-2xx response from the remote service.
type HTTPError struct {
	Status int
	Body   string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("http %d %s", e.Status, http.StatusText(e.Status))
}

// DecryptionError is an integrity failure of a stored entry. The entry is
// discarded, never substituted.
type DecryptionError struct {
	Key string
	Err error
}

func (e *DecryptionError) Error() string {
	if e.Key == "" {
		return fmt.Sprintf("decryption failed: %v", e.Err)
	}
	return fmt.Sprintf("decryption failed for %q: %v", e.Key, e.Err)
}

func (e *DecryptionError) Unwrap() error { return e.Err }

// AuthError means the credential is missing, invalid or could not be
// refreshed.
type AuthError struct {
	Reason string
	Err    error
}

func (e *AuthError) Error() string {
	if e.Err == nil {
		return "auth: " + e.Reason
	}
	return fmt.Sprintf("auth: %s: %v", e.Reason, e.Err)
}

func (e *AuthError) Unwrap() error { return e.Err }

// ErrorClass decides what the queue does with a failed delivery.
type ErrorClass int

const (
	// ClassRetryable failures consume an attempt and are retried with backoff.
	ClassRetryable ErrorClass = iota
	// ClassPermanent failures are dead-lettered immediately.
	ClassPermanent
	// ClassAuth failures leave the item untouched until credentials return.
	ClassAuth
)

func (c ErrorClass) String() string {
	switch c {
	case ClassRetryable:
		return "retryable"
	case ClassPermanent:
		return "permanent"
	case ClassAuth:
		return "auth"
	default:
		return fmt.Sprintf("ErrorClass(%d)", int(c))
	}
}

// Classify maps an error onto its queue handling. Unknown errors are
// treated as retryable so that they are bounded by the attempt limit.
func Classify(err error) ErrorClass {
	var (
		verr *ValidationError
		herr *HTTPError
		aerr *AuthError
		derr *DecryptionError
	)
	switch {
	case errors.As(err, &aerr), errors.Is(err, ErrNotAuthenticated):
		return ClassAuth
	case errors.As(err, &verr), errors.As(err, &derr):
		return ClassPermanent
	case errors.As(err, &herr):
		if retryableStatus(herr.Status) {
			return ClassRetryable
		}
		if herr.Status == http.StatusUnauthorized {
			return ClassAuth
		}
		return ClassPermanent
	default:
		return ClassRetryable
	}
}

// IsRetryable reports whether err is a NetworkError or an HTTPError with a
// retryable status (429, 5xx).
func IsRetryable(err error) bool {
	var nerr *NetworkError
	if errors.As(err, &nerr) {
		return true
	}
	var herr *HTTPError
	if errors.As(err, &herr) {
		return retryableStatus(herr.Status)
	}
	return false
}

// IsUnauthorized reports whether err is an HTTP 401.
func IsUnauthorized(err error) bool {
	var herr *HTTPError
	return errors.As(err, &herr) && herr.Status == http.StatusUnauthorized
}

func retryableStatus(status int) bool {
	return status == http.StatusTooManyRequests || status >= 500
}

// UserMessage summarizes err for display. It never includes response
// bodies or wrapped internal detail.
func UserMessage(err error) string {
	var (
		verr *ValidationError
		eerr *ExtractionError
		nerr *NetworkError
		herr *HTTPError
		derr *DecryptionError
		aerr *AuthError
	)
	switch {
	case err == nil:
		return ""
	case errors.As(err, &verr):
		return "The captured content did not pass validation (" + strings.TrimPrefix(verr.Error(), "validation failed: ") + ")."
	case errors.As(err, &eerr):
		if errors.Is(err, context.DeadlineExceeded) {
			return "The page took too long to provide its content."
		}
		return "No readable content could be extracted from the page."
	case errors.As(err, &aerr), errors.Is(err, ErrNotAuthenticated):
		return "Please sign in again."
	case errors.As(err, &nerr), errors.Is(err, ErrOffline):
		return "The service is unreachable; the capture was saved and will be sent later."
	case errors.As(err, &herr):
		if retryableStatus(herr.Status) {
			return "The service is temporarily unavailable; the capture will be retried."
		}
		return "The service rejected the capture."
	case errors.As(err, &derr):
		return "Locally stored data was unreadable and has been discarded."
	default:
		return "Something went wrong; see the log for details."
	}
}
