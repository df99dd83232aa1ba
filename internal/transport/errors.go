package transport

import "fmt"

// RequestFailedError is returned for any non-2xx, non-redirect store
// response. Body carries the (truncated) response body for diagnostics.
type RequestFailedError struct {
	Status int
	Body   string
}

func (e *RequestFailedError) Error() string {
	return fmt.Sprintf("store request failed with status %d: %s", e.Status, e.Body)
}

// AuthRejectedError is returned when the store answers with an authorization
// failure. Invalid credentials are only detected this way; the signer itself
// cannot tell a wrong key from a right one.
type AuthRejectedError struct {
	Status int
	Body   string
}

func (e *AuthRejectedError) Error() string {
	return fmt.Sprintf("store rejected the request credentials (status %d): %s", e.Status, e.Body)
}

// RedirectLimitError is returned when the store keeps redirecting past the
// configured bound.
type RedirectLimitError struct {
	Max     int
	LastURL string
}

func (e *RedirectLimitError) Error() string {
	return fmt.Sprintf("too many redirects (limit %d), last target %s", e.Max, e.LastURL)
}
