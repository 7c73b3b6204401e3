package adapters

import (
	"errors"
	"fmt"
)

// Failure kinds surfaced by adapter calls. Callers route on these with
// errors.Is; anything else is treated as transient.
var (
	ErrTransient   = errors.New("transient network failure")
	ErrAuth        = errors.New("auth rejected")
	ErrRateLimited = errors.New("rate limited")
	ErrMalformed   = errors.New("malformed response")
	ErrEmpty       = errors.New("empty result")
)

// ClassifyStatus maps an HTTP status code to a failure kind. 4xx other
// than 401/403/429 is malformed (fatal for the call); 5xx is transient.
func ClassifyStatus(status int) error {
	switch {
	case status == 401 || status == 403:
		return ErrAuth
	case status == 429:
		return ErrRateLimited
	case status >= 400 && status < 500:
		return ErrMalformed
	case status >= 500:
		return ErrTransient
	default:
		return nil
	}
}

// StatusError wraps a failure kind with the status and source for logs.
func StatusError(source string, status int) error {
	kind := ClassifyStatus(status)
	if kind == nil {
		return nil
	}
	return fmt.Errorf("%s: http %d: %w", source, status, kind)
}

// Retryable reports whether a failed call may be retried: transient
// network failures and 429-style rate limiting only.
func Retryable(err error) bool {
	return errors.Is(err, ErrTransient) || errors.Is(err, ErrRateLimited)
}
