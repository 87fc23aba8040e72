package domain

import "errors"

var (
	ErrStoreUnavailable     = errors.New("counter store unavailable")
	ErrNoPolicy             = errors.New("no policy for operation")
	ErrUnsupportedAlgorithm = errors.New("unsupported rate limit algorithm")
	ErrRateLimitExceeded    = errors.New("rate limit exceeded")
	ErrSubjectNotFound      = errors.New("subject not found")
	ErrInvalidAPIKey        = errors.New("invalid API key")
	ErrUnauthorized         = errors.New("unauthorized")
)
