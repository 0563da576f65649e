package session

import (
	"context"
	"errors"
	"fmt"
)

// ErrorKind classifies a network failure for the retry layer.
type ErrorKind int

const (
	// Transient failures (timeouts, rate limits, 5xx) are safe to retry.
	Transient ErrorKind = iota
	// Permanent failures (not found, malformed request) are surfaced as-is.
	Permanent
	// AuthExpired means the session token is no longer valid and must be
	// refreshed before any retry.
	AuthExpired
)

func (k ErrorKind) String() string {
	switch k {
	case Transient:
		return "transient"
	case Permanent:
		return "permanent"
	case AuthExpired:
		return "auth-expired"
	default:
		return "unknown"
	}
}

// NetworkError wraps a gateway failure with its retry classification.
type NetworkError struct {
	Kind ErrorKind
	Op   string
	Err  error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("%s: %s error: %v", e.Op, e.Kind, e.Err)
}

func (e *NetworkError) Unwrap() error {
	return e.Err
}

// Classify returns the error's kind, defaulting to Transient for plain
// errors so that unknown failures get the benefit of a retry. Context
// cancellation is never retried.
func Classify(err error) ErrorKind {
	if errors.Is(err, context.Canceled) {
		return Permanent
	}
	var netErr *NetworkError
	if errors.As(err, &netErr) {
		return netErr.Kind
	}
	return Transient
}

// IsAuthExpired reports whether err carries an AuthExpired classification.
func IsAuthExpired(err error) bool {
	return Classify(err) == AuthExpired
}
