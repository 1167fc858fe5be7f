package pipeline

import (
	"errors"
	"fmt"
)

// Failure classes drive the retry policy: downstream failures are retried
// with backoff, configuration failures are terminal because retrying with
// the same missing secret or credential cannot succeed.
var (
	ErrConfiguration = errors.New("configuration error")
	ErrDownstream    = errors.New("downstream error")
)

// Configf wraps a message as a configuration failure.
func Configf(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrConfiguration, fmt.Sprintf(format, args...))
}

// Downstreamf wraps a message as a downstream failure.
func Downstreamf(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrDownstream, fmt.Sprintf(format, args...))
}

// WrapDownstream tags an external client error as retryable while keeping
// the cause in the chain.
func WrapDownstream(op string, err error) error {
	return fmt.Errorf("%w: %s: %v", ErrDownstream, op, err)
}

// IsConfig reports whether err is a configuration failure.
func IsConfig(err error) bool {
	return errors.Is(err, ErrConfiguration)
}

// IsDownstream reports whether err is a downstream failure.
func IsDownstream(err error) bool {
	return errors.Is(err, ErrDownstream)
}
