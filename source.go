package locationagent

import (
	"context"

	"github.com/pkg/errors"
)

// SourceAdapter supplies the tracked entity set and their latest raw samples
// once per poll cycle.
type SourceAdapter interface {
	ListEntities(ctx context.Context) ([]RawSample, error)
}

// AuthError marks a fetch failure that retrying cannot repair, such as
// rejected credentials or an expired session.
type AuthError struct {
	Err error
}

func (e *AuthError) Error() string {
	if e.Err != nil {
		return "source authentication failed: " + e.Err.Error()
	}
	return "source authentication failed"
}

func (e *AuthError) Unwrap() error { return e.Err }

// NewAuthError wraps err as an authentication failure.
func NewAuthError(err error) error {
	return &AuthError{Err: err}
}

// IsAuthError reports whether any error in the chain is an AuthError.
func IsAuthError(err error) bool {
	var authErr *AuthError
	return errors.As(err, &authErr)
}

// TransportError marks a retryable fetch failure: timeouts, connection
// resets, 5xx responses and the like.
type TransportError struct {
	Err error
}

func (e *TransportError) Error() string {
	if e.Err != nil {
		return "source fetch failed: " + e.Err.Error()
	}
	return "source fetch failed"
}

func (e *TransportError) Unwrap() error { return e.Err }

// NewTransportError wraps err as a retryable transport failure.
func NewTransportError(err error) error {
	return &TransportError{Err: err}
}

// IsTransportError reports whether any error in the chain is a TransportError.
func IsTransportError(err error) bool {
	var transportErr *TransportError
	return errors.As(err, &transportErr)
}
