package channel

import (
	"errors"
	"fmt"
)

var (
	ErrUnsupportedChannel = errors.New("unsupported channel type")
	ErrChannelDisabled    = errors.New("channel binding is disabled")
	ErrBindingNotFound    = errors.New("channel binding not found")
	// ErrUnauthorized means the request carried no credential at all.
	ErrUnauthorized = errors.New("missing channel credential")
	// ErrForbidden means a credential was present but did not match.
	ErrForbidden = errors.New("invalid channel credential")
	// ErrIgnored marks payloads that are well formed but carry nothing to
	// ingest, such as Telegram service updates.
	ErrIgnored = errors.New("event ignored")
)

// ValidationError reports a malformed inbound payload.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "invalid payload: " + e.Reason
	}
	return fmt.Sprintf("invalid payload: %s %s", e.Field, e.Reason)
}

// Invalid builds a ValidationError.
func Invalid(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}

// IsValidation reports whether err wraps a ValidationError.
func IsValidation(err error) bool {
	var v *ValidationError
	return errors.As(err, &v)
}
