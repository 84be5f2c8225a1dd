// Package apperr defines the error taxonomy shared across Baudrate's core
// components, letting HTTP handlers map any returned error to a response
// without each package re-inventing status codes.
package apperr

import "fmt"

// Kind classifies an error into one of the response-shaping buckets used at
// the HTTP boundary.
type Kind string

const (
	KindInvalidCredentials Kind = "invalid_credentials"
	KindRateLimited        Kind = "rate_limited"
	KindUnauthorized       Kind = "unauthorized"
	KindNotFound           Kind = "not_found"
	KindConflict           Kind = "conflict"
	KindValidation         Kind = "validation"
	KindSignatureInvalid   Kind = "signature_invalid"
	KindUpstreamFailure    Kind = "upstream_failure"
	KindVaultError         Kind = "vault_error"
	KindBanned             Kind = "banned"
)

// Error wraps an underlying cause with a Kind so callers can branch on
// classification without string-matching messages.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// New builds an Error with no wrapped cause.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap builds an Error carrying an underlying cause. A nil cause still
// produces a valid *Error (useful for uniform construction in callers).
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// Is reports whether err is an *Error of the given kind.
func Is(err error, kind Kind) bool {
	e, ok := err.(*Error)
	return ok && e.Kind == kind
}
