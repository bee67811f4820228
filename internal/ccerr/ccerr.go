// Package ccerr defines the C&C server's error taxonomy, used by the
// command router and HTTP adapter to classify failures without parsing
// error strings.
package ccerr

import "fmt"

// Kind is one of the error taxonomy buckets from the error handling design.
type Kind string

const (
	InvalidRequest Kind = "invalid-request"
	NotFound       Kind = "not-found"
	Conflict       Kind = "conflict"
	Offline        Kind = "offline"
	Timeout        Kind = "timeout"
	Rejected       Kind = "rejected"
	Unauthorized   Kind = "unauthorized"
	Forbidden      Kind = "forbidden"
	RateLimited    Kind = "rate-limited"
	Internal       Kind = "internal"
)

// Error is a classified failure. Message is safe to surface to the caller;
// Cause (if set) is for logs only.
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

// New builds a classified error with no wrapped cause.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap builds a classified error around an underlying cause.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// KindOf extracts the Kind of err, defaulting to Internal for anything
// not produced by this package.
func KindOf(err error) Kind {
	var ce *Error
	if err == nil {
		return ""
	}
	if ok := asCCErr(err, &ce); ok {
		return ce.Kind
	}
	return Internal
}

func asCCErr(err error, target **Error) bool {
	for err != nil {
		if ce, ok := err.(*Error); ok {
			*target = ce
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}
