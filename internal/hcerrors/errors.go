// Package hcerrors defines the error taxonomy shared across the transport,
// appliance engine, and coordinator.
package hcerrors

import "fmt"

// Kind classifies an Error so callers can branch on retriability without
// string matching.
type Kind string

const (
	// KindTransport covers network failures and non-retriable protocol errors.
	KindTransport Kind = "transport"
	// KindRateLimited is a 429 response; the transport already retried
	// per its own policy before this surfaces.
	KindRateLimited Kind = "rate_limited"
	// KindAuthExpired is a 401; the transport retries transparently after
	// the auth collaborator refreshes the token, so this only surfaces if
	// retries were exhausted.
	KindAuthExpired Kind = "auth_expired"
	// KindServiceError is a 5xx that survived the transport's retries.
	KindServiceError Kind = "service_error"
	// KindNotSupported covers SDK.Error.Unsupported* and 404/409 on optional
	// endpoints; callers treat this as "return nil", not as a thrown error,
	// but the value is still constructed so logging can record why.
	KindNotSupported Kind = "not_supported"
	// KindApplianceOffline is a service-acknowledged request the appliance
	// itself refused; callers schedule a capped-backoff retry.
	KindApplianceOffline Kind = "appliance_offline"
	// KindValidation is a client-side constraint violation raised synchronously
	// before any network call is made.
	KindValidation Kind = "validation"
	// KindLogicError is a programmer error: a required argument was omitted.
	KindLogicError Kind = "logic_error"
)

// Error is the single error type the transport, appliance engine, and
// coordinator surface to callers once retriable classes have been absorbed.
type Error struct {
	Kind             Kind
	Message          string
	Code             int
	ErrorKey         string
	ErrorDescription string
	Cause            error
}

func (e *Error) Error() string {
	switch {
	case e.ErrorKey != "" && e.ErrorDescription != "":
		return fmt.Sprintf("%s: %s (%s): %s", e.Kind, e.Message, e.ErrorKey, e.ErrorDescription)
	case e.Cause != nil:
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	default:
		return fmt.Sprintf("%s: %s", e.Kind, e.Message)
	}
}

func (e *Error) Unwrap() error { return e.Cause }

// New builds an Error of the given kind.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap builds an Error of the given kind that wraps cause.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// FromResponse builds an Error from a service error envelope.
func FromResponse(kind Kind, code int, errorKey, errorDescription string) *Error {
	return &Error{
		Kind:             kind,
		Message:          fmt.Sprintf("service responded with status %d", code),
		Code:             code,
		ErrorKey:         errorKey,
		ErrorDescription: errorDescription,
	}
}

// Is reports whether err is an *Error of the given kind, unwrapping as needed.
func Is(err error, kind Kind) bool {
	for err != nil {
		if e, ok := err.(*Error); ok {
			return e.Kind == kind
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}
