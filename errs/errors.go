// Package errs provides the unified error type used across all of streamql.
//
// Every subsystem (pool, binder, executors, drivers) wraps its native errors
// into *errs.Error before returning them to callers. Callers use the Is*
// predicates to handle errors without importing driver-specific packages.
//
// Usage:
//
//	// In a driver — wrap native errors:
//	return errs.Wrap(errs.ErrKindConnectionFailed, "could not reach server", pgErr)
//
//	// In a caller — check error kind:
//	if errs.IsUnknownType(err) {
//	    log.Printf("bad type hint: %v", err)
//	}
package errs

import (
	"errors"
	"fmt"
)

// ErrKind categorises an error without exposing driver-specific codes.
// All backends map their native errors to one of these kinds, giving
// callers a single consistent API.
type ErrKind int

const (
	ErrKindUnknown              ErrKind = iota
	ErrKindNotInitialized               // module used before Init
	ErrKindInvalidParameterType         // array or slice passed as a parameter value
	ErrKindUnknownType                  // type hint not present in the driver's type table
	ErrKindMalformedIdentifier          // unescape input does not match the quoted grammar
	ErrKindQueryFailed                  // SQL execution error, annotated with query text
	ErrKindConnectionFailed             // cannot reach or authenticate to the server
	ErrKindPoolFatal                    // fatal connection-level error, entry evicted
	ErrKindInternalInvariant            // single-consumer contract violated
	ErrKindTimeout                      // context deadline / cancellation
)

func (k ErrKind) String() string {
	switch k {
	case ErrKindNotInitialized:
		return "not_initialized"
	case ErrKindInvalidParameterType:
		return "invalid_parameter_type"
	case ErrKindUnknownType:
		return "unknown_type"
	case ErrKindMalformedIdentifier:
		return "malformed_identifier"
	case ErrKindQueryFailed:
		return "query_failed"
	case ErrKindConnectionFailed:
		return "connection_failed"
	case ErrKindPoolFatal:
		return "pool_fatal"
	case ErrKindInternalInvariant:
		return "internal_invariant"
	case ErrKindTimeout:
		return "timeout"
	default:
		return "unknown"
	}
}

// Error is the single error type returned by all streamql subsystems.
// Drivers produce it; callers inspect it via the Is* predicates below.
type Error struct {
	Kind    ErrKind
	Message string
	Cause   error // original driver-level error, preserved for logging
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Kind, e.Message)
}

// Unwrap allows errors.Is / errors.As to traverse the cause chain.
func (e *Error) Unwrap() error {
	return e.Cause
}

// --- Constructors ---

// New creates an *Error with the given kind and message and no cause.
func New(kind ErrKind, msg string) *Error {
	return &Error{Kind: kind, Message: msg}
}

// Wrap creates an *Error with the given kind, message, and an underlying cause.
func Wrap(kind ErrKind, msg string, cause error) *Error {
	return &Error{Kind: kind, Message: msg, Cause: cause}
}

// --- Predicates ---

// IsNotInitialized reports whether err came from using the module before Init.
func IsNotInitialized(err error) bool {
	return kindOf(err) == ErrKindNotInitialized
}

// IsInvalidParameterType reports whether err was caused by an array-valued parameter.
func IsInvalidParameterType(err error) bool {
	return kindOf(err) == ErrKindInvalidParameterType
}

// IsUnknownType reports whether err was caused by an unresolvable type hint.
func IsUnknownType(err error) bool {
	return kindOf(err) == ErrKindUnknownType
}

// IsMalformedIdentifier reports whether err came from unescaping an
// identifier that does not match the quoted grammar.
func IsMalformedIdentifier(err error) bool {
	return kindOf(err) == ErrKindMalformedIdentifier
}

// IsQueryFailed reports whether err is a SQL execution failure.
func IsQueryFailed(err error) bool {
	return kindOf(err) == ErrKindQueryFailed
}

// IsConnectionFailed reports whether err is a connectivity or auth failure.
func IsConnectionFailed(err error) bool {
	return kindOf(err) == ErrKindConnectionFailed
}

// IsPoolFatal reports whether err is a fatal connection-level failure that
// evicted the pool entry.
func IsPoolFatal(err error) bool {
	return kindOf(err) == ErrKindPoolFatal
}

// IsInternalInvariant reports whether err signals a violated internal
// invariant, such as two goroutines pulling from one stream.
func IsInternalInvariant(err error) bool {
	return kindOf(err) == ErrKindInternalInvariant
}

// IsTimeout reports whether err was caused by a deadline or context cancellation.
func IsTimeout(err error) bool {
	return kindOf(err) == ErrKindTimeout
}

// kindOf extracts the ErrKind from any error in the chain.
func kindOf(err error) ErrKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ErrKindUnknown
}
