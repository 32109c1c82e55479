package errors

import (
	stdErrors "errors"
	"fmt"
)

type Code string

const (
	CodeValidation    Code = "VALIDATION_ERROR"
	CodeNotFound      Code = "NOT_FOUND"
	CodeConflict      Code = "CONFLICT"
	CodeStateConflict Code = "STATE_CONFLICT"
	CodeInternal      Code = "INTERNAL_ERROR"
	CodeDependency    Code = "DEPENDENCY_ERROR"
	CodeFatalRollback Code = "FATAL_ROLLBACK_FAILURE"
)

// Kind narrows a Code to the business condition that produced it.
type Kind string

const (
	KindNone               Kind = ""
	KindDuplicateJoin      Kind = "duplicate_join"
	KindInvalidTransition  Kind = "invalid_transition"
	KindAllocationExceeded Kind = "allocation_exceeded"
	KindVariantLocked      Kind = "variant_locked"
	KindSessionClosed      Kind = "session_closed"
	KindPriceMismatch      Kind = "price_mismatch"
	KindTimeout            Kind = "timeout"
	KindGatewayRejected    Kind = "gateway_rejected"
	KindGatewayUnavailable Kind = "gateway_unavailable"
)

// Metadata describes how callers treat a Code. Alert marks failures that need an
// operator, Retryable whether another attempt can succeed.
type Metadata struct {
	Retryable bool
	Alert     bool
	Summary   string
}

var metadataByCode = map[Code]Metadata{
	CodeValidation:    {Summary: "input rejected"},
	CodeNotFound:      {Summary: "record not found"},
	CodeConflict:      {Summary: "concurrent change detected"},
	CodeStateConflict: {Summary: "state transition disallowed"},
	CodeInternal:      {Retryable: true, Alert: true, Summary: "unexpected failure"},
	CodeDependency:    {Retryable: true, Summary: "dependency unavailable"},
	CodeFatalRollback: {Alert: true, Summary: "compensation failed, data left inconsistent"},
}

// MetadataFor falls back to CodeInternal for codes it does not know.
func MetadataFor(code Code) Metadata {
	if meta, ok := metadataByCode[code]; ok {
		return meta
	}
	return metadataByCode[CodeInternal]
}

type Error struct {
	code    Code
	kind    Kind
	message string
	details any
	cause   error
}

func New(code Code, message string) *Error {
	return &Error{code: code, message: message}
}

func Wrap(code Code, err error, message string) *Error {
	if err == nil {
		return New(code, message)
	}
	return &Error{code: code, message: message, cause: err}
}

func (e *Error) Code() Code {
	if e == nil {
		return CodeInternal
	}
	return e.code
}

func (e *Error) Kind() Kind {
	if e == nil {
		return KindNone
	}
	return e.kind
}

// WithKind tags the error with a business condition.
func (e *Error) WithKind(kind Kind) *Error {
	if e == nil {
		return nil
	}
	e.kind = kind
	return e
}

func (e *Error) Message() string {
	if e == nil {
		return ""
	}
	return e.message
}

func (e *Error) Details() any {
	if e == nil {
		return nil
	}
	return e.details
}

func (e *Error) WithDetails(details any) *Error {
	if e == nil {
		return nil
	}
	e.details = details
	return e
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%s: %s", e.code, e.message)
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.cause
}

func As(err error) *Error {
	if err == nil {
		return nil
	}
	var typed *Error
	if stdErrors.As(err, &typed) {
		return typed
	}
	return nil
}

// CodeOf returns the code of the first typed error in the chain, or CodeInternal.
func CodeOf(err error) Code {
	if rf := AsRollbackFailure(err); rf != nil {
		return CodeFatalRollback
	}
	if typed := As(err); typed != nil {
		return typed.Code()
	}
	return CodeInternal
}

// KindOf returns the kind of the first typed error in the chain.
func KindOf(err error) Kind {
	if typed := As(err); typed != nil {
		return typed.Kind()
	}
	return KindNone
}

func IsCode(err error, code Code) bool {
	return err != nil && CodeOf(err) == code
}

func IsKind(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// IsConflict covers both plain and state-machine conflicts.
func IsConflict(err error) bool {
	code := CodeOf(err)
	return err != nil && (code == CodeConflict || code == CodeStateConflict)
}

// IsRetryable reports whether the failure is worth another attempt.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if AsRollbackFailure(err) != nil {
		return false
	}
	typed := As(err)
	if typed == nil {
		return true
	}
	if typed.Kind() == KindGatewayRejected {
		return false
	}
	return MetadataFor(typed.Code()).Retryable
}
