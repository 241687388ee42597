// Package apperrors defines the error taxonomy shared by services and the HTTP layer.
package apperrors

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an error for transport mapping.
type Kind int

const (
	KindInternal Kind = iota
	KindValidation
	KindUnauthenticated
	KindForbidden
	KindNotFound
	KindConflict
)

// String returns a stable name for the kind.
func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindUnauthenticated:
		return "unauthenticated"
	case KindForbidden:
		return "forbidden"
	case KindNotFound:
		return "not_found"
	case KindConflict:
		return "conflict"
	default:
		return "internal"
	}
}

// HTTPStatus maps the kind onto a response status code.
// Conflicts are reported as 400 to stay compatible with existing clients.
func (k Kind) HTTPStatus() int {
	switch k {
	case KindValidation, KindConflict:
		return http.StatusBadRequest
	case KindUnauthenticated:
		return http.StatusUnauthorized
	case KindForbidden:
		return http.StatusForbidden
	case KindNotFound:
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

// Error is a classified failure carrying an operation code and optional field messages.
type Error struct {
	kind    Kind
	code    string
	message string
	fields  map[string]string
	err     error
}

func (e *Error) Error() string {
	if e.err == nil {
		if e.message == "" {
			return e.code
		}
		return fmt.Sprintf("%s: %s", e.code, e.message)
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *Error) Unwrap() error {
	return e.err
}

func (e *Error) Kind() Kind {
	return e.kind
}

func (e *Error) Code() string {
	return e.code
}

func (e *Error) Message() string {
	return e.message
}

// Fields returns a copy of the field-keyed messages, or nil.
func (e *Error) Fields() map[string]string {
	if len(e.fields) == 0 {
		return nil
	}
	copied := make(map[string]string, len(e.fields))
	for key, value := range e.fields {
		copied[key] = value
	}
	return copied
}

// Validation reports invalid input keyed by field name.
func Validation(code string, fields map[string]string) error {
	return &Error{kind: KindValidation, code: code, fields: fields}
}

// Unauthenticated reports a missing or malformed credential.
func Unauthenticated(code, message string) error {
	return &Error{kind: KindUnauthenticated, code: code, message: message}
}

// Forbidden reports an actor that is known but not allowed.
func Forbidden(code, message string) error {
	return &Error{kind: KindForbidden, code: code, message: message}
}

// ForbiddenFields reports a forbidden outcome with field-keyed messages.
func ForbiddenFields(code string, fields map[string]string) error {
	return &Error{kind: KindForbidden, code: code, fields: fields}
}

// NotFound reports a missing document.
func NotFound(code, message string) error {
	return &Error{kind: KindNotFound, code: code, message: message}
}

// Conflict reports a state clash such as a duplicate toggle.
func Conflict(code, message string) error {
	return &Error{kind: KindConflict, code: code, message: message}
}

// Internal wraps an unexpected failure from storage or a provider.
func Internal(code string, cause error) error {
	return &Error{kind: KindInternal, code: code, err: cause}
}

// As extracts a classified error from err.
func As(err error) (*Error, bool) {
	var classified *Error
	if errors.As(err, &classified) {
		return classified, true
	}
	return nil, false
}

// KindOf returns the kind of err; unclassified errors are internal.
func KindOf(err error) Kind {
	if classified, ok := As(err); ok {
		return classified.kind
	}
	return KindInternal
}
