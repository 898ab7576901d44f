package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies failures so transports can map them without string matching.
type Kind int

const (
	KindUnknown Kind = iota
	KindValidation
	KindAuthorization
	KindStorage
	KindNotFound
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindAuthorization:
		return "authorization"
	case KindStorage:
		return "storage"
	case KindNotFound:
		return "not_found"
	default:
		return "unknown"
	}
}

// Error is the single error type surfaced by the core packages
type Error struct {
	Kind  Kind
	Field string
	Msg   string
	Err   error
}

func (e *Error) Error() string {
	switch {
	case e.Field != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %s: %v", e.Kind, e.Field, e.Msg, e.Err)
	case e.Field != "":
		return fmt.Sprintf("%s: %s: %s", e.Kind, e.Field, e.Msg)
	case e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	default:
		return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
	}
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Validation reports a missing or out-of-range input field
func Validation(field, msg string) error {
	return &Error{Kind: KindValidation, Field: field, Msg: msg}
}

// Validationf is Validation with a formatted message
func Validationf(field, format string, args ...any) error {
	return &Error{Kind: KindValidation, Field: field, Msg: fmt.Sprintf(format, args...)}
}

// Unauthorized reports a missing or invalid capability key
func Unauthorized(msg string) error {
	return &Error{Kind: KindAuthorization, Msg: msg}
}

// Storage wraps a driver failure. op names the failed operation.
func Storage(op string, err error) error {
	return &Error{Kind: KindStorage, Msg: op, Err: err}
}

// NotFound reports a lookup for an unknown or malformed device id
func NotFound(what, id string) error {
	return &Error{Kind: KindNotFound, Msg: fmt.Sprintf("%s %q not found", what, id)}
}

// KindOf returns the kind of the first *Error in err's chain.
func KindOf(err error) Kind {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.Kind
	}
	return KindUnknown
}

// Is reports whether err carries the given kind
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// PublicMessage is the text safe to return to a caller. Storage and unknown
// failures never leak driver detail.
func PublicMessage(err error) string {
	var appErr *Error
	if !errors.As(err, &appErr) {
		return "internal error"
	}
	switch appErr.Kind {
	case KindValidation:
		if appErr.Field != "" {
			return appErr.Field + ": " + appErr.Msg
		}
		return appErr.Msg
	case KindAuthorization, KindNotFound:
		return appErr.Msg
	case KindStorage:
		return "internal storage error"
	default:
		return "internal error"
	}
}

// HTTPStatus maps an error onto a response status code
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case KindValidation:
		return http.StatusBadRequest
	case KindAuthorization:
		return http.StatusUnauthorized
	case KindNotFound:
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}
