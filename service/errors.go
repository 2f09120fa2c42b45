package service

import (
	"errors"
	"fmt"

	"github.com/zlnvch/inkroom/store"
)

type ErrorCode string

const (
	CodeAuthentication ErrorCode = "authentication_error"
	CodeAuthorization  ErrorCode = "authorization_error"
	CodeNotFound       ErrorCode = "not_found"
	CodeValidation     ErrorCode = "validation_error"
	CodeConflict       ErrorCode = "conflict"
	CodeInternal       ErrorCode = "internal_error"
)

const internalMessage = "internal server error"

// Error is what the service reports to callers. Message is safe to show to
// the client; Err keeps the underlying cause for logs.
type Error struct {
	Code    ErrorCode
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func AuthenticationError(message string, err error) *Error {
	return &Error{Code: CodeAuthentication, Message: message, Err: err}
}

func AuthorizationError(message string) *Error {
	return &Error{Code: CodeAuthorization, Message: message}
}

func NotFoundError(message string) *Error {
	return &Error{Code: CodeNotFound, Message: message}
}

func ValidationError(message string) *Error {
	return &Error{Code: CodeValidation, Message: message}
}

func ConflictError(message string, err error) *Error {
	return &Error{Code: CodeConflict, Message: message, Err: err}
}

func InternalError(err error) *Error {
	return &Error{Code: CodeInternal, Message: internalMessage, Err: err}
}

// CodeOf returns the code of err, treating anything that is not an *Error
// as internal.
func CodeOf(err error) ErrorCode {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeInternal
}

// PublicMessage returns the text that may be sent to a client for err.
func PublicMessage(err error) string {
	var e *Error
	if errors.As(err, &e) && e.Code != CodeInternal {
		return e.Message
	}
	return internalMessage
}

// fromStore maps store sentinels at the service boundary.
func fromStore(err error, what string) error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return err
	}
	switch {
	case errors.Is(err, store.ErrItemNotFound):
		return NotFoundError(what + " not found")
	case errors.Is(err, store.ErrConditionFailed):
		return ConflictError("concurrent update to "+what, err)
	default:
		return InternalError(err)
	}
}
