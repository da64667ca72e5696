package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// AppError is a structured error carrying a stable code alongside the message.
type AppError struct {
	Code       string `json:"code"`
	Message    string `json:"message"`
	StatusCode int    `json:"-"`
	Internal   error  `json:"-"`
}

func (e *AppError) Error() string {
	if e == nil {
		return "<nil>"
	}

	if e.Internal != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Internal)
	}

	return e.Message
}

// Unwrap exposes the internal error for errors.Is / errors.As compatibility.
func (e *AppError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Internal
}

// Is reports whether target is an AppError with the same code, so copies made by
// WithInternal or Withf still match their sentinel.
func (e *AppError) Is(target error) bool {
	if e == nil {
		return false
	}
	other, ok := target.(*AppError)
	if !ok || other == nil {
		return false
	}
	return e.Code == other.Code
}

// WithInternal returns a copy of the AppError with an attached internal error.
func (e *AppError) WithInternal(err error) *AppError {
	if e == nil {
		return nil
	}

	cpy := *e
	cpy.Internal = err
	return &cpy
}

// Withf returns a copy of the AppError whose message is extended with detail.
func (e *AppError) Withf(format string, args ...any) *AppError {
	if e == nil {
		return nil
	}

	cpy := *e
	cpy.Message = e.Message + ": " + fmt.Sprintf(format, args...)
	return &cpy
}

// Common errors exposed to the rest of the application.
var (
	ErrForbidden = &AppError{
		Code:       "FORBIDDEN",
		Message:    "Permission denied",
		StatusCode: http.StatusForbidden,
	}

	ErrNotFound = &AppError{
		Code:       "NOT_FOUND",
		Message:    "Resource not found",
		StatusCode: http.StatusNotFound,
	}

	ErrBadRequest = &AppError{
		Code:       "BAD_REQUEST",
		Message:    "Invalid request",
		StatusCode: http.StatusBadRequest,
	}

	ErrInternalServer = &AppError{
		Code:       "INTERNAL_SERVER_ERROR",
		Message:    "Internal server error",
		StatusCode: http.StatusInternalServerError,
	}
)

// Object permission errors.
var (
	ErrIdentityKind = &AppError{
		Code:       "permission.identity_kind",
		Message:    "identity must be a user, group, organization or the anonymous user",
		StatusCode: http.StatusBadRequest,
	}

	ErrTargetNotPersisted = &AppError{
		Code:       "permission.target_not_persisted",
		Message:    "object must be persisted before permissions can be managed for it",
		StatusCode: http.StatusBadRequest,
	}

	ErrInvalidGrant = &AppError{
		Code:       "permission.invalid_grant",
		Message:    "permission content type does not match the object",
		StatusCode: http.StatusBadRequest,
	}

	ErrMixedContentType = &AppError{
		Code:       "permission.mixed_content_type",
		Message:    "permissions span more than one content type",
		StatusCode: http.StatusBadRequest,
	}

	ErrAmbiguousType = &AppError{
		Code:       "permission.ambiguous_type",
		Message:    "cannot determine the content type to query",
		StatusCode: http.StatusBadRequest,
	}

	ErrMultipleIdentityAndObject = &AppError{
		Code:       "permission.multiple_identity_and_object",
		Message:    "cannot assign or remove a permission for many identities and many objects at once",
		StatusCode: http.StatusBadRequest,
	}

	ErrPermissionNotFound = &AppError{
		Code:       "permission.not_found",
		Message:    "permission not found",
		StatusCode: http.StatusNotFound,
	}

	ErrUnregisteredModel = &AppError{
		Code:       "permission.unregistered_model",
		Message:    "model is not registered with the content type registry",
		StatusCode: http.StatusInternalServerError,
	}
)

// New builds a new application error with the provided metadata.
func New(code, message string, statusCode int) *AppError {
	return &AppError{
		Code:       code,
		Message:    message,
		StatusCode: statusCode,
	}
}

// Wrap turns any error into an AppError while keeping the original error for logging.
func Wrap(err error, message string) *AppError {
	return &AppError{
		Code:       "INTERNAL_ERROR",
		Message:    message,
		StatusCode: http.StatusInternalServerError,
		Internal:   err,
	}
}

// FromError converts a generic error into an AppError, defaulting to ErrInternalServer.
func FromError(err error) *AppError {
	if err == nil {
		return nil
	}

	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr
	}

	return ErrInternalServer.WithInternal(err)
}

// NewBadRequest wraps validation errors with a helpful message.
func NewBadRequest(message string) *AppError {
	return &AppError{
		Code:       ErrBadRequest.Code,
		Message:    message,
		StatusCode: ErrBadRequest.StatusCode,
	}
}
