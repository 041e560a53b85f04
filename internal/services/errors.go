package services

import "errors"

type ErrorCode string

const (
	ErrorInvalid      ErrorCode = "invalid"
	ErrorInvalidState ErrorCode = "invalid_state"
	ErrorNotFound     ErrorCode = "not_found"
	ErrorConflict     ErrorCode = "conflict"
	ErrorUnauthorized ErrorCode = "unauthorized"
	ErrorInternal     ErrorCode = "internal"
)

// ServiceError carries a machine-readable code alongside the message so the
// HTTP layer can map it to a status without string matching.
type ServiceError struct {
	Code    ErrorCode
	Message string
}

func (e *ServiceError) Error() string { return e.Message }

func NewInvalidError(msg string) error      { return &ServiceError{Code: ErrorInvalid, Message: msg} }
func NewNotFoundError(msg string) error     { return &ServiceError{Code: ErrorNotFound, Message: msg} }
func NewConflictError(msg string) error     { return &ServiceError{Code: ErrorConflict, Message: msg} }
func NewInternalError(msg string) error     { return &ServiceError{Code: ErrorInternal, Message: msg} }
func NewUnauthorizedError(msg string) error {
	return &ServiceError{Code: ErrorUnauthorized, Message: msg}
}

// NewInvalidStateError marks an operation attempted in a session state that
// forbids it (submit after finalize, respond after termination).
func NewInvalidStateError(msg string) error {
	return &ServiceError{Code: ErrorInvalidState, Message: msg}
}

func AsServiceError(err error) (*ServiceError, bool) {
	var se *ServiceError
	if errors.As(err, &se) {
		return se, true
	}
	return nil, false
}
