package model

import (
	"errors"
	"fmt"
)

// Machine readable error types, stable across releases. Clients branch on
// these instead of matching description prose.
const (
	ErrTypeValidation           = "validation-error"
	ErrTypeActionSyntax         = "action-syntax-error"
	ErrTypeNotFound             = "not-found"
	ErrTypeNotUnique            = "not-unique"
	ErrTypeCannotCancelAction   = "cannot-cancel-action"
	ErrTypeCannotAssignAction   = "cannot-assign-action"
	ErrTypeCannotBindAction     = "cannot-bind-action"
	ErrTypeCannotRenameTarget   = "cannot-rename-target"
	ErrTypeMembership           = "membership-error"
	ErrTypeActionUnboundSession = "action-unbound-session"
	ErrTypeSessionUnboundTarget = "session-unbound-target"
	ErrTypePermissionDenied     = "permission-denied"
	ErrTypeInvalidCredentials   = "invalid-credentials"
	ErrTypeInternal             = "internal-error"
)

// APIError is a domain error with an HTTP-ish status class and a stable
// error_type. Everything the service intentionally fails with is one of
// these; anything else is an internal error at the boundary.
type APIError struct {
	Status      int
	Type        string
	Description string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s: %s", e.Type, e.Description)
}

// AsAPIError extracts an APIError from err, or wraps err as a generic
// internal error.
func AsAPIError(err error) *APIError {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr
	}
	return &APIError{Status: 500, Type: ErrTypeInternal, Description: "internal server error"}
}

func ValidationError(format string, a ...interface{}) *APIError {
	return &APIError{Status: 400, Type: ErrTypeValidation, Description: fmt.Sprintf(format, a...)}
}

func SyntaxError(format string, a ...interface{}) *APIError {
	return &APIError{Status: 400, Type: ErrTypeActionSyntax, Description: fmt.Sprintf(format, a...)}
}

func NotFoundError(kind, id string) *APIError {
	return &APIError{Status: 404, Type: ErrTypeNotFound, Description: fmt.Sprintf("%s not found: %s", kind, id)}
}

func NotUniqueError(kind, id string) *APIError {
	return &APIError{Status: 422, Type: ErrTypeNotUnique, Description: fmt.Sprintf("%s is not unique: %s", kind, id)}
}

func CannotCancelError(actionID string) *APIError {
	return &APIError{Status: 423, Type: ErrTypeCannotCancelAction, Description: fmt.Sprintf("action cannot be cancelled: %s", actionID)}
}

func CannotAssignError(actionID, sessionID string) *APIError {
	return &APIError{Status: 400, Type: ErrTypeCannotAssignAction, Description: fmt.Sprintf("action %s cannot be assigned to session %s", actionID, sessionID)}
}

func CannotBindError(sessionID, targetName string) *APIError {
	return &APIError{Status: 400, Type: ErrTypeCannotBindAction,
		Description: fmt.Sprintf("session %s does not belong to target %s", sessionID, targetName)}
}

func CannotRenameError(name string) *APIError {
	return &APIError{Status: 422, Type: ErrTypeCannotRenameTarget, Description: fmt.Sprintf("a target named %s already exists", name)}
}

func MembershipError(format string, a ...interface{}) *APIError {
	return &APIError{Status: 400, Type: ErrTypeMembership, Description: fmt.Sprintf(format, a...)}
}

func UnboundSessionError(actionID, sessionID string) *APIError {
	return &APIError{Status: 500, Type: ErrTypeActionUnboundSession,
		Description: fmt.Sprintf("session %s assigned to action %s no longer exists, action was unbound", sessionID, actionID)}
}

func UnboundTargetError(sessionID, targetName string) *APIError {
	return &APIError{Status: 500, Type: ErrTypeSessionUnboundTarget,
		Description: fmt.Sprintf("target %s of session %s no longer exists", targetName, sessionID)}
}

func PermissionDeniedError(method string) *APIError {
	return &APIError{Status: 403, Type: ErrTypePermissionDenied, Description: fmt.Sprintf("not permitted to call %s", method)}
}
