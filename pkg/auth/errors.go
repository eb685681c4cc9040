package auth

import (
	"errors"
	"net/http"
)

// Code is a stable machine-readable error identifier returned to clients
type Code string

const (
	CodeNotAuthenticated      Code = "NOT_AUTHENTICATED"
	CodeNotLoggedIn           Code = "NOT_LOGGED_IN"
	CodeInvalidTarget         Code = "INVALID_TARGET"
	CodeUserNotFound          Code = "USER_NOT_FOUND"
	CodeAccountDeactivated    Code = "ACCOUNT_DEACTIVATED"
	CodeSessionExpired        Code = "SESSION_EXPIRED"
	CodeTokenInvalidOrExpired Code = "TOKEN_INVALID_OR_EXPIRED"
	CodeForbidden             Code = "FORBIDDEN"
	CodeInvalidCredentials    Code = "INVALID_CREDENTIALS"
	CodeBadRequest            Code = "BAD_REQUEST"
	CodeRateLimited           Code = "RATE_LIMITED"
	CodeStorageError          Code = "STORAGE_ERROR"
)

// Error is a recognised domain failure
type Error struct {
	Code    Code
	Message string
	Status  int
}

func (e *Error) Error() string {
	return e.Message
}

// Is matches any *Error with the same code, so wrapped copies with a custom
// message still compare equal to the sentinel.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Code == e.Code
}

// WithMessage returns a copy of the error carrying a different message
func (e *Error) WithMessage(msg string) *Error {
	return &Error{Code: e.Code, Message: msg, Status: e.Status}
}

// Sentinel domain errors. ErrTokenInvalidOrExpired covers unknown, consumed
// and expired SSO tokens alike.
var (
	ErrNotAuthenticated      = &Error{Code: CodeNotAuthenticated, Message: "authentication required", Status: http.StatusUnauthorized}
	ErrNotLoggedIn           = &Error{Code: CodeNotLoggedIn, Message: "user has no active session", Status: http.StatusUnauthorized}
	ErrInvalidTarget         = &Error{Code: CodeInvalidTarget, Message: "invalid target system", Status: http.StatusBadRequest}
	ErrUserNotFound          = &Error{Code: CodeUserNotFound, Message: "user not found", Status: http.StatusNotFound}
	ErrAccountDeactivated    = &Error{Code: CodeAccountDeactivated, Message: "account is deactivated", Status: http.StatusForbidden}
	ErrSessionExpired        = &Error{Code: CodeSessionExpired, Message: "session expired, please log in again", Status: http.StatusUnauthorized}
	ErrTokenInvalidOrExpired = &Error{Code: CodeTokenInvalidOrExpired, Message: "invalid or expired SSO token", Status: http.StatusUnauthorized}
	ErrForbidden             = &Error{Code: CodeForbidden, Message: "forbidden", Status: http.StatusForbidden}
	ErrInvalidCredentials    = &Error{Code: CodeInvalidCredentials, Message: "invalid email or password", Status: http.StatusUnauthorized}
)

// AsError extracts a domain error from err, if there is one
func AsError(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}
