package idp

import (
	"errors"
	"fmt"
	"net/http"
)

// Sentinel errors shared by collaborators.
var (
	// ErrNotFound is returned when a client, user, code or token does not exist.
	ErrNotFound = errors.New("idp: not found")

	// ErrInvalidCredentials is returned when a username/password pair does not match.
	ErrInvalidCredentials = errors.New("idp: invalid credentials")
)

// Kind classifies a failure independently of the protocol error code.
type Kind int

const (
	KindInvalid Kind = iota + 1
	KindNotFound
	KindUnauthorized
	KindMalformed
	KindUpstream
)

func (k Kind) String() string {
	switch k {
	case KindInvalid:
		return "invalid"
	case KindNotFound:
		return "not_found"
	case KindUnauthorized:
		return "unauthorized"
	case KindMalformed:
		return "malformed"
	case KindUpstream:
		return "upstream"
	default:
		return "unknown"
	}
}

// OAuth2 and OIDC error codes.
const (
	CodeInvalidRequest          = "invalid_request"
	CodeInvalidClient           = "invalid_client"
	CodeInvalidGrant            = "invalid_grant"
	CodeUnauthorizedClient      = "unauthorized_client"
	CodeUnsupportedGrantType    = "unsupported_grant_type"
	CodeUnsupportedResponseType = "unsupported_response_type"
	CodeInvalidScope            = "invalid_scope"
	CodeAccessDenied            = "access_denied"
	CodeLoginRequired           = "login_required"
	CodeInvalidToken            = "invalid_token"
	CodeServerError             = "server_error"
	CodeTemporarilyUnavailable  = "temporarily_unavailable"
)

// Error is a protocol-level failure. Description is safe to return to the
// caller and never contains secrets, passwords or full tokens.
type Error struct {
	Kind        Kind
	Code        string
	Description string
	Cause       error
}

func (e *Error) Error() string {
	msg := e.Code
	if e.Description != "" {
		msg += ": " + e.Description
	}
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Cause }

// HTTPStatus returns the status code the token endpoint uses for this error.
func (e *Error) HTTPStatus() int {
	switch e.Code {
	case CodeInvalidClient, CodeInvalidToken:
		return http.StatusUnauthorized
	case CodeServerError:
		return http.StatusInternalServerError
	case CodeTemporarilyUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusBadRequest
	}
}

// Retryable reports whether the caller may retry the same request.
func (e *Error) Retryable() bool {
	return e.Kind == KindUpstream && e.Code != CodeServerError
}

func newError(kind Kind, code, format string, args ...any) *Error {
	return &Error{Kind: kind, Code: code, Description: fmt.Sprintf(format, args...)}
}

// InvalidRequest reports a missing or malformed request parameter.
func InvalidRequest(format string, args ...any) *Error {
	return newError(KindMalformed, CodeInvalidRequest, format, args...)
}

// InvalidClient reports an unknown client or a failed client authentication.
func InvalidClient(format string, args ...any) *Error {
	return newError(KindUnauthorized, CodeInvalidClient, format, args...)
}

// InvalidGrant reports a bad code, refresh token or resource-owner credential.
func InvalidGrant(format string, args ...any) *Error {
	return newError(KindInvalid, CodeInvalidGrant, format, args...)
}

// UnauthorizedClient reports a grant or response type the client may not use.
func UnauthorizedClient(format string, args ...any) *Error {
	return newError(KindUnauthorized, CodeUnauthorizedClient, format, args...)
}

// UnsupportedGrantType reports a grant type the engine does not implement.
func UnsupportedGrantType(format string, args ...any) *Error {
	return newError(KindInvalid, CodeUnsupportedGrantType, format, args...)
}

// UnsupportedResponseType reports an unknown authorization response_type.
func UnsupportedResponseType(format string, args ...any) *Error {
	return newError(KindInvalid, CodeUnsupportedResponseType, format, args...)
}

// InvalidScope reports a scope outside the client's allowed set.
func InvalidScope(format string, args ...any) *Error {
	return newError(KindInvalid, CodeInvalidScope, format, args...)
}

// LoginRequired reports an authorization request with no authenticated user.
func LoginRequired(format string, args ...any) *Error {
	return newError(KindUnauthorized, CodeLoginRequired, format, args...)
}

// InvalidToken reports a bearer token that failed verification.
func InvalidToken(format string, args ...any) *Error {
	return newError(KindUnauthorized, CodeInvalidToken, format, args...)
}

// ServerError wraps an unexpected internal failure.
func ServerError(cause error) *Error {
	return &Error{Kind: KindUpstream, Code: CodeServerError, Description: "internal error", Cause: cause}
}

// Unavailable wraps a collaborator failure that exhausted its retries.
func Unavailable(cause error) *Error {
	return &Error{
		Kind:        KindUpstream,
		Code:        CodeTemporarilyUnavailable,
		Description: "a dependency is temporarily unavailable",
		Cause:       cause,
	}
}

// AsError extracts a *Error from err, mapping anything else to server_error.
func AsError(err error) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return ServerError(err)
}
