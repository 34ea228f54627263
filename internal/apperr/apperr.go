// Package apperr is the closed error taxonomy surfaced at the gateway edge.
// Token failures map to 401 with a machine-readable errorCode; dependency
// failures map to 502/503; anything unclassified is a 500 server fault.
package apperr

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
)

type Code string

const (
	CodeTokenMissing          Code = "TOKEN_MISSING"
	CodeTokenInvalid          Code = "TOKEN_INVALID"
	CodeTokenExpired          Code = "TOKEN_EXPIRED"
	CodeTokenRevoked          Code = "TOKEN_REVOKED"
	CodeDependencyUnavailable Code = "DEPENDENCY_UNAVAILABLE"
	CodeServerFault           Code = "SERVER_FAULT"
)

// Error is a classified failure. Op names the operation that failed
// ("auth:validate", "upstream:users:forward"), Msg is safe to return to
// clients, Err carries the internal cause and is never serialized.
type Error struct {
	Code Code
	Op   string
	Msg  string

	// Terminal marks a TOKEN_EXPIRED that already went through the refresh
	// path and must not be retried again.
	Terminal bool

	Err error
}

func (e *Error) Error() string {
	s := string(e.Code)
	if e.Op != "" {
		s = e.Op + ": " + s
	}
	if e.Msg != "" {
		s += ": " + e.Msg
	}
	if e.Err != nil {
		s += ": " + e.Err.Error()
	}
	return s
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error with the same code, so errors.Is(err, ErrTokenExpired) works
// regardless of Op/Msg.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Code == e.Code
}

// Sentinels for errors.Is checks.
var (
	ErrTokenMissing          = &Error{Code: CodeTokenMissing}
	ErrTokenInvalid          = &Error{Code: CodeTokenInvalid}
	ErrTokenExpired          = &Error{Code: CodeTokenExpired}
	ErrTokenRevoked          = &Error{Code: CodeTokenRevoked}
	ErrDependencyUnavailable = &Error{Code: CodeDependencyUnavailable}
	ErrServerFault           = &Error{Code: CodeServerFault}
)

func New(code Code, op, msg string, cause error) *Error {
	return &Error{Code: code, Op: op, Msg: msg, Err: cause}
}

// CodeOf extracts the code of a classified error, defaulting to SERVER_FAULT.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeServerFault
}

// IsTokenFailure reports whether code is one of the four authentication codes.
func IsTokenFailure(code Code) bool {
	switch code {
	case CodeTokenMissing, CodeTokenInvalid, CodeTokenExpired, CodeTokenRevoked:
		return true
	default:
		return false
	}
}

func HTTPStatus(code Code) int {
	switch code {
	case CodeTokenMissing, CodeTokenInvalid, CodeTokenExpired, CodeTokenRevoked:
		return http.StatusUnauthorized
	case CodeDependencyUnavailable:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

var defaultMessages = map[Code]string{
	CodeTokenMissing:          "authentication token missing",
	CodeTokenInvalid:          "authentication token invalid",
	CodeTokenExpired:          "authentication token expired",
	CodeTokenRevoked:          "authentication token revoked",
	CodeDependencyUnavailable: "upstream dependency unavailable",
	CodeServerFault:           "internal server error",
}

// Abort writes {"errorCode","message"} with the mapped status and records
// err on the gin context so the request logger picks it up.
func Abort(c *gin.Context, err error) {
	code := CodeOf(err)
	msg := defaultMessages[code]
	var e *Error
	if errors.As(err, &e) && e.Msg != "" && code != CodeServerFault {
		msg = e.Msg
	}
	_ = c.Error(err)
	c.AbortWithStatusJSON(HTTPStatus(code), gin.H{"errorCode": code, "message": msg})
}
