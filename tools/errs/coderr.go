// Package errs carries the coded failures that handlers report back to a
// client. Anything that is not a *CodeError is treated as internal.
package errs

import (
	"fmt"
	"strconv"

	"github.com/pkg/errors"
)

const (
	ProtocolError       = 1001 // frame is not a usable event
	ValidationError     = 1002 // event fields violate a rule
	AuthorizationError  = 1003 // caller may not touch the resource
	StorageError        = 1004 // gateway failure worth showing as-is
	ServerInternalError = 1500
)

type CodeError struct {
	Code   int    `json:"code"`
	Msg    string `json:"msg"`
	Detail string `json:"detail,omitempty"`
}

func NewCodeError(code int, msg string) *CodeError {
	return &CodeError{Code: code, Msg: msg}
}

func Protocol(format string, args ...any) *CodeError {
	return NewCodeError(ProtocolError, fmt.Sprintf(format, args...))
}

func Validation(format string, args ...any) *CodeError {
	return NewCodeError(ValidationError, fmt.Sprintf(format, args...))
}

func Authorization(format string, args ...any) *CodeError {
	return NewCodeError(AuthorizationError, fmt.Sprintf(format, args...))
}

func Storage(format string, args ...any) *CodeError {
	return NewCodeError(StorageError, fmt.Sprintf(format, args...))
}

// WithDetail returns a copy carrying extra context for logs. Detail never
// reaches the client.
func (e *CodeError) WithDetail(detail string) *CodeError {
	d := detail
	if e.Detail != "" {
		d = e.Detail + ", " + detail
	}
	return &CodeError{Code: e.Code, Msg: e.Msg, Detail: d}
}

func (e *CodeError) Error() string {
	s := strconv.Itoa(e.Code) + " " + e.Msg
	if e.Detail != "" {
		s += " (" + e.Detail + ")"
	}
	return s
}

// Is matches any CodeError with the same code.
func (e *CodeError) Is(target error) bool {
	t, ok := target.(*CodeError)
	return ok && t.Code == e.Code
}

// As unwraps err to a *CodeError.
func As(err error) (*CodeError, bool) {
	var ce *CodeError
	if errors.As(err, &ce) {
		return ce, true
	}
	return nil, false
}

// HasCode reports whether err is a CodeError with code.
func HasCode(err error, code int) bool {
	ce, ok := As(err)
	return ok && ce.Code == code
}
