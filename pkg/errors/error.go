package errors

import (
	stderrors "errors"
	"fmt"
	"runtime"
	"strings"
)

// Error carries an ErrorCode through the call chain to the response layer.
type Error struct {
	Code    ErrorCode
	Message string                 // shown to clients when the code is a 4xx
	Details map[string]interface{} // structured context, e.g. field and reason
	Err     error                  // cause
	Stack   string                 // call site, logged only
}

func (e *Error) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return e.Code.Message()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// build records the caller of the exported constructor that invoked it.
func build(code ErrorCode, msg string, cause error) *Error {
	return &Error{
		Code:    code,
		Message: msg,
		Err:     cause,
		Details: map[string]interface{}{},
		Stack:   callers(3),
	}
}

// New returns an error carrying code and its default message.
func New(code ErrorCode) *Error {
	return build(code, code.Message(), nil)
}

// Newf returns an error carrying code and a formatted message.
func Newf(code ErrorCode, format string, args ...interface{}) *Error {
	return build(code, fmt.Sprintf(format, args...), nil)
}

// Wrapf attaches code and a client-facing message to err. A nil err stays nil.
func Wrapf(err error, code ErrorCode, format string, args ...interface{}) *Error {
	if err == nil {
		return nil
	}
	return build(code, fmt.Sprintf(format, args...), err)
}

func (e *Error) WithMessage(msg string) *Error {
	e.Message = msg
	return e
}

func (e *Error) WithDetail(key string, value interface{}) *Error {
	if e.Details == nil {
		e.Details = map[string]interface{}{}
	}
	e.Details[key] = value
	return e
}

// ValidationError rejects a request field with a reason.
func ValidationError(field, reason string) *Error {
	return New(ValidationFailed).WithDetail("field", field).WithDetail("reason", reason)
}

func find(err error) (*Error, bool) {
	var e *Error
	if err == nil || !stderrors.As(err, &e) {
		return nil, false
	}
	return e, true
}

// GetCode returns the code anywhere in err's chain. Errors without one are
// InternalServerError; nil is Success.
func GetCode(err error) ErrorCode {
	if err == nil {
		return Success
	}
	if e, ok := find(err); ok {
		return e.Code
	}
	return InternalServerError
}

// GetError returns the *Error in err's chain, or an InternalServerError
// wrapping err when there is none.
func GetError(err error) *Error {
	if err == nil {
		return nil
	}
	if e, ok := find(err); ok {
		return e
	}
	return build(InternalServerError, err.Error(), err)
}

// Is reports whether err carries code.
func Is(err error, code ErrorCode) bool {
	e, ok := find(err)
	return ok && e.Code == code
}

// callers formats up to ten non-runtime frames above skip.
func callers(skip int) string {
	var pcs [10]uintptr
	n := runtime.Callers(skip+1, pcs[:])
	frames := runtime.CallersFrames(pcs[:n])
	var b strings.Builder
	for n > 0 {
		f, more := frames.Next()
		if !strings.HasPrefix(f.Function, "runtime.") {
			fmt.Fprintf(&b, "\n\t%s:%d %s", f.File, f.Line, f.Function)
		}
		if !more {
			break
		}
	}
	return b.String()
}
