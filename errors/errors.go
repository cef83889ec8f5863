package errors

import (
	stderrors "errors"
	"fmt"
	"strings"
)

// Op names the socket operation an error was produced by
type Op string

const (
	OpCreate        Op = "create"
	OpStartBind     Op = "start-bind"
	OpFinishBind    Op = "finish-bind"
	OpStartConnect  Op = "start-connect"
	OpFinishConnect Op = "finish-connect"
	OpStartListen   Op = "start-listen"
	OpFinishListen  Op = "finish-listen"
	OpAccept        Op = "accept"
	OpShutdown      Op = "shutdown"
	OpLocalAddress  Op = "local-address"
	OpRemoteAddress Op = "remote-address"
	OpGetOption     Op = "get-option"
	OpSetOption     Op = "set-option"
	OpHandle        Op = "handle"
)

// Sentinels for errors.Is comparisons. Only the Code is compared.
var (
	ErrInvalidState    = &Error{Code: CodeInvalidState}
	ErrNotInProgress   = &Error{Code: CodeNotInProgress}
	ErrNotSupported    = &Error{Code: CodeNotSupported}
	ErrWouldBlock      = &Error{Code: CodeWouldBlock}
	ErrInvalidArgument = &Error{Code: CodeInvalidArgument}
	ErrAccessDenied    = &Error{Code: CodeAccessDenied}
)

// Error is the structured error returned by every fallible socket operation
type Error struct {
	Cause  error
	Op     Op
	State  string
	Detail string
	Code   Code
}

// Error implements the error interface
func (e *Error) Error() string {
	var b strings.Builder

	if e.Op != "" {
		b.WriteByte('[')
		b.WriteString(string(e.Op))
		b.WriteString("] ")
	}
	b.WriteString(e.Code.String())

	if e.State != "" {
		b.WriteString(" in state ")
		b.WriteString(e.State)
	}

	if e.Detail != "" {
		b.WriteString(": ")
		b.WriteString(e.Detail)
	}

	if e.Cause != nil {
		b.WriteString(" (caused by: ")
		b.WriteString(e.Cause.Error())
		b.WriteByte(')')
	}

	return b.String()
}

// Unwrap returns the underlying error
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is reports whether target carries the same code. An Op set on the target
// must also match.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if t.Op != "" && t.Op != e.Op {
		return false
	}
	return e.Code == t.Code
}

// CodeOf extracts the Code from err. It returns CodeUnknown for errors that
// are not *Error and false for nil.
func CodeOf(err error) (Code, bool) {
	if err == nil {
		return CodeUnknown, false
	}
	var e *Error
	if stderrors.As(err, &e) {
		return e.Code, true
	}
	return CodeUnknown, true
}

// HasCode reports whether err carries code c.
func HasCode(err error, c Code) bool {
	code, ok := CodeOf(err)
	return ok && code == c
}

// Is is errors.Is from the standard library, re-exported so callers that
// import this package do not need both.
func Is(err, target error) bool {
	return stderrors.Is(err, target)
}

// As is errors.As from the standard library.
func As(err error, target any) bool {
	return stderrors.As(err, target)
}

// Builder provides structured error construction
type Builder struct {
	err Error
}

// New creates a new error builder
func New(op Op, code Code) *Builder {
	return &Builder{
		err: Error{
			Op:   op,
			Code: code,
		},
	}
}

// State records the socket state observed when the error occurred
func (b *Builder) State(s fmt.Stringer) *Builder {
	if s != nil {
		b.err.State = s.String()
	}
	return b
}

// Cause sets the underlying error
func (b *Builder) Cause(err error) *Builder {
	b.err.Cause = err
	return b
}

// Detail sets the human-readable detail message
func (b *Builder) Detail(msg string, args ...any) *Builder {
	if len(args) > 0 {
		b.err.Detail = fmt.Sprintf(msg, args...)
	} else {
		b.err.Detail = msg
	}
	return b
}

// Build returns the constructed error
func (b *Builder) Build() *Error {
	e := b.err
	return &e
}

// InvalidState creates an error for an operation that is not legal in the
// socket's current state.
func InvalidState(op Op, state fmt.Stringer) *Error {
	return New(op, CodeInvalidState).State(state).Build()
}

// NotInProgress creates an error for a finish call with no matching start.
func NotInProgress(op Op) *Error {
	return &Error{Op: op, Code: CodeNotInProgress}
}

// NotSupported creates an error for an option or action unavailable on this
// family or platform.
func NotSupported(op Op, what string) *Error {
	return &Error{Op: op, Code: CodeNotSupported, Detail: what}
}

// InvalidArgument creates an error for a rejected argument value.
func InvalidArgument(op Op, format string, args ...any) *Error {
	return New(op, CodeInvalidArgument).Detail(format, args...).Build()
}

// WouldBlock creates the transient "still in progress" signal.
func WouldBlock(op Op) *Error {
	return &Error{Op: op, Code: CodeWouldBlock}
}

// Wrap wraps a platform error under the given code
func Wrap(op Op, code Code, cause error) *Error {
	return &Error{
		Op:    op,
		Code:  code,
		Cause: cause,
	}
}

// WithOp returns a copy of err re-attributed to op. Non-*Error values are
// wrapped as CodeUnknown.
func WithOp(err error, op Op) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if stderrors.As(err, &e) {
		c := *e
		c.Op = op
		return &c
	}
	return Wrap(op, CodeUnknown, err)
}
