// Package errors provides the error taxonomy for socket operations.
//
// Every fallible operation returns an *Error carrying exactly one Code from a
// closed set (invalid-state, not-in-progress, not-supported, address-in-use, ...).
// The Error also records the Op that failed, the socket state observed at the
// time, and the underlying platform error when there is one.
//
// Use the Builder for structured error construction:
//
//	err := errors.New(errors.OpConnect, errors.CodeConnectionRefused).
//		State("connect-in-progress").
//		Detail("127.0.0.1:8080").
//		Cause(syscall.ECONNREFUSED).
//		Build()
//
// Or use convenience constructors for common patterns:
//
//	err := errors.InvalidState(errors.OpListen, "unbound")
//	err := errors.NotInProgress(errors.OpFinishBind)
//
// Callers inspect the code with CodeOf, or compare against the sentinels:
//
//	if errors.Is(err, errors.ErrWouldBlock) { ... }
//
// All errors implement the standard error interface and support errors.Is/As.
package errors
