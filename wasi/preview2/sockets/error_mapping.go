package sockets

import (
	stderrors "errors"
	"net"
	"os"
	"syscall"

	"github.com/panjf2000/ants/v2"

	errs "github.com/wippyai/wasi-sockets/errors"
)

// mapPlatformError converts a platform failure to a structured error for op.
// Errors that already carry a code keep it.
func mapPlatformError(op errs.Op, state State, err error) *errs.Error {
	if err == nil {
		return nil
	}

	var e *errs.Error
	if stderrors.As(err, &e) {
		c := *e
		c.Op = op
		if c.State == "" {
			c.State = state.String()
		}
		return &c
	}

	return errs.New(op, codeForError(err)).State(state).Cause(err).Build()
}

// codeForError classifies a Go net or syscall error.
func codeForError(err error) errs.Code {
	var errno syscall.Errno
	if stderrors.As(err, &errno) {
		return mapErrno(errno)
	}

	var opErr *net.OpError
	if stderrors.As(err, &opErr) {
		return mapOpError(opErr)
	}

	var addrErr *net.AddrError
	if stderrors.As(err, &addrErr) {
		return errs.CodeInvalidArgument
	}

	switch {
	case stderrors.Is(err, ants.ErrPoolOverload):
		return errs.CodeNewSocketLimit
	case stderrors.Is(err, ants.ErrPoolClosed), stderrors.Is(err, net.ErrClosed):
		return errs.CodeInvalidState
	case os.IsTimeout(err):
		return errs.CodeTimeout
	case os.IsPermission(err):
		return errs.CodeAccessDenied
	}

	return errs.CodeUnknown
}

// mapOpError converts net.OpError values that do not wrap an errno.
func mapOpError(opErr *net.OpError) errs.Code {
	if opErr.Timeout() {
		return errs.CodeTimeout
	}

	if opErr.Err != nil {
		switch opErr.Err.Error() {
		case "connection refused":
			return errs.CodeConnectionRefused
		case "connection reset", "connection reset by peer":
			return errs.CodeConnectionReset
		case "broken pipe":
			return errs.CodeConnectionAborted
		case "network is unreachable", "host is unreachable", "no route to host":
			return errs.CodeRemoteUnreachable
		case "address already in use":
			return errs.CodeAddressInUse
		}
	}

	return errs.CodeUnknown
}

// mapErrno converts syscall.Errno to error codes.
func mapErrno(errno syscall.Errno) errs.Code {
	switch errno {
	case syscall.EACCES, syscall.EPERM:
		return errs.CodeAccessDenied
	case syscall.EADDRINUSE:
		return errs.CodeAddressInUse
	case syscall.EADDRNOTAVAIL:
		return errs.CodeAddressNotBindable
	case syscall.ECONNREFUSED:
		return errs.CodeConnectionRefused
	case syscall.ECONNRESET:
		return errs.CodeConnectionReset
	case syscall.ECONNABORTED, syscall.EPIPE:
		return errs.CodeConnectionAborted
	case syscall.EHOSTUNREACH, syscall.ENETUNREACH, syscall.ENETDOWN:
		return errs.CodeRemoteUnreachable
	case syscall.ETIMEDOUT:
		return errs.CodeTimeout
	case syscall.EINVAL, syscall.EAFNOSUPPORT:
		return errs.CodeInvalidArgument
	case syscall.ENOMEM, syscall.ENOBUFS:
		return errs.CodeOutOfMemory
	case syscall.EWOULDBLOCK, syscall.EINPROGRESS:
		return errs.CodeWouldBlock
	case syscall.EALREADY:
		return errs.CodeConcurrencyConflict
	case syscall.ENOTSOCK, syscall.ENOTCONN, syscall.EISCONN, syscall.EBADF:
		return errs.CodeInvalidState
	case syscall.EOPNOTSUPP, syscall.EPROTONOSUPPORT:
		return errs.CodeNotSupported
	case syscall.EMFILE, syscall.ENFILE:
		return errs.CodeNewSocketLimit
	default:
		return errs.CodeUnknown
	}
}

// isWouldBlock reports whether a platform error is the in-progress signal.
func isWouldBlock(err error) bool {
	return err != nil && codeOrMapped(err) == errs.CodeWouldBlock
}

func codeOrMapped(err error) errs.Code {
	var e *errs.Error
	if stderrors.As(err, &e) {
		return e.Code
	}
	return codeForError(err)
}
