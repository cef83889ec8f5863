package linker

import (
	"fmt"
	"strings"
)

// LinkError provides context when a host module cannot be defined or
// instantiated.
type LinkError struct {
	Cause  error
	Module string
	Func   string
	Reason string
}

func (e *LinkError) Error() string {
	var b strings.Builder
	b.WriteString("link failed")

	if e.Module != "" {
		fmt.Fprintf(&b, ": %s", e.Module)
		if e.Func != "" {
			fmt.Fprintf(&b, "#%s", e.Func)
		}
	}

	if e.Reason != "" {
		b.WriteString(": ")
		b.WriteString(e.Reason)
	}

	if e.Cause != nil {
		b.WriteString(": ")
		b.WriteString(e.Cause.Error())
	}

	return b.String()
}

func (e *LinkError) Unwrap() error {
	return e.Cause
}

func linkError(module, fn, reason string, cause error) *LinkError {
	return &LinkError{Module: module, Func: fn, Reason: reason, Cause: cause}
}
