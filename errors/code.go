package errors

// Code is the closed set of socket error codes. Values follow the
// wasi:sockets/network error-code enum order.
type Code uint8

const (
	CodeUnknown Code = iota
	CodeAccessDenied
	CodeNotSupported
	CodeInvalidArgument
	CodeOutOfMemory
	CodeTimeout
	CodeConcurrencyConflict
	CodeNotInProgress
	CodeWouldBlock
	CodeInvalidState
	CodeNewSocketLimit
	CodeAddressNotBindable
	CodeAddressInUse
	CodeRemoteUnreachable
	CodeConnectionRefused
	CodeConnectionReset
	CodeConnectionAborted
	CodeDatagramTooLarge
	CodeNameUnresolvable
	CodeTemporaryResolverFailure
	CodePermanentResolverFailure
)

var codeNames = [...]string{
	CodeUnknown:                  "unknown",
	CodeAccessDenied:             "access-denied",
	CodeNotSupported:             "not-supported",
	CodeInvalidArgument:          "invalid-argument",
	CodeOutOfMemory:              "out-of-memory",
	CodeTimeout:                  "timeout",
	CodeConcurrencyConflict:      "concurrency-conflict",
	CodeNotInProgress:            "not-in-progress",
	CodeWouldBlock:               "would-block",
	CodeInvalidState:             "invalid-state",
	CodeNewSocketLimit:           "new-socket-limit",
	CodeAddressNotBindable:       "address-not-bindable",
	CodeAddressInUse:             "address-in-use",
	CodeRemoteUnreachable:        "remote-unreachable",
	CodeConnectionRefused:        "connection-refused",
	CodeConnectionReset:          "connection-reset",
	CodeConnectionAborted:        "connection-aborted",
	CodeDatagramTooLarge:         "datagram-too-large",
	CodeNameUnresolvable:         "name-unresolvable",
	CodeTemporaryResolverFailure: "temporary-resolver-failure",
	CodePermanentResolverFailure: "permanent-resolver-failure",
}

// String returns the kebab-case WIT name of the code.
func (c Code) String() string {
	if int(c) < len(codeNames) {
		return codeNames[c]
	}
	return "unknown"
}

// Valid reports whether c is one of the defined codes.
func (c Code) Valid() bool {
	return int(c) < len(codeNames)
}

// ParseCode returns the code with the given WIT name.
func ParseCode(name string) (Code, bool) {
	for i, n := range codeNames {
		if n == name {
			return Code(i), true
		}
	}
	return CodeUnknown, false
}

// Codes returns every defined code in enum order.
func Codes() []Code {
	out := make([]Code, len(codeNames))
	for i := range codeNames {
		out[i] = Code(i)
	}
	return out
}

// Programming reports whether the code signals caller misuse ("try again
// differently") rather than an unsupported feature or a network failure.
func (c Code) Programming() bool {
	switch c {
	case CodeInvalidState, CodeNotInProgress, CodeInvalidArgument, CodeConcurrencyConflict:
		return true
	}
	return false
}

// Transient reports whether the operation should simply be polled again.
func (c Code) Transient() bool {
	return c == CodeWouldBlock
}
