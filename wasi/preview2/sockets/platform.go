package sockets

import (
	"context"
	"net"
	"net/netip"
)

// Platform creates the OS-level sockets a TCPSocket drives.
type Platform interface {
	// Name identifies the platform in logs and CLI output.
	Name() string
	// Socket creates an unbound, non-blocking socket for family.
	Socket(family IPAddressFamily) (PlatformSocket, error)
}

// PlatformSocket is the raw capability consumed by the state machine.
// Implementations never block: operations that would wait return an error
// mapping to CodeWouldBlock (EINPROGRESS, EAGAIN or errors.ErrWouldBlock).
type PlatformSocket interface {
	Bind(addr netip.AddrPort) error
	StartConnect(addr netip.AddrPort) error
	FinishConnect() error
	StartListen(backlog int) error
	FinishListen() error
	Accept() (PlatformSocket, error)
	Shutdown(how ShutdownType) error

	LocalAddr() (netip.AddrPort, error)
	RemoteAddr() (netip.AddrPort, error)

	// Option reads a socket option. Durations are nanoseconds, booleans 0/1.
	Option(opt Option) (uint64, error)
	// SetOption writes a socket option. Platforms may clamp the value.
	SetOption(opt Option, value uint64) error

	// Ready reports whether the pending connect/listen has resolved, or
	// whether a connection is waiting to be accepted.
	Ready() bool
	// Wait blocks until Ready or ctx is done.
	Wait(ctx context.Context)

	// Conn hands off the connected byte stream.
	Conn() (net.Conn, error)
	Close() error
}

// ShutdownType selects which half of a connection to close.
type ShutdownType uint8

const (
	ShutdownReceive ShutdownType = iota
	ShutdownSend
	ShutdownBoth
)

func (t ShutdownType) String() string {
	switch t {
	case ShutdownReceive:
		return "receive"
	case ShutdownSend:
		return "send"
	case ShutdownBoth:
		return "both"
	default:
		return "invalid"
	}
}

// Option identifies a socket option.
type Option uint8

const (
	OptionIPv6Only Option = iota
	OptionListenBacklogSize
	OptionKeepAliveEnabled
	OptionKeepAliveIdleTime
	OptionKeepAliveInterval
	OptionKeepAliveCount
	OptionHopLimit
	OptionReceiveBufferSize
	OptionSendBufferSize
)

var optionNames = [...]string{
	OptionIPv6Only:          "ipv6-only",
	OptionListenBacklogSize: "listen-backlog-size",
	OptionKeepAliveEnabled:  "keep-alive-enabled",
	OptionKeepAliveIdleTime: "keep-alive-idle-time",
	OptionKeepAliveInterval: "keep-alive-interval",
	OptionKeepAliveCount:    "keep-alive-count",
	OptionHopLimit:          "hop-limit",
	OptionReceiveBufferSize: "receive-buffer-size",
	OptionSendBufferSize:    "send-buffer-size",
}

func (o Option) String() string {
	if int(o) < len(optionNames) {
		return optionNames[o]
	}
	return "invalid"
}

// ParseOption resolves an option by its WIT name, e.g. "hop-limit".
func ParseOption(name string) (Option, bool) {
	for i, n := range optionNames {
		if n == name {
			return Option(i), true
		}
	}
	return 0, false
}

// inheritable reports whether accepted sockets take the listener's value.
func (o Option) inheritable() bool {
	switch o {
	case OptionKeepAliveEnabled, OptionKeepAliveIdleTime, OptionKeepAliveInterval,
		OptionKeepAliveCount, OptionHopLimit, OptionReceiveBufferSize, OptionSendBufferSize:
		return true
	}
	return false
}

// Option defaults, matching common Linux values.
const (
	DefaultHopLimit          = 64
	DefaultBufferSize        = 65536
	DefaultListenBacklogSize = 128
	DefaultKeepAliveIdle     = 7200_000_000_000
	DefaultKeepAliveInterval = 75_000_000_000
	DefaultKeepAliveCount    = 9
)

func defaultOptionValues(family IPAddressFamily) map[Option]uint64 {
	v := map[Option]uint64{
		OptionListenBacklogSize: DefaultListenBacklogSize,
		OptionKeepAliveEnabled:  0,
		OptionKeepAliveIdleTime: DefaultKeepAliveIdle,
		OptionKeepAliveInterval: DefaultKeepAliveInterval,
		OptionKeepAliveCount:    DefaultKeepAliveCount,
		OptionHopLimit:          DefaultHopLimit,
		OptionReceiveBufferSize: DefaultBufferSize,
		OptionSendBufferSize:    DefaultBufferSize,
	}
	if family == AddressFamilyIPv6 {
		v[OptionIPv6Only] = 0
	}
	return v
}
