//go:build linux

package sockets

import (
	"context"
	"math"
	"net"
	"net/netip"
	"os"
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

// RawPlatform drives non-blocking kernel sockets directly through
// golang.org/x/sys/unix. Connect completion is detected with poll and
// SO_ERROR; listen is synchronous.
type RawPlatform struct{}

// NewRawPlatform returns the raw syscall platform.
func NewRawPlatform() *RawPlatform {
	return &RawPlatform{}
}

func (p *RawPlatform) Name() string { return "raw" }

func (p *RawPlatform) Socket(family IPAddressFamily) (PlatformSocket, error) {
	domain := unix.AF_INET
	if family == AddressFamilyIPv6 {
		domain = unix.AF_INET6
	}
	fd, err := unix.Socket(domain, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, unix.IPPROTO_TCP)
	if err != nil {
		return nil, os.NewSyscallError("socket", err)
	}
	return &rawSocket{fd: fd, family: family}, nil
}

type rawSocket struct {
	mu         sync.Mutex
	fd         int
	backlog    int
	family     IPAddressFamily
	connecting bool
	listening  bool
}

func toSockaddr(ap netip.AddrPort) unix.Sockaddr {
	addr := ap.Addr()
	if addr.Is4() {
		return &unix.SockaddrInet4{Port: int(ap.Port()), Addr: addr.As4()}
	}
	sa := &unix.SockaddrInet6{Port: int(ap.Port()), Addr: addr.As16()}
	if zone := addr.Zone(); zone != "" {
		if ifi, err := net.InterfaceByName(zone); err == nil {
			sa.ZoneId = uint32(ifi.Index)
		}
	}
	return sa
}

func fromSockaddr(sa unix.Sockaddr) (netip.AddrPort, error) {
	switch sa := sa.(type) {
	case *unix.SockaddrInet4:
		return netip.AddrPortFrom(netip.AddrFrom4(sa.Addr), uint16(sa.Port)), nil
	case *unix.SockaddrInet6:
		return netip.AddrPortFrom(netip.AddrFrom16(sa.Addr), uint16(sa.Port)), nil
	}
	return netip.AddrPort{}, unix.EAFNOSUPPORT
}

func (r *rawSocket) Bind(addr netip.AddrPort) error {
	// Lets a listener rebind a port still in TIME_WAIT.
	if err := unix.SetsockoptInt(r.fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		return os.NewSyscallError("setsockopt", err)
	}
	return os.NewSyscallError("bind", unix.Bind(r.fd, toSockaddr(addr)))
}

func (r *rawSocket) StartConnect(addr netip.AddrPort) error {
	err := unix.Connect(r.fd, toSockaddr(addr))
	if err != nil && err != unix.EINPROGRESS {
		return os.NewSyscallError("connect", err)
	}
	r.connecting = true
	return nil
}

func (r *rawSocket) FinishConnect() error {
	if !r.connecting {
		return nil
	}
	if !r.poll(unix.POLLOUT, 0) {
		return unix.EINPROGRESS
	}
	r.connecting = false
	soerr, err := unix.GetsockoptInt(r.fd, unix.SOL_SOCKET, unix.SO_ERROR)
	if err != nil {
		return os.NewSyscallError("getsockopt", err)
	}
	if soerr != 0 {
		return os.NewSyscallError("connect", unix.Errno(soerr))
	}
	return nil
}

func (r *rawSocket) StartListen(backlog int) error {
	if err := unix.Listen(r.fd, backlog); err != nil {
		return os.NewSyscallError("listen", err)
	}
	r.backlog = backlog
	r.listening = true
	return nil
}

func (r *rawSocket) FinishListen() error { return nil }

func (r *rawSocket) Accept() (PlatformSocket, error) {
	nfd, _, err := unix.Accept4(r.fd, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
	if err != nil {
		return nil, os.NewSyscallError("accept", err)
	}
	return &rawSocket{fd: nfd, family: r.family}, nil
}

func (r *rawSocket) Shutdown(how ShutdownType) error {
	mode := unix.SHUT_RDWR
	switch how {
	case ShutdownReceive:
		mode = unix.SHUT_RD
	case ShutdownSend:
		mode = unix.SHUT_WR
	}
	return os.NewSyscallError("shutdown", unix.Shutdown(r.fd, mode))
}

func (r *rawSocket) LocalAddr() (netip.AddrPort, error) {
	sa, err := unix.Getsockname(r.fd)
	if err != nil {
		return netip.AddrPort{}, os.NewSyscallError("getsockname", err)
	}
	return fromSockaddr(sa)
}

func (r *rawSocket) RemoteAddr() (netip.AddrPort, error) {
	sa, err := unix.Getpeername(r.fd)
	if err != nil {
		return netip.AddrPort{}, os.NewSyscallError("getpeername", err)
	}
	return fromSockaddr(sa)
}

type sockopt struct {
	level, name int
}

func (r *rawSocket) sockopt(opt Option) (sockopt, bool) {
	switch opt {
	case OptionIPv6Only:
		return sockopt{unix.IPPROTO_IPV6, unix.IPV6_V6ONLY}, true
	case OptionKeepAliveEnabled:
		return sockopt{unix.SOL_SOCKET, unix.SO_KEEPALIVE}, true
	case OptionKeepAliveIdleTime:
		return sockopt{unix.IPPROTO_TCP, unix.TCP_KEEPIDLE}, true
	case OptionKeepAliveInterval:
		return sockopt{unix.IPPROTO_TCP, unix.TCP_KEEPINTVL}, true
	case OptionKeepAliveCount:
		return sockopt{unix.IPPROTO_TCP, unix.TCP_KEEPCNT}, true
	case OptionHopLimit:
		if r.family == AddressFamilyIPv6 {
			return sockopt{unix.IPPROTO_IPV6, unix.IPV6_UNICAST_HOPS}, true
		}
		return sockopt{unix.IPPROTO_IP, unix.IP_TTL}, true
	case OptionReceiveBufferSize:
		return sockopt{unix.SOL_SOCKET, unix.SO_RCVBUF}, true
	case OptionSendBufferSize:
		return sockopt{unix.SOL_SOCKET, unix.SO_SNDBUF}, true
	}
	return sockopt{}, false
}

// Kernel limits for the keep-alive options, in seconds and probes.
const (
	maxKeepAliveSeconds = 32767
	maxKeepAliveCount   = 127
)

func clamp(v, lo, hi uint64) uint64 {
	return min(max(v, lo), hi)
}

func (r *rawSocket) Option(opt Option) (uint64, error) {
	if opt == OptionListenBacklogSize {
		if r.backlog == 0 {
			return 0, unix.ENOPROTOOPT
		}
		return uint64(r.backlog), nil
	}
	so, ok := r.sockopt(opt)
	if !ok {
		return 0, unix.ENOPROTOOPT
	}
	v, err := unix.GetsockoptInt(r.fd, so.level, so.name)
	if err != nil {
		return 0, os.NewSyscallError("getsockopt", err)
	}
	switch opt {
	case OptionKeepAliveIdleTime, OptionKeepAliveInterval:
		return uint64(v) * uint64(time.Second), nil
	}
	return uint64(v), nil
}

func (r *rawSocket) SetOption(opt Option, value uint64) error {
	switch opt {
	case OptionListenBacklogSize:
		backlog := int(clamp(value, 1, math.MaxInt32))
		if r.listening {
			if err := unix.Listen(r.fd, backlog); err != nil {
				return os.NewSyscallError("listen", err)
			}
		}
		r.backlog = backlog
		return nil
	case OptionKeepAliveIdleTime, OptionKeepAliveInterval:
		secs := (value + uint64(time.Second) - 1) / uint64(time.Second)
		value = clamp(secs, 1, maxKeepAliveSeconds)
	case OptionKeepAliveCount:
		value = clamp(value, 1, maxKeepAliveCount)
	case OptionReceiveBufferSize, OptionSendBufferSize:
		// The kernel doubles the requested size.
		value = clamp(value, 1, math.MaxInt32/2)
	case OptionHopLimit:
		value = clamp(value, 1, 255)
	}
	so, ok := r.sockopt(opt)
	if !ok {
		return unix.ENOPROTOOPT
	}
	return os.NewSyscallError("setsockopt", unix.SetsockoptInt(r.fd, so.level, so.name, int(value)))
}

// poll reports whether events (or an error condition) are pending on the fd.
func (r *rawSocket) poll(events int16, timeout int) bool {
	fds := []unix.PollFd{{Fd: int32(r.fd), Events: events}}
	n, err := unix.Poll(fds, timeout)
	if err != nil || n == 0 {
		return false
	}
	return fds[0].Revents&(events|unix.POLLERR|unix.POLLHUP) != 0
}

func (r *rawSocket) events() int16 {
	switch {
	case r.connecting:
		return unix.POLLOUT
	case r.listening:
		return unix.POLLIN
	}
	return 0
}

func (r *rawSocket) Ready() bool {
	ev := r.events()
	if ev == 0 {
		return true
	}
	return r.poll(ev, 0)
}

const rawWaitSlice = 10 * time.Millisecond

func (r *rawSocket) Wait(ctx context.Context) {
	ev := r.events()
	if ev == 0 {
		return
	}
	for ctx.Err() == nil {
		if r.poll(ev, int(rawWaitSlice/time.Millisecond)) {
			return
		}
	}
}

func (r *rawSocket) Conn() (net.Conn, error) {
	nfd, err := unix.FcntlInt(uintptr(r.fd), unix.F_DUPFD_CLOEXEC, 0)
	if err != nil {
		return nil, os.NewSyscallError("fcntl", err)
	}
	f := os.NewFile(uintptr(nfd), "tcp")
	defer f.Close()
	return net.FileConn(f)
}

func (r *rawSocket) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fd < 0 {
		return nil
	}
	err := unix.Close(r.fd)
	r.fd = -1
	return err
}
