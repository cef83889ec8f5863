package sockets

import (
	"time"

	"go.uber.org/zap"

	errs "github.com/wippyai/wasi-sockets/errors"
)

// getOption returns the platform's view of opt, falling back to the mirror
// when the platform cannot report it.
func (s *TCPSocket) getOption(opt Option) (uint64, error) {
	if s.state == StateClosed {
		return 0, s.invalidState(errs.OpGetOption)
	}
	if v, err := s.sock.Option(opt); err == nil {
		return v, nil
	}
	return s.values[opt], nil
}

// setOption validates and applies opt. Legal sets succeed even when the
// platform clamps the value.
func (s *TCPSocket) setOption(opt Option, value uint64) error {
	const op = errs.OpSetOption
	if s.state == StateClosed {
		return s.invalidState(op)
	}
	if value == 0 && opt != OptionKeepAliveEnabled && opt != OptionIPv6Only {
		return s.fail(errs.InvalidArgument(op, "%s must be non-zero", opt))
	}

	if err := s.sock.SetOption(opt, value); err != nil {
		e := mapPlatformError(op, s.state, err)
		e.Detail = opt.String()
		return s.fail(e)
	}
	s.values[opt] = value
	s.explicit[opt] = true
	s.logger.Debug("option set", zap.Stringer("option", opt), zap.Uint64("value", value))
	return nil
}

func boolValue(v bool) uint64 {
	if v {
		return 1
	}
	return 0
}

// IPv6Only reports whether an IPv6 socket rejects IPv4-mapped traffic.
// It fails with CodeNotSupported on IPv4 sockets.
func (s *TCPSocket) IPv6Only() (bool, error) {
	if s.family != AddressFamilyIPv6 {
		return false, s.fail(errs.NotSupported(errs.OpGetOption, "ipv6-only on ipv4 socket"))
	}
	v, err := s.getOption(OptionIPv6Only)
	return v != 0, err
}

// SetIPv6Only configures dual-stack mode. It is only settable while Unbound.
func (s *TCPSocket) SetIPv6Only(v bool) error {
	if s.family != AddressFamilyIPv6 {
		return s.fail(errs.NotSupported(errs.OpSetOption, "ipv6-only on ipv4 socket"))
	}
	if s.state != StateUnbound {
		return s.invalidState(errs.OpSetOption)
	}
	return s.setOption(OptionIPv6Only, boolValue(v))
}

// ListenBacklogSize returns the configured accept queue length.
func (s *TCPSocket) ListenBacklogSize() (uint64, error) {
	if s.state == StateClosed {
		return 0, s.invalidState(errs.OpGetOption)
	}
	return s.values[OptionListenBacklogSize], nil
}

// SetListenBacklogSize configures the accept queue length. Once Listening the
// change is applied live where the platform supports it; otherwise it fails
// with CodeNotSupported.
func (s *TCPSocket) SetListenBacklogSize(v uint64) error {
	return s.setOption(OptionListenBacklogSize, v)
}

// KeepAliveEnabled reports whether TCP keep-alive probes are enabled.
func (s *TCPSocket) KeepAliveEnabled() (bool, error) {
	v, err := s.getOption(OptionKeepAliveEnabled)
	return v != 0, err
}

func (s *TCPSocket) SetKeepAliveEnabled(v bool) error {
	return s.setOption(OptionKeepAliveEnabled, boolValue(v))
}

// KeepAliveIdleTime is the idle period before the first keep-alive probe.
func (s *TCPSocket) KeepAliveIdleTime() (time.Duration, error) {
	v, err := s.getOption(OptionKeepAliveIdleTime)
	return time.Duration(v), err
}

func (s *TCPSocket) SetKeepAliveIdleTime(d time.Duration) error {
	if d < 0 {
		return s.fail(errs.InvalidArgument(errs.OpSetOption, "negative keep-alive idle time"))
	}
	return s.setOption(OptionKeepAliveIdleTime, uint64(d))
}

// KeepAliveInterval is the time between keep-alive probes.
func (s *TCPSocket) KeepAliveInterval() (time.Duration, error) {
	v, err := s.getOption(OptionKeepAliveInterval)
	return time.Duration(v), err
}

func (s *TCPSocket) SetKeepAliveInterval(d time.Duration) error {
	if d < 0 {
		return s.fail(errs.InvalidArgument(errs.OpSetOption, "negative keep-alive interval"))
	}
	return s.setOption(OptionKeepAliveInterval, uint64(d))
}

// KeepAliveCount is the number of unanswered probes before the connection drops.
func (s *TCPSocket) KeepAliveCount() (uint32, error) {
	v, err := s.getOption(OptionKeepAliveCount)
	return uint32(v), err
}

func (s *TCPSocket) SetKeepAliveCount(n uint32) error {
	return s.setOption(OptionKeepAliveCount, uint64(n))
}

// HopLimit is the unicast TTL (IPv4) or hop limit (IPv6).
func (s *TCPSocket) HopLimit() (uint8, error) {
	v, err := s.getOption(OptionHopLimit)
	return uint8(v), err
}

func (s *TCPSocket) SetHopLimit(v uint8) error {
	return s.setOption(OptionHopLimit, uint64(v))
}

// ReceiveBufferSize returns the kernel receive buffer size. The value may
// differ from the one last set.
func (s *TCPSocket) ReceiveBufferSize() (uint64, error) {
	return s.getOption(OptionReceiveBufferSize)
}

func (s *TCPSocket) SetReceiveBufferSize(v uint64) error {
	return s.setOption(OptionReceiveBufferSize, v)
}

// SendBufferSize returns the kernel send buffer size. The value may differ
// from the one last set.
func (s *TCPSocket) SendBufferSize() (uint64, error) {
	return s.getOption(OptionSendBufferSize)
}

func (s *TCPSocket) SetSendBufferSize(v uint64) error {
	return s.setOption(OptionSendBufferSize, v)
}
