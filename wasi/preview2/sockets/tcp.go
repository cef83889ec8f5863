package sockets

import (
	"context"
	"net"
	"net/netip"
	"sync"

	"go.uber.org/zap"

	errs "github.com/wippyai/wasi-sockets/errors"
	"github.com/wippyai/wasi-sockets/wasi/preview2"
)

// Options configures sockets created by NewTCPSocketWithOptions.
type Options struct {
	Platform Platform
	Logger   *zap.Logger
	Metrics  *Metrics
}

// DefaultOptions returns the default platform, the package logger and no metrics.
func DefaultOptions() Options {
	return Options{
		Platform: DefaultPlatform(),
		Logger:   Logger(),
	}
}

// TCPSocket is a TCP socket driven through an explicit state machine.
//
// A TCPSocket has a single logical owner and is not safe for concurrent use.
// Operations that may take time are split into StartX and FinishX; FinishX
// never blocks and returns CodeWouldBlock while the operation is in flight.
type TCPSocket struct {
	platform Platform
	sock     PlatformSocket
	logger   *zap.Logger
	metrics  *Metrics

	// values mirrors every option; explicit records the ones a caller set so
	// they can be replayed onto a recreated platform socket.
	values   map[Option]uint64
	explicit map[Option]bool

	local   netip.AddrPort
	remote  netip.AddrPort
	pending pendingOperation
	family  IPAddressFamily
	state   State
}

// NewTCPSocket creates an Unbound socket for family using DefaultOptions.
func NewTCPSocket(family IPAddressFamily) (*TCPSocket, error) {
	return NewTCPSocketWithOptions(family, DefaultOptions())
}

// NewTCPSocketWithOptions creates an Unbound socket for family.
func NewTCPSocketWithOptions(family IPAddressFamily, opts Options) (*TCPSocket, error) {
	if !family.Valid() {
		return nil, errs.InvalidArgument(errs.OpCreate, "unsupported address family %d", uint8(family))
	}
	if opts.Platform == nil {
		opts.Platform = DefaultPlatform()
	}
	if opts.Logger == nil {
		opts.Logger = Logger()
	}

	sock, err := opts.Platform.Socket(family)
	if err != nil {
		e := mapPlatformError(errs.OpCreate, StateUnbound, err)
		opts.Metrics.failure(e)
		return nil, e
	}

	s := &TCPSocket{
		platform: opts.Platform,
		sock:     sock,
		metrics:  opts.Metrics,
		values:   defaultOptionValues(family),
		explicit: make(map[Option]bool),
		family:   family,
		state:    StateUnbound,
	}
	s.logger = opts.Logger.With(
		zap.Stringer("family", family),
		zap.String("platform", opts.Platform.Name()),
	)
	s.logger.Debug("socket created")
	return s, nil
}

func (s *TCPSocket) Type() preview2.ResourceType { return preview2.ResourceTCPSocket }

// Drop closes the socket when its handle is released.
func (s *TCPSocket) Drop() { _ = s.Close() }

// State returns the current lifecycle state.
func (s *TCPSocket) State() State { return s.state }

// PendingOperation returns the operation occupying the pending slot.
func (s *TCPSocket) PendingOperation() Operation { return s.pending.op }

// AddressFamily returns the family fixed at construction. It works in every
// state, including after Close.
func (s *TCPSocket) AddressFamily() IPAddressFamily { return s.family }

// IsListening reports whether the socket is in the Listening state.
func (s *TCPSocket) IsListening() bool { return s.state == StateListening }

// PlatformName returns the name of the platform backing the socket.
func (s *TCPSocket) PlatformName() string { return s.platform.Name() }

func (s *TCPSocket) setState(to State) {
	from := s.state
	if from == to {
		return
	}
	s.state = to
	s.metrics.transition(from, to)
	s.logger.Debug("state transition", zap.Stringer("from", from), zap.Stringer("to", to))
}

func (s *TCPSocket) fail(e *errs.Error) error {
	s.metrics.failure(e)
	if e.Code.Programming() {
		s.logger.Debug("operation rejected", zap.Error(e))
	} else if e.Code != errs.CodeWouldBlock {
		s.logger.Warn("platform operation failed", zap.Error(e))
	}
	return e
}

func (s *TCPSocket) invalidState(op errs.Op) error {
	return s.fail(errs.InvalidState(op, s.state))
}

// checkStart enforces the rules shared by every StartX: the socket is open
// and the pending slot is empty.
func (s *TCPSocket) checkStart(op errs.Op) error {
	if s.state == StateClosed || s.pending.active() {
		return s.invalidState(op)
	}
	return nil
}

func (s *TCPSocket) begin(op Operation, target netip.AddrPort) {
	s.pending = pendingOperation{op: op, revert: s.state, target: target}
	s.setState(op.inProgressState())
}

// complete clears the pending slot and moves to the post-operation state.
func (s *TCPSocket) complete(to State) {
	s.pending = pendingOperation{}
	s.setState(to)
}

// revert clears the pending slot and returns to the pre-operation state.
func (s *TCPSocket) revert() State {
	to := s.pending.revert
	s.pending = pendingOperation{}
	s.setState(to)
	return to
}

// validateAddress applies the checks shared by bind and connect.
func (s *TCPSocket) validateAddress(op errs.Op, network *Network, addr netip.AddrPort) error {
	if network == nil {
		return s.fail(errs.InvalidArgument(op, "network capability required"))
	}
	ip := addr.Addr()
	if !ip.IsValid() {
		return s.fail(errs.InvalidArgument(op, "invalid address"))
	}
	if FamilyOf(ip) != s.family {
		return s.fail(errs.InvalidArgument(op, "%s address on %s socket", FamilyOf(ip), s.family))
	}
	if ip.IsMulticast() || ip.Unmap().IsMulticast() {
		return s.fail(errs.InvalidArgument(op, "multicast address %s", ip))
	}
	if ip.Is4In6() && s.values[OptionIPv6Only] != 0 {
		return s.fail(errs.InvalidArgument(op, "ipv4-mapped address on ipv6-only socket"))
	}
	if !network.Permits(ip) {
		return s.fail(errs.New(op, errs.CodeAccessDenied).State(s.state).
			Detail("address %s not permitted by network", ip).Build())
	}
	return nil
}

// StartBind begins binding to local. The platform bind happens here, so
// address errors surface immediately and leave the socket Unbound.
func (s *TCPSocket) StartBind(network *Network, local netip.AddrPort) error {
	const op = errs.OpStartBind
	if err := s.checkStart(op); err != nil {
		return err
	}
	if s.state != StateUnbound {
		return s.invalidState(op)
	}
	if err := s.validateAddress(op, network, local); err != nil {
		return err
	}

	if err := s.sock.Bind(local); err != nil {
		return s.fail(mapPlatformError(op, s.state, err))
	}

	s.begin(OperationBind, local)
	return nil
}

// FinishBind completes a pending bind and moves the socket to Bound.
func (s *TCPSocket) FinishBind() error {
	const op = errs.OpFinishBind
	if s.pending.op != OperationBind {
		return s.fail(errs.NotInProgress(op))
	}

	local, err := s.sock.LocalAddr()
	if err != nil {
		s.revert()
		return s.fail(mapPlatformError(op, s.state, err))
	}
	s.local = local
	s.complete(StateBound)
	return nil
}

// StartConnect begins connecting to remote. From Unbound the platform picks
// an ephemeral local address.
func (s *TCPSocket) StartConnect(network *Network, remote netip.AddrPort) error {
	const op = errs.OpStartConnect
	if err := s.checkStart(op); err != nil {
		return err
	}
	if s.state != StateUnbound && s.state != StateBound {
		return s.invalidState(op)
	}
	if err := s.validateAddress(op, network, remote); err != nil {
		return err
	}
	ip := remote.Addr().Unmap()
	if ip.IsUnspecified() || ip == ipv4Broadcast {
		return s.fail(errs.InvalidArgument(op, "cannot connect to %s", remote.Addr()))
	}
	if remote.Port() == 0 {
		return s.fail(errs.InvalidArgument(op, "remote port must be non-zero"))
	}

	if err := s.sock.StartConnect(remote); err != nil && !isWouldBlock(err) {
		e := mapPlatformError(op, s.state, err)
		if s.state == StateUnbound {
			s.recreate()
		}
		return s.fail(e)
	}

	s.begin(OperationConnect, remote)
	return nil
}

// FinishConnect completes a pending connect. A platform failure reverts the
// socket to the state it was in before StartConnect.
func (s *TCPSocket) FinishConnect() error {
	const op = errs.OpFinishConnect
	if s.pending.op != OperationConnect {
		return s.fail(errs.NotInProgress(op))
	}

	if err := s.sock.FinishConnect(); err != nil {
		if isWouldBlock(err) {
			return errs.WouldBlock(op)
		}
		e := mapPlatformError(op, s.state, err)
		if s.revert() == StateUnbound {
			s.recreate()
		}
		return s.fail(e)
	}

	target := s.pending.target
	if local, err := s.sock.LocalAddr(); err == nil {
		s.local = local
	}
	s.remote = target
	if remote, err := s.sock.RemoteAddr(); err == nil {
		s.remote = remote
	}
	s.complete(StateConnected)
	return nil
}

// recreate replaces the platform socket after a failed connect from Unbound,
// whose implicit bind would otherwise leak. Explicitly set options are replayed.
func (s *TCPSocket) recreate() {
	fresh, err := s.platform.Socket(s.family)
	if err != nil {
		s.logger.Warn("recreate platform socket", zap.Error(err))
		return
	}
	for opt := range s.explicit {
		if err := fresh.SetOption(opt, s.values[opt]); err != nil {
			s.logger.Debug("replay option", zap.Stringer("option", opt), zap.Error(err))
		}
	}
	_ = s.sock.Close()
	s.sock = fresh
}

// StartListen begins listening. The socket must be Bound; listen never binds
// implicitly.
func (s *TCPSocket) StartListen() error {
	const op = errs.OpStartListen
	if err := s.checkStart(op); err != nil {
		return err
	}
	if s.state != StateBound {
		return s.invalidState(op)
	}

	if err := s.sock.StartListen(int(s.values[OptionListenBacklogSize])); err != nil && !isWouldBlock(err) {
		return s.fail(mapPlatformError(op, s.state, err))
	}

	s.begin(OperationListen, s.local)
	return nil
}

// FinishListen completes a pending listen. A platform failure reverts to Bound.
func (s *TCPSocket) FinishListen() error {
	const op = errs.OpFinishListen
	if s.pending.op != OperationListen {
		return s.fail(errs.NotInProgress(op))
	}

	if err := s.sock.FinishListen(); err != nil {
		if isWouldBlock(err) {
			return errs.WouldBlock(op)
		}
		e := mapPlatformError(op, s.state, err)
		s.revert()
		return s.fail(e)
	}

	if local, err := s.sock.LocalAddr(); err == nil {
		s.local = local
	}
	s.complete(StateListening)
	return nil
}

// Accept returns a connection waiting on a Listening socket as a new,
// independent Connected socket. It returns CodeWouldBlock if none is waiting.
func (s *TCPSocket) Accept() (*TCPSocket, error) {
	const op = errs.OpAccept
	if s.state != StateListening {
		return nil, s.invalidState(op)
	}

	ps, err := s.sock.Accept()
	if err != nil {
		if isWouldBlock(err) {
			return nil, errs.WouldBlock(op)
		}
		return nil, s.fail(mapPlatformError(op, s.state, err))
	}

	child := &TCPSocket{
		platform: s.platform,
		sock:     ps,
		logger:   s.logger,
		metrics:  s.metrics,
		values:   defaultOptionValues(s.family),
		explicit: make(map[Option]bool),
		family:   s.family,
		state:    StateConnected,
	}
	for opt, v := range s.values {
		if !opt.inheritable() {
			continue
		}
		child.values[opt] = v
		if s.explicit[opt] {
			child.explicit[opt] = true
			if err := ps.SetOption(opt, v); err != nil {
				s.logger.Debug("inherit option", zap.Stringer("option", opt), zap.Error(err))
			}
		}
	}
	if local, err := ps.LocalAddr(); err == nil {
		child.local = local
	}
	if remote, err := ps.RemoteAddr(); err == nil {
		child.remote = remote
	}
	s.logger.Debug("accepted connection", zap.Stringer("remote", child.remote))
	return child, nil
}

// Shutdown closes one or both halves of a Connected socket. The socket stays
// Connected; release it with Close.
func (s *TCPSocket) Shutdown(how ShutdownType) error {
	const op = errs.OpShutdown
	if s.state != StateConnected {
		return s.invalidState(op)
	}
	if how > ShutdownBoth {
		return s.fail(errs.InvalidArgument(op, "invalid shutdown type %d", uint8(how)))
	}
	if err := s.sock.Shutdown(how); err != nil {
		return s.fail(mapPlatformError(op, s.state, err))
	}
	return nil
}

// LocalAddress returns the bound address. It succeeds once the socket is
// Bound, and keeps working through listen and connect completion.
func (s *TCPSocket) LocalAddress() (netip.AddrPort, error) {
	switch s.state {
	case StateBound, StateListenInProgress, StateListening, StateConnected:
		return s.local, nil
	}
	return netip.AddrPort{}, s.invalidState(errs.OpLocalAddress)
}

// RemoteAddress returns the peer address of a Connected socket.
func (s *TCPSocket) RemoteAddress() (netip.AddrPort, error) {
	if s.state != StateConnected {
		return netip.AddrPort{}, s.invalidState(errs.OpRemoteAddress)
	}
	return s.remote, nil
}

// Conn hands off the connected byte stream. On the raw platform the conn owns
// a duplicate descriptor; on the portable platform Close also closes it.
func (s *TCPSocket) Conn() (net.Conn, error) {
	if s.state != StateConnected {
		return nil, s.invalidState(errs.OpHandle)
	}
	c, err := s.sock.Conn()
	if err != nil {
		return nil, s.fail(mapPlatformError(errs.OpHandle, s.state, err))
	}
	return c, nil
}

// Subscribe returns a pollable that is ready when the pending operation can
// be finished, or, while Listening, when a connection can be accepted.
// Sockets that are neither are always ready.
func (s *TCPSocket) Subscribe() preview2.Pollable {
	return preview2.NewFuncPollable(s.ready, s.wait)
}

// subscribeLocked is Subscribe for a socket shared with other goroutines
// that serialize on mu. State is only inspected under mu; the platform wait
// runs without it so other calls can make progress.
func (s *TCPSocket) subscribeLocked(mu sync.Locker) preview2.Pollable {
	ready := func() bool {
		mu.Lock()
		defer mu.Unlock()
		return s.ready()
	}
	return preview2.NewFuncPollable(ready, func(ctx context.Context) {
		mu.Lock()
		if s.ready() {
			mu.Unlock()
			return
		}
		sock := s.sock
		mu.Unlock()
		sock.Wait(ctx)
	})
}

func (s *TCPSocket) ready() bool {
	if s.state.InProgress() || s.state == StateListening {
		return s.sock.Ready()
	}
	return true
}

func (s *TCPSocket) wait(ctx context.Context) {
	if s.ready() {
		return
	}
	s.sock.Wait(ctx)
}

// Close releases the platform socket and abandons any pending operation.
// Every later operation fails with CodeInvalidState. Close is idempotent.
func (s *TCPSocket) Close() error {
	if s.state == StateClosed {
		return nil
	}
	if s.pending.active() {
		s.logger.Debug("abandoning pending operation", zap.Stringer("op", s.pending.op))
	}
	s.pending = pendingOperation{}
	err := s.sock.Close()
	s.setState(StateClosed)
	if err != nil {
		s.logger.Debug("close platform socket", zap.Error(err))
	}
	return nil
}
