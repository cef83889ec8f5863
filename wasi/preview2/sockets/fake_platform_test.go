package sockets

import (
	"context"
	"net"
	"net/netip"
	"sync"

	errs "github.com/wippyai/wasi-sockets/errors"
)

// fakeScript scripts the outcome of each platform call.
type fakeScript struct {
	bindErr          error
	connectErr       error
	finishConnectErr error
	listenErr        error
	finishListenErr  error
	setOptionErr     map[Option]error

	// connectPolls and listenPolls are the number of finish calls that
	// report would-block before resolving.
	connectPolls int
	listenPolls  int
	// stuck keeps Ready false and makes Wait block until ctx ends.
	stuck bool
	// clampBuffers caps buffer sizes at maxFakeBuffer.
	clampBuffers bool
}

const maxFakeBuffer = 1 << 20

type fakePlatform struct {
	mu        sync.Mutex
	script    fakeScript
	socketErr error
	sockets   []*fakeSocket
	nextPort  uint16
}

func newFakePlatform() *fakePlatform {
	return &fakePlatform{nextPort: 40000}
}

func (p *fakePlatform) Name() string { return "fake" }

func (p *fakePlatform) Socket(family IPAddressFamily) (PlatformSocket, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.socketErr != nil {
		return nil, p.socketErr
	}
	s := &fakeSocket{
		platform: p,
		family:   family,
		script:   p.script,
		options:  make(map[Option]uint64),
	}
	p.sockets = append(p.sockets, s)
	return s, nil
}

func (p *fakePlatform) ephemeral(family IPAddressFamily) netip.AddrPort {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.nextPort++
	return netip.AddrPortFrom(Loopback(family), p.nextPort)
}

// last returns the most recently created platform socket.
func (p *fakePlatform) last() *fakeSocket {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.sockets[len(p.sockets)-1]
}

func (p *fakePlatform) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.sockets)
}

type fakeSocket struct {
	platform  *fakePlatform
	script    fakeScript
	options   map[Option]uint64
	local     netip.AddrPort
	remote    netip.AddrPort
	queue     []*fakeSocket
	shutdowns []ShutdownType
	backlog   int
	family    IPAddressFamily
	closed    bool
}

var errFakeClosed = net.ErrClosed

func (s *fakeSocket) Bind(addr netip.AddrPort) error {
	if s.closed {
		return errFakeClosed
	}
	if s.script.bindErr != nil {
		return s.script.bindErr
	}
	if addr.Port() == 0 {
		addr = netip.AddrPortFrom(addr.Addr(), s.platform.ephemeral(s.family).Port())
	}
	s.local = addr
	return nil
}

func (s *fakeSocket) StartConnect(addr netip.AddrPort) error {
	if s.closed {
		return errFakeClosed
	}
	if s.script.connectErr != nil {
		return s.script.connectErr
	}
	if !s.local.IsValid() {
		s.local = s.platform.ephemeral(s.family)
	}
	s.remote = addr
	return nil
}

func (s *fakeSocket) FinishConnect() error {
	if s.script.connectPolls > 0 {
		s.script.connectPolls--
		return errs.ErrWouldBlock
	}
	return s.script.finishConnectErr
}

func (s *fakeSocket) StartListen(backlog int) error {
	if s.script.listenErr != nil {
		return s.script.listenErr
	}
	s.backlog = backlog
	return nil
}

func (s *fakeSocket) FinishListen() error {
	if s.script.listenPolls > 0 {
		s.script.listenPolls--
		return errs.ErrWouldBlock
	}
	return s.script.finishListenErr
}

// enqueue simulates a peer connecting from remote.
func (s *fakeSocket) enqueue(remote netip.AddrPort) *fakeSocket {
	conn := &fakeSocket{
		platform: s.platform,
		family:   s.family,
		options:  make(map[Option]uint64),
		local:    s.local,
		remote:   remote,
	}
	s.queue = append(s.queue, conn)
	return conn
}

func (s *fakeSocket) Accept() (PlatformSocket, error) {
	if len(s.queue) == 0 {
		return nil, errs.ErrWouldBlock
	}
	conn := s.queue[0]
	s.queue = s.queue[1:]
	return conn, nil
}

func (s *fakeSocket) Shutdown(how ShutdownType) error {
	s.shutdowns = append(s.shutdowns, how)
	return nil
}

func (s *fakeSocket) LocalAddr() (netip.AddrPort, error) {
	if !s.local.IsValid() {
		return netip.AddrPort{}, errs.New(errs.OpLocalAddress, errs.CodeInvalidState).Build()
	}
	return s.local, nil
}

func (s *fakeSocket) RemoteAddr() (netip.AddrPort, error) {
	if !s.remote.IsValid() {
		return netip.AddrPort{}, errs.New(errs.OpRemoteAddress, errs.CodeInvalidState).Build()
	}
	return s.remote, nil
}

func (s *fakeSocket) Option(opt Option) (uint64, error) {
	v, ok := s.options[opt]
	if !ok {
		return 0, errs.NotSupported(errs.OpGetOption, opt.String())
	}
	return v, nil
}

func (s *fakeSocket) SetOption(opt Option, value uint64) error {
	if err := s.script.setOptionErr[opt]; err != nil {
		return err
	}
	if s.script.clampBuffers && (opt == OptionReceiveBufferSize || opt == OptionSendBufferSize) && value > maxFakeBuffer {
		value = maxFakeBuffer
	}
	s.options[opt] = value
	return nil
}

func (s *fakeSocket) Ready() bool {
	return !s.script.stuck
}

func (s *fakeSocket) Wait(ctx context.Context) {
	if s.script.stuck {
		<-ctx.Done()
	}
}

func (s *fakeSocket) Conn() (net.Conn, error) {
	c1, c2 := net.Pipe()
	_ = c2.Close()
	return c1, nil
}

func (s *fakeSocket) Close() error {
	s.closed = true
	return nil
}

// fakeOptions returns socket Options backed by p.
func fakeOptions(p *fakePlatform) Options {
	return Options{Platform: p}
}
