package sockets

import (
	"context"
	"math"
	"net"
	"net/netip"
	"sync"
	"syscall"
	"time"

	"github.com/panjf2000/ants/v2"
	"go.uber.org/zap"
	"golang.org/x/net/ipv4"
	"golang.org/x/net/ipv6"

	errs "github.com/wippyai/wasi-sockets/errors"
	"github.com/wippyai/wasi-sockets/wasi/preview2"
)

// DefaultPortablePoolSize bounds concurrent dials, listens and accept loops
// on a PortablePlatform.
const DefaultPortablePoolSize = 1024

// PortablePlatform implements sockets on top of the net package. Connect and
// listen run on an ants worker pool and are reported through the pending
// result; options are cached until a connection exists.
type PortablePlatform struct {
	pool *ants.Pool
}

// NewPortablePlatform creates a platform whose pool runs at most size
// background operations. A non-positive size selects DefaultPortablePoolSize.
func NewPortablePlatform(size int) (*PortablePlatform, error) {
	if size <= 0 {
		size = DefaultPortablePoolSize
	}
	pool, err := ants.NewPool(size, ants.WithNonblocking(true))
	if err != nil {
		return nil, err
	}
	return &PortablePlatform{pool: pool}, nil
}

var (
	sharedPortable     *PortablePlatform
	sharedPortableOnce sync.Once
)

// SharedPortablePlatform returns a process-wide portable platform.
func SharedPortablePlatform() *PortablePlatform {
	sharedPortableOnce.Do(func() {
		p, err := NewPortablePlatform(DefaultPortablePoolSize)
		if err != nil {
			panic("sockets: create shared portable platform: " + err.Error())
		}
		sharedPortable = p
	})
	return sharedPortable
}

func (p *PortablePlatform) Name() string { return "portable" }

// Release stops the worker pool. Sockets with pending operations fail.
func (p *PortablePlatform) Release() { p.pool.Release() }

func (p *PortablePlatform) Socket(family IPAddressFamily) (PlatformSocket, error) {
	return newPortableSocket(p, family), nil
}

type portableSocket struct {
	mu       sync.Mutex
	platform *PortablePlatform
	opts     map[Option]uint64
	set      map[Option]bool

	bound    netip.AddrPort
	conn     *net.TCPConn
	listener *net.TCPListener

	// in-flight connect or listen
	done   chan struct{}
	result error
	cancel context.CancelFunc

	queue   []*net.TCPConn
	arrived chan struct{}
	backlog int

	family IPAddressFamily
	closed bool
}

func newPortableSocket(p *PortablePlatform, family IPAddressFamily) *portableSocket {
	return &portableSocket{
		platform: p,
		family:   family,
		opts:     defaultOptionValues(family),
		set:      make(map[Option]bool),
		arrived:  make(chan struct{}, 1),
	}
}

// network picks the Go network name; "tcp" on an IPv6 socket is dual-stack.
func (s *portableSocket) network() string {
	if s.family == AddressFamilyIPv4 {
		return "tcp4"
	}
	if s.opts[OptionIPv6Only] != 0 {
		return "tcp6"
	}
	return "tcp"
}

func (s *portableSocket) addrPort(a net.Addr) netip.AddrPort {
	tcp, ok := a.(*net.TCPAddr)
	if !ok {
		return netip.AddrPort{}
	}
	ap := tcp.AddrPort()
	if s.family == AddressFamilyIPv4 {
		return netip.AddrPortFrom(ap.Addr().Unmap(), ap.Port())
	}
	return ap
}

// Bind reserves the address with a short-lived listener so conflicts and
// ephemeral ports resolve immediately.
func (s *portableSocket) Bind(addr netip.AddrPort) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return net.ErrClosed
	}

	l, err := net.ListenTCP(s.network(), net.TCPAddrFromAddrPort(addr))
	if err != nil {
		return err
	}
	s.bound = s.addrPort(l.Addr())
	return l.Close()
}

// submit runs task on the pool with a fresh pending slot.
func (s *portableSocket) submit(task func(ctx context.Context, done chan struct{})) error {
	if s.closed {
		return net.ErrClosed
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	s.done, s.cancel, s.result = done, cancel, nil
	if err := s.platform.pool.Submit(func() {
		defer cancel()
		task(ctx, done)
	}); err != nil {
		cancel()
		s.done = nil
		return err
	}
	return nil
}

func (s *portableSocket) StartConnect(addr netip.AddrPort) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var d net.Dialer
	if s.bound.IsValid() {
		d.LocalAddr = net.TCPAddrFromAddrPort(s.bound)
	}
	network := s.network()

	return s.submit(func(ctx context.Context, done chan struct{}) {
		c, err := d.DialContext(ctx, network, addr.String())

		s.mu.Lock()
		defer s.mu.Unlock()
		defer close(done)

		if s.closed || s.done != done {
			if c != nil {
				_ = c.Close()
			}
			return
		}
		if err != nil {
			s.result = err
			return
		}
		s.conn = c.(*net.TCPConn)
		for opt := range s.set {
			if err := s.apply(opt); err != nil {
				Logger().Debug("apply cached option", zap.Stringer("option", opt), zap.Error(err))
			}
		}
	})
}

// finish consumes the pending result.
func (s *portableSocket) finish() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.done == nil {
		return nil
	}
	select {
	case <-s.done:
	default:
		return errs.ErrWouldBlock
	}
	s.done = nil
	err := s.result
	s.result = nil
	return err
}

func (s *portableSocket) FinishConnect() error { return s.finish() }

func (s *portableSocket) StartListen(backlog int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.bound.IsValid() {
		return syscall.EDESTADDRREQ
	}
	s.backlog = backlog
	network, addr := s.network(), s.bound.String()

	return s.submit(func(ctx context.Context, done chan struct{}) {
		var lc net.ListenConfig
		l, err := lc.Listen(ctx, network, addr)

		s.mu.Lock()
		if s.closed || s.done != done {
			if l != nil {
				_ = l.Close()
			}
			close(done)
			s.mu.Unlock()
			return
		}
		if err != nil {
			s.result = err
			close(done)
			s.mu.Unlock()
			return
		}
		s.listener = l.(*net.TCPListener)
		s.bound = s.addrPort(l.Addr())
		close(done)
		s.mu.Unlock()

		s.acceptLoop(s.listener)
	})
}

func (s *portableSocket) FinishListen() error { return s.finish() }

// acceptLoop queues incoming connections until the listener closes. It runs
// on the worker that performed the listen.
func (s *portableSocket) acceptLoop(l *net.TCPListener) {
	for {
		c, err := l.AcceptTCP()
		if err != nil {
			return
		}
		s.mu.Lock()
		if s.closed || len(s.queue) >= s.backlog {
			s.mu.Unlock()
			_ = c.Close()
			continue
		}
		s.queue = append(s.queue, c)
		s.mu.Unlock()

		select {
		case s.arrived <- struct{}{}:
		default:
		}
	}
}

func (s *portableSocket) Accept() (PlatformSocket, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.listener == nil {
		return nil, syscall.EINVAL
	}
	if len(s.queue) == 0 {
		return nil, errs.ErrWouldBlock
	}
	c := s.queue[0]
	s.queue = s.queue[1:]

	child := newPortableSocket(s.platform, s.family)
	child.conn = c
	child.bound = child.addrPort(c.LocalAddr())
	return child, nil
}

func (s *portableSocket) Shutdown(how ShutdownType) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.conn == nil {
		return syscall.ENOTCONN
	}
	switch how {
	case ShutdownReceive:
		return s.conn.CloseRead()
	case ShutdownSend:
		return s.conn.CloseWrite()
	}
	if err := s.conn.CloseRead(); err != nil {
		return err
	}
	return s.conn.CloseWrite()
}

func (s *portableSocket) LocalAddr() (netip.AddrPort, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch {
	case s.conn != nil:
		return s.addrPort(s.conn.LocalAddr()), nil
	case s.listener != nil:
		return s.addrPort(s.listener.Addr()), nil
	case s.bound.IsValid():
		return s.bound, nil
	}
	return netip.AddrPort{}, syscall.EINVAL
}

func (s *portableSocket) RemoteAddr() (netip.AddrPort, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.conn == nil {
		return netip.AddrPort{}, syscall.ENOTCONN
	}
	return s.addrPort(s.conn.RemoteAddr()), nil
}

func (s *portableSocket) Option(opt Option) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if opt == OptionHopLimit && s.conn != nil {
		var (
			v   int
			err error
		)
		if s.family == AddressFamilyIPv6 {
			v, err = ipv6.NewConn(s.conn).HopLimit()
		} else {
			v, err = ipv4.NewConn(s.conn).TTL()
		}
		if err == nil {
			return uint64(v), nil
		}
	}
	v, ok := s.opts[opt]
	if !ok {
		return 0, syscall.ENOPROTOOPT
	}
	return v, nil
}

func (s *portableSocket) SetOption(opt Option, value uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if opt == OptionListenBacklogSize && s.listener != nil {
		return errs.NotSupported(errs.OpSetOption, "listen backlog cannot change while listening")
	}
	if opt == OptionHopLimit && value > 255 {
		value = 255
	}
	s.opts[opt] = value
	s.set[opt] = true
	if s.conn == nil {
		return nil
	}
	return s.apply(opt)
}

// apply pushes a cached option onto the live connection. Callers hold mu.
func (s *portableSocket) apply(opt Option) error {
	v := s.opts[opt]
	switch opt {
	case OptionKeepAliveEnabled, OptionKeepAliveIdleTime, OptionKeepAliveInterval, OptionKeepAliveCount:
		return s.conn.SetKeepAliveConfig(net.KeepAliveConfig{
			Enable:   s.opts[OptionKeepAliveEnabled] != 0,
			Idle:     time.Duration(s.opts[OptionKeepAliveIdleTime]),
			Interval: time.Duration(s.opts[OptionKeepAliveInterval]),
			Count:    int(s.opts[OptionKeepAliveCount]),
		})
	case OptionHopLimit:
		if s.family == AddressFamilyIPv6 {
			return ipv6.NewConn(s.conn).SetHopLimit(int(v))
		}
		return ipv4.NewConn(s.conn).SetTTL(int(v))
	case OptionReceiveBufferSize:
		return s.conn.SetReadBuffer(int(min(v, math.MaxInt32)))
	case OptionSendBufferSize:
		return s.conn.SetWriteBuffer(int(min(v, math.MaxInt32)))
	}
	return nil
}

func (s *portableSocket) Ready() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.done != nil {
		return preview2.NewChannelPollable(s.done).Ready()
	}
	if s.listener != nil {
		return len(s.queue) > 0
	}
	return true
}

func (s *portableSocket) Wait(ctx context.Context) {
	for {
		s.mu.Lock()
		done, listening, queued := s.done, s.listener != nil, len(s.queue)
		s.mu.Unlock()

		switch {
		case done != nil:
			preview2.NewChannelPollable(done).Block(ctx)
			return
		case listening && queued == 0:
			select {
			case <-s.arrived:
			case <-ctx.Done():
				return
			}
		default:
			return
		}
	}
}

func (s *portableSocket) Conn() (net.Conn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.conn == nil {
		return nil, syscall.ENOTCONN
	}
	return s.conn, nil
}

func (s *portableSocket) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	if s.cancel != nil {
		s.cancel()
	}
	var err error
	if s.conn != nil {
		err = s.conn.Close()
	}
	if s.listener != nil {
		if lerr := s.listener.Close(); err == nil {
			err = lerr
		}
	}
	for _, c := range s.queue {
		_ = c.Close()
	}
	s.queue = nil
	return err
}
