package main

import (
	"context"
	stderrors "errors"
	"fmt"
	"io"
	"net"
	"net/netip"
	"time"

	errs "github.com/wippyai/wasi-sockets/errors"
	"github.com/wippyai/wasi-sockets/wasi/preview2/sockets"
)

// stepError reports a malformed step. It aborts a scenario instead of being
// compared against the expected code.
type stepError struct {
	msg string
}

func (e *stepError) Error() string { return e.msg }

func badStep(format string, args ...any) error {
	return &stepError{msg: fmt.Sprintf(format, args...)}
}

// mismatchError reports data or option values that differ from the step.
type mismatchError struct {
	got, want string
}

func (e *mismatchError) Error() string {
	return fmt.Sprintf("got %s, want %s", e.got, e.want)
}

type stepFunc func(s *session, st Step) error

var stepOps map[string]stepFunc

func init() {
	stepOps = map[string]stepFunc{
		"create":         (*session).create,
		"start-bind":     (*session).startBind,
		"finish-bind":    withSocket((*sockets.TCPSocket).FinishBind),
		"start-connect":  (*session).startConnect,
		"finish-connect": withSocket((*sockets.TCPSocket).FinishConnect),
		"start-listen":   (*session).startListen,
		"finish-listen":  withSocket((*sockets.TCPSocket).FinishListen),
		"accept":         (*session).accept,
		"shutdown":       (*session).shutdown,
		"local-address": withSocket(func(s *sockets.TCPSocket) error {
			_, err := s.LocalAddress()
			return err
		}),
		"remote-address": withSocket(func(s *sockets.TCPSocket) error {
			_, err := s.RemoteAddress()
			return err
		}),
		"set-option": (*session).setOption,
		"get-option": (*session).getOption,
		"send":       (*session).send,
		"recv":       (*session).recv,
		"close":      (*session).close,
		"state":      withSocket(func(*sockets.TCPSocket) error { return nil }),
	}
}

func withSocket(fn func(*sockets.TCPSocket) error) stepFunc {
	return func(s *session, st Step) error {
		sock, err := s.socket(st.Socket)
		if err != nil {
			return err
		}
		return fn(sock)
	}
}

// session owns a set of named sockets sharing one network.
type session struct {
	ctx     context.Context
	opts    sockets.Options
	network *sockets.Network
	timeout time.Duration
	family  sockets.IPAddressFamily

	socks    map[string]*sockets.TCPSocket
	conns    map[string]net.Conn
	order    []string
	accepted int
	// lastAccepted names the socket produced by the most recent accept.
	lastAccepted string
}

func newSession(ctx context.Context, opts sockets.Options, family sockets.IPAddressFamily, network *sockets.Network, timeout time.Duration) *session {
	return &session{
		ctx:     ctx,
		opts:    opts,
		network: network,
		timeout: timeout,
		family:  family,
		socks:   make(map[string]*sockets.TCPSocket),
		conns:   make(map[string]net.Conn),
	}
}

// Scope describes the session's network: "restricted" under an allow-list,
// "open" otherwise.
func (s *session) Scope() string {
	if s.network.Restricted() {
		return "restricted"
	}
	return "open"
}

// Close releases every socket and connection the session created.
func (s *session) Close() {
	for _, c := range s.conns {
		_ = c.Close()
	}
	for _, sock := range s.socks {
		_ = sock.Close()
	}
}

// Exec runs one step and compares the outcome with its expectation.
func (s *session) Exec(index int, st Step) (StepResult, error) {
	fn, ok := stepOps[st.Op]
	if !ok {
		return StepResult{}, fmt.Errorf("step %d: unknown op %q", index, st.Op)
	}

	err := fn(s, st)
	var se *stepError
	if stderrors.As(err, &se) {
		return StepResult{}, fmt.Errorf("step %d (%s): %w", index, st.Op, err)
	}

	res := StepResult{
		Step:   index,
		Op:     st.Op,
		Socket: st.Socket,
		Result: resultName(err),
		Expect: st.Expect,
	}
	if res.Expect == "" {
		res.Expect = "ok"
	}
	name := st.Socket
	if st.Op == "accept" && err == nil {
		name = s.lastAccepted
	}
	if sock, ok := s.socks[name]; ok {
		res.State = sock.State().String()
	}
	res.Pass = res.Result == res.Expect && (st.ExpectState == "" || st.ExpectState == res.State)
	return res, nil
}

// Run executes every step of sc. It stops early only on malformed steps.
func (s *session) Run(sc *Scenario) ([]StepResult, error) {
	results := make([]StepResult, 0, len(sc.Steps))
	for i, st := range sc.Steps {
		res, err := s.Exec(i+1, st)
		if err != nil {
			return results, err
		}
		results = append(results, res)
	}
	return results, nil
}

func resultName(err error) string {
	if err == nil {
		return "ok"
	}
	var mm *mismatchError
	if stderrors.As(err, &mm) {
		return "mismatch"
	}
	var e *errs.Error
	if stderrors.As(err, &e) {
		return e.Code.String()
	}
	return "error: " + err.Error()
}

func (s *session) socket(name string) (*sockets.TCPSocket, error) {
	if name == "" {
		return nil, badStep("missing socket name")
	}
	sock, ok := s.socks[name]
	if !ok {
		return nil, badStep("unknown socket %q", name)
	}
	return sock, nil
}

func (s *session) add(name string, sock *sockets.TCPSocket) {
	if _, ok := s.socks[name]; !ok {
		s.order = append(s.order, name)
	}
	s.socks[name] = sock
}

func (s *session) deadline() (context.Context, context.CancelFunc) {
	return context.WithTimeout(s.ctx, s.timeout)
}

func (s *session) create(st Step) error {
	if st.Socket == "" {
		return badStep("create needs a socket name")
	}
	if _, ok := s.socks[st.Socket]; ok {
		return badStep("socket %q already exists", st.Socket)
	}
	family := s.family
	if st.Family != "" {
		f, err := sockets.ParseAddressFamily(st.Family)
		if err != nil {
			return badStep("%v", err)
		}
		family = f
	}
	sock, err := sockets.NewTCPSocketWithOptions(family, s.opts)
	if err != nil {
		return err
	}
	s.add(st.Socket, sock)
	return nil
}

// localAddress defaults to the loopback address of the socket's family with
// an ephemeral port.
func (s *session) localAddress(sock *sockets.TCPSocket, st Step) (netip.AddrPort, error) {
	if st.Address == "" {
		return netip.AddrPortFrom(sockets.Loopback(sock.AddressFamily()), 0), nil
	}
	ap, err := netip.ParseAddrPort(st.Address)
	if err != nil {
		return netip.AddrPort{}, badStep("parse address: %v", err)
	}
	return ap, nil
}

// remoteAddress resolves Peer to that socket's local address, or parses Address.
func (s *session) remoteAddress(st Step) (netip.AddrPort, error) {
	if st.Peer != "" {
		peer, err := s.socket(st.Peer)
		if err != nil {
			return netip.AddrPort{}, err
		}
		ap, err := peer.LocalAddress()
		if err != nil {
			return netip.AddrPort{}, badStep("peer %q has no local address (%s)", st.Peer, peer.State())
		}
		return ap, nil
	}
	if st.Address == "" {
		return netip.AddrPort{}, badStep("connect needs an address or a peer")
	}
	ap, err := netip.ParseAddrPort(st.Address)
	if err != nil {
		return netip.AddrPort{}, badStep("parse address: %v", err)
	}
	return ap, nil
}

func (s *session) startBind(st Step) error {
	sock, err := s.socket(st.Socket)
	if err != nil {
		return err
	}
	addr, err := s.localAddress(sock, st)
	if err != nil {
		return err
	}
	if st.Wait {
		ctx, cancel := s.deadline()
		defer cancel()
		return sock.BlockingBind(ctx, s.network, addr)
	}
	return sock.StartBind(s.network, addr)
}

func (s *session) startConnect(st Step) error {
	sock, err := s.socket(st.Socket)
	if err != nil {
		return err
	}
	addr, err := s.remoteAddress(st)
	if err != nil {
		return err
	}
	if st.Wait {
		ctx, cancel := s.deadline()
		defer cancel()
		return sock.BlockingConnect(ctx, s.network, addr)
	}
	return sock.StartConnect(s.network, addr)
}

func (s *session) startListen(st Step) error {
	sock, err := s.socket(st.Socket)
	if err != nil {
		return err
	}
	if st.Wait {
		ctx, cancel := s.deadline()
		defer cancel()
		return sock.BlockingListen(ctx)
	}
	return sock.StartListen()
}

func (s *session) accept(st Step) error {
	sock, err := s.socket(st.Socket)
	if err != nil {
		return err
	}
	if st.As != "" {
		if _, ok := s.socks[st.As]; ok {
			return badStep("socket %q already exists", st.As)
		}
	}

	var child *sockets.TCPSocket
	if st.Wait {
		ctx, cancel := s.deadline()
		defer cancel()
		child, err = sock.BlockingAccept(ctx)
	} else {
		child, err = sock.Accept()
	}
	if err != nil {
		return err
	}
	name := st.As
	for name == "" || s.socks[name] != nil {
		s.accepted++
		name = fmt.Sprintf("%s-%d", st.Socket, s.accepted)
	}
	s.add(name, child)
	s.lastAccepted = name
	return nil
}

func (s *session) shutdown(st Step) error {
	sock, err := s.socket(st.Socket)
	if err != nil {
		return err
	}
	how := sockets.ShutdownBoth
	switch st.How {
	case "", "both":
	case "receive":
		how = sockets.ShutdownReceive
	case "send":
		how = sockets.ShutdownSend
	default:
		return badStep("unknown shutdown type %q", st.How)
	}
	return sock.Shutdown(how)
}

func (s *session) option(st Step) (*sockets.TCPSocket, sockets.Option, error) {
	sock, err := s.socket(st.Socket)
	if err != nil {
		return nil, 0, err
	}
	opt, ok := sockets.ParseOption(st.Option)
	if !ok {
		return nil, 0, badStep("unknown option %q", st.Option)
	}
	return sock, opt, nil
}

func (s *session) setOption(st Step) error {
	sock, opt, err := s.option(st)
	if err != nil {
		return err
	}
	return setOption(sock, opt, st.Value)
}

func (s *session) getOption(st Step) error {
	sock, opt, err := s.option(st)
	if err != nil {
		return err
	}
	v, err := getOption(sock, opt)
	if err != nil {
		return err
	}
	if st.Value != 0 && v != st.Value {
		return &mismatchError{got: fmt.Sprint(v), want: fmt.Sprint(st.Value)}
	}
	return nil
}

func (s *session) conn(name string) (net.Conn, error) {
	if c, ok := s.conns[name]; ok {
		return c, nil
	}
	sock, err := s.socket(name)
	if err != nil {
		return nil, err
	}
	c, err := sock.Conn()
	if err != nil {
		return nil, err
	}
	s.conns[name] = c
	return c, nil
}

func (s *session) send(st Step) error {
	c, err := s.conn(st.Socket)
	if err != nil {
		return err
	}
	_ = c.SetWriteDeadline(time.Now().Add(s.timeout))
	_, err = c.Write([]byte(st.Data))
	return err
}

// recv reads exactly len(Data) bytes. An empty Data expects end of stream.
func (s *session) recv(st Step) error {
	c, err := s.conn(st.Socket)
	if err != nil {
		return err
	}
	_ = c.SetReadDeadline(time.Now().Add(s.timeout))

	if st.Data == "" {
		var one [1]byte
		n, err := c.Read(one[:])
		if stderrors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		return &mismatchError{got: fmt.Sprintf("%q", one[:n]), want: "EOF"}
	}

	buf := make([]byte, len(st.Data))
	n, err := io.ReadFull(c, buf)
	if stderrors.Is(err, io.EOF) || stderrors.Is(err, io.ErrUnexpectedEOF) {
		return &mismatchError{got: fmt.Sprintf("%q then EOF", buf[:n]), want: fmt.Sprintf("%q", st.Data)}
	}
	if err != nil {
		return err
	}
	if string(buf) != st.Data {
		return &mismatchError{got: fmt.Sprintf("%q", buf), want: fmt.Sprintf("%q", st.Data)}
	}
	return nil
}

func (s *session) close(st Step) error {
	sock, err := s.socket(st.Socket)
	if err != nil {
		return err
	}
	if c, ok := s.conns[st.Socket]; ok {
		_ = c.Close()
		delete(s.conns, st.Socket)
	}
	return sock.Close()
}

// socketView is a display row for a session socket.
type socketView struct {
	Name   string `yaml:"name" json:"name"`
	Family string `yaml:"family" json:"family"`
	State  string `yaml:"state" json:"state"`
	Local  string `yaml:"local" json:"local"`
	Remote string `yaml:"remote" json:"remote"`
}

func (s *session) Sockets() []socketView {
	views := make([]socketView, 0, len(s.order))
	for _, name := range s.order {
		sock := s.socks[name]
		v := socketView{
			Name:   name,
			Family: sock.AddressFamily().String(),
			State:  sock.State().String(),
			Local:  "-",
			Remote: "-",
		}
		if ap, err := sock.LocalAddress(); err == nil {
			v.Local = ap.String()
		}
		if ap, err := sock.RemoteAddress(); err == nil {
			v.Remote = ap.String()
		}
		views = append(views, v)
	}
	return views
}

func setOption(sock *sockets.TCPSocket, opt sockets.Option, v uint64) error {
	switch opt {
	case sockets.OptionIPv6Only:
		return sock.SetIPv6Only(v != 0)
	case sockets.OptionListenBacklogSize:
		return sock.SetListenBacklogSize(v)
	case sockets.OptionKeepAliveEnabled:
		return sock.SetKeepAliveEnabled(v != 0)
	case sockets.OptionKeepAliveIdleTime:
		return sock.SetKeepAliveIdleTime(time.Duration(v))
	case sockets.OptionKeepAliveInterval:
		return sock.SetKeepAliveInterval(time.Duration(v))
	case sockets.OptionKeepAliveCount:
		if v > 1<<32-1 {
			return badStep("keep-alive-count %d out of range", v)
		}
		return sock.SetKeepAliveCount(uint32(v))
	case sockets.OptionHopLimit:
		if v > 0xFF {
			return badStep("hop-limit %d out of range", v)
		}
		return sock.SetHopLimit(uint8(v))
	case sockets.OptionReceiveBufferSize:
		return sock.SetReceiveBufferSize(v)
	case sockets.OptionSendBufferSize:
		return sock.SetSendBufferSize(v)
	}
	return badStep("unknown option %s", opt)
}

func getOption(sock *sockets.TCPSocket, opt sockets.Option) (uint64, error) {
	boolWord := func(b bool, err error) (uint64, error) {
		if b {
			return 1, err
		}
		return 0, err
	}
	switch opt {
	case sockets.OptionIPv6Only:
		return boolWord(sock.IPv6Only())
	case sockets.OptionListenBacklogSize:
		return sock.ListenBacklogSize()
	case sockets.OptionKeepAliveEnabled:
		return boolWord(sock.KeepAliveEnabled())
	case sockets.OptionKeepAliveIdleTime:
		d, err := sock.KeepAliveIdleTime()
		return uint64(d), err
	case sockets.OptionKeepAliveInterval:
		d, err := sock.KeepAliveInterval()
		return uint64(d), err
	case sockets.OptionKeepAliveCount:
		n, err := sock.KeepAliveCount()
		return uint64(n), err
	case sockets.OptionHopLimit:
		n, err := sock.HopLimit()
		return uint64(n), err
	case sockets.OptionReceiveBufferSize:
		return sock.ReceiveBufferSize()
	case sockets.OptionSendBufferSize:
		return sock.SendBufferSize()
	}
	return 0, badStep("unknown option %s", opt)
}
