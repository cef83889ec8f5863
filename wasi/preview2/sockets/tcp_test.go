package sockets

import (
	"fmt"
	"net/netip"
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	errs "github.com/wippyai/wasi-sockets/errors"
)

var families = []IPAddressFamily{AddressFamilyIPv4, AddressFamilyIPv6}

func codeOf(err error) errs.Code {
	c, _ := errs.CodeOf(err)
	return c
}

func requireCode(t *testing.T, want errs.Code, err error) {
	t.Helper()
	require.Error(t, err)
	require.Equal(t, want, codeOf(err), "unexpected error: %v", err)
}

func peerAddr(f IPAddressFamily) netip.AddrPort {
	return netip.AddrPortFrom(Loopback(f), 8080)
}

func anyLocal(f IPAddressFamily) netip.AddrPort {
	return netip.AddrPortFrom(Loopback(f), 0)
}

func newFakeSocket(t *testing.T, p *fakePlatform, f IPAddressFamily) *TCPSocket {
	t.Helper()
	s, err := NewTCPSocketWithOptions(f, fakeOptions(p))
	require.NoError(t, err)
	return s
}

// socketIn drives a fresh socket on the fake platform into state.
func socketIn(t *testing.T, f IPAddressFamily, state State) *TCPSocket {
	t.Helper()
	s := newFakeSocket(t, newFakePlatform(), f)
	net := NewNetwork()

	step := func(err error) {
		t.Helper()
		require.NoError(t, err)
	}

	switch state {
	case StateUnbound:
	case StateBindInProgress:
		step(s.StartBind(net, anyLocal(f)))
	case StateBound:
		step(s.StartBind(net, anyLocal(f)))
		step(s.FinishBind())
	case StateListenInProgress:
		step(s.StartBind(net, anyLocal(f)))
		step(s.FinishBind())
		step(s.StartListen())
	case StateListening:
		step(s.StartBind(net, anyLocal(f)))
		step(s.FinishBind())
		step(s.StartListen())
		step(s.FinishListen())
	case StateConnectInProgress:
		step(s.StartBind(net, anyLocal(f)))
		step(s.FinishBind())
		step(s.StartConnect(net, peerAddr(f)))
	case StateConnected:
		step(s.StartBind(net, anyLocal(f)))
		step(s.FinishBind())
		step(s.StartConnect(net, peerAddr(f)))
		step(s.FinishConnect())
	case StateClosed:
		step(s.Close())
	default:
		t.Fatalf("unknown state %v", state)
	}
	require.Equal(t, state, s.State())
	return s
}

// legalityRow describes one operation: the states where it succeeds, the
// code it fails with elsewhere, and per-state exceptions.
type legalityRow struct {
	name   string
	call   func(s *TCPSocket) error
	ok     []State
	fail   errs.Code
	except map[State]errs.Code
}

func legalityMatrix(f IPAddressFamily) []legalityRow {
	net := NewNetwork()
	return []legalityRow{
		{
			name: "start-bind",
			call: func(s *TCPSocket) error { return s.StartBind(net, anyLocal(f)) },
			ok:   []State{StateUnbound},
			fail: errs.CodeInvalidState,
		},
		{
			name: "finish-bind",
			call: (*TCPSocket).FinishBind,
			ok:   []State{StateBindInProgress},
			fail: errs.CodeNotInProgress,
		},
		{
			name: "start-connect",
			call: func(s *TCPSocket) error { return s.StartConnect(net, peerAddr(f)) },
			ok:   []State{StateUnbound, StateBound},
			fail: errs.CodeInvalidState,
		},
		{
			name: "finish-connect",
			call: (*TCPSocket).FinishConnect,
			ok:   []State{StateConnectInProgress},
			fail: errs.CodeNotInProgress,
		},
		{
			name: "start-listen",
			call: (*TCPSocket).StartListen,
			ok:   []State{StateBound},
			fail: errs.CodeInvalidState,
		},
		{
			name: "finish-listen",
			call: (*TCPSocket).FinishListen,
			ok:   []State{StateListenInProgress},
			fail: errs.CodeNotInProgress,
		},
		{
			name: "accept",
			call: func(s *TCPSocket) error {
				_, err := s.Accept()
				return err
			},
			fail:   errs.CodeInvalidState,
			except: map[State]errs.Code{StateListening: errs.CodeWouldBlock},
		},
		{
			name: "shutdown",
			call: func(s *TCPSocket) error { return s.Shutdown(ShutdownBoth) },
			ok:   []State{StateConnected},
			fail: errs.CodeInvalidState,
		},
		{
			name: "local-address",
			call: func(s *TCPSocket) error {
				_, err := s.LocalAddress()
				return err
			},
			ok:   []State{StateBound, StateListenInProgress, StateListening, StateConnected},
			fail: errs.CodeInvalidState,
		},
		{
			name: "remote-address",
			call: func(s *TCPSocket) error {
				_, err := s.RemoteAddress()
				return err
			},
			ok:   []State{StateConnected},
			fail: errs.CodeInvalidState,
		},
	}
}

func TestLegalityMatrix(t *testing.T) {
	for _, f := range families {
		for _, row := range legalityMatrix(f) {
			for _, state := range States() {
				name := fmt.Sprintf("%s/%s/%s", f, row.name, state)
				t.Run(name, func(t *testing.T) {
					s := socketIn(t, f, state)
					err := row.call(s)

					if code, ok := row.except[state]; ok {
						requireCode(t, code, err)
						return
					}
					for _, okState := range row.ok {
						if okState == state {
							assert.NoError(t, err)
							return
						}
					}
					requireCode(t, row.fail, err)
				})
			}
		}
	}
}

func TestFinishWithoutStartIsNotInProgress(t *testing.T) {
	finishers := map[string]func(*TCPSocket) error{
		"bind":    (*TCPSocket).FinishBind,
		"connect": (*TCPSocket).FinishConnect,
		"listen":  (*TCPSocket).FinishListen,
	}
	for _, f := range families {
		for _, state := range []State{StateUnbound, StateBound, StateListening, StateConnected, StateClosed} {
			for name, finish := range finishers {
				s := socketIn(t, f, state)
				err := finish(s)
				assert.True(t, errs.Is(err, errs.ErrNotInProgress), "%s finish-%s in %s: %v", f, name, state, err)
				assert.Equal(t, state, s.State())
			}
		}
	}
}

func TestPendingSlotIsExclusive(t *testing.T) {
	for _, f := range families {
		s := socketIn(t, f, StateConnectInProgress)
		assert.Equal(t, OperationConnect, s.PendingOperation())

		requireCode(t, errs.CodeInvalidState, s.StartBind(NewNetwork(), anyLocal(f)))
		requireCode(t, errs.CodeInvalidState, s.StartListen())
		requireCode(t, errs.CodeInvalidState, s.StartConnect(NewNetwork(), peerAddr(f)))
		assert.Equal(t, StateConnectInProgress, s.State())
	}
}

func TestPendingMatchesInProgressState(t *testing.T) {
	want := map[State]Operation{
		StateBindInProgress:    OperationBind,
		StateListenInProgress:  OperationListen,
		StateConnectInProgress: OperationConnect,
	}
	for _, state := range States() {
		s := socketIn(t, AddressFamilyIPv4, state)
		assert.Equal(t, want[state], s.PendingOperation(), "state %s", state)
		assert.Equal(t, state.InProgress(), s.PendingOperation() != OperationNone)
	}
}

func TestTwoPhaseWouldBlock(t *testing.T) {
	p := newFakePlatform()
	p.script.connectPolls = 2
	p.script.listenPolls = 1
	net := NewNetwork()

	client := newFakeSocket(t, p, AddressFamilyIPv4)
	require.NoError(t, client.StartConnect(net, peerAddr(AddressFamilyIPv4)))
	for i := 0; i < 2; i++ {
		err := client.FinishConnect()
		requireCode(t, errs.CodeWouldBlock, err)
		assert.Equal(t, StateConnectInProgress, client.State())
	}
	require.NoError(t, client.FinishConnect())
	assert.Equal(t, StateConnected, client.State())

	server := newFakeSocket(t, p, AddressFamilyIPv4)
	require.NoError(t, server.StartBind(net, anyLocal(AddressFamilyIPv4)))
	require.NoError(t, server.FinishBind())
	require.NoError(t, server.StartListen())
	requireCode(t, errs.CodeWouldBlock, server.FinishListen())
	assert.Equal(t, StateListenInProgress, server.State())
	require.NoError(t, server.FinishListen())
	assert.True(t, server.IsListening())
}

func TestBindAddresses(t *testing.T) {
	for _, f := range families {
		s := socketIn(t, f, StateBound)
		local, err := s.LocalAddress()
		require.NoError(t, err)
		assert.Equal(t, Loopback(f), local.Addr())
		assert.NotZero(t, local.Port())

		_, err = s.RemoteAddress()
		requireCode(t, errs.CodeInvalidState, err)
		assert.Equal(t, f, s.AddressFamily())
	}
}

func TestConnectAddresses(t *testing.T) {
	for _, f := range families {
		s := socketIn(t, f, StateConnected)
		local, err := s.LocalAddress()
		require.NoError(t, err)
		remote, err := s.RemoteAddress()
		require.NoError(t, err)

		assert.Equal(t, peerAddr(f), remote)
		assert.NotEqual(t, local, remote)
		assert.Equal(t, f, s.AddressFamily())
	}
}

func TestConnectFromUnboundAssignsLocal(t *testing.T) {
	s := socketIn(t, AddressFamilyIPv6, StateUnbound)
	require.NoError(t, s.StartConnect(NewNetwork(), peerAddr(AddressFamilyIPv6)))
	require.NoError(t, s.FinishConnect())

	local, err := s.LocalAddress()
	require.NoError(t, err)
	assert.True(t, local.IsValid())
}

func TestFailedConnectRevertsToBound(t *testing.T) {
	p := newFakePlatform()
	p.script.finishConnectErr = syscall.ECONNREFUSED
	net := NewNetwork()

	s := newFakeSocket(t, p, AddressFamilyIPv4)
	require.NoError(t, s.StartBind(net, anyLocal(AddressFamilyIPv4)))
	require.NoError(t, s.FinishBind())
	bound, err := s.LocalAddress()
	require.NoError(t, err)

	require.NoError(t, s.StartConnect(net, peerAddr(AddressFamilyIPv4)))
	err = s.FinishConnect()
	requireCode(t, errs.CodeConnectionRefused, err)
	assert.True(t, errs.HasCode(err, errs.CodeConnectionRefused))

	assert.Equal(t, StateBound, s.State())
	assert.Equal(t, OperationNone, s.PendingOperation())
	local, err := s.LocalAddress()
	require.NoError(t, err)
	assert.Equal(t, bound, local)

	// The same binding can be used for another attempt.
	p.last().script.finishConnectErr = nil
	require.NoError(t, s.StartConnect(net, peerAddr(AddressFamilyIPv4)))
	require.NoError(t, s.FinishConnect())
	assert.Equal(t, StateConnected, s.State())
}

func TestFailedConnectFromUnboundRecreates(t *testing.T) {
	p := newFakePlatform()
	p.script.finishConnectErr = syscall.ETIMEDOUT
	net := NewNetwork()

	s := newFakeSocket(t, p, AddressFamilyIPv4)
	require.NoError(t, s.SetKeepAliveCount(3))
	first := p.last()

	require.NoError(t, s.StartConnect(net, peerAddr(AddressFamilyIPv4)))
	requireCode(t, errs.CodeTimeout, s.FinishConnect())

	assert.Equal(t, StateUnbound, s.State())
	assert.Equal(t, 2, p.count())
	assert.True(t, first.closed)

	fresh := p.last()
	assert.False(t, fresh.closed)
	assert.Equal(t, uint64(3), fresh.options[OptionKeepAliveCount])

	_, err := s.LocalAddress()
	requireCode(t, errs.CodeInvalidState, err)
}

func TestStartConnectPlatformError(t *testing.T) {
	p := newFakePlatform()
	p.script.connectErr = syscall.ENETUNREACH

	s := newFakeSocket(t, p, AddressFamilyIPv4)
	requireCode(t, errs.CodeRemoteUnreachable, s.StartConnect(NewNetwork(), peerAddr(AddressFamilyIPv4)))
	assert.Equal(t, StateUnbound, s.State())
	assert.Equal(t, OperationNone, s.PendingOperation())
}

func TestFailedListenRevertsToBound(t *testing.T) {
	p := newFakePlatform()
	p.script.finishListenErr = syscall.EADDRINUSE
	net := NewNetwork()

	s := newFakeSocket(t, p, AddressFamilyIPv6)
	require.NoError(t, s.StartBind(net, anyLocal(AddressFamilyIPv6)))
	require.NoError(t, s.FinishBind())
	require.NoError(t, s.StartListen())
	requireCode(t, errs.CodeAddressInUse, s.FinishListen())
	assert.Equal(t, StateBound, s.State())
	assert.False(t, s.IsListening())
}

func TestBindPlatformError(t *testing.T) {
	p := newFakePlatform()
	p.script.bindErr = syscall.EADDRINUSE

	s := newFakeSocket(t, p, AddressFamilyIPv4)
	err := s.StartBind(NewNetwork(), anyLocal(AddressFamilyIPv4))
	requireCode(t, errs.CodeAddressInUse, err)
	assert.Equal(t, StateUnbound, s.State())

	var e *errs.Error
	require.True(t, errs.As(err, &e))
	assert.Equal(t, errs.OpStartBind, e.Op)
	assert.ErrorIs(t, err, syscall.EADDRINUSE)
}

func TestAddressValidation(t *testing.T) {
	v4 := netip.MustParseAddrPort("127.0.0.1:80")
	v6 := netip.MustParseAddrPort("[::1]:80")
	mapped := netip.MustParseAddrPort("[::ffff:127.0.0.1]:80")

	tests := []struct {
		name    string
		family  IPAddressFamily
		ipv6    bool
		connect bool
		network *Network
		addr    netip.AddrPort
		want    errs.Code
	}{
		{"nil network", AddressFamilyIPv4, false, false, nil, v4, errs.CodeInvalidArgument},
		{"family mismatch v4", AddressFamilyIPv4, false, false, NewNetwork(), v6, errs.CodeInvalidArgument},
		{"family mismatch v6", AddressFamilyIPv6, false, true, NewNetwork(), v4, errs.CodeInvalidArgument},
		{"multicast bind", AddressFamilyIPv4, false, false, NewNetwork(), netip.MustParseAddrPort("224.0.0.1:80"), errs.CodeInvalidArgument},
		{"multicast connect v6", AddressFamilyIPv6, false, true, NewNetwork(), netip.MustParseAddrPort("[ff02::1]:80"), errs.CodeInvalidArgument},
		{"unspecified connect", AddressFamilyIPv4, false, true, NewNetwork(), netip.MustParseAddrPort("0.0.0.0:80"), errs.CodeInvalidArgument},
		{"broadcast connect", AddressFamilyIPv4, false, true, NewNetwork(), netip.MustParseAddrPort("255.255.255.255:80"), errs.CodeInvalidArgument},
		{"port zero connect", AddressFamilyIPv4, false, true, NewNetwork(), netip.MustParseAddrPort("127.0.0.1:0"), errs.CodeInvalidArgument},
		{"mapped on ipv6-only", AddressFamilyIPv6, true, true, NewNetwork(), mapped, errs.CodeInvalidArgument},
		{"denied by allow-list", AddressFamilyIPv4, false, true, NewNetwork(WithAllow(netip.MustParsePrefix("10.0.0.0/8"))), v4, errs.CodeAccessDenied},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newFakeSocket(t, newFakePlatform(), tt.family)
			if tt.ipv6 {
				require.NoError(t, s.SetIPv6Only(true))
			}
			var err error
			if tt.connect {
				err = s.StartConnect(tt.network, tt.addr)
			} else {
				err = s.StartBind(tt.network, tt.addr)
			}
			requireCode(t, tt.want, err)
			assert.Equal(t, StateUnbound, s.State())
		})
	}
}

func TestMappedAddressOnDualStack(t *testing.T) {
	s := newFakeSocket(t, newFakePlatform(), AddressFamilyIPv6)
	require.NoError(t, s.StartConnect(NewNetwork(), netip.MustParseAddrPort("[::ffff:127.0.0.1]:80")))
}

func TestAllowListPermits(t *testing.T) {
	net := NewNetwork(WithAllow(netip.MustParsePrefix("127.0.0.0/8"), netip.MustParsePrefix("::1/128")))
	for _, f := range families {
		s := newFakeSocket(t, newFakePlatform(), f)
		require.NoError(t, s.StartBind(net, anyLocal(f)))
		require.NoError(t, s.FinishBind())
	}
}

func TestAccept(t *testing.T) {
	for _, f := range families {
		p := newFakePlatform()
		net := NewNetwork()
		listener := newFakeSocket(t, p, f)
		require.NoError(t, listener.SetKeepAliveEnabled(true))
		require.NoError(t, listener.SetHopLimit(12))
		require.NoError(t, listener.StartBind(net, anyLocal(f)))
		require.NoError(t, listener.FinishBind())
		require.NoError(t, listener.SetListenBacklogSize(16))
		require.NoError(t, listener.StartListen())
		require.NoError(t, listener.FinishListen())
		assert.Equal(t, 16, p.last().backlog)

		_, err := listener.Accept()
		requireCode(t, errs.CodeWouldBlock, err)

		peer := netip.AddrPortFrom(Loopback(f), 51000)
		raw := p.last().enqueue(peer)

		child, err := listener.Accept()
		require.NoError(t, err)
		assert.Equal(t, StateConnected, child.State())
		assert.Equal(t, f, child.AddressFamily())

		remote, err := child.RemoteAddress()
		require.NoError(t, err)
		assert.Equal(t, peer, remote)
		listenerLocal, err := listener.LocalAddress()
		require.NoError(t, err)
		assert.NotEqual(t, listenerLocal, remote)

		// Explicit inheritable options are applied to the accepted socket.
		assert.Equal(t, uint64(1), raw.options[OptionKeepAliveEnabled])
		assert.Equal(t, uint64(12), raw.options[OptionHopLimit])
		_, backlogSet := raw.options[OptionListenBacklogSize]
		assert.False(t, backlogSet)

		// Closing the listener leaves the accepted socket usable.
		require.NoError(t, listener.Close())
		assert.Equal(t, StateConnected, child.State())
		_, err = child.RemoteAddress()
		assert.NoError(t, err)
		assert.NoError(t, child.Shutdown(ShutdownSend))
		assert.False(t, raw.closed)
	}
}

func TestShutdown(t *testing.T) {
	s := socketIn(t, AddressFamilyIPv4, StateConnected)
	for _, how := range []ShutdownType{ShutdownReceive, ShutdownSend, ShutdownBoth} {
		require.NoError(t, s.Shutdown(how))
	}
	assert.Equal(t, StateConnected, s.State())
	requireCode(t, errs.CodeInvalidArgument, s.Shutdown(ShutdownType(7)))
}

func TestCloseAbandonsPending(t *testing.T) {
	for _, state := range []State{StateBindInProgress, StateConnectInProgress, StateListenInProgress, StateListening, StateConnected} {
		p := newFakePlatform()
		s := newFakeSocket(t, p, AddressFamilyIPv4)
		raw := p.last()

		net := NewNetwork()
		switch state {
		case StateBindInProgress:
			require.NoError(t, s.StartBind(net, anyLocal(AddressFamilyIPv4)))
		case StateConnectInProgress:
			require.NoError(t, s.StartConnect(net, peerAddr(AddressFamilyIPv4)))
		default:
			require.NoError(t, s.StartBind(net, anyLocal(AddressFamilyIPv4)))
			require.NoError(t, s.FinishBind())
			if state == StateConnected {
				require.NoError(t, s.StartConnect(net, peerAddr(AddressFamilyIPv4)))
				require.NoError(t, s.FinishConnect())
			} else {
				require.NoError(t, s.StartListen())
				if state == StateListening {
					require.NoError(t, s.FinishListen())
				}
			}
		}
		require.Equal(t, state, s.State())

		require.NoError(t, s.Close())
		assert.Equal(t, StateClosed, s.State())
		assert.Equal(t, OperationNone, s.PendingOperation())
		assert.True(t, raw.closed, "platform socket not closed from %s", state)
		require.NoError(t, s.Close())
	}
}

func TestClosedRejectsEverything(t *testing.T) {
	for _, f := range families {
		s := socketIn(t, f, StateClosed)
		net := NewNetwork()

		requireCode(t, errs.CodeInvalidState, s.StartBind(net, anyLocal(f)))
		requireCode(t, errs.CodeInvalidState, s.StartConnect(net, peerAddr(f)))
		requireCode(t, errs.CodeInvalidState, s.StartListen())
		requireCode(t, errs.CodeInvalidState, s.SetKeepAliveEnabled(true))
		requireCode(t, errs.CodeInvalidState, s.SetListenBacklogSize(5))
		_, err := s.HopLimit()
		requireCode(t, errs.CodeInvalidState, err)
		_, err = s.ListenBacklogSize()
		requireCode(t, errs.CodeInvalidState, err)
		_, err = s.Conn()
		requireCode(t, errs.CodeInvalidState, err)

		assert.Equal(t, f, s.AddressFamily())
	}
}

func TestConnOnlyWhenConnected(t *testing.T) {
	s := socketIn(t, AddressFamilyIPv4, StateBound)
	_, err := s.Conn()
	requireCode(t, errs.CodeInvalidState, err)

	s = socketIn(t, AddressFamilyIPv4, StateConnected)
	conn, err := s.Conn()
	require.NoError(t, err)
	require.NoError(t, conn.Close())
}

func TestDropClosesSocket(t *testing.T) {
	p := newFakePlatform()
	s := newFakeSocket(t, p, AddressFamilyIPv4)
	s.Drop()
	assert.Equal(t, StateClosed, s.State())
	assert.True(t, p.last().closed)
}

func TestNewTCPSocketErrors(t *testing.T) {
	_, err := NewTCPSocketWithOptions(IPAddressFamily(9), fakeOptions(newFakePlatform()))
	requireCode(t, errs.CodeInvalidArgument, err)

	p := newFakePlatform()
	p.socketErr = syscall.EMFILE
	_, err = NewTCPSocketWithOptions(AddressFamilyIPv4, fakeOptions(p))
	requireCode(t, errs.CodeNewSocketLimit, err)
}

func TestSubscribe(t *testing.T) {
	p := newFakePlatform()
	p.script.stuck = true
	s := newFakeSocket(t, p, AddressFamilyIPv4)

	// Idle sockets are always ready.
	assert.True(t, s.Subscribe().Ready())

	require.NoError(t, s.StartConnect(NewNetwork(), peerAddr(AddressFamilyIPv4)))
	pollable := s.Subscribe()
	assert.False(t, pollable.Ready())

	p.last().script.stuck = false
	assert.True(t, pollable.Ready())
}

func TestPlatformName(t *testing.T) {
	s := newFakeSocket(t, newFakePlatform(), AddressFamilyIPv4)
	assert.Equal(t, "fake", s.PlatformName())
}
