package sockets

import (
	"context"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	errs "github.com/wippyai/wasi-sockets/errors"
)

func TestBlockingBindListen(t *testing.T) {
	ctx := context.Background()
	p := newFakePlatform()
	p.script.listenPolls = 3

	s := newFakeSocket(t, p, AddressFamilyIPv4)
	require.NoError(t, s.BlockingBind(ctx, NewNetwork(), anyLocal(AddressFamilyIPv4)))
	assert.Equal(t, StateBound, s.State())

	require.NoError(t, s.BlockingListen(ctx))
	assert.Equal(t, StateListening, s.State())
}

func TestBlockingConnectPolls(t *testing.T) {
	p := newFakePlatform()
	p.script.connectPolls = 4

	s := newFakeSocket(t, p, AddressFamilyIPv6)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	require.NoError(t, s.BlockingConnect(ctx, NewNetwork(), peerAddr(AddressFamilyIPv6)))
	assert.Equal(t, StateConnected, s.State())
}

func TestBlockingConnectTimeoutLeavesPending(t *testing.T) {
	p := newFakePlatform()
	p.script.connectPolls = 1 << 30
	p.script.stuck = true

	s := newFakeSocket(t, p, AddressFamilyIPv4)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	err := s.BlockingConnect(ctx, NewNetwork(), peerAddr(AddressFamilyIPv4))
	requireCode(t, errs.CodeTimeout, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	// The operation is still pending and can be finished or abandoned.
	assert.Equal(t, StateConnectInProgress, s.State())
	assert.Equal(t, OperationConnect, s.PendingOperation())
	require.NoError(t, s.Close())
	assert.True(t, p.last().closed)
}

func TestBlockingConnectFailure(t *testing.T) {
	p := newFakePlatform()
	p.script.connectPolls = 2
	p.script.finishConnectErr = syscall.ECONNRESET

	s := newFakeSocket(t, p, AddressFamilyIPv4)
	require.NoError(t, s.BlockingBind(context.Background(), NewNetwork(), anyLocal(AddressFamilyIPv4)))

	err := s.BlockingConnect(context.Background(), NewNetwork(), peerAddr(AddressFamilyIPv4))
	requireCode(t, errs.CodeConnectionReset, err)
	assert.Equal(t, StateBound, s.State())
}

func TestBlockingStartErrorsPassThrough(t *testing.T) {
	s := socketIn(t, AddressFamilyIPv4, StateUnbound)
	requireCode(t, errs.CodeInvalidState, s.BlockingListen(context.Background()))

	_, err := s.BlockingAccept(context.Background())
	requireCode(t, errs.CodeInvalidState, err)
}

func TestBlockingAccept(t *testing.T) {
	p := newFakePlatform()
	s := newFakeSocket(t, p, AddressFamilyIPv4)
	ctx := context.Background()
	require.NoError(t, s.BlockingBind(ctx, NewNetwork(), anyLocal(AddressFamilyIPv4)))
	require.NoError(t, s.BlockingListen(ctx))

	peer := peerAddr(AddressFamilyIPv4)
	p.last().enqueue(peer)

	child, err := s.BlockingAccept(ctx)
	require.NoError(t, err)
	remote, err := child.RemoteAddress()
	require.NoError(t, err)
	assert.Equal(t, peer, remote)

	timeout, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	_, err = s.BlockingAccept(timeout)
	requireCode(t, errs.CodeTimeout, err)
	assert.True(t, s.IsListening())
}
