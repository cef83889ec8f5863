package sockets

import (
	"context"
	"net/netip"
	"time"

	"github.com/cenkalti/backoff/v4"

	errs "github.com/wippyai/wasi-sockets/errors"
)

// pollBackOff paces the finish loop between pollable wake-ups. It never
// gives up on its own; the caller's context bounds the wait.
func pollBackOff(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = time.Millisecond
	b.MaxInterval = 50 * time.Millisecond
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0
	return backoff.WithContext(b, ctx)
}

// await polls finish until it stops returning CodeWouldBlock. If ctx ends
// first the operation is left pending and CodeTimeout is returned.
func (s *TCPSocket) await(ctx context.Context, op errs.Op, finish func() error) error {
	pollable := s.Subscribe()
	var result error
	err := backoff.Retry(func() error {
		result = finish()
		if code, ok := errs.CodeOf(result); ok && code.Transient() {
			pollable.Block(ctx)
			return result
		}
		return nil
	}, pollBackOff(ctx))
	if err != nil {
		cause := ctx.Err()
		if cause == nil {
			cause = err
		}
		return s.fail(errs.New(op, errs.CodeTimeout).State(s.state).Cause(cause).Build())
	}
	return result
}

// BlockingBind runs StartBind and waits for FinishBind.
func (s *TCPSocket) BlockingBind(ctx context.Context, network *Network, local netip.AddrPort) error {
	if err := s.StartBind(network, local); err != nil {
		return err
	}
	return s.await(ctx, errs.OpFinishBind, s.FinishBind)
}

// BlockingConnect runs StartConnect and waits for FinishConnect.
func (s *TCPSocket) BlockingConnect(ctx context.Context, network *Network, remote netip.AddrPort) error {
	if err := s.StartConnect(network, remote); err != nil {
		return err
	}
	return s.await(ctx, errs.OpFinishConnect, s.FinishConnect)
}

// BlockingListen runs StartListen and waits for FinishListen.
func (s *TCPSocket) BlockingListen(ctx context.Context) error {
	if err := s.StartListen(); err != nil {
		return err
	}
	return s.await(ctx, errs.OpFinishListen, s.FinishListen)
}

// BlockingAccept waits until a connection can be accepted.
func (s *TCPSocket) BlockingAccept(ctx context.Context) (*TCPSocket, error) {
	var child *TCPSocket
	err := s.await(ctx, errs.OpAccept, func() error {
		c, err := s.Accept()
		child = c
		return err
	})
	if err != nil {
		return nil, err
	}
	return child, nil
}
