package main

import (
	"context"
	"fmt"
	"net/netip"
	"time"

	"github.com/spf13/cobra"

	"github.com/wippyai/wasi-sockets/wasi/preview2/sockets"
)

// matrixOps are the probed operations, in column order.
var matrixOps = []string{
	"start-bind", "finish-bind",
	"start-connect", "finish-connect",
	"start-listen", "finish-listen",
	"accept", "shutdown",
	"local-address", "remote-address",
	"set-listen-backlog-size", "ipv6-only",
}

// Matrix is the observed result of every probed operation in every state.
type Matrix struct {
	Platform   string      `yaml:"platform" json:"platform"`
	Family     string      `yaml:"family" json:"family"`
	Operations []string    `yaml:"operations" json:"operations"`
	States     []MatrixRow `yaml:"states" json:"states"`
}

type MatrixRow struct {
	State   string            `yaml:"state" json:"state"`
	Results map[string]string `yaml:"results" json:"results"`
}

func (m *Matrix) TableHeader() []string {
	return append([]string{"STATE"}, m.Operations...)
}

func (m *Matrix) TableRows() [][]string {
	rows := make([][]string, 0, len(m.States))
	for _, r := range m.States {
		row := []string{r.State}
		for _, op := range m.Operations {
			row = append(row, r.Results[op])
		}
		rows = append(rows, row)
	}
	return rows
}

func newMatrixCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "matrix",
		Short: "Probe every operation in every socket state and print the results",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			opts, err := a.socketOptions()
			if err != nil {
				return err
			}
			family, err := a.addressFamily()
			if err != nil {
				return err
			}
			m, err := probeMatrix(cmd.Context(), opts, family, a.timeout)
			if err != nil {
				return err
			}
			a.print(cmd.OutOrStdout(), m)
			return a.printMetrics(cmd.OutOrStdout())
		},
	}
}

// prober drives fresh sockets into each state. Connect probes target a
// loopback listener owned by the prober.
type prober struct {
	ctx      context.Context
	opts     sockets.Options
	network  *sockets.Network
	timeout  time.Duration
	listener *sockets.TCPSocket
	target   netip.AddrPort
	family   sockets.IPAddressFamily
}

func newProber(ctx context.Context, opts sockets.Options, family sockets.IPAddressFamily, timeout time.Duration) (*prober, error) {
	p := &prober{
		ctx:     ctx,
		opts:    opts,
		network: sockets.NewNetwork(),
		timeout: timeout,
		family:  family,
	}

	l, err := sockets.NewTCPSocketWithOptions(family, opts)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := l.BlockingBind(ctx, p.network, p.loopback()); err != nil {
		_ = l.Close()
		return nil, fmt.Errorf("bind probe listener: %w", err)
	}
	if err := l.BlockingListen(ctx); err != nil {
		_ = l.Close()
		return nil, fmt.Errorf("listen probe listener: %w", err)
	}
	p.listener = l
	p.target, _ = l.LocalAddress()
	return p, nil
}

func (p *prober) Close() {
	_ = p.listener.Close()
}

func (p *prober) loopback() netip.AddrPort {
	return netip.AddrPortFrom(sockets.Loopback(p.family), 0)
}

// reach returns a new socket in state.
func (p *prober) reach(state sockets.State) (*sockets.TCPSocket, error) {
	s, err := sockets.NewTCPSocketWithOptions(p.family, p.opts)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(p.ctx, p.timeout)
	defer cancel()

	switch state {
	case sockets.StateUnbound:
	case sockets.StateBindInProgress:
		err = s.StartBind(p.network, p.loopback())
	case sockets.StateBound:
		err = s.BlockingBind(ctx, p.network, p.loopback())
	case sockets.StateListenInProgress:
		if err = s.BlockingBind(ctx, p.network, p.loopback()); err == nil {
			err = s.StartListen()
		}
	case sockets.StateListening:
		if err = s.BlockingBind(ctx, p.network, p.loopback()); err == nil {
			err = s.BlockingListen(ctx)
		}
	case sockets.StateConnectInProgress:
		err = s.StartConnect(p.network, p.target)
	case sockets.StateConnected:
		err = s.BlockingConnect(ctx, p.network, p.target)
	case sockets.StateClosed:
		err = s.Close()
	}
	if err == nil && s.State() != state {
		err = fmt.Errorf("reached %s instead of %s", s.State(), state)
	}
	if err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("reach %s: %w", state, err)
	}
	return s, nil
}

// drain accepts and closes connections queued on the probe listener.
func (p *prober) drain() {
	for {
		c, err := p.listener.Accept()
		if err != nil {
			return
		}
		_ = c.Close()
	}
}

func (p *prober) apply(s *sockets.TCPSocket, op string) error {
	switch op {
	case "start-bind":
		return s.StartBind(p.network, p.loopback())
	case "finish-bind":
		return s.FinishBind()
	case "start-connect":
		return s.StartConnect(p.network, p.target)
	case "finish-connect":
		return s.FinishConnect()
	case "start-listen":
		return s.StartListen()
	case "finish-listen":
		return s.FinishListen()
	case "accept":
		c, err := s.Accept()
		if c != nil {
			_ = c.Close()
		}
		return err
	case "shutdown":
		return s.Shutdown(sockets.ShutdownBoth)
	case "local-address":
		_, err := s.LocalAddress()
		return err
	case "remote-address":
		_, err := s.RemoteAddress()
		return err
	case "set-listen-backlog-size":
		return s.SetListenBacklogSize(64)
	case "ipv6-only":
		_, err := s.IPv6Only()
		return err
	}
	return fmt.Errorf("unknown probe %q", op)
}

func probeMatrix(ctx context.Context, opts sockets.Options, family sockets.IPAddressFamily, timeout time.Duration) (*Matrix, error) {
	p, err := newProber(ctx, opts, family, timeout)
	if err != nil {
		return nil, err
	}
	defer p.Close()

	m := &Matrix{
		Platform:   opts.Platform.Name(),
		Family:     family.String(),
		Operations: matrixOps,
	}
	for _, state := range sockets.States() {
		row := MatrixRow{State: state.String(), Results: make(map[string]string, len(matrixOps))}
		for _, op := range matrixOps {
			s, err := p.reach(state)
			if err != nil {
				return nil, err
			}
			row.Results[op] = resultName(p.apply(s, op))
			_ = s.Close()
			p.drain()
		}
		m.States = append(m.States, row)
	}
	return m, nil
}
