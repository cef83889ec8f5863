package main

import (
	"fmt"
	"io"
	"net/netip"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/wippyai/wasi-sockets/linker"
	"github.com/wippyai/wasi-sockets/runtime"
	"github.com/wippyai/wasi-sockets/wasi/preview2/sockets"
)

// app holds the global flags and the state derived from them in
// PersistentPreRunE.
type app struct {
	platform string
	family   string
	output   string
	allow    []string
	timeout  time.Duration
	verbose  bool
	metrics  bool

	logger    *zap.Logger
	formatter Formatter
	registry  *prometheus.Registry
}

func newRootCmd() *cobra.Command {
	a := &app{}

	root := &cobra.Command{
		Use:   "tcpstate",
		Short: "Explore the WASI TCP socket state machine",
		Long: `tcpstate drives TCP sockets through the wasi:sockets/tcp state machine:
bind, connect and listen as start/finish pairs, accept, shutdown and options.
It prints the observed legality matrix, replays YAML scenarios and offers an
interactive console.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.setup()
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			_ = a.logger.Sync()
		},
	}

	flags := root.PersistentFlags()
	flags.StringVar(&a.platform, "platform", "", "socket platform: raw, portable (default depends on OS)")
	flags.StringVar(&a.family, "family", "ipv4", "address family: ipv4, ipv6")
	flags.StringVarP(&a.output, "output", "o", "table", "output format: table, json, yaml")
	flags.StringSliceVar(&a.allow, "allow", nil, "restrict bind/connect to these prefixes (e.g. 127.0.0.0/8)")
	flags.DurationVar(&a.timeout, "timeout", 5*time.Second, "deadline for blocking operations")
	flags.BoolVarP(&a.verbose, "verbose", "v", false, "log socket transitions to stderr")
	flags.BoolVar(&a.metrics, "metrics", false, "print socket metrics after the command")

	root.AddCommand(
		newMatrixCmd(a),
		newDemoCmd(a),
		newRunCmd(a),
		newInteractiveCmd(a),
		newABICmd(a),
	)
	return root
}

func (a *app) setup() error {
	a.logger = zap.NewNop()
	if a.verbose {
		l, err := zap.NewDevelopment()
		if err != nil {
			return fmt.Errorf("create logger: %w", err)
		}
		a.logger = l
	}
	sockets.SetLogger(a.logger)
	linker.SetLogger(a.logger)
	runtime.SetLogger(a.logger)

	f, err := NewFormatter(a.output)
	if err != nil {
		return err
	}
	a.formatter = f
	a.registry = prometheus.NewRegistry()
	return nil
}

func (a *app) addressFamily() (sockets.IPAddressFamily, error) {
	return sockets.ParseAddressFamily(a.family)
}

func (a *app) prefixes() ([]netip.Prefix, error) {
	out := make([]netip.Prefix, 0, len(a.allow))
	for _, s := range a.allow {
		p, err := parsePrefix(s)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}

func parsePrefix(s string) (netip.Prefix, error) {
	p, err := netip.ParsePrefix(s)
	if err != nil {
		return netip.Prefix{}, fmt.Errorf("parse allow prefix: %w", err)
	}
	return p, nil
}

// socketOptions resolves the platform and attaches metrics on the app registry.
func (a *app) socketOptions() (sockets.Options, error) {
	p, err := sockets.PlatformByName(a.platform)
	if err != nil {
		return sockets.Options{}, err
	}
	m, err := sockets.NewMetrics(a.registry)
	if err != nil {
		return sockets.Options{}, fmt.Errorf("register metrics: %w", err)
	}
	return sockets.Options{Platform: p, Logger: a.logger, Metrics: m}, nil
}

func (a *app) print(w io.Writer, data any) {
	fmt.Fprint(w, a.formatter.Format(data))
}

// printMetrics writes the registry in the Prometheus text format when
// --metrics is set.
func (a *app) printMetrics(w io.Writer) error {
	if !a.metrics {
		return nil
	}
	families, err := a.registry.Gather()
	if err != nil {
		return fmt.Errorf("gather metrics: %w", err)
	}
	fmt.Fprintln(w)
	for _, mf := range families {
		if _, err := expfmt.MetricFamilyToText(w, mf); err != nil {
			return err
		}
	}
	return nil
}
