package runtime

import (
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/wippyai/wasi-sockets/linker"
	"github.com/wippyai/wasi-sockets/wasi/preview2"
	"github.com/wippyai/wasi-sockets/wasi/preview2/io"
	"github.com/wippyai/wasi-sockets/wasi/preview2/sockets"
)

var errWASIRegistered = errors.New("wasi already registered")

// RegisterWASI defines the wasi:sockets and wasi:io/poll host functions for
// w. Must be called BEFORE loading modules that import these functions.
func (r *Runtime) RegisterWASI(w *preview2.WASI) (*sockets.Host, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.wasi != nil {
		return nil, errWASIRegistered
	}

	resources := w.Resources()
	opts := sockets.Options{Logger: w.Logger()}

	if reg := w.Registerer(); reg != nil {
		m, err := sockets.NewMetrics(reg)
		if err != nil {
			return nil, fmt.Errorf("register socket metrics: %w", err)
		}
		opts.Metrics = m
		resources.Subscribe(m.Observer())
	}

	if w.PortablePlatform() {
		p, err := sockets.NewPortablePlatform(0)
		if err != nil {
			return nil, fmt.Errorf("create portable platform: %w", err)
		}
		r.portable = p
		opts.Platform = p
	} else {
		opts.Platform = sockets.DefaultPlatform()
	}

	host := sockets.NewHost(resources, sockets.HostOptions{
		Socket: opts,
		Allow:  w.AllowedPrefixes(),
	})
	ioHost := io.NewHost(resources)

	define := func(name string, defs []linker.FuncDef) {
		r.linker.Namespace(name).Define(defs...)
	}
	define(host.TCP.Namespace(), host.TCP.CoreFuncs())
	define(host.Create.Namespace(), host.Create.CoreFuncs())
	define(host.Instance.Namespace(), host.Instance.CoreFuncs())
	define(host.Network.Namespace(), host.Network.CoreFuncs())
	define(ioHost.Poll.Namespace(), ioHost.Poll.CoreFuncs())

	r.wasi = w
	r.sockets = host
	r.io = ioHost

	Logger().Debug("wasi registered",
		zap.String("platform", opts.Platform.Name()),
		zap.Int("allow", len(w.AllowedPrefixes())),
		zap.Bool("metrics", opts.Metrics != nil))
	return host, nil
}
