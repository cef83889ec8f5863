package runtime

import (
	"context"
	"fmt"
	"sync"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"go.uber.org/zap"

	"github.com/wippyai/wasi-sockets/linker"
	"github.com/wippyai/wasi-sockets/wasi/preview2"
	"github.com/wippyai/wasi-sockets/wasi/preview2/io"
	"github.com/wippyai/wasi-sockets/wasi/preview2/sockets"
)

type Runtime struct {
	wazero wazero.Runtime
	linker *linker.Linker

	wasi     *preview2.WASI
	sockets  *sockets.Host
	io       *io.Host
	portable *sockets.PortablePlatform

	mu sync.Mutex
}

func New(ctx context.Context) (*Runtime, error) {
	cfg := wazero.NewRuntimeConfig().WithCloseOnContextDone(true)
	rt := wazero.NewRuntimeWithConfig(ctx, cfg)
	return &Runtime{
		wazero: rt,
		linker: linker.New(rt),
	}, nil
}

// Close releases all runtime resources, including every socket still held in
// the WASI resource table. All instances must be closed before calling this.
func (r *Runtime) Close(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.wasi != nil {
		r.wasi.Close()
		r.wasi = nil
	}
	if r.portable != nil {
		r.portable.Release()
		r.portable = nil
	}

	err := r.linker.Close(ctx)
	if cerr := r.wazero.Close(ctx); cerr != nil && err == nil {
		err = cerr
	}
	return err
}

// Linker returns the linker holding host function definitions. Functions
// defined on it before the first LoadWASM are visible to guests.
func (r *Runtime) Linker() *linker.Linker {
	return r.linker
}

// Sockets returns the socket hosts installed by RegisterWASI, or nil.
func (r *Runtime) Sockets() *sockets.Host {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sockets
}

// IO returns the io hosts installed by RegisterWASI, or nil.
func (r *Runtime) IO() *io.Host {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.io
}

// Module returns the instantiated host module for a WASI interface name,
// e.g. "wasi:sockets/tcp@0.2.0". Host modules are instantiated lazily by
// Instantiate or LoadWASM.
func (r *Runtime) Module(name string) api.Module {
	return r.linker.Module(name)
}

// Instantiate builds every host module defined so far.
func (r *Runtime) Instantiate(ctx context.Context) error {
	return r.linker.Instantiate(ctx)
}

// LoadWASM compiles a core WebAssembly module after making sure all host
// modules it may import are instantiated.
func (r *Runtime) LoadWASM(ctx context.Context, wasm []byte) (*Module, error) {
	if err := r.linker.Instantiate(ctx); err != nil {
		return nil, fmt.Errorf("instantiate host modules: %w", err)
	}

	compiled, err := r.wazero.CompileModule(ctx, wasm)
	if err != nil {
		return nil, fmt.Errorf("compile module: %w", err)
	}

	Logger().Debug("module compiled",
		zap.Int("imports", len(compiled.ImportedFunctions())),
		zap.Int("exports", len(compiled.ExportedFunctions())))

	return &Module{runtime: r, compiled: compiled}, nil
}
