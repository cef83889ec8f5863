package linker

import (
	"context"
	"sort"
	"sync"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"go.uber.org/zap"
)

// Linker manages host function definitions and the host modules built from
// them. Thread-safe.
type Linker struct {
	runtime    wazero.Runtime
	namespaces map[string]*Namespace
	modules    map[string]api.Module
	mu         sync.RWMutex
}

// New creates a new Linker over rt.
func New(rt wazero.Runtime) *Linker {
	return &Linker{
		runtime:    rt,
		namespaces: make(map[string]*Namespace),
		modules:    make(map[string]api.Module),
	}
}

// Runtime returns the wazero runtime.
func (l *Linker) Runtime() wazero.Runtime {
	return l.runtime
}

// Namespace returns or creates the namespace for a module name such as
// "wasi:sockets/tcp@0.2.0".
func (l *Linker) Namespace(name string) *Namespace {
	l.mu.Lock()
	defer l.mu.Unlock()

	if ns, ok := l.namespaces[name]; ok {
		return ns
	}
	ns := NewNamespace(name)
	l.namespaces[name] = ns
	return ns
}

// Namespaces returns the defined namespace names in sorted order.
func (l *Linker) Namespaces() []string {
	l.mu.RLock()
	defer l.mu.RUnlock()

	names := make([]string, 0, len(l.namespaces))
	for name := range l.namespaces {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// DefineFunc is a convenience method to define a function at a full path.
// DefineFunc uses path format: "wasi:sockets/tcp@0.2.0#[method]tcp-socket.start-bind"
func (l *Linker) DefineFunc(path string, fn api.GoModuleFunc, params, results []api.ValueType) error {
	nsPath, funcName, err := splitFuncPath(path)
	if err != nil {
		return err
	}

	l.Namespace(nsPath).DefineFunc(funcName, fn, params, results)
	return nil
}

// Resolve looks up a function by full path: "wasi:io/poll@0.2.0#poll".
func (l *Linker) Resolve(path string) *FuncDef {
	nsPath, funcName, err := splitFuncPath(path)
	if err != nil {
		return nil
	}

	l.mu.RLock()
	ns, ok := l.namespaces[nsPath]
	l.mu.RUnlock()
	if !ok {
		return nil
	}
	return ns.GetFunc(funcName)
}

// splitFuncPath splits "ns/path#funcname" into namespace and function parts
func splitFuncPath(path string) (nsPath, funcName string, err error) {
	for i := len(path) - 1; i >= 0; i-- {
		if path[i] == '#' {
			if i == 0 || i == len(path)-1 {
				break
			}
			return path[:i], path[i+1:], nil
		}
	}
	return "", "", linkError(path, "", "invalid function path: want \"module#func\"", nil)
}

// Module returns the instantiated host module for name, or nil.
func (l *Linker) Module(name string) api.Module {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.modules[name]
}

// Instantiate builds a host module for every namespace that has not been
// instantiated yet.
func (l *Linker) Instantiate(ctx context.Context) error {
	for _, name := range l.Namespaces() {
		if l.Module(name) != nil {
			continue
		}
		if _, err := l.NewHostModule(name).Build(ctx); err != nil {
			return err
		}
	}
	return nil
}

// Close closes every host module the linker instantiated. It does not close
// the wazero runtime.
func (l *Linker) Close(ctx context.Context) error {
	l.mu.Lock()
	modules := l.modules
	l.modules = make(map[string]api.Module)
	l.namespaces = make(map[string]*Namespace)
	l.mu.Unlock()

	var first error
	for name, mod := range modules {
		if err := mod.Close(ctx); err != nil && first == nil {
			first = linkError(name, "", "close", err)
		}
	}
	return first
}

// HostModuleBuilder builds host modules for the wazero runtime.
type HostModuleBuilder struct {
	linker    *Linker
	namespace *Namespace
}

// NewHostModule starts building a host module with the given name.
// NewHostModule expects the full WIT interface path: "wasi:io/poll@0.2.0"
func (l *Linker) NewHostModule(name string) *HostModuleBuilder {
	return &HostModuleBuilder{
		linker:    l,
		namespace: l.Namespace(name),
	}
}

// Func adds a function to the host module builder.
func (b *HostModuleBuilder) Func(name string, fn api.GoModuleFunc, params, results []api.ValueType) *HostModuleBuilder {
	b.namespace.DefineFunc(name, fn, params, results)
	return b
}

// Funcs adds every def to the host module builder.
func (b *HostModuleBuilder) Funcs(defs ...FuncDef) *HostModuleBuilder {
	b.namespace.Define(defs...)
	return b
}

// Build instantiates the host module into the wazero runtime.
func (b *HostModuleBuilder) Build(ctx context.Context) (api.Module, error) {
	name := b.namespace.Name()
	builder := b.linker.runtime.NewHostModuleBuilder(name)

	names := b.namespace.FuncNames()
	for _, fn := range names {
		f := b.namespace.GetFunc(fn)
		builder.NewFunctionBuilder().
			WithGoModuleFunction(f.Handler, f.ParamTypes, f.ResultTypes).
			WithName(f.Name).
			Export(f.Name)
	}

	mod, err := builder.Instantiate(ctx)
	if err != nil {
		return nil, linkError(name, "", "instantiate host module", err)
	}

	b.linker.mu.Lock()
	b.linker.modules[name] = mod
	b.linker.mu.Unlock()

	Logger().Debug("host module instantiated",
		zap.String("module", name),
		zap.Int("funcs", len(names)))
	return mod, nil
}
