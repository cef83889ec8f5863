package runtime

import (
	"context"
	"fmt"
	"sort"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
)

// Module is a compiled core WebAssembly module.
type Module struct {
	runtime  *Runtime
	compiled wazero.CompiledModule
}

type Export struct {
	Name string
}

// Exports returns the exported functions in name order.
func (m *Module) Exports() []Export {
	defs := m.compiled.ExportedFunctions()
	exports := make([]Export, 0, len(defs))
	for name := range defs {
		exports = append(exports, Export{Name: name})
	}
	sort.Slice(exports, func(i, j int) bool { return exports[i].Name < exports[j].Name })
	return exports
}

// Imports returns the "module#name" paths of the imported functions.
func (m *Module) Imports() []string {
	defs := m.compiled.ImportedFunctions()
	imports := make([]string, 0, len(defs))
	for _, def := range defs {
		mod, name, _ := def.Import()
		imports = append(imports, mod+"#"+name)
	}
	return imports
}

// Instantiate creates an anonymous instance. A module can be instantiated
// any number of times; instances share the runtime's WASI resources.
func (m *Module) Instantiate(ctx context.Context) (*Instance, error) {
	mod, err := m.runtime.wazero.InstantiateModule(ctx, m.compiled, wazero.NewModuleConfig().WithName(""))
	if err != nil {
		return nil, fmt.Errorf("instantiate module: %w", err)
	}
	return &Instance{module: m, mod: mod}, nil
}

// Close releases the compiled module.
func (m *Module) Close(ctx context.Context) error {
	return m.compiled.Close(ctx)
}

// Instance is an instantiated guest module.
type Instance struct {
	module *Module
	mod    api.Module
}

// Call invokes an exported function with raw core-wasm values.
func (i *Instance) Call(ctx context.Context, name string, params ...uint64) ([]uint64, error) {
	fn := i.mod.ExportedFunction(name)
	if fn == nil {
		return nil, fmt.Errorf("export %q not found", name)
	}
	return fn.Call(ctx, params...)
}

// Memory returns the instance's exported memory, or nil.
func (i *Instance) Memory() api.Memory {
	return i.mod.Memory()
}

func (i *Instance) Close(ctx context.Context) error {
	return i.mod.Close(ctx)
}
