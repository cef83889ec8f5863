package linker

import (
	"sort"
	"strings"
	"sync"

	"github.com/tetratelabs/wazero/api"
)

// FuncDef defines a host function
type FuncDef struct {
	Name        string
	Handler     api.GoModuleFunc
	ParamTypes  []api.ValueType
	ResultTypes []api.ValueType
}

// Namespace holds the functions of one host module, such as
// "wasi:sockets/tcp@0.2.0".
type Namespace struct {
	funcs map[string]*FuncDef
	name  string
	mu    sync.RWMutex
}

// NewNamespace creates an empty namespace.
func NewNamespace(name string) *Namespace {
	return &Namespace{
		name:  name,
		funcs: make(map[string]*FuncDef),
	}
}

// Name returns the namespace name
func (ns *Namespace) Name() string {
	return ns.name
}

// Version returns the part after '@', or "" if unversioned.
func (ns *Namespace) Version() string {
	_, version := splitVersion(ns.name)
	return version
}

// DefineFunc registers a host function in this namespace.
// DefineFunc overwrites any existing function with the same name.
func (ns *Namespace) DefineFunc(name string, fn api.GoModuleFunc, params, results []api.ValueType) {
	ns.mu.Lock()
	defer ns.mu.Unlock()

	ns.funcs[name] = &FuncDef{
		Name:        name,
		Handler:     fn,
		ParamTypes:  params,
		ResultTypes: results,
	}
}

// Define registers every def.
func (ns *Namespace) Define(defs ...FuncDef) {
	for _, d := range defs {
		ns.DefineFunc(d.Name, d.Handler, d.ParamTypes, d.ResultTypes)
	}
}

// GetFunc returns a function by name, or nil if not found
func (ns *Namespace) GetFunc(name string) *FuncDef {
	ns.mu.RLock()
	defer ns.mu.RUnlock()
	return ns.funcs[name]
}

// FuncNames returns the defined function names in sorted order.
func (ns *Namespace) FuncNames() []string {
	ns.mu.RLock()
	defer ns.mu.RUnlock()

	names := make([]string, 0, len(ns.funcs))
	for name := range ns.funcs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Len returns the number of defined functions.
func (ns *Namespace) Len() int {
	ns.mu.RLock()
	defer ns.mu.RUnlock()
	return len(ns.funcs)
}

// splitVersion splits "name@version" into its parts.
func splitVersion(s string) (string, string) {
	idx := strings.LastIndex(s, "@")
	if idx < 0 {
		return s, ""
	}
	return s[:idx], s[idx+1:]
}
