// Package linker collects host functions into named namespaces and
// instantiates them as wazero host modules.
//
// # Main Types
//
//   - Linker: owns the namespaces and the host modules built from them
//   - Namespace: the functions of one import module
//   - HostModuleBuilder: fluent builder for a single host module
//
// # Thread Safety
//
// Linker and Namespace are safe for concurrent use.
//
// # Example
//
//	l := linker.New(rt)
//	l.Namespace("wasi:io/poll@0.2.0").Define(pollHost.CoreFuncs()...)
//	if err := l.Instantiate(ctx); err != nil {
//		return err
//	}
//	defer l.Close(ctx)
package linker
