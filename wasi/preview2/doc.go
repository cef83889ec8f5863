// Package preview2 holds the shared plumbing for the WASI Preview2 sockets hosts.
//
// # Quick Start
//
// Create a WASI context and register it with a runtime:
//
//	wasi := preview2.New().
//	    WithAllowedPrefixes(netip.MustParsePrefix("127.0.0.0/8")).
//	    WithLogger(logger)
//
//	rt.RegisterWASI(wasi)
//
// # Configuration Options
//
//   - WithAllowedPrefixes: restrict bind/connect targets of the instance network
//   - WithLogger: structured logger used by socket hosts
//   - WithRegisterer: enable prometheus metrics for socket transitions
//   - WithPortablePlatform: use the net-package platform instead of raw syscalls
//
// # Resource Management
//
// WASI Preview2 uses a resource-oriented design where handles represent
// capabilities granted to a guest:
//
//   - ResourceTable: Manages handle lifecycle and ownership
//   - Resource: Interface for all WASI resources (networks, sockets, pollables)
//   - Pollable: Interface for resources that support async polling
//
// Resources are dropped when the guest drops the handle or when the WASI
// context is closed.
//
// # Implemented Interfaces
//
//   - io: wasi:io/poll over socket and timer pollables
//   - sockets: wasi:sockets/tcp, tcp-create-socket and instance-network
//
// # Thread Safety
//
// ResourceTable is safe for concurrent use. A single WASI context should be
// used with one guest instance at a time.
package preview2
