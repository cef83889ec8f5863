// Package wasisockets implements the wasi:sockets TCP host for WebAssembly
// guests running on wazero.
//
// # Architecture Overview
//
// The module is organized into several packages with distinct responsibilities:
//
//	wasisockets/
//	├── runtime/              Loads core wasm guests against the socket host modules
//	├── linker/               Host function namespaces and wazero host modules
//	├── resource/             Handle table with typed entries and drop events
//	├── errors/               Error codes and structured operation errors
//	├── wasi/preview2/        Per-guest WASI state, resource table and pollables
//	├── wasi/preview2/io/     wasi:io/poll over socket pollables
//	├── wasi/preview2/sockets TCP state machine, platforms and host bindings
//	└── cmd/tcpstate/         CLI for probing and scripting the state machine
//
// # Quick Start
//
// Use a socket directly:
//
//	network := sockets.NewNetwork()
//	s, err := sockets.NewTCPSocket(sockets.AddressFamilyIPv4)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer s.Close()
//
//	if err := s.StartBind(network, netip.MustParseAddrPort("127.0.0.1:0")); err != nil {
//	    log.Fatal(err)
//	}
//	if err := s.FinishBind(); err != nil {
//	    log.Fatal(err)
//	}
//
// Or expose sockets to a guest:
//
//	rt, err := runtime.New(ctx)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer rt.Close(ctx)
//
//	if _, err := rt.RegisterWASI(preview2.New()); err != nil {
//	    log.Fatal(err)
//	}
//	mod, err := rt.LoadWASM(ctx, wasmBytes)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	inst, err := mod.Instantiate(ctx)
//
// # Two-Phase Operations
//
// Bind, connect and listen are split into start and finish calls. A start
// moves the socket into an in-progress state and occupies its single pending
// slot; finish completes the operation or reports would-block while the
// platform is still working. Guests wait on the pollable returned by
// subscribe between the two calls.
//
// # Thread Safety
//
// A TCPSocket is owned by one guest and is not safe for concurrent use.
// Runtime, Linker and the resource table are safe for concurrent use.
package wasisockets
