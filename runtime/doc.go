// Package runtime hosts core WebAssembly guests that use WASI TCP sockets.
//
// # Quick Start
//
//	ctx := context.Background()
//	rt, err := runtime.New(ctx)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer rt.Close(ctx)
//
//	wasi := preview2.New().WithAllowedPrefixes(netip.MustParsePrefix("127.0.0.0/8"))
//	if _, err := rt.RegisterWASI(wasi); err != nil {
//	    log.Fatal(err)
//	}
//
//	mod, err := rt.LoadWASM(ctx, wasmBytes)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	inst, err := mod.Instantiate(ctx)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer inst.Close(ctx)
//
//	results, err := inst.Call(ctx, "run")
//
// # Host Modules
//
// RegisterWASI defines one host module per interface:
//
//	wasi:sockets/tcp@0.2.0
//	wasi:sockets/tcp-create-socket@0.2.0
//	wasi:sockets/instance-network@0.2.0
//	wasi:sockets/network@0.2.0
//	wasi:io/poll@0.2.0
//
// Functions use scalar signatures only. Handles are i32, an IP socket
// address is (family i32, hi i64, lo i64, port i32) and fallible calls
// return a status word first, 0xFF on success or the error code.
//
// Host modules are instantiated on the first LoadWASM (or Instantiate), so
// additional functions can be defined through Linker until then.
package runtime
