package runtime

import (
	"context"
	"net"
	"net/netip"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	errs "github.com/wippyai/wasi-sockets/errors"
	"github.com/wippyai/wasi-sockets/linker"
	"github.com/wippyai/wasi-sockets/wasi/preview2"
	"github.com/wippyai/wasi-sockets/wasi/preview2/sockets"
)

const (
	loopback4 = 0x7F000001
	listPtr   = 0
	outPtr    = 64
)

type guest struct {
	ctx  context.Context
	inst *Instance
}

func (g *guest) call(t *testing.T, name string, params ...uint64) []uint64 {
	t.Helper()
	res, err := g.inst.Call(g.ctx, name, params...)
	if err != nil {
		t.Fatalf("%s: %v", name, err)
	}
	return res
}

func (g *guest) ok(t *testing.T, name string, params ...uint64) []uint64 {
	t.Helper()
	res := g.call(t, name, params...)
	if res[0] != sockets.CodeOK {
		t.Fatalf("%s: status %s", name, errs.Code(res[0]))
	}
	return res
}

// await blocks in wasi:io/poll until sock's pollable is ready.
func (g *guest) await(t *testing.T, sock uint64) {
	t.Helper()
	sub := g.ok(t, "[method]tcp-socket.subscribe", sock)[1]
	mem := g.inst.Memory()
	if !mem.WriteUint32Le(listPtr, uint32(sub)) {
		t.Fatal("write poll list")
	}
	if n := g.call(t, "poll", listPtr, 1, outPtr)[0]; n != 1 {
		t.Fatalf("poll returned %d ready", n)
	}
	if idx, _ := mem.ReadUint32Le(outPtr); idx != 0 {
		t.Fatalf("poll ready index = %d", idx)
	}
	g.call(t, "[resource-drop]pollable", sub)
}

// finish repeats a finish call until it stops reporting would-block.
func (g *guest) finish(t *testing.T, name string, sock uint64) []uint64 {
	t.Helper()
	for {
		res := g.call(t, name, sock)
		if res[0] != uint64(errs.CodeWouldBlock) {
			return res
		}
		g.await(t, sock)
	}
}

func newGuest(t *testing.T, w *preview2.WASI) (*Runtime, *guest) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)

	rt, err := New(ctx)
	if err != nil {
		t.Fatalf("create runtime: %v", err)
	}
	t.Cleanup(func() { _ = rt.Close(context.Background()) })

	host, err := rt.RegisterWASI(w)
	if err != nil {
		t.Fatalf("register wasi: %v", err)
	}

	var imports []guestImport
	add := func(module string, defs []linker.FuncDef) {
		for _, d := range defs {
			imports = append(imports, guestImport{module: module, def: d})
		}
	}
	add(host.TCP.Namespace(), host.TCP.CoreFuncs())
	add(host.Create.Namespace(), host.Create.CoreFuncs())
	add(host.Instance.Namespace(), host.Instance.CoreFuncs())
	add(host.Network.Namespace(), host.Network.CoreFuncs())
	poll := rt.IO().Poll
	add(poll.Namespace(), poll.CoreFuncs())

	mod, err := rt.LoadWASM(ctx, buildGuest(imports))
	if err != nil {
		t.Fatalf("load guest: %v", err)
	}
	inst, err := mod.Instantiate(ctx)
	if err != nil {
		t.Fatalf("instantiate guest: %v", err)
	}
	t.Cleanup(func() { _ = inst.Close(context.Background()) })
	return rt, &guest{ctx: ctx, inst: inst}
}

func skipWithoutLoopback(t *testing.T) {
	t.Helper()
	l, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Skipf("loopback unavailable: %v", err)
	}
	_ = l.Close()
}

func TestRuntime_RegisterWASI(t *testing.T) {
	ctx := context.Background()
	rt, err := New(ctx)
	if err != nil {
		t.Fatalf("create runtime: %v", err)
	}
	defer rt.Close(ctx)

	if rt.Sockets() != nil || rt.IO() != nil {
		t.Fatal("hosts set before RegisterWASI")
	}
	if _, err := rt.RegisterWASI(preview2.New()); err != nil {
		t.Fatalf("register wasi: %v", err)
	}
	if _, err := rt.RegisterWASI(preview2.New()); err == nil {
		t.Fatal("second RegisterWASI should fail")
	}

	if rt.Module("wasi:sockets/tcp@0.2.0") != nil {
		t.Fatal("host module instantiated before Instantiate")
	}
	if err := rt.Instantiate(ctx); err != nil {
		t.Fatalf("instantiate: %v", err)
	}
	for _, name := range []string{
		"wasi:sockets/tcp@0.2.0",
		"wasi:sockets/tcp-create-socket@0.2.0",
		"wasi:sockets/instance-network@0.2.0",
		"wasi:sockets/network@0.2.0",
		"wasi:io/poll@0.2.0",
	} {
		if rt.Module(name) == nil {
			t.Errorf("host module %s missing", name)
		}
	}
	if got := rt.Linker().Namespaces(); len(got) != 5 {
		t.Errorf("namespaces = %v", got)
	}
}

func TestRuntime_LoadWASMRejectsGarbage(t *testing.T) {
	ctx := context.Background()
	rt, err := New(ctx)
	if err != nil {
		t.Fatalf("create runtime: %v", err)
	}
	defer rt.Close(ctx)

	if _, err := rt.LoadWASM(ctx, []byte("not wasm")); err == nil {
		t.Fatal("expected compile error")
	}
}

func TestRuntime_MissingImportFails(t *testing.T) {
	ctx := context.Background()
	rt, err := New(ctx)
	if err != nil {
		t.Fatalf("create runtime: %v", err)
	}
	defer rt.Close(ctx)

	host := sockets.NewHost(preview2.NewResourceTable(), sockets.HostOptions{})
	wasm := buildGuest([]guestImport{{module: host.Instance.Namespace(), def: host.Instance.CoreFuncs()[0]}})

	mod, err := rt.LoadWASM(ctx, wasm)
	if err != nil {
		t.Fatalf("load guest: %v", err)
	}
	if got := mod.Imports(); len(got) != 1 || got[0] != "wasi:sockets/instance-network@0.2.0#instance-network" {
		t.Errorf("imports = %v", got)
	}
	if _, err := mod.Instantiate(ctx); err == nil {
		t.Fatal("instantiate without RegisterWASI should fail")
	}
}

func TestRuntime_GuestExports(t *testing.T) {
	_, g := newGuest(t, preview2.New())
	exports := g.inst.module.Exports()
	found := false
	for _, e := range exports {
		if e.Name == "[method]tcp-socket.start-bind" {
			found = true
		}
	}
	if !found {
		t.Errorf("start-bind trampoline not exported: %v", exports)
	}
	if _, err := g.inst.Call(g.ctx, "no-such-export"); err == nil {
		t.Error("expected error for unknown export")
	}
}

func testGuestLoopback(t *testing.T, portable bool) {
	skipWithoutLoopback(t)

	reg := prometheus.NewRegistry()
	w := preview2.New().
		WithAllowedPrefixes(netip.MustParsePrefix("127.0.0.0/8")).
		WithRegisterer(reg).
		WithPortablePlatform(portable)
	_, g := newGuest(t, w)

	network := g.call(t, "instance-network")[0]

	server := g.ok(t, "create-tcp-socket", uint64(sockets.AddressFamilyIPv4))[1]
	g.ok(t, "[method]tcp-socket.start-bind", server, network, uint64(sockets.AddressFamilyIPv4), 0, loopback4, 0)
	g.ok(t, "[method]tcp-socket.finish-bind", server)
	g.ok(t, "[method]tcp-socket.start-listen", server)
	if res := g.finish(t, "[method]tcp-socket.finish-listen", server); res[0] != sockets.CodeOK {
		t.Fatalf("finish-listen: %s", errs.Code(res[0]))
	}
	if g.call(t, "[method]tcp-socket.is-listening", server)[0] != 1 {
		t.Fatal("server not listening")
	}

	listen := g.ok(t, "[method]tcp-socket.local-address", server)
	port := listen[4]
	if listen[1] != uint64(sockets.AddressFamilyIPv4) || listen[3] != loopback4 || port == 0 {
		t.Fatalf("listen address = %v", listen[1:])
	}

	client := g.ok(t, "create-tcp-socket", uint64(sockets.AddressFamilyIPv4))[1]
	g.ok(t, "[method]tcp-socket.start-connect", client, network, uint64(sockets.AddressFamilyIPv4), 0, loopback4, port)
	if res := g.finish(t, "[method]tcp-socket.finish-connect", client); res[0] != sockets.CodeOK {
		t.Fatalf("finish-connect: %s", errs.Code(res[0]))
	}

	accepted := g.finish(t, "[method]tcp-socket.accept", server)
	if accepted[0] != sockets.CodeOK {
		t.Fatalf("accept: %s", errs.Code(accepted[0]))
	}
	peer := g.ok(t, "[method]tcp-socket.remote-address", accepted[1])
	local := g.ok(t, "[method]tcp-socket.local-address", client)
	for i := 1; i < 5; i++ {
		if peer[i] != local[i] {
			t.Fatalf("accepted remote %v != client local %v", peer[1:], local[1:])
		}
	}

	// Outside the allow-list.
	other := g.ok(t, "create-tcp-socket", uint64(sockets.AddressFamilyIPv4))[1]
	res := g.call(t, "[method]tcp-socket.start-connect", other, network, uint64(sockets.AddressFamilyIPv4), 0, 0x0A000001, 80)
	if res[0] != uint64(errs.CodeAccessDenied) {
		t.Fatalf("connect outside allow-list: %s", errs.Code(res[0]))
	}

	if got := openSockets(t, reg); got != 4 {
		t.Errorf("open sockets = %v, want 4", got)
	}
	g.call(t, "[resource-drop]tcp-socket", server)
	g.call(t, "[resource-drop]tcp-socket", other)
	if got := openSockets(t, reg); got != 2 {
		t.Errorf("open sockets after drop = %v, want 2", got)
	}
	g.call(t, "[resource-drop]network", network)
}

func TestRuntime_GuestLoopbackPortable(t *testing.T) {
	testGuestLoopback(t, true)
}

func TestRuntime_GuestLoopbackDefault(t *testing.T) {
	testGuestLoopback(t, false)
}

func openSockets(t *testing.T, reg *prometheus.Registry) float64 {
	t.Helper()
	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	for _, mf := range families {
		if mf.GetName() == "wasi_sockets_tcp_open_sockets" {
			return mf.GetMetric()[0].GetGauge().GetValue()
		}
	}
	t.Fatal("open sockets gauge not registered")
	return 0
}

func TestRuntime_CloseDropsSockets(t *testing.T) {
	w := preview2.New()
	rt, g := newGuest(t, w)

	g.ok(t, "create-tcp-socket", uint64(sockets.AddressFamilyIPv6))
	if w.Resources().Len() != 1 {
		t.Fatalf("resources = %d, want 1", w.Resources().Len())
	}
	if err := rt.Close(context.Background()); err != nil {
		t.Fatalf("close: %v", err)
	}
	if w.Resources().Len() != 0 {
		t.Errorf("resources after close = %d", w.Resources().Len())
	}
}
