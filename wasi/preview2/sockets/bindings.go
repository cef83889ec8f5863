package sockets

import (
	"context"
	"net/netip"

	"github.com/tetratelabs/wazero/api"

	errs "github.com/wippyai/wasi-sockets/errors"
	"github.com/wippyai/wasi-sockets/linker"
)

// CodeOK is the status word written for a successful call. Failures write
// the errors.Code value instead.
const CodeOK = 0xFF

var (
	i32 = api.ValueTypeI32
	i64 = api.ValueTypeI64
)

func types(v ...api.ValueType) []api.ValueType { return v }

func status(err error) uint64 {
	if err == nil {
		return CodeOK
	}
	code, _ := errs.CodeOf(err)
	return uint64(code)
}

func boolWord(v bool) uint64 {
	if v {
		return 1
	}
	return 0
}

// readAddress decodes (family, hi, lo, port) from four stack slots.
func readAddress(stack []uint64) (netip.AddrPort, error) {
	family := api.DecodeU32(stack[0])
	port := api.DecodeU32(stack[3])
	if family > 0xFF || port > 0xFFFF {
		return netip.AddrPort{}, errs.InvalidArgument(errs.OpHandle, "malformed address (family %d, port %d)", family, port)
	}
	return DecodeAddress(IPAddressFamily(family), stack[1], stack[2], uint16(port))
}

// writeAddress encodes ap into four stack slots.
func writeAddress(stack []uint64, ap netip.AddrPort) {
	family, hi, lo, port := EncodeAddress(ap)
	stack[0] = api.EncodeU32(uint32(family))
	stack[1] = hi
	stack[2] = lo
	stack[3] = api.EncodeU32(uint32(port))
}

// unit adapts a method that only reports success.
func unit(fn func(context.Context, uint32) error) api.GoModuleFunc {
	return func(ctx context.Context, _ api.Module, stack []uint64) {
		stack[0] = status(fn(ctx, api.DecodeU32(stack[0])))
	}
}

// getter adapts a method returning one scalar.
func getter[T any](fn func(context.Context, uint32) (T, error), word func(T) uint64) api.GoModuleFunc {
	return func(ctx context.Context, _ api.Module, stack []uint64) {
		v, err := fn(ctx, api.DecodeU32(stack[0]))
		stack[0] = status(err)
		if err != nil {
			stack[1] = 0
			return
		}
		stack[1] = word(v)
	}
}

// setter adapts a method taking one scalar. parse rejects out-of-range words.
func setter[T any](fn func(context.Context, uint32, T) error, parse func(uint64) (T, bool)) api.GoModuleFunc {
	return func(ctx context.Context, _ api.Module, stack []uint64) {
		v, ok := parse(stack[1])
		if !ok {
			stack[0] = uint64(errs.CodeInvalidArgument)
			return
		}
		stack[0] = status(fn(ctx, api.DecodeU32(stack[0]), v))
	}
}

func u64Word(v uint64) uint64 { return v }
func u32Word(v uint32) uint64 { return api.EncodeU32(v) }
func u8Word(v uint8) uint64   { return uint64(v) }

func parseU64(w uint64) (uint64, bool) { return w, true }
func parseU32(w uint64) (uint32, bool) { return api.DecodeU32(w), true }

func parseU8(w uint64) (uint8, bool) {
	v := api.DecodeU32(w)
	return uint8(v), v <= 0xFF
}

func parseBool(w uint64) (bool, bool) {
	switch api.DecodeU32(w) {
	case 0:
		return false, true
	case 1:
		return true, true
	}
	return false, false
}

func (h *TCPHost) addressCall(fn func(context.Context, uint32, uint32, netip.AddrPort) error) api.GoModuleFunc {
	return func(ctx context.Context, _ api.Module, stack []uint64) {
		addr, err := readAddress(stack[2:6])
		if err != nil {
			stack[0] = uint64(errs.CodeInvalidArgument)
			return
		}
		stack[0] = status(fn(ctx, api.DecodeU32(stack[0]), api.DecodeU32(stack[1]), addr))
	}
}

func (h *TCPHost) addressResult(fn func(context.Context, uint32) (netip.AddrPort, error)) api.GoModuleFunc {
	return func(ctx context.Context, _ api.Module, stack []uint64) {
		addr, err := fn(ctx, api.DecodeU32(stack[0]))
		stack[0] = status(err)
		if err != nil {
			clear(stack[1:5])
			return
		}
		writeAddress(stack[1:5], addr)
	}
}

// CoreFuncs returns the tcp-socket functions with scalar-only signatures.
// Addresses are passed as (family i32, hi i64, lo i64, port i32) and every
// fallible call returns a status word first.
func (h *TCPHost) CoreFuncs() []linker.FuncDef {
	handle := types(i32)
	withAddr := types(i32, i32, i32, i64, i64, i32)
	statusOnly := types(i32)
	status32 := types(i32, i32)
	status64 := types(i32, i64)

	return []linker.FuncDef{
		{Name: "[method]tcp-socket.start-bind", Handler: h.addressCall(h.MethodTCPSocketStartBind), ParamTypes: withAddr, ResultTypes: statusOnly},
		{Name: "[method]tcp-socket.finish-bind", Handler: unit(h.MethodTCPSocketFinishBind), ParamTypes: handle, ResultTypes: statusOnly},
		{Name: "[method]tcp-socket.start-connect", Handler: h.addressCall(h.MethodTCPSocketStartConnect), ParamTypes: withAddr, ResultTypes: statusOnly},
		{Name: "[method]tcp-socket.finish-connect", Handler: unit(h.MethodTCPSocketFinishConnect), ParamTypes: handle, ResultTypes: statusOnly},
		{Name: "[method]tcp-socket.start-listen", Handler: unit(h.MethodTCPSocketStartListen), ParamTypes: handle, ResultTypes: statusOnly},
		{Name: "[method]tcp-socket.finish-listen", Handler: unit(h.MethodTCPSocketFinishListen), ParamTypes: handle, ResultTypes: statusOnly},
		{Name: "[method]tcp-socket.accept", Handler: getter(h.MethodTCPSocketAccept, u32Word), ParamTypes: handle, ResultTypes: status32},
		{
			Name: "[method]tcp-socket.shutdown",
			Handler: func(ctx context.Context, _ api.Module, stack []uint64) {
				how := api.DecodeU32(stack[1])
				if how > 0xFF {
					stack[0] = uint64(errs.CodeInvalidArgument)
					return
				}
				stack[0] = status(h.MethodTCPSocketShutdown(ctx, api.DecodeU32(stack[0]), ShutdownType(how)))
			},
			ParamTypes:  types(i32, i32),
			ResultTypes: statusOnly,
		},
		{
			Name: "[method]tcp-socket.address-family",
			Handler: getter(h.MethodTCPSocketAddressFamily, func(f IPAddressFamily) uint64 {
				return uint64(f)
			}),
			ParamTypes:  handle,
			ResultTypes: status32,
		},
		{Name: "[method]tcp-socket.local-address", Handler: h.addressResult(h.MethodTCPSocketLocalAddress), ParamTypes: handle, ResultTypes: types(i32, i32, i64, i64, i32)},
		{Name: "[method]tcp-socket.remote-address", Handler: h.addressResult(h.MethodTCPSocketRemoteAddress), ParamTypes: handle, ResultTypes: types(i32, i32, i64, i64, i32)},
		{
			Name: "[method]tcp-socket.is-listening",
			Handler: func(ctx context.Context, _ api.Module, stack []uint64) {
				stack[0] = boolWord(h.MethodTCPSocketIsListening(ctx, api.DecodeU32(stack[0])))
			},
			ParamTypes:  handle,
			ResultTypes: types(i32),
		},
		{Name: "[method]tcp-socket.subscribe", Handler: getter(h.MethodTCPSocketSubscribe, u32Word), ParamTypes: handle, ResultTypes: status32},

		{Name: "[method]tcp-socket.ipv6-only", Handler: getter(h.MethodTCPSocketIPv6Only, boolWord), ParamTypes: handle, ResultTypes: status32},
		{Name: "[method]tcp-socket.set-ipv6-only", Handler: setter(h.MethodTCPSocketSetIPv6Only, parseBool), ParamTypes: types(i32, i32), ResultTypes: statusOnly},
		{Name: "[method]tcp-socket.listen-backlog-size", Handler: getter(h.MethodTCPSocketListenBacklogSize, u64Word), ParamTypes: handle, ResultTypes: status64},
		{Name: "[method]tcp-socket.set-listen-backlog-size", Handler: setter(h.MethodTCPSocketSetListenBacklogSize, parseU64), ParamTypes: types(i32, i64), ResultTypes: statusOnly},
		{Name: "[method]tcp-socket.keep-alive-enabled", Handler: getter(h.MethodTCPSocketKeepAliveEnabled, boolWord), ParamTypes: handle, ResultTypes: status32},
		{Name: "[method]tcp-socket.set-keep-alive-enabled", Handler: setter(h.MethodTCPSocketSetKeepAliveEnabled, parseBool), ParamTypes: types(i32, i32), ResultTypes: statusOnly},
		{Name: "[method]tcp-socket.keep-alive-idle-time", Handler: getter(h.MethodTCPSocketKeepAliveIdleTime, u64Word), ParamTypes: handle, ResultTypes: status64},
		{Name: "[method]tcp-socket.set-keep-alive-idle-time", Handler: setter(h.MethodTCPSocketSetKeepAliveIdleTime, parseU64), ParamTypes: types(i32, i64), ResultTypes: statusOnly},
		{Name: "[method]tcp-socket.keep-alive-interval", Handler: getter(h.MethodTCPSocketKeepAliveInterval, u64Word), ParamTypes: handle, ResultTypes: status64},
		{Name: "[method]tcp-socket.set-keep-alive-interval", Handler: setter(h.MethodTCPSocketSetKeepAliveInterval, parseU64), ParamTypes: types(i32, i64), ResultTypes: statusOnly},
		{Name: "[method]tcp-socket.keep-alive-count", Handler: getter(h.MethodTCPSocketKeepAliveCount, u32Word), ParamTypes: handle, ResultTypes: status32},
		{Name: "[method]tcp-socket.set-keep-alive-count", Handler: setter(h.MethodTCPSocketSetKeepAliveCount, parseU32), ParamTypes: types(i32, i32), ResultTypes: statusOnly},
		{Name: "[method]tcp-socket.hop-limit", Handler: getter(h.MethodTCPSocketHopLimit, u8Word), ParamTypes: handle, ResultTypes: status32},
		{Name: "[method]tcp-socket.set-hop-limit", Handler: setter(h.MethodTCPSocketSetHopLimit, parseU8), ParamTypes: types(i32, i32), ResultTypes: statusOnly},
		{Name: "[method]tcp-socket.receive-buffer-size", Handler: getter(h.MethodTCPSocketReceiveBufferSize, u64Word), ParamTypes: handle, ResultTypes: status64},
		{Name: "[method]tcp-socket.set-receive-buffer-size", Handler: setter(h.MethodTCPSocketSetReceiveBufferSize, parseU64), ParamTypes: types(i32, i64), ResultTypes: statusOnly},
		{Name: "[method]tcp-socket.send-buffer-size", Handler: getter(h.MethodTCPSocketSendBufferSize, u64Word), ParamTypes: handle, ResultTypes: status64},
		{Name: "[method]tcp-socket.set-send-buffer-size", Handler: setter(h.MethodTCPSocketSetSendBufferSize, parseU64), ParamTypes: types(i32, i64), ResultTypes: statusOnly},

		{
			Name: "[resource-drop]tcp-socket",
			Handler: func(ctx context.Context, _ api.Module, stack []uint64) {
				h.ResourceDropTCPSocket(ctx, api.DecodeU32(stack[0]))
			},
			ParamTypes: handle,
		},
	}
}

// CoreFuncs returns create-tcp-socket as (family i32) -> (status i32, handle i32).
func (h *TCPCreateSocketHost) CoreFuncs() []linker.FuncDef {
	return []linker.FuncDef{{
		Name: "create-tcp-socket",
		Handler: func(ctx context.Context, _ api.Module, stack []uint64) {
			family := api.DecodeU32(stack[0])
			if family > 0xFF {
				stack[0], stack[1] = uint64(errs.CodeInvalidArgument), 0
				return
			}
			handle, err := h.CreateTCPSocket(ctx, IPAddressFamily(family))
			stack[0], stack[1] = status(err), api.EncodeU32(handle)
		},
		ParamTypes:  types(i32),
		ResultTypes: types(i32, i32),
	}}
}

func (h *InstanceNetworkHost) CoreFuncs() []linker.FuncDef {
	return []linker.FuncDef{{
		Name: "instance-network",
		Handler: func(ctx context.Context, _ api.Module, stack []uint64) {
			stack[0] = api.EncodeU32(h.InstanceNetwork(ctx))
		},
		ResultTypes: types(i32),
	}}
}

func (h *NetworkHost) CoreFuncs() []linker.FuncDef {
	return []linker.FuncDef{{
		Name: "[resource-drop]network",
		Handler: func(ctx context.Context, _ api.Module, stack []uint64) {
			h.ResourceDropNetwork(ctx, api.DecodeU32(stack[0]))
		},
		ParamTypes: types(i32),
	}}
}
