package sockets

import (
	"context"
	"net/netip"
	"sync"
	"time"

	errs "github.com/wippyai/wasi-sockets/errors"
	"github.com/wippyai/wasi-sockets/wasi/preview2"
)

// TCPHost implements wasi:sockets/tcp@0.2.0 over handles in a resource table.
// All socket access is serialized through one mutex.
type TCPHost struct {
	resources *preview2.ResourceTable
	mu        *sync.Mutex
}

// NewTCPHost creates a new TCP host
func NewTCPHost(resources *preview2.ResourceTable) *TCPHost {
	return &TCPHost{resources: resources, mu: &sync.Mutex{}}
}

// Namespace returns the WASI namespace
func (h *TCPHost) Namespace() string {
	return "wasi:sockets/tcp@0.2.0"
}

func badHandle(what string, handle uint32) error {
	return errs.InvalidArgument(errs.OpHandle, "unknown %s handle %d", what, handle)
}

// getSocket retrieves and validates a TCP socket resource. Callers hold mu.
func (h *TCPHost) getSocket(handle uint32) (*TCPSocket, error) {
	r, ok := h.resources.GetTyped(handle, preview2.ResourceTCPSocket)
	if !ok {
		return nil, badHandle("tcp-socket", handle)
	}
	socket, ok := r.(*TCPSocket)
	if !ok {
		return nil, badHandle("tcp-socket", handle)
	}
	return socket, nil
}

func (h *TCPHost) getNetwork(handle uint32) (*Network, error) {
	r, ok := h.resources.GetTyped(handle, preview2.ResourceNetwork)
	if !ok {
		return nil, badHandle("network", handle)
	}
	network, ok := r.(*Network)
	if !ok {
		return nil, badHandle("network", handle)
	}
	return network, nil
}

// with runs fn on the socket behind self while holding the host lock.
func (h *TCPHost) with(self uint32, fn func(*TCPSocket) error) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	socket, err := h.getSocket(self)
	if err != nil {
		return err
	}
	return fn(socket)
}

func (h *TCPHost) withNetwork(self, network uint32, fn func(*TCPSocket, *Network) error) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	socket, err := h.getSocket(self)
	if err != nil {
		return err
	}
	n, err := h.getNetwork(network)
	if err != nil {
		return err
	}
	return fn(socket, n)
}

// Connection management methods

// [method]tcp-socket.start-bind
func (h *TCPHost) MethodTCPSocketStartBind(_ context.Context, self, network uint32, local netip.AddrPort) error {
	return h.withNetwork(self, network, func(s *TCPSocket, n *Network) error {
		return s.StartBind(n, local)
	})
}

// [method]tcp-socket.finish-bind
func (h *TCPHost) MethodTCPSocketFinishBind(_ context.Context, self uint32) error {
	return h.with(self, (*TCPSocket).FinishBind)
}

// [method]tcp-socket.start-connect
func (h *TCPHost) MethodTCPSocketStartConnect(_ context.Context, self, network uint32, remote netip.AddrPort) error {
	return h.withNetwork(self, network, func(s *TCPSocket, n *Network) error {
		return s.StartConnect(n, remote)
	})
}

// [method]tcp-socket.finish-connect
func (h *TCPHost) MethodTCPSocketFinishConnect(_ context.Context, self uint32) error {
	return h.with(self, (*TCPSocket).FinishConnect)
}

// [method]tcp-socket.start-listen
func (h *TCPHost) MethodTCPSocketStartListen(_ context.Context, self uint32) error {
	return h.with(self, (*TCPSocket).StartListen)
}

// [method]tcp-socket.finish-listen
func (h *TCPHost) MethodTCPSocketFinishListen(_ context.Context, self uint32) error {
	return h.with(self, (*TCPSocket).FinishListen)
}

// [method]tcp-socket.accept
func (h *TCPHost) MethodTCPSocketAccept(_ context.Context, self uint32) (uint32, error) {
	var handle uint32
	err := h.with(self, func(s *TCPSocket) error {
		child, err := s.Accept()
		if err != nil {
			return err
		}
		handle = h.resources.Add(child)
		if handle == 0 {
			_ = child.Close()
			return errs.New(errs.OpAccept, errs.CodeNewSocketLimit).Detail("resource table closed").Build()
		}
		return nil
	})
	return handle, err
}

// [method]tcp-socket.shutdown
func (h *TCPHost) MethodTCPSocketShutdown(_ context.Context, self uint32, how ShutdownType) error {
	return h.with(self, func(s *TCPSocket) error {
		return s.Shutdown(how)
	})
}

// Configuration methods

// [method]tcp-socket.address-family
func (h *TCPHost) MethodTCPSocketAddressFamily(_ context.Context, self uint32) (IPAddressFamily, error) {
	var family IPAddressFamily
	err := h.with(self, func(s *TCPSocket) error {
		family = s.AddressFamily()
		return nil
	})
	return family, err
}

// [method]tcp-socket.local-address
func (h *TCPHost) MethodTCPSocketLocalAddress(_ context.Context, self uint32) (netip.AddrPort, error) {
	var addr netip.AddrPort
	err := h.with(self, func(s *TCPSocket) (err error) {
		addr, err = s.LocalAddress()
		return err
	})
	return addr, err
}

// [method]tcp-socket.remote-address
func (h *TCPHost) MethodTCPSocketRemoteAddress(_ context.Context, self uint32) (netip.AddrPort, error) {
	var addr netip.AddrPort
	err := h.with(self, func(s *TCPSocket) (err error) {
		addr, err = s.RemoteAddress()
		return err
	})
	return addr, err
}

// [method]tcp-socket.is-listening
func (h *TCPHost) MethodTCPSocketIsListening(_ context.Context, self uint32) bool {
	var listening bool
	_ = h.with(self, func(s *TCPSocket) error {
		listening = s.IsListening()
		return nil
	})
	return listening
}

// [method]tcp-socket.subscribe
func (h *TCPHost) MethodTCPSocketSubscribe(_ context.Context, self uint32) (uint32, error) {
	var handle uint32
	err := h.with(self, func(s *TCPSocket) error {
		handle = h.resources.Add(s.subscribeLocked(h.mu))
		return nil
	})
	return handle, err
}

// [resource-drop]tcp-socket
func (h *TCPHost) ResourceDropTCPSocket(_ context.Context, self uint32) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, err := h.getSocket(self); err == nil {
		h.resources.Remove(self)
	}
}

// Socket options

// [method]tcp-socket.ipv6-only
func (h *TCPHost) MethodTCPSocketIPv6Only(_ context.Context, self uint32) (bool, error) {
	var v bool
	err := h.with(self, func(s *TCPSocket) (err error) {
		v, err = s.IPv6Only()
		return err
	})
	return v, err
}

// [method]tcp-socket.set-ipv6-only
func (h *TCPHost) MethodTCPSocketSetIPv6Only(_ context.Context, self uint32, value bool) error {
	return h.with(self, func(s *TCPSocket) error { return s.SetIPv6Only(value) })
}

// [method]tcp-socket.listen-backlog-size
func (h *TCPHost) MethodTCPSocketListenBacklogSize(_ context.Context, self uint32) (uint64, error) {
	var v uint64
	err := h.with(self, func(s *TCPSocket) (err error) {
		v, err = s.ListenBacklogSize()
		return err
	})
	return v, err
}

// [method]tcp-socket.set-listen-backlog-size
func (h *TCPHost) MethodTCPSocketSetListenBacklogSize(_ context.Context, self uint32, value uint64) error {
	return h.with(self, func(s *TCPSocket) error { return s.SetListenBacklogSize(value) })
}

// [method]tcp-socket.keep-alive-enabled
func (h *TCPHost) MethodTCPSocketKeepAliveEnabled(_ context.Context, self uint32) (bool, error) {
	var v bool
	err := h.with(self, func(s *TCPSocket) (err error) {
		v, err = s.KeepAliveEnabled()
		return err
	})
	return v, err
}

// [method]tcp-socket.set-keep-alive-enabled
func (h *TCPHost) MethodTCPSocketSetKeepAliveEnabled(_ context.Context, self uint32, value bool) error {
	return h.with(self, func(s *TCPSocket) error { return s.SetKeepAliveEnabled(value) })
}

// [method]tcp-socket.keep-alive-idle-time
func (h *TCPHost) MethodTCPSocketKeepAliveIdleTime(_ context.Context, self uint32) (uint64, error) {
	var v time.Duration
	err := h.with(self, func(s *TCPSocket) (err error) {
		v, err = s.KeepAliveIdleTime()
		return err
	})
	return uint64(v), err
}

// [method]tcp-socket.set-keep-alive-idle-time
func (h *TCPHost) MethodTCPSocketSetKeepAliveIdleTime(_ context.Context, self uint32, value uint64) error {
	return h.with(self, func(s *TCPSocket) error { return s.SetKeepAliveIdleTime(time.Duration(value)) })
}

// [method]tcp-socket.keep-alive-interval
func (h *TCPHost) MethodTCPSocketKeepAliveInterval(_ context.Context, self uint32) (uint64, error) {
	var v time.Duration
	err := h.with(self, func(s *TCPSocket) (err error) {
		v, err = s.KeepAliveInterval()
		return err
	})
	return uint64(v), err
}

// [method]tcp-socket.set-keep-alive-interval
func (h *TCPHost) MethodTCPSocketSetKeepAliveInterval(_ context.Context, self uint32, value uint64) error {
	return h.with(self, func(s *TCPSocket) error { return s.SetKeepAliveInterval(time.Duration(value)) })
}

// [method]tcp-socket.keep-alive-count
func (h *TCPHost) MethodTCPSocketKeepAliveCount(_ context.Context, self uint32) (uint32, error) {
	var v uint32
	err := h.with(self, func(s *TCPSocket) (err error) {
		v, err = s.KeepAliveCount()
		return err
	})
	return v, err
}

// [method]tcp-socket.set-keep-alive-count
func (h *TCPHost) MethodTCPSocketSetKeepAliveCount(_ context.Context, self uint32, value uint32) error {
	return h.with(self, func(s *TCPSocket) error { return s.SetKeepAliveCount(value) })
}

// [method]tcp-socket.hop-limit
func (h *TCPHost) MethodTCPSocketHopLimit(_ context.Context, self uint32) (uint8, error) {
	var v uint8
	err := h.with(self, func(s *TCPSocket) (err error) {
		v, err = s.HopLimit()
		return err
	})
	return v, err
}

// [method]tcp-socket.set-hop-limit
func (h *TCPHost) MethodTCPSocketSetHopLimit(_ context.Context, self uint32, value uint8) error {
	return h.with(self, func(s *TCPSocket) error { return s.SetHopLimit(value) })
}

// [method]tcp-socket.receive-buffer-size
func (h *TCPHost) MethodTCPSocketReceiveBufferSize(_ context.Context, self uint32) (uint64, error) {
	var v uint64
	err := h.with(self, func(s *TCPSocket) (err error) {
		v, err = s.ReceiveBufferSize()
		return err
	})
	return v, err
}

// [method]tcp-socket.set-receive-buffer-size
func (h *TCPHost) MethodTCPSocketSetReceiveBufferSize(_ context.Context, self uint32, value uint64) error {
	return h.with(self, func(s *TCPSocket) error { return s.SetReceiveBufferSize(value) })
}

// [method]tcp-socket.send-buffer-size
func (h *TCPHost) MethodTCPSocketSendBufferSize(_ context.Context, self uint32) (uint64, error) {
	var v uint64
	err := h.with(self, func(s *TCPSocket) (err error) {
		v, err = s.SendBufferSize()
		return err
	})
	return v, err
}

// [method]tcp-socket.set-send-buffer-size
func (h *TCPHost) MethodTCPSocketSetSendBufferSize(_ context.Context, self uint32, value uint64) error {
	return h.with(self, func(s *TCPSocket) error { return s.SetSendBufferSize(value) })
}

// Register returns the host functions keyed by their WIT names.
func (h *TCPHost) Register() map[string]any {
	return map[string]any{
		"[method]tcp-socket.start-bind":               h.MethodTCPSocketStartBind,
		"[method]tcp-socket.finish-bind":              h.MethodTCPSocketFinishBind,
		"[method]tcp-socket.start-connect":            h.MethodTCPSocketStartConnect,
		"[method]tcp-socket.finish-connect":           h.MethodTCPSocketFinishConnect,
		"[method]tcp-socket.start-listen":             h.MethodTCPSocketStartListen,
		"[method]tcp-socket.finish-listen":            h.MethodTCPSocketFinishListen,
		"[method]tcp-socket.accept":                   h.MethodTCPSocketAccept,
		"[method]tcp-socket.shutdown":                 h.MethodTCPSocketShutdown,
		"[method]tcp-socket.address-family":           h.MethodTCPSocketAddressFamily,
		"[method]tcp-socket.local-address":            h.MethodTCPSocketLocalAddress,
		"[method]tcp-socket.remote-address":           h.MethodTCPSocketRemoteAddress,
		"[method]tcp-socket.is-listening":             h.MethodTCPSocketIsListening,
		"[method]tcp-socket.subscribe":                h.MethodTCPSocketSubscribe,
		"[method]tcp-socket.ipv6-only":                h.MethodTCPSocketIPv6Only,
		"[method]tcp-socket.set-ipv6-only":            h.MethodTCPSocketSetIPv6Only,
		"[method]tcp-socket.listen-backlog-size":      h.MethodTCPSocketListenBacklogSize,
		"[method]tcp-socket.set-listen-backlog-size":  h.MethodTCPSocketSetListenBacklogSize,
		"[method]tcp-socket.keep-alive-enabled":       h.MethodTCPSocketKeepAliveEnabled,
		"[method]tcp-socket.set-keep-alive-enabled":   h.MethodTCPSocketSetKeepAliveEnabled,
		"[method]tcp-socket.keep-alive-idle-time":     h.MethodTCPSocketKeepAliveIdleTime,
		"[method]tcp-socket.set-keep-alive-idle-time": h.MethodTCPSocketSetKeepAliveIdleTime,
		"[method]tcp-socket.keep-alive-interval":      h.MethodTCPSocketKeepAliveInterval,
		"[method]tcp-socket.set-keep-alive-interval":  h.MethodTCPSocketSetKeepAliveInterval,
		"[method]tcp-socket.keep-alive-count":         h.MethodTCPSocketKeepAliveCount,
		"[method]tcp-socket.set-keep-alive-count":     h.MethodTCPSocketSetKeepAliveCount,
		"[method]tcp-socket.hop-limit":                h.MethodTCPSocketHopLimit,
		"[method]tcp-socket.set-hop-limit":            h.MethodTCPSocketSetHopLimit,
		"[method]tcp-socket.receive-buffer-size":      h.MethodTCPSocketReceiveBufferSize,
		"[method]tcp-socket.set-receive-buffer-size":  h.MethodTCPSocketSetReceiveBufferSize,
		"[method]tcp-socket.send-buffer-size":         h.MethodTCPSocketSendBufferSize,
		"[method]tcp-socket.set-send-buffer-size":     h.MethodTCPSocketSetSendBufferSize,
		"[resource-drop]tcp-socket":                   h.ResourceDropTCPSocket,
	}
}

// TCPCreateSocketHost implements wasi:sockets/tcp-create-socket@0.2.0.
type TCPCreateSocketHost struct {
	resources *preview2.ResourceTable
	opts      Options
	mu        *sync.Mutex
}

// NewTCPCreateSocketHost creates sockets with opts. NewHost wires it to the
// TCP host's mutex so creation is serialized with socket operations.
func NewTCPCreateSocketHost(resources *preview2.ResourceTable, opts Options) *TCPCreateSocketHost {
	return &TCPCreateSocketHost{resources: resources, opts: opts, mu: &sync.Mutex{}}
}

func (h *TCPCreateSocketHost) Namespace() string {
	return "wasi:sockets/tcp-create-socket@0.2.0"
}

// create-tcp-socket
func (h *TCPCreateSocketHost) CreateTCPSocket(_ context.Context, family IPAddressFamily) (uint32, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	socket, err := NewTCPSocketWithOptions(family, h.opts)
	if err != nil {
		return 0, err
	}
	handle := h.resources.Add(socket)
	if handle == 0 {
		_ = socket.Close()
		return 0, errs.New(errs.OpCreate, errs.CodeNewSocketLimit).Detail("resource table closed").Build()
	}
	return handle, nil
}

func (h *TCPCreateSocketHost) Register() map[string]any {
	return map[string]any{
		"create-tcp-socket": h.CreateTCPSocket,
	}
}

// InstanceNetworkHost implements wasi:sockets/instance-network@0.2.0.
type InstanceNetworkHost struct {
	resources *preview2.ResourceTable
	allow     []netip.Prefix
}

// NewInstanceNetworkHost hands out networks restricted to allow. An empty
// allow-list grants an unrestricted network.
func NewInstanceNetworkHost(resources *preview2.ResourceTable, allow ...netip.Prefix) *InstanceNetworkHost {
	return &InstanceNetworkHost{resources: resources, allow: allow}
}

func (h *InstanceNetworkHost) Namespace() string {
	return "wasi:sockets/instance-network@0.2.0"
}

// instance-network
func (h *InstanceNetworkHost) InstanceNetwork(_ context.Context) uint32 {
	return h.resources.Add(NewNetwork(WithAllow(h.allow...)))
}

func (h *InstanceNetworkHost) Register() map[string]any {
	return map[string]any{
		"instance-network": h.InstanceNetwork,
	}
}

// NetworkHost implements wasi:sockets/network@0.2.0.
type NetworkHost struct {
	resources *preview2.ResourceTable
}

func NewNetworkHost(resources *preview2.ResourceTable) *NetworkHost {
	return &NetworkHost{resources: resources}
}

func (h *NetworkHost) Namespace() string {
	return "wasi:sockets/network@0.2.0"
}

// [resource-drop]network
func (h *NetworkHost) ResourceDropNetwork(_ context.Context, self uint32) {
	if _, ok := h.resources.GetTyped(self, preview2.ResourceNetwork); ok {
		h.resources.Remove(self)
	}
}

func (h *NetworkHost) Register() map[string]any {
	return map[string]any{
		"[resource-drop]network": h.ResourceDropNetwork,
	}
}

// Host bundles the socket hosts that share one resource table.
type Host struct {
	TCP      *TCPHost
	Create   *TCPCreateSocketHost
	Instance *InstanceNetworkHost
	Network  *NetworkHost
}

// HostOptions configures NewHost.
type HostOptions struct {
	Socket Options
	Allow  []netip.Prefix
}

// NewHost creates all socket hosts over resources.
func NewHost(resources *preview2.ResourceTable, opts HostOptions) *Host {
	tcp := NewTCPHost(resources)
	create := NewTCPCreateSocketHost(resources, opts.Socket)
	create.mu = tcp.mu
	return &Host{
		TCP:      tcp,
		Create:   create,
		Instance: NewInstanceNetworkHost(resources, opts.Allow...),
		Network:  NewNetworkHost(resources),
	}
}
