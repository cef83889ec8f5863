package sockets

import (
	"net/netip"

	"github.com/wippyai/wasi-sockets/wasi/preview2"
)

// Network is the capability required to bind or connect a socket.
// It is immutable after construction and safe to share between sockets.
type Network struct {
	allow []netip.Prefix
}

// NetworkOption configures a Network.
type NetworkOption func(*Network)

// WithAllow restricts the network to addresses inside the given prefixes.
func WithAllow(prefixes ...netip.Prefix) NetworkOption {
	return func(n *Network) {
		for _, p := range prefixes {
			n.allow = append(n.allow, p.Masked())
		}
	}
}

// NewNetwork creates a network capability. Without options it is unrestricted.
func NewNetwork(opts ...NetworkOption) *Network {
	n := &Network{}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

// Restricted reports whether an allow-list is in effect.
func (n *Network) Restricted() bool {
	return len(n.allow) > 0
}

// Permits reports whether addr may be used for bind or connect.
// IPv4-mapped IPv6 addresses are checked as their IPv4 form.
func (n *Network) Permits(addr netip.Addr) bool {
	if len(n.allow) == 0 {
		return true
	}
	addr = addr.WithZone("")
	unmapped := addr.Unmap()
	for _, p := range n.allow {
		if p.Contains(addr) || p.Contains(unmapped) {
			return true
		}
	}
	return false
}

func (n *Network) Type() preview2.ResourceType { return preview2.ResourceNetwork }
func (n *Network) Drop()                       {}
