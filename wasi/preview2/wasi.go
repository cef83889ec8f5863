package preview2

import (
	"net/netip"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

// WASI configures a WASI preview2 sockets environment. Use builder methods to set up.
type WASI struct {
	resources  *ResourceTable
	logger     *zap.Logger
	registerer prometheus.Registerer
	allowed    []netip.Prefix
	portable   bool
}

// New creates a new WASI preview2 instance with an unrestricted network
// and a no-op logger.
func New() *WASI {
	return &WASI{
		resources: NewResourceTable(),
		logger:    zap.NewNop(),
	}
}

// WithAllowedPrefixes restricts bind and connect to the given prefixes.
// An empty list leaves the network unrestricted.
func (w *WASI) WithAllowedPrefixes(prefixes ...netip.Prefix) *WASI {
	w.allowed = append([]netip.Prefix(nil), prefixes...)
	return w
}

// WithLogger sets the logger handed to socket hosts.
func (w *WASI) WithLogger(l *zap.Logger) *WASI {
	if l == nil {
		l = zap.NewNop()
	}
	w.logger = l
	return w
}

// WithRegisterer enables socket metrics on the given registry.
func (w *WASI) WithRegisterer(r prometheus.Registerer) *WASI {
	w.registerer = r
	return w
}

// WithPortablePlatform selects the net-package platform instead of the
// raw syscall platform.
func (w *WASI) WithPortablePlatform(portable bool) *WASI {
	w.portable = portable
	return w
}

// Resources returns the resource table
func (w *WASI) Resources() *ResourceTable {
	return w.resources
}

// Logger returns the configured logger
func (w *WASI) Logger() *zap.Logger {
	return w.logger
}

// Registerer returns the metrics registry, or nil when metrics are disabled
func (w *WASI) Registerer() prometheus.Registerer {
	return w.registerer
}

// AllowedPrefixes returns the network allow-list
func (w *WASI) AllowedPrefixes() []netip.Prefix {
	return w.allowed
}

// PortablePlatform reports whether the portable platform was requested
func (w *WASI) PortablePlatform() bool {
	return w.portable
}

// Close cleans up all resources
func (w *WASI) Close() {
	w.resources.Clear()
}
