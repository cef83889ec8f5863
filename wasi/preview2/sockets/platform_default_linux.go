//go:build linux

package sockets

import "fmt"

var defaultRaw = NewRawPlatform()

// DefaultPlatform returns the raw syscall platform.
func DefaultPlatform() Platform {
	return defaultRaw
}

// PlatformByName resolves "raw" or "portable". An empty name selects the default.
func PlatformByName(name string) (Platform, error) {
	switch name {
	case "", "raw":
		return defaultRaw, nil
	case "portable":
		return SharedPortablePlatform(), nil
	}
	return nil, fmt.Errorf("unknown platform %q", name)
}
