//go:build !linux

package sockets

import "fmt"

// DefaultPlatform returns the shared portable platform.
func DefaultPlatform() Platform {
	return SharedPortablePlatform()
}

// PlatformByName resolves "portable". The raw platform is linux-only.
func PlatformByName(name string) (Platform, error) {
	switch name {
	case "", "portable":
		return SharedPortablePlatform(), nil
	case "raw":
		return nil, fmt.Errorf("raw platform is only available on linux")
	}
	return nil, fmt.Errorf("unknown platform %q", name)
}
