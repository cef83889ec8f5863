package sockets

import (
	"fmt"
	"net/netip"
)

// IPAddressFamily is the address family a socket is created for.
// Values match the wasi:sockets/network ip-address-family enum.
type IPAddressFamily uint8

const (
	AddressFamilyIPv4 IPAddressFamily = 0
	AddressFamilyIPv6 IPAddressFamily = 1
)

func (f IPAddressFamily) String() string {
	switch f {
	case AddressFamilyIPv4:
		return "ipv4"
	case AddressFamilyIPv6:
		return "ipv6"
	default:
		return fmt.Sprintf("family(%d)", uint8(f))
	}
}

// Valid reports whether f is one of the two supported families.
func (f IPAddressFamily) Valid() bool {
	return f == AddressFamilyIPv4 || f == AddressFamilyIPv6
}

// ParseAddressFamily accepts "ipv4"/"4" and "ipv6"/"6".
func ParseAddressFamily(s string) (IPAddressFamily, error) {
	switch s {
	case "ipv4", "4", "inet":
		return AddressFamilyIPv4, nil
	case "ipv6", "6", "inet6":
		return AddressFamilyIPv6, nil
	}
	return 0, fmt.Errorf("unknown address family %q", s)
}

// FamilyOf returns the family an address belongs to. IPv4-mapped IPv6
// addresses belong to IPv6.
func FamilyOf(addr netip.Addr) IPAddressFamily {
	if addr.Is4() {
		return AddressFamilyIPv4
	}
	return AddressFamilyIPv6
}

// Loopback returns the loopback address of a family.
func Loopback(f IPAddressFamily) netip.Addr {
	if f == AddressFamilyIPv6 {
		return netip.IPv6Loopback()
	}
	return netip.AddrFrom4([4]byte{127, 0, 0, 1})
}

// Unspecified returns the wildcard address of a family.
func Unspecified(f IPAddressFamily) netip.Addr {
	if f == AddressFamilyIPv6 {
		return netip.IPv6Unspecified()
	}
	return netip.IPv4Unspecified()
}

var ipv4Broadcast = netip.AddrFrom4([4]byte{255, 255, 255, 255})

// EncodeAddress flattens a socket address into the scalar form used by the
// core-wasm bindings: the 128-bit address split into high and low halves.
// IPv4 addresses occupy the low 32 bits of lo.
func EncodeAddress(ap netip.AddrPort) (family IPAddressFamily, hi, lo uint64, port uint16) {
	addr := ap.Addr()
	port = ap.Port()
	if addr.Is4() {
		b := addr.As4()
		lo = uint64(b[0])<<24 | uint64(b[1])<<16 | uint64(b[2])<<8 | uint64(b[3])
		return AddressFamilyIPv4, 0, lo, port
	}
	b := addr.As16()
	for i := 0; i < 8; i++ {
		hi = hi<<8 | uint64(b[i])
		lo = lo<<8 | uint64(b[i+8])
	}
	return AddressFamilyIPv6, hi, lo, port
}

// DecodeAddress is the inverse of EncodeAddress.
func DecodeAddress(family IPAddressFamily, hi, lo uint64, port uint16) (netip.AddrPort, error) {
	switch family {
	case AddressFamilyIPv4:
		if hi != 0 || lo>>32 != 0 {
			return netip.AddrPort{}, fmt.Errorf("ipv4 address out of range")
		}
		addr := netip.AddrFrom4([4]byte{byte(lo >> 24), byte(lo >> 16), byte(lo >> 8), byte(lo)})
		return netip.AddrPortFrom(addr, port), nil
	case AddressFamilyIPv6:
		var b [16]byte
		for i := 0; i < 8; i++ {
			b[7-i] = byte(hi >> (8 * i))
			b[15-i] = byte(lo >> (8 * i))
		}
		return netip.AddrPortFrom(netip.AddrFrom16(b), port), nil
	}
	return netip.AddrPort{}, fmt.Errorf("unknown address family %d", family)
}
