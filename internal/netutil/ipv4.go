// Package netutil provides the IPv4 helpers the transport uses to discover
// which interfaces to bind and broadcast on.
package netutil

import (
	"fmt"
	"net"
	"net/netip"
	"slices"
)

// IPv4 is a dotted-quad address with an optional netmask.
type IPv4 struct {
	addr    netip.Addr
	netmask netip.Addr
}

// ParseIPv4 parses a dotted-quad address and an optional dotted-quad
// netmask. An empty or invalid netmask leaves the mask unset; an invalid
// address is an error.
func ParseIPv4(address, netmask string) (IPv4, error) {
	a, err := netip.ParseAddr(address)
	if err != nil || !a.Is4() {
		return IPv4{}, fmt.Errorf("invalid ipv4 address %q", address)
	}
	ip := IPv4{addr: a}
	if m, err := netip.ParseAddr(netmask); err == nil && m.Is4() && isContiguousMask(m) {
		ip.netmask = m
	}
	return ip, nil
}

// IsValidIPv4 reports whether s is a dotted-quad IPv4 address.
func IsValidIPv4(s string) bool {
	a, err := netip.ParseAddr(s)
	return err == nil && a.Is4()
}

// String returns the dotted-quad address.
func (ip IPv4) String() string {
	if !ip.addr.IsValid() {
		return ""
	}
	return ip.addr.String()
}

// Netmask returns the dotted-quad netmask or "" when unset.
func (ip IPv4) Netmask() string {
	if !ip.netmask.IsValid() {
		return ""
	}
	return ip.netmask.String()
}

// IsLoopback reports whether the address is in 127.0.0.0/8.
func (ip IPv4) IsLoopback() bool {
	return ip.addr.IsLoopback()
}

// BroadcastAddress returns the directed broadcast address of the network,
// or "" when the address or netmask is unset.
func (ip IPv4) BroadcastAddress() string {
	if !ip.addr.IsValid() || !ip.netmask.IsValid() {
		return ""
	}
	a := ip.addr.As4()
	m := ip.netmask.As4()
	var b [4]byte
	for i := range b {
		b[i] = a[i] | ^m[i]
	}
	return netip.AddrFrom4(b).String()
}

func isContiguousMask(m netip.Addr) bool {
	b := m.As4()
	_, bits := net.IPv4Mask(b[0], b[1], b[2], b[3]).Size()
	return bits == 32
}

// InterfaceAddresses returns every non-loopback IPv4 address (with netmask)
// configured on an up interface.
func InterfaceAddresses() ([]IPv4, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, fmt.Errorf("list interfaces: %w", err)
	}

	var out []IPv4
	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, a := range addrs {
			ipnet, ok := a.(*net.IPNet)
			if !ok {
				continue
			}
			v4 := ipnet.IP.To4()
			if v4 == nil || len(ipnet.Mask) != net.IPv4len {
				continue
			}
			ip, err := ParseIPv4(v4.String(), net.IP(ipnet.Mask).String())
			if err != nil || ip.IsLoopback() {
				continue
			}
			out = append(out, ip)
		}
	}
	return out, nil
}

// BroadcastAddresses returns the sorted, de-duplicated broadcast addresses
// of the given interface addresses.
func BroadcastAddresses(addrs []IPv4) []string {
	var out []string
	for _, a := range addrs {
		if b := a.BroadcastAddress(); b != "" {
			out = append(out, b)
		}
	}
	slices.Sort(out)
	return slices.Compact(out)
}
