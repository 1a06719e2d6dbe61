// Copyright (c) 2025 The Schnibble developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package addrmgr

import (
	"fmt"
	"net"
)

var (
	// rfc1918Nets specifies the IPv4 private address blocks as defined by
	// RFC1918 (10.0.0.0/8, 172.16.0.0/12, and 192.168.0.0/16).
	rfc1918Nets = []net.IPNet{
		ipNet("10.0.0.0", 8, 32),
		ipNet("172.16.0.0", 12, 32),
		ipNet("192.168.0.0", 16, 32),
	}

	// rfc2544Net specifies the IPv4 block as defined by RFC2544
	// (198.18.0.0/15).
	rfc2544Net = ipNet("198.18.0.0", 15, 32)

	// rfc3849Net specifies the IPv6 documentation address block as defined
	// by RFC3849 (2001:DB8::/32).
	rfc3849Net = ipNet("2001:DB8::", 32, 128)

	// rfc3927Net specifies the IPv4 auto configuration address block as
	// defined by RFC3927 (169.254.0.0/16).
	rfc3927Net = ipNet("169.254.0.0", 16, 32)

	// rfc3964Net specifies the IPv6 to IPv4 encapsulation address block as
	// defined by RFC3964 (2002::/16).
	rfc3964Net = ipNet("2002::", 16, 128)

	// rfc4193Net specifies the IPv6 unique local address block as defined
	// by RFC4193 (FC00::/7).
	rfc4193Net = ipNet("FC00::", 7, 128)

	// rfc4380Net specifies the IPv6 teredo tunneling over UDP address
	// block as defined by RFC4380 (2001::/32).
	rfc4380Net = ipNet("2001::", 32, 128)

	// rfc4843Net specifies the IPv6 ORCHID address block as defined by
	// RFC4843 (2001:10::/28).
	rfc4843Net = ipNet("2001:10::", 28, 128)

	// rfc4862Net specifies the IPv6 stateless address autoconfiguration
	// address block as defined by RFC4862 (FE80::/64).
	rfc4862Net = ipNet("FE80::", 64, 128)

	// rfc5737Net specifies the IPv4 documentation address blocks as
	// defined by RFC5737 (192.0.2.0/24, 198.51.100.0/24, 203.0.113.0/24).
	rfc5737Net = []net.IPNet{
		ipNet("192.0.2.0", 24, 32),
		ipNet("198.51.100.0", 24, 32),
		ipNet("203.0.113.0", 24, 32),
	}

	// rfc6052Net specifies the IPv6 well-known prefix address block as
	// defined by RFC6052 (64:FF9B::/96).
	rfc6052Net = ipNet("64:FF9B::", 96, 128)

	// rfc6145Net specifies the IPv6 to IPv4 translated address range as
	// defined by RFC6145 (::FFFF:0:0:0/96).
	rfc6145Net = ipNet("::FFFF:0:0:0", 96, 128)

	// rfc6598Net specifies the IPv4 block as defined by RFC6598
	// (100.64.0.0/10).
	rfc6598Net = ipNet("100.64.0.0", 10, 32)

	// onionCatNet defines the IPv6 address block used by OnionCat to embed
	// a Tor v2 hidden-service address in 16 bytes: the magic prefix
	// fd87:d87e:eb43:: followed by the first 10 bytes of the service's
	// base32-decoded hostname.
	onionCatNet = ipNet("fd87:d87e:eb43::", 48, 128)

	// zero4Net defines the IPv4 address block for addresses starting with
	// 0 (0.0.0.0/8).
	zero4Net = ipNet("0.0.0.0", 8, 32)

	// heNet defines the Hurricane Electric IPv6 address block, which gets
	// a wider group prefix than the rest of IPv6 (see Group below).
	heNet = ipNet("2001:470::", 32, 128)
)

// ipNet returns a net.IPNet given an IP string, the number of one bits to
// include at the start of the mask, and the total number of bits in the
// mask.
func ipNet(ip string, ones, bits int) net.IPNet {
	return net.IPNet{IP: net.ParseIP(ip), Mask: net.CIDRMask(ones, bits)}
}

func isIPv4(ip net.IP) bool {
	return ip.To4() != nil
}

func isLocal(ip net.IP) bool {
	return ip.IsLoopback() || zero4Net.Contains(ip)
}

// isOnionCatTor reports whether ip falls in the IPv6 range OnionCat (and
// this package) use to embed Tor v2 hidden-service addresses.
func isOnionCatTor(ip net.IP) bool {
	return onionCatNet.Contains(ip)
}

func isRFC1918(ip net.IP) bool {
	for _, rfc := range rfc1918Nets {
		if rfc.Contains(ip) {
			return true
		}
	}
	return false
}

func isRFC2544(ip net.IP) bool { return rfc2544Net.Contains(ip) }
func isRFC3849(ip net.IP) bool { return rfc3849Net.Contains(ip) }
func isRFC3927(ip net.IP) bool { return rfc3927Net.Contains(ip) }
func isRFC3964(ip net.IP) bool { return rfc3964Net.Contains(ip) }
func isRFC4193(ip net.IP) bool { return rfc4193Net.Contains(ip) }
func isRFC4380(ip net.IP) bool { return rfc4380Net.Contains(ip) }
func isRFC4843(ip net.IP) bool { return rfc4843Net.Contains(ip) }
func isRFC4862(ip net.IP) bool { return rfc4862Net.Contains(ip) }

func isRFC5737(ip net.IP) bool {
	for _, rfc := range rfc5737Net {
		if rfc.Contains(ip) {
			return true
		}
	}
	return false
}

func isRFC6052(ip net.IP) bool { return rfc6052Net.Contains(ip) }
func isRFC6145(ip net.IP) bool { return rfc6145Net.Contains(ip) }
func isRFC6598(ip net.IP) bool { return rfc6598Net.Contains(ip) }

// isValid reports whether ip is a plausible routable candidate at all:
// not the zero address and not the IPv4 broadcast address.
func isValid(ip net.IP) bool {
	return ip != nil && !(ip.IsUnspecified() || ip.Equal(net.IPv4bcast))
}

// IsRoutable reports whether ip is routable over the public internet. An
// address is routable if it is valid and does not fall within any
// reserved, private, or otherwise non-public range.
func IsRoutable(ip net.IP) bool {
	return isValid(ip) && !(isRFC1918(ip) || isRFC2544(ip) ||
		isRFC3927(ip) || isRFC4862(ip) || isRFC3849(ip) ||
		isRFC4843(ip) || isRFC5737(ip) || isRFC6598(ip) ||
		isLocal(ip) || (isRFC4193(ip) && !isOnionCatTor(ip)))
}

// Group returns a string representing the network group an endpoint's
// address belongs to, for attacker-dispersion purposes: the /16 for IPv4,
// the /32 for IPv6 (/36 for Hurricane Electric's range), "local" for a
// local address, "tor:N" for an OnionCat address (keyed on the low four
// bits of the first byte of the embedded onion key), and "unroutable"
// otherwise.
func Group(e Endpoint) string {
	ip := e.IP
	if isLocal(ip) {
		return "local"
	}
	if !IsRoutable(ip) {
		return "unroutable"
	}
	if isIPv4(ip) {
		return ip.Mask(net.CIDRMask(16, 32)).String()
	}
	if isRFC6145(ip) || isRFC6052(ip) {
		// Last four bytes are the embedded IPv4 address.
		newIP := ip[12:16]
		return newIP.Mask(net.CIDRMask(16, 32)).String()
	}
	if isRFC3964(ip) {
		newIP := ip[2:6]
		return newIP.Mask(net.CIDRMask(16, 32)).String()
	}
	if isRFC4380(ip) {
		// Teredo tunnels store the last four bytes as the IPv4 address
		// XOR 0xff.
		newIP := make(net.IP, 4)
		for i, b := range ip[12:16] {
			newIP[i] = b ^ 0xff
		}
		return newIP.Mask(net.CIDRMask(16, 32)).String()
	}
	if isOnionCatTor(ip) {
		return fmt.Sprintf("tor:%d", ip[6]&((1<<4)-1))
	}

	// Plain IPv6: /32 for everything except Hurricane Electric's range,
	// which gets /36.
	bits := 32
	if heNet.Contains(ip) {
		bits = 36
	}
	return ip.Mask(net.CIDRMask(bits, 128)).String()
}
