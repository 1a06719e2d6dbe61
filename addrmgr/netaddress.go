// Copyright (c) 2025 The Schnibble developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package addrmgr

import (
	"encoding/base32"
	"net"
	"strconv"
	"strings"
	"time"
)

// Endpoint is a 16-byte IPv6-mapped network address, port, advertised
// service bitmask, and last-seen timestamp. It is the only address shape
// this package understands; endpoints whose natural representation is not
// 16 bytes (such as Tor v3's 32-byte keys) are out of scope.
type Endpoint struct {
	// IP holds the address in 16-byte form. IPv4 addresses are stored
	// IPv6-mapped (::ffff:a.b.c.d), matching net.IP's own convention.
	IP net.IP

	// Port is the peer's listening port.
	Port uint16

	// Services is the bitmask of services the peer advertised.
	Services uint64

	// Time is the last time this endpoint was advertised to us.
	Time time.Time
}

// NewEndpoint builds an Endpoint from an IP, port, services bitmask, and
// advertised timestamp. The IP is canonicalized to 16-byte form.
func NewEndpoint(ip net.IP, port uint16, services uint64, ts time.Time) Endpoint {
	canon := ip.To16()
	if canon == nil {
		canon = make(net.IP, 16)
	}
	return Endpoint{
		IP:       canon,
		Port:     port,
		Services: services,
		Time:     time.Unix(ts.Unix(), 0),
	}
}

// AddService adds the provided service bits to the set of services this
// endpoint advertises.
func (e *Endpoint) AddService(services uint64) {
	e.Services |= services
}

// Clone returns a value copy of the endpoint. The IP slice is copied so
// that mutating the clone's IP cannot alias the original.
func (e Endpoint) Clone() Endpoint {
	ipCopy := make(net.IP, len(e.IP))
	copy(ipCopy, e.IP)
	e.IP = ipCopy
	return e
}

// ipString returns the string form of the IP, rendering OnionCat-range
// addresses as a lowercase .onion hostname.
func (e Endpoint) ipString() string {
	if isOnionCatTor(e.IP) {
		enc := base32.StdEncoding.EncodeToString(e.IP[6:])
		return strings.ToLower(enc) + ".onion"
	}
	return e.IP.String()
}

// Key returns a string uniquely identifying this endpoint by address and
// port, suitable for use as a map key.
func (e Endpoint) Key() string {
	return net.JoinHostPort(e.ipString(), strconv.FormatUint(uint64(e.Port), 10))
}

// String satisfies fmt.Stringer and is equivalent to Key.
func (e Endpoint) String() string {
	return e.Key()
}

// ip16 returns the endpoint's address as a fixed 16-byte array, zero-filling
// if the stored slice is shorter for any reason.
func (e Endpoint) ip16() [16]byte {
	var out [16]byte
	ip := e.IP.To16()
	if ip != nil {
		copy(out[:], ip)
	} else {
		copy(out[:], e.IP)
	}
	return out
}
