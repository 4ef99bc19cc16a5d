// Package netinfo enumerates local IPv4 interfaces and derives the
// broadcast addresses and chunk size the protocol engines bind against.
//
// Grounded on orbstack-swift-nio's macvmgr/vnet/netutil/address.go, which
// solves the same "what's my usable IPv4 surface" problem for a vnet stack;
// generalized here to also compute subnet broadcast addresses, which that
// file did not need.
package netinfo

import (
	"net"

	"github.com/sirupsen/logrus"
)

// DefaultChunkSize is the cap applied before consulting SO_SNDBUF.
const DefaultChunkSize = 64 * 1024

// LocalIPv4Addresses returns the set of usable unicast IPv4 addresses on
// this host: loopback (127.0.0.0/8) and link-local (169.254.0.0/16) ranges
// are excluded.
func LocalIPv4Addresses() ([]net.IP, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, err
	}

	var addrs []net.IP
	for _, iface := range ifaces {
		ifaceAddrs, err := iface.Addrs()
		if err != nil {
			logrus.WithError(err).WithField("iface", iface.Name).Debug("netinfo: skipping interface")
			continue
		}
		for _, a := range ifaceAddrs {
			ip, _, err := net.ParseCIDR(a.String())
			if err != nil {
				continue
			}
			ip4 := ip.To4()
			if ip4 == nil {
				continue
			}
			if excluded(ip4) {
				continue
			}
			addrs = append(addrs, ip4)
		}
	}
	return addrs, nil
}

func excluded(ip net.IP) bool {
	if ip.IsLoopback() {
		return true
	}
	if ip.IsLinkLocalUnicast() {
		return true
	}
	return false
}

// Subnet pairs a usable IPv4 address with its subnet broadcast address.
type Subnet struct {
	IP        net.IP
	Broadcast net.IP
}

// BroadcastsFor returns the subnet broadcast address(es) to emit hellos on.
// When bindIP is "0.0.0.0" (or empty), every non-excluded interface
// contributes its own broadcast address; otherwise only the interface
// owning bindIP contributes (and the result is empty if bindIP isn't a
// local address).
func BroadcastsFor(bindIP string) ([]Subnet, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, err
	}

	var subnets []Subnet
	for _, iface := range ifaces {
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, a := range addrs {
			ipnet, ok := a.(*net.IPNet)
			if !ok {
				continue
			}
			ip4 := ipnet.IP.To4()
			if ip4 == nil || excluded(ip4) {
				continue
			}

			broadcast := make(net.IP, len(ip4))
			mask := ipnet.Mask
			for i := range ip4 {
				broadcast[i] = ip4[i] | ^mask[i]
			}
			subnets = append(subnets, Subnet{IP: ip4, Broadcast: broadcast})
		}
	}

	if bindIP == "" || bindIP == "0.0.0.0" {
		return subnets, nil
	}

	for _, s := range subnets {
		if s.IP.Equal(net.ParseIP(bindIP)) {
			return []Subnet{s}, nil
		}
	}
	return nil, nil
}

// RecommendedChunkSize returns min(cap, kernel SO_SNDBUF) for a fresh UDP
// socket, matching the reference implementation's set_chunk_size(). The
// SO_SNDBUF lookup itself is platform-specific; see sndbuf_linux.go.
func RecommendedChunkSize(cap int) int {
	if cap <= 0 {
		cap = DefaultChunkSize
	}

	sndbuf, err := querySendBuffer()
	if err != nil {
		logrus.WithError(err).Debug("netinfo: SO_SNDBUF lookup failed, using cap unmodified")
		return cap
	}

	if sndbuf > 0 && sndbuf < cap {
		return sndbuf
	}
	return cap
}
