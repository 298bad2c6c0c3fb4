package socket

import (
	"fmt"
	"net"

	"github.com/patchbay/sacn"
)

// MulticastGroup returns the multicast group address for a data
// universe in the given family:
//
//	IPv4: 239.255.<universe/256>.<universe%256>
//	IPv6: ff18::83:00:<universe/256 hex>:<universe%256 hex>
func MulticastGroup(universe uint16, family sacn.IPFamily) net.IP {
	hi := byte(universe >> 8)
	lo := byte(universe & 0xff)
	if family == sacn.IPFamilyIPv6 {
		return net.ParseIP(fmt.Sprintf("ff18::83:00:%02x:%02x", hi, lo))
	}
	return net.IPv4(239, 255, hi, lo)
}

// DiscoveryGroup returns the well-known universe-discovery multicast
// group for the given family.
func DiscoveryGroup(family sacn.IPFamily) net.IP {
	if family == sacn.IPFamilyIPv6 {
		return net.ParseIP("ff18::83:00:fa:d6")
	}
	return net.IPv4(239, 255, 250, 214)
}
