// Package flow computes canonical flow identity and endpoint locality for a
// decoded packet. It is the first stage every packet passes through before
// the connection tracker will accept it: nothing downstream ever reorders or
// recomputes a flow's key or its notion of which endpoint is "local".
package flow

import (
	"fmt"
	"net/netip"

	"github.com/flowwatch/flowwatch/dpi"
)

var privateRanges = []netip.Prefix{
	netip.MustParsePrefix("10.0.0.0/8"),
	netip.MustParsePrefix("172.16.0.0/12"),
	netip.MustParsePrefix("192.168.0.0/16"),
	netip.MustParsePrefix("127.0.0.0/8"),
}

// Tuple is the decoded addressing information a packet decoder hands to
// Resolve, mirroring the wire fields of one packet.
type Tuple struct {
	Protocol dpi.Protocol
	SrcIP    netip.Addr
	SrcPort  uint16
	DstIP    netip.Addr
	DstPort  uint16
}

// IsOutgoing reports whether src is considered the local endpoint under the
// direction policy: any IPv4 address in 10/8, 172.16/12, 192.168/16 or
// 127/8 is treated as local. IPv6 is always non-local, a deliberate
// simplification pending an interface-address registry.
func IsOutgoing(src netip.Addr) bool {
	if !src.Is4() {
		return false
	}
	for _, p := range privateRanges {
		if p.Contains(src) {
			return true
		}
	}
	return false
}

// Key formats the canonical, order-stable textual flow identity for a
// (protocol, local, remote) triple.
func Key(protocol dpi.Protocol, local, remote dpi.Addr) string {
	return fmt.Sprintf("%s:%s-%s:%s", protocol, local, protocol, remote)
}

// Resolve computes the flow key, the local/remote addresses, and the
// direction for a decoded packet tuple, per the direction policy above.
func Resolve(t Tuple) (key string, local, remote dpi.Addr, isOutgoing bool) {
	isOutgoing = IsOutgoing(t.SrcIP)
	src := dpi.Addr{IP: t.SrcIP, Port: t.SrcPort}
	dst := dpi.Addr{IP: t.DstIP, Port: t.DstPort}
	if isOutgoing {
		local, remote = src, dst
	} else {
		local, remote = dst, src
	}
	key = Key(t.Protocol, local, remote)
	return
}
