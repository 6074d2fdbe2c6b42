// Package dpi defines the data contract between the packet decoder and the
// connection tracking engine: the parsed-packet shape the tracker consumes,
// and the application-protocol classification the tracker may attach to a
// flow but never produces itself.
package dpi

import (
	"fmt"
	"net/netip"
)

// Protocol identifies the transport (or pseudo-transport, for ICMP/ARP)
// carried by a packet.
type Protocol int

// The protocols the tracker can key a flow on.
const (
	Unknown Protocol = iota
	TCP
	UDP
	ICMP
	ARP
)

func (p Protocol) String() string {
	switch p {
	case TCP:
		return "tcp"
	case UDP:
		return "udp"
	case ICMP:
		return "icmp"
	case ARP:
		return "arp"
	default:
		return "unknown"
	}
}

// Addr is an (ip, port) pair. Port is meaningless for ICMP/ARP and left zero.
type Addr struct {
	IP   netip.Addr
	Port uint16
}

func (a Addr) String() string {
	if a.Port == 0 {
		return a.IP.String()
	}
	return fmt.Sprintf("%s:%d", a.IP, a.Port)
}

// TCPFlags is the subset of TCP header flags the state engine and
// classifiers care about.
type TCPFlags struct {
	SYN, ACK, FIN, RST, PSH, URG bool
}

// ParsedPacket is the fully-resolved packet handed to the tracker by the
// capture package. Protocol, addresses and direction have already been run
// through flow.Resolve by the time the tracker sees one.
type ParsedPacket struct {
	FlowKey    string // assigned by flow.Resolve before the tracker sees this packet
	Protocol   Protocol
	LocalAddr  Addr
	RemoteAddr Addr
	TCPFlags   *TCPFlags // nil for non-TCP
	IsOutgoing bool
	PacketLen  int
	ICMPType   uint8
	ICMPCode   uint8
	ARPOp      uint16
	DPIResult  *DPIResult
}

// DPIResult is the application-layer classification a decoder may attach to
// a packet. The tracker installs it on a Connection at most once per flow.
type DPIResult struct {
	Application ApplicationProtocol
}

// ApplicationKind tags which variant of ApplicationProtocol is populated.
type ApplicationKind int

const (
	AppNone ApplicationKind = iota
	AppHTTP
	AppHTTPS
	AppDNS
	AppSSH
	AppQUIC
)

func (k ApplicationKind) String() string {
	switch k {
	case AppHTTP:
		return "http"
	case AppHTTPS:
		return "https"
	case AppDNS:
		return "dns"
	case AppSSH:
		return "ssh"
	case AppQUIC:
		return "quic"
	default:
		return "none"
	}
}

// ApplicationProtocol is a tagged union over the application protocols the
// CTE can classify a flow as. At most one of the embedded *Info fields is
// non-nil, selected by Kind; AppSSH and AppNone have no *Info field.
type ApplicationProtocol struct {
	Kind  ApplicationKind
	HTTP  *HTTPInfo
	HTTPS *HTTPSInfo
	DNS   *DNSInfo
	QUIC  *QUICInfo
}

// HTTPInfo describes a classified plaintext HTTP exchange.
type HTTPInfo struct {
	Version string
	Method  string
	Host    string
	Path    string
	Status  int
	UserAgent string
}

// HTTPSInfo describes a classified TLS-over-TCP exchange. TLSInfo is nil
// until a ClientHello has been observed.
type HTTPSInfo struct {
	TLSInfo *TLSInfo
}

// DNSInfo describes a classified DNS query/response.
type DNSInfo struct {
	QueryName   string
	QueryType   string
	ResponseIPs []netip.Addr
	IsResponse  bool
}

// CryptoFragment is one CRYPTO frame's offset and bytes, carried from the
// decoder to the tracker so the per-flow reassembler can be fed without
// the tracker needing to re-parse raw packet bytes itself.
type CryptoFragment struct {
	Offset uint64
	Data   []byte
}

// QUICInfo describes a classified QUIC flow.
type QUICInfo struct {
	VersionString  string
	PacketType     string
	ConnectionID   string
	TLSInfo        *TLSInfo
	HasCryptoFrame bool
	CryptoFrames   []CryptoFragment
}

// TLSInfo is the minimal ClientHello-derived information the CTE needs to
// classify an HTTPS or QUIC flow: the server name from the SNI extension.
type TLSInfo struct {
	SNI string
}
