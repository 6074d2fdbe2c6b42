// Package capture adapts a live packet source into the dpi.ParsedPacket
// contract the connection tracker consumes: it owns the link-layer/IP/
// transport decode, invokes flow.Resolve to assign flow identity and
// direction, and performs the minimal QUIC long-header inspection the
// tracker needs to classify QUIC flows on UDP port 443. TCP payloads,
// including HTTPS, are not classified here.
package capture

import (
	"errors"
	"net/netip"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"

	"github.com/flowwatch/flowwatch/dpi"
	"github.com/flowwatch/flowwatch/flow"
	"github.com/flowwatch/flowwatch/quicwire"
)

// ErrCaptureOpen is returned by Source.Open when the capture interface
// cannot be opened at all (missing device, permission denied). It is the
// one capture-related error the tracker treats as fatal.
var ErrCaptureOpen = errors.New("capture: could not open capture source")

// minFrameLen is the Ethernet + IPv4 + transport minimum below which a
// frame is dropped silently, per the flow resolver's input contract.
const minFrameLen = 14 + 20 + 8

// Source is a live packet source: something that can be opened once and
// then polled for raw link-layer frames, one frame per ReadPacket call.
// Implementations must honor a short internal read timeout so that a
// cooperative stop is observed promptly.
type Source interface {
	// Open prepares the source for reading, applying a "tcp or udp" BPF
	// filter at the link layer. Returns ErrCaptureOpen on failure.
	Open() error
	// ReadPacket returns the next available raw frame, or ok=false if none
	// is available within the source's internal read timeout.
	ReadPacket() (frame []byte, ok bool, err error)
	// Close releases the capture handle.
	Close() error
}

// Decode turns one raw Ethernet+IPv4 frame into a fully resolved
// dpi.ParsedPacket, or ok=false if the frame is too short or not an IPv4
// packet the core understands.
func Decode(frame []byte, now time.Time) (pkt dpi.ParsedPacket, ok bool) {
	if len(frame) < minFrameLen {
		return dpi.ParsedPacket{}, false
	}

	gp := gopacket.NewPacket(frame, layers.LayerTypeEthernet, gopacket.DecodeOptions{
		Lazy:   true,
		NoCopy: true,
	})

	ipLayer := gp.Layer(layers.LayerTypeIPv4)
	if ipLayer == nil {
		return dpi.ParsedPacket{}, false
	}
	ip4, ok := ipLayer.(*layers.IPv4)
	if !ok {
		return dpi.ParsedPacket{}, false
	}
	srcIP, srcOK := netip.AddrFromSlice(ip4.SrcIP.To4())
	dstIP, dstOK := netip.AddrFromSlice(ip4.DstIP.To4())
	if !srcOK || !dstOK {
		return dpi.ParsedPacket{}, false
	}

	var proto dpi.Protocol
	var srcPort, dstPort uint16
	var tcpFlags *dpi.TCPFlags
	var payload []byte

	switch {
	case gp.Layer(layers.LayerTypeTCP) != nil:
		tcp, _ := gp.Layer(layers.LayerTypeTCP).(*layers.TCP)
		proto = dpi.TCP
		srcPort, dstPort = uint16(tcp.SrcPort), uint16(tcp.DstPort)
		tcpFlags = &dpi.TCPFlags{
			FIN: tcp.FIN, SYN: tcp.SYN, RST: tcp.RST,
			PSH: tcp.PSH, ACK: tcp.ACK, URG: tcp.URG,
		}
		payload = tcp.LayerPayload()
	case gp.Layer(layers.LayerTypeUDP) != nil:
		udp, _ := gp.Layer(layers.LayerTypeUDP).(*layers.UDP)
		proto = dpi.UDP
		srcPort, dstPort = uint16(udp.SrcPort), uint16(udp.DstPort)
		payload = udp.LayerPayload()
	case gp.Layer(layers.LayerTypeICMPv4) != nil:
		proto = dpi.ICMP
	default:
		return dpi.ParsedPacket{}, false
	}

	key, local, remote, isOutgoing := flow.Resolve(flow.Tuple{
		Protocol: proto,
		SrcIP:    srcIP,
		SrcPort:  srcPort,
		DstIP:    dstIP,
		DstPort:  dstPort,
	})

	pkt = dpi.ParsedPacket{
		FlowKey:    key,
		Protocol:   proto,
		LocalAddr:  local,
		RemoteAddr: remote,
		TCPFlags:   tcpFlags,
		IsOutgoing: isOutgoing,
		PacketLen:  len(frame),
	}
	if proto == dpi.ICMP {
		if icmp, ok := gp.Layer(layers.LayerTypeICMPv4).(*layers.ICMPv4); ok {
			pkt.ICMPType = icmp.TypeCode.Type()
			pkt.ICMPCode = icmp.TypeCode.Code()
		}
	}

	if proto == dpi.UDP && (srcPort == 443 || dstPort == 443) && len(payload) > 0 {
		pkt.DPIResult = classifyQUIC(payload)
	}

	return pkt, true
}

// classifyQUIC attempts to recognize a QUIC long-header packet and surface
// its CRYPTO frames for the tracker's reassembler; it never fails the
// packet, it simply omits DPIResult when the payload isn't recognizable
// QUIC.
func classifyQUIC(payload []byte) *dpi.DPIResult {
	hdr, rest, ok := quicwire.ParseLongHeader(payload)
	if !ok {
		return nil
	}
	frames := quicwire.ExtractCryptoFrames(rest)
	fragments := make([]dpi.CryptoFragment, len(frames))
	for i, f := range frames {
		fragments[i] = dpi.CryptoFragment{Offset: f.Offset, Data: f.Data}
	}
	info := &dpi.QUICInfo{
		VersionString:  quicwire.VersionString(hdr.Version),
		PacketType:     hdr.Type.String(),
		ConnectionID:   connIDString(hdr.DestConnID),
		HasCryptoFrame: len(frames) > 0,
		CryptoFrames:   fragments,
	}
	return &dpi.DPIResult{
		Application: dpi.ApplicationProtocol{Kind: dpi.AppQUIC, QUIC: info},
	}
}

func connIDString(b []byte) string {
	const hex = "0123456789abcdef"
	out := make([]byte, len(b)*2)
	for i, c := range b {
		out[i*2] = hex[c>>4]
		out[i*2+1] = hex[c&0x0f]
	}
	return string(out)
}
