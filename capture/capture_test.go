package capture

import (
	"encoding/binary"
	"testing"
	"time"

	"github.com/flowwatch/flowwatch/dpi"
)

func ethernetHeader() []byte {
	h := make([]byte, 14)
	binary.BigEndian.PutUint16(h[12:14], 0x0800) // IPv4
	return h
}

func ipv4Header(protocol byte, totalLen uint16, src, dst [4]byte) []byte {
	h := make([]byte, 20)
	h[0] = 0x45 // version 4, IHL 5
	binary.BigEndian.PutUint16(h[2:4], totalLen)
	h[8] = 64 // TTL
	h[9] = protocol
	copy(h[12:16], src[:])
	copy(h[16:20], dst[:])
	return h
}

func tcpHeader(srcPort, dstPort uint16, flags byte) []byte {
	h := make([]byte, 20)
	binary.BigEndian.PutUint16(h[0:2], srcPort)
	binary.BigEndian.PutUint16(h[2:4], dstPort)
	h[12] = 5 << 4 // data offset = 5 words, no options
	h[13] = flags
	return h
}

func udpHeader(srcPort, dstPort uint16, length uint16) []byte {
	h := make([]byte, 8)
	binary.BigEndian.PutUint16(h[0:2], srcPort)
	binary.BigEndian.PutUint16(h[2:4], dstPort)
	binary.BigEndian.PutUint16(h[4:6], length)
	return h
}

func TestDecodeTooShortDropped(t *testing.T) {
	frame := make([]byte, 14) // Ethernet only, below the 14+20+8 minimum
	if _, ok := Decode(frame, time.Now()); ok {
		t.Fatal("undersized frame should be dropped")
	}
}

func TestDecodeMinimalTCPBoundary(t *testing.T) {
	// 14 (eth) + 20 (ip) + 8 (tcp, no full header) is below the TCP header
	// minimum of 20 bytes, so this exercises the transport-length guard.
	frame := append(ethernetHeader(), ipv4Header(6, 28, [4]byte{10, 0, 0, 5}, [4]byte{8, 8, 8, 8})...)
	frame = append(frame, make([]byte, 8)...)
	if _, ok := Decode(frame, time.Now()); ok {
		t.Fatal("truncated TCP header should be dropped")
	}
}

func buildTCPFrame(srcIP, dstIP [4]byte, srcPort, dstPort uint16, flags byte) []byte {
	frame := append(ethernetHeader(), ipv4Header(6, 40, srcIP, dstIP)...)
	frame = append(frame, tcpHeader(srcPort, dstPort, flags)...)
	return frame
}

func TestDecodeTCPOutbound(t *testing.T) {
	frame := buildTCPFrame([4]byte{10, 0, 0, 5}, [4]byte{8, 8, 8, 8}, 54000, 80, 0x02) // SYN
	pkt, ok := Decode(frame, time.Now())
	if !ok {
		t.Fatal("expected frame to decode")
	}
	if pkt.Protocol != dpi.TCP {
		t.Fatalf("protocol = %v, want TCP", pkt.Protocol)
	}
	if !pkt.IsOutgoing {
		t.Fatal("expected outbound")
	}
	if pkt.LocalAddr.Port != 54000 || pkt.RemoteAddr.Port != 80 {
		t.Fatalf("got local=%v remote=%v", pkt.LocalAddr, pkt.RemoteAddr)
	}
	if pkt.TCPFlags == nil || !pkt.TCPFlags.SYN {
		t.Fatalf("expected SYN flag set, got %+v", pkt.TCPFlags)
	}
	if pkt.FlowKey == "" {
		t.Fatal("expected a non-empty flow key")
	}
}

func TestDecodeUDPNonQUICPort(t *testing.T) {
	frame := append(ethernetHeader(), ipv4Header(17, 28, [4]byte{10, 0, 0, 5}, [4]byte{8, 8, 8, 8})...)
	frame = append(frame, udpHeader(53000, 53, 8)...)
	pkt, ok := Decode(frame, time.Now())
	if !ok {
		t.Fatal("expected frame to decode")
	}
	if pkt.Protocol != dpi.UDP {
		t.Fatalf("protocol = %v, want UDP", pkt.Protocol)
	}
	if pkt.DPIResult != nil {
		t.Fatal("non-443 UDP traffic should not be QUIC-classified")
	}
}

func TestDecodeRejectsNonIPv4EtherType(t *testing.T) {
	frame := ethernetHeader()
	binary.BigEndian.PutUint16(frame[12:14], 0x86DD) // IPv6
	frame = append(frame, make([]byte, 28)...)
	if _, ok := Decode(frame, time.Now()); ok {
		t.Fatal("non-IPv4 ethertype should be dropped in the core")
	}
}
